// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 The procflow Authors
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package definition

import "github.com/uengine-oss/procflow/pkg/model"

// JoinAllows decides whether flow may proceed past a join gateway given the
// work-item statuses of the sibling block branches.
//
//   - parallelGateway: every branch must be settled; any TODO, PENDING or
//     IN_PROGRESS branch blocks.
//   - inclusiveGateway: at least one settled branch and no branch still
//     IN_PROGRESS; a TODO sibling does not block once another branch is done.
//   - exclusiveGateway: at least one settled branch; sibling states are
//     ignored (single-path semantics).
//
// Unknown gateway types do not gate progress.
func JoinAllows(gatewayType string, statuses []model.Status) bool {
	switch gatewayType {
	case TypeParallelGateway:
		for _, s := range statuses {
			if !s.IsSettled() {
				return false
			}
		}
		return true

	case TypeInclusiveGateway:
		settled := false
		for _, s := range statuses {
			if s == model.StatusInProgress {
				return false
			}
			if s.IsSettled() {
				settled = true
			}
		}
		return settled

	case TypeExclusiveGateway:
		for _, s := range statuses {
			if s.IsSettled() {
				return true
			}
		}
		return false

	default:
		return true
	}
}
