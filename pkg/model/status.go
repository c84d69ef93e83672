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

// Package model defines the engine's persistent entities and wire payloads.
//
// The canonical status vocabulary lives here. Work items move through
// TODO → IN_PROGRESS/SUBMITTED → DONE/ERROR, subject to rework creating a new
// row; instances move NEW → RUNNING → COMPLETED and are never demoted.
package model

// Status is the work-item status vocabulary.
type Status string

const (
	StatusTodo       Status = "TODO"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSubmitted  Status = "SUBMITTED"
	StatusDone       Status = "DONE"
	StatusError      Status = "ERROR"
	StatusPending    Status = "PENDING"
)

// IsTerminal reports whether the status permits no further forward transitions.
// Terminal rows only change through explicit compensation or rework, which
// create new rows.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusError:
		return true
	}
	return false
}

// IsSettled reports whether a sibling branch in a join counts as finished.
// SUBMITTED counts: the branch's own work is done and only advancement remains.
func (s Status) IsSettled() bool {
	switch s {
	case StatusDone, StatusSubmitted, StatusError:
		return true
	}
	return false
}

// InstanceStatus is the process-instance status vocabulary.
type InstanceStatus string

const (
	InstanceNew       InstanceStatus = "NEW"
	InstanceRunning   InstanceStatus = "RUNNING"
	InstanceCompleted InstanceStatus = "COMPLETED"
)

// AgentMode tags a work item with its assignee automation level.
type AgentMode string

const (
	AgentModeNone AgentMode = "none"
	AgentModeA2A  AgentMode = "A2A"
)

// AgentOrch tags the orchestration runner for a work item.
// Free-form values beyond these two are accepted and passed through.
const (
	AgentOrchNone       = "none"
	AgentOrchCrewAction = "crewai-action"
)

// Error types appearing in the decision payload's cannotProceedErrors.
const (
	ErrProceedConditionNotMet = "PROCEED_CONDITION_NOT_MET"
	ErrDataFieldNotExist      = "DATA_FIELD_NOT_EXIST"
	ErrSystemError            = "SYSTEM_ERROR"
)

// UserType classifies a resolved assignee endpoint.
type UserType string

const (
	UserTypeUser             UserType = "user"
	UserTypeAgent            UserType = "agent"
	UserTypeA2A              UserType = "a2a"
	UserTypeExternalCustomer UserType = "external_customer"
	UserTypeUnknown          UserType = "unknown"
)

// ExternalCustomerID is the sentinel user id bound to external-customer roles.
const ExternalCustomerID = "external_customer"
