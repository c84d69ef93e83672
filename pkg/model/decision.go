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

package model

import (
	"fmt"
	"strings"
)

// End-event ids accepted in a nextActivityId to terminate the instance.
var endEventAliases = map[string]bool{
	"endEvent":    true,
	"END_PROCESS": true,
	"end_event":   true,
}

// IsEndEventID reports whether a next-activity id terminates the instance.
func IsEndEventID(id string) bool {
	return endEventAliases[id]
}

// CompletedActivity is one completed step reported by the reasoning layer.
type CompletedActivity struct {
	CompletedActivityID   string `json:"completedActivityId"`
	CompletedActivityName string `json:"completedActivityName"`
	CompletedUserEmail    string `json:"completedUserEmail"`
	Result                string `json:"result"`
	Description           string `json:"description"`
}

// NextActivity is one step the reasoning layer proposes to advance to.
type NextActivity struct {
	NextActivityID   string `json:"nextActivityId"`
	NextActivityName string `json:"nextActivityName"`
	NextUserEmail    string `json:"nextUserEmail"`
	Result           string `json:"result"`
	Description      string `json:"description"`
}

// ProceedError is one reason the instance cannot advance.
type ProceedError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ReferenceItem carries free-form traceability data through to the chat log.
type ReferenceItem struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Decision is the validated payload the reasoning layer returns for a work
// item. The engine never applies raw LLM output to instance state; it parses
// into this DTO first and the resolver applies it.
type Decision struct {
	InstanceID          string              `json:"instanceId"`
	InstanceName        string              `json:"instanceName"`
	ProcessDefinitionID string              `json:"processDefinitionId"`
	FieldMappings       []Variable          `json:"fieldMappings"`
	RoleBindings        []RoleBinding       `json:"roleBindings"`
	CompletedActivities []CompletedActivity `json:"completedActivities"`
	NextActivities      []NextActivity      `json:"nextActivities"`
	CannotProceedErrors []ProceedError      `json:"cannotProceedErrors"`
	ReferenceInfo       []ReferenceItem     `json:"referenceInfo"`
}

// Validate checks the structural invariants of a decision payload.
func (d *Decision) Validate() error {
	if d.ProcessDefinitionID == "" {
		return fmt.Errorf("decision missing processDefinitionId")
	}

	for i, c := range d.CompletedActivities {
		if c.CompletedActivityID == "" {
			return fmt.Errorf("completedActivities[%d] missing completedActivityId", i)
		}
	}

	for i, n := range d.NextActivities {
		if n.NextActivityID == "" {
			return fmt.Errorf("nextActivities[%d] missing nextActivityId", i)
		}
		switch n.Result {
		case "", string(StatusInProgress), string(StatusPending), string(StatusDone), string(StatusTodo):
		default:
			return fmt.Errorf("nextActivities[%d] has invalid result %q", i, n.Result)
		}
	}

	for i, e := range d.CannotProceedErrors {
		switch e.Type {
		case ErrProceedConditionNotMet, ErrDataFieldNotExist, ErrSystemError:
		default:
			return fmt.Errorf("cannotProceedErrors[%d] has unknown type %q", i, e.Type)
		}
	}

	return nil
}

// CanProceed reports whether the decision allows forward progress.
func (d *Decision) CanProceed() bool {
	return len(d.CannotProceedErrors) == 0
}

// ErrorSummary joins the proceed errors into one human-readable line.
func (d *Decision) ErrorSummary() string {
	return SummarizeProceedErrors(d.CannotProceedErrors)
}

// SummarizeProceedErrors renders proceed errors as one human-readable line
// for work-item logs.
func SummarizeProceedErrors(errs []ProceedError) string {
	if len(errs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Type, e.Reason))
	}
	return strings.Join(parts, "; ")
}
