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
	"time"

	"github.com/google/uuid"
)

// Assignee is a resolved participant on a work item.
type Assignee struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
}

// WorkItem is a materialized execution record for an activity in an instance,
// the unit the dispatcher claims. It maps to the todolist table.
type WorkItem struct {
	ID             string         `json:"id"`
	ProcInstID     string         `json:"proc_inst_id"`
	ProcDefID      string         `json:"proc_def_id"`
	ActivityID     string         `json:"activity_id"`
	ActivityName   string         `json:"activity_name"`
	UserID         string         `json:"user_id"`
	Username       string         `json:"username"`
	Status         Status         `json:"status"`
	Assignees      []Assignee     `json:"assignees"`
	ReferenceIDs   []string       `json:"reference_ids"`
	Duration       int            `json:"duration"`
	Output         map[string]any `json:"output"`
	Draft          map[string]any `json:"draft"`
	Feedback       []string       `json:"feedback"`
	Tool           string         `json:"tool"`
	StartDate      *time.Time     `json:"start_date"`
	EndDate        *time.Time     `json:"end_date"`
	DueDate        *time.Time     `json:"due_date"`
	Retry          int            `json:"retry"`
	Consumer       *string        `json:"consumer"`
	Log            string         `json:"log"`
	AgentMode      AgentMode      `json:"agent_mode"`
	AgentOrch      string         `json:"agent_orch"`
	ExecutionScope string         `json:"execution_scope"`
	ReworkCount    int            `json:"rework_count"`
	ProjectID      string         `json:"project_id"`
	RootProcInstID string         `json:"root_proc_inst_id"`
	Query          string         `json:"query"`
	TenantID       string         `json:"tenant_id"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NewWorkItem creates a TODO work item for an activity in an instance.
func NewWorkItem(instanceID, defID, activityID, activityName, tenantID string) *WorkItem {
	return &WorkItem{
		ID:           uuid.New().String(),
		ProcInstID:   instanceID,
		ProcDefID:    defID,
		ActivityID:   activityID,
		ActivityName: activityName,
		Status:       StatusTodo,
		AgentMode:    AgentModeNone,
		AgentOrch:    AgentOrchNone,
		TenantID:     tenantID,
		UpdatedAt:    time.Now(),
	}
}

// Claimed reports whether a replica currently owns this work item.
func (w *WorkItem) Claimed() bool {
	return w.Consumer != nil && *w.Consumer != ""
}

// FormOutput returns the nested field map for a given form id in the output,
// or nil when absent.
func (w *WorkItem) FormOutput(formID string) map[string]any {
	if w.Output == nil {
		return nil
	}
	nested, ok := w.Output[formID].(map[string]any)
	if !ok {
		return nil
	}
	return nested
}
