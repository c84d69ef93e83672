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

import "time"

// Event types recorded in the audit stream.
const (
	EventTaskStarted       = "task_started"
	EventTaskCompleted     = "task_completed"
	EventToolUsageFinished = "tool_usage_finished"
)

// CrewTypeAction marks events produced by side-effectful action crews.
// Only these are eligible for compensation synthesis.
const CrewTypeAction = "action"

// EventEntry is one record of the append-only events stream.
type EventEntry struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	JobID      string         `json:"job_id"`
	TodoID     string         `json:"todo_id"`
	ProcInstID string         `json:"proc_inst_id"`
	EventType  string         `json:"event_type"`
	CrewType   string         `json:"crew_type"`
	Data       map[string]any `json:"data"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ToolName extracts the tool name from the event payload, if present.
func (e *EventEntry) ToolName() string {
	if e.Data == nil {
		return ""
	}
	if name, ok := e.Data["tool_name"].(string); ok {
		return name
	}
	if name, ok := e.Data["tool"].(string); ok {
		return name
	}
	return ""
}

// ToolArgs extracts the tool arguments map from the event payload.
func (e *EventEntry) ToolArgs() map[string]any {
	if e.Data == nil {
		return nil
	}
	if args, ok := e.Data["arguments"].(map[string]any); ok {
		return args
	}
	if args, ok := e.Data["args"].(map[string]any); ok {
		return args
	}
	return nil
}
