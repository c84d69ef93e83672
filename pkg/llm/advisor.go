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

package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/uengine-oss/procflow/pkg/model"
)

// NextStepRequest is the full context assembled for a next-step decision.
type NextStepRequest struct {
	WorkItem       *model.WorkItem           `json:"workItem"`
	Definition     json.RawMessage           `json:"processDefinition"`
	Output         map[string]any            `json:"output"`
	InputContext   map[string]map[string]any `json:"inputContext"`
	ConditionData  map[string]map[string]any `json:"conditionData"`
	Assignees      []map[string]any          `json:"assignees"`
	Variables      []model.Variable          `json:"variables"`
	RoleBindings   []model.RoleBinding       `json:"roleBindings"`
	InstanceID     string                    `json:"instanceId"`
	InstanceName   string                    `json:"instanceName"`
	NextCandidates []string                  `json:"nextActivityCandidates"`
}

const nextStepSystemPrompt = `You are the decision engine of a BPMN process
orchestrator. Given the process definition, the just-submitted work item and
its gathered context, decide which activities are completed and which come
next. Respond with a single JSON object of this exact shape:

{
  "instanceId": "...", "instanceName": "...", "processDefinitionId": "...",
  "fieldMappings": [{"key": "...", "name": "...", "value": ...}],
  "roleBindings": [{"name": "...", "endpoint": ...}],
  "completedActivities": [{"completedActivityId": "...", "completedActivityName": "...",
    "completedUserEmail": "...", "result": "DONE", "description": "..."}],
  "nextActivities": [{"nextActivityId": "...", "nextActivityName": "...",
    "nextUserEmail": "...", "result": "IN_PROGRESS", "description": "..."}],
  "cannotProceedErrors": [{"type": "PROCEED_CONDITION_NOT_MET|SYSTEM_ERROR|DATA_FIELD_NOT_EXIST", "reason": "..."}],
  "referenceInfo": [{"key": "...", "value": "..."}]
}

Rules:
- Empty or trivially true sequence conditions count as satisfied.
- On an exclusive gateway choose exactly one outgoing branch.
- Use "endEvent" as nextActivityId when the process should terminate.
- If required condition data is missing, report DATA_FIELD_NOT_EXIST instead
  of guessing.`

// Advisor drives every reasoning-layer consultation through one chat client.
type Advisor struct {
	client ChatClient
}

// NewAdvisor wraps a chat client.
func NewAdvisor(client ChatClient) *Advisor {
	return &Advisor{client: client}
}

// NextStep requests a next-step decision, streaming raw output through
// onDelta. The caller parses and validates the returned text.
func (a *Advisor) NextStep(ctx context.Context, req *NextStepRequest, onDelta func(string)) (string, error) {
	payload, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode decision context: %w", err)
	}

	return a.client.Chat(ctx, []Message{
		{Role: "system", Content: nextStepSystemPrompt},
		{Role: "user", Content: string(payload)},
	}, onDelta)
}

// BuildAgentQuery summarizes a work item and the instance's previous outputs
// into a request text for the external agent.
func (a *Advisor) BuildAgentQuery(ctx context.Context, item *model.WorkItem, prevOutputs map[string]any) (string, error) {
	summary := map[string]any{
		"activityId":      item.ActivityID,
		"activityName":    item.ActivityName,
		"tool":            item.Tool,
		"query":           item.Query,
		"previousOutputs": prevOutputs,
	}
	payload, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode agent context: %w", err)
	}

	return a.client.Chat(ctx, []Message{
		{Role: "system", Content: "Summarize the following work item and prior results into a single, self-contained task request for an autonomous agent. Reply with the request text only."},
		{Role: "user", Content: string(payload)},
	}, nil)
}

// NormalizeAgentResponse reshapes a free-form agent reply into the
// {html, table_data} payload. The caller parses the returned text and falls
// back to an empty object when parsing fails.
func (a *Advisor) NormalizeAgentResponse(ctx context.Context, raw string) (string, error) {
	return a.client.Chat(ctx, []Message{
		{Role: "system", Content: `Convert the agent response into JSON of the shape {"html": "...", "table_data": [...]}. html holds a readable HTML rendering, table_data holds structured rows if any. Respond with the JSON only, no commentary.`},
		{Role: "user", Content: raw},
	}, nil)
}

// SynthesizeCompensation asks for deterministic reverse steps for the given
// side-effect events. toolServers restricts which tools the generated code
// may call.
func (a *Advisor) SynthesizeCompensation(ctx context.Context, events []*model.EventEntry, toolServers map[string]string) (string, error) {
	payload, err := json.MarshalIndent(map[string]any{
		"event_logs":   events,
		"tool_servers": toolServers,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode compensation context: %w", err)
	}

	return a.client.Chat(ctx, []Message{
		{Role: "system", Content: `Write a Python compensation script that reverses the side effects in event_logs. Parse every value dynamically from the recorded tool arguments, never hard-code literals: an SQL "stock = stock - N" becomes "stock = stock + N" with the same WHERE clause; a sent email becomes a cancellation notice to the same recipient. Call tools only through the servers listed in tool_servers, keyed exactly as given. The script receives {"event_logs": [...]} on stdin. Respond with the Python code only.`},
		{Role: "user", Content: string(payload)},
	}, nil)
}
