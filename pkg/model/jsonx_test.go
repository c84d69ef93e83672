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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONFencedBlock(t *testing.T) {
	content := "Here is my decision:\n```json\n{\"processDefinitionId\": \"p1\"}\n```\nDone."
	assert.Equal(t, `{"processDefinitionId": "p1"}`, ExtractJSON(content))
}

func TestExtractJSONBareObject(t *testing.T) {
	content := `The answer is {"a": 1, "b": {"c": "}"}} trailing prose`
	assert.Equal(t, `{"a": 1, "b": {"c": "}"}}`, ExtractJSON(content))
}

func TestExtractJSONNoObject(t *testing.T) {
	assert.Equal(t, "", ExtractJSON("no json here"))
}

func TestRepairJSONTrailingCommas(t *testing.T) {
	assert.JSONEq(t, `{"a": [1, 2]}`, RepairJSON(`{"a": [1, 2,],}`))
}

func TestRepairJSONUnquotedKeys(t *testing.T) {
	assert.JSONEq(t, `{"key": 1, "other": 2}`, RepairJSON(`{key: 1, other: 2}`))
}

func TestRepairJSONSingleQuotes(t *testing.T) {
	assert.JSONEq(t, `{"a": "it's"}`, RepairJSON(`{"a": 'it\'s'}`))
}

func TestParseDecisionCleanPayload(t *testing.T) {
	raw := `{
		"instanceId": "order.123",
		"processDefinitionId": "order",
		"completedActivities": [{"completedActivityId": "A", "result": "DONE"}],
		"nextActivities": [{"nextActivityId": "B", "result": "IN_PROGRESS"}]
	}`
	dec, err := ParseDecision(raw)
	require.NoError(t, err)
	assert.Equal(t, "order", dec.ProcessDefinitionID)
	assert.True(t, dec.CanProceed())
}

func TestParseDecisionRepairsDefects(t *testing.T) {
	raw := "```json\n{processDefinitionId: \"order\", nextActivities: [{nextActivityId: \"B\",},],}\n```"
	dec, err := ParseDecision(raw)
	require.NoError(t, err)
	assert.Equal(t, "order", dec.ProcessDefinitionID)
	require.Len(t, dec.NextActivities, 1)
	assert.Equal(t, "B", dec.NextActivities[0].NextActivityID)
}

func TestParseDecisionRejectsMissingDefinition(t *testing.T) {
	_, err := ParseDecision(`{"instanceId": "x.1"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "processDefinitionId")
}

func TestParseDecisionRejectsBadResult(t *testing.T) {
	_, err := ParseDecision(`{
		"processDefinitionId": "order",
		"nextActivities": [{"nextActivityId": "B", "result": "MAYBE"}]
	}`)
	require.Error(t, err)
}

func TestParseDecisionRejectsUnknownErrorType(t *testing.T) {
	_, err := ParseDecision(`{
		"processDefinitionId": "order",
		"cannotProceedErrors": [{"type": "WHO_KNOWS", "reason": "x"}]
	}`)
	require.Error(t, err)
}

func TestDecisionErrorSummary(t *testing.T) {
	d := &Decision{CannotProceedErrors: []ProceedError{
		{Type: ErrProceedConditionNotMet, Reason: "join not satisfied"},
		{Type: ErrDataFieldNotExist, Reason: "missing field"},
	}}
	assert.False(t, d.CanProceed())
	assert.Equal(t,
		"PROCEED_CONDITION_NOT_MET: join not satisfied; DATA_FIELD_NOT_EXIST: missing field",
		d.ErrorSummary())
}

func TestIsEndEventID(t *testing.T) {
	assert.True(t, IsEndEventID("endEvent"))
	assert.True(t, IsEndEventID("END_PROCESS"))
	assert.True(t, IsEndEventID("end_event"))
	assert.False(t, IsEndEventID("end"))
}
