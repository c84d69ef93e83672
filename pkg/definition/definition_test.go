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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parallelDef: start → A → Gs(parallel) → {B, C, D} → Gj(parallel) → E → end
const parallelDef = `{
	"processDefinitionId": "order_process",
	"processDefinitionName": "Order Process",
	"activities": [
		{"id": "A", "name": "Receive Order", "type": "userTask", "role": "sales"},
		{"id": "B", "name": "Check Stock", "type": "userTask", "role": "warehouse"},
		{"id": "C", "name": "Check Credit", "type": "userTask", "role": "finance"},
		{"id": "D", "name": "Check Address", "type": "userTask", "role": "sales"},
		{"id": "E", "name": "Confirm Order", "type": "userTask", "role": "sales"}
	],
	"gateways": [
		{"id": "Gs", "name": "Fan Out", "type": "parallelGateway"},
		{"id": "Gj", "name": "Fan In", "type": "parallelGateway"}
	],
	"events": [
		{"id": "start", "type": "startEvent"},
		{"id": "end", "type": "endEvent"}
	],
	"sequences": [
		{"id": "s1", "source": "start", "target": "A"},
		{"id": "s2", "source": "A", "target": "Gs"},
		{"id": "s3", "source": "Gs", "target": "B"},
		{"id": "s4", "source": "Gs", "target": "C"},
		{"id": "s5", "source": "Gs", "target": "D"},
		{"id": "s6", "source": "B", "target": "Gj"},
		{"id": "s7", "source": "C", "target": "Gj"},
		{"id": "s8", "source": "D", "target": "Gj"},
		{"id": "s9", "source": "Gj", "target": "E"},
		{"id": "s10", "source": "E", "target": "end"}
	]
}`

// loopDef: start → A → B → Gj(exclusive) → {A (loop), C → end}
const loopDef = `{
	"processDefinitionId": "review_loop",
	"processDefinitionName": "Review Loop",
	"activities": [
		{"id": "A", "name": "Draft", "type": "userTask", "role": "writer"},
		{"id": "B", "name": "Review", "type": "userTask", "role": "reviewer"},
		{"id": "C", "name": "Publish", "type": "userTask", "role": "editor"}
	],
	"gateways": [
		{"id": "Gj", "name": "Approved?", "type": "exclusiveGateway", "conditionData": ["review_form.approved"]}
	],
	"events": [
		{"id": "start", "type": "startEvent"},
		{"id": "end", "type": "endEvent"}
	],
	"sequences": [
		{"id": "s1", "source": "start", "target": "A"},
		{"id": "s2", "source": "A", "target": "B"},
		{"id": "s3", "source": "B", "target": "Gj"},
		{"id": "s4", "source": "Gj", "target": "A", "condition": "approved == false"},
		{"id": "s5", "source": "Gj", "target": "C", "condition": "approved == true"},
		{"id": "s6", "source": "C", "target": "end"}
	]
}`

func mustLoad(t *testing.T, data string) *Definition {
	t.Helper()
	def, err := Load([]byte(data))
	require.NoError(t, err)
	return def
}

func nodeIDs(nodes []Node) []string {
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.NodeID())
	}
	return ids
}

func TestLoadRejectsUnknownSequenceEndpoint(t *testing.T) {
	_, err := Load([]byte(`{
		"processDefinitionId": "bad",
		"activities": [{"id": "A", "type": "userTask"}],
		"events": [
			{"id": "start", "type": "startEvent"},
			{"id": "end", "type": "endEvent"}
		],
		"sequences": [{"id": "s1", "source": "start", "target": "missing"}]
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown target")
}

func TestLoadRejectsMissingStartEvent(t *testing.T) {
	_, err := Load([]byte(`{
		"processDefinitionId": "bad",
		"activities": [{"id": "A", "type": "userTask"}],
		"events": [{"id": "end", "type": "endEvent"}],
		"sequences": []
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start event")
}

func TestLoadRejectsEndEventWithOutgoingFlow(t *testing.T) {
	_, err := Load([]byte(`{
		"processDefinitionId": "bad",
		"activities": [{"id": "A", "type": "userTask"}],
		"events": [
			{"id": "start", "type": "startEvent"},
			{"id": "end", "type": "endEvent"}
		],
		"sequences": [{"id": "s1", "source": "end", "target": "A"}]
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outgoing")
}

func TestLoadRejectsGatewayBoundaryReference(t *testing.T) {
	_, err := Load([]byte(`{
		"processDefinitionId": "bad",
		"activities": [{"id": "A", "type": "userTask", "attachedEvents": ["G"]}],
		"gateways": [{"id": "G", "type": "exclusiveGateway"}],
		"events": [
			{"id": "start", "type": "startEvent"},
			{"id": "end", "type": "endEvent"}
		],
		"sequences": []
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boundary")
}

func TestFindInitialActivity(t *testing.T) {
	def := mustLoad(t, parallelDef)

	initial, err := def.FindInitialActivity()
	require.NoError(t, err)
	assert.Equal(t, "A", initial.ID)

	assert.True(t, def.IsStartingActivity("A"))
	assert.False(t, def.IsStartingActivity("B"))
}

func TestFindEndActivity(t *testing.T) {
	def := mustLoad(t, parallelDef)

	end := def.FindEndActivity()
	require.NotNil(t, end)
	assert.Equal(t, "E", end.ID)
}

func TestFindNextActivitiesExpandsGateways(t *testing.T) {
	def := mustLoad(t, parallelDef)

	next := def.FindNextActivities("A", false)
	assert.ElementsMatch(t, []string{"B", "C", "D"}, nodeIDs(next))

	// Gateways are expansion-only and never appear in results.
	for _, n := range next {
		assert.False(t, def.IsGateway(n.NodeID()))
	}
}

func TestFindNextActivitiesNeverReturnsGateways(t *testing.T) {
	def := mustLoad(t, parallelDef)

	for _, id := range []string{"A", "B", "C", "D", "E", "Gs", "Gj"} {
		for _, n := range def.FindNextActivities(id, true) {
			assert.False(t, def.IsGateway(n.NodeID()),
				"FindNextActivities(%s) returned gateway %s", id, n.NodeID())
		}
	}
}

func TestFindNextActivitiesMissingID(t *testing.T) {
	def := mustLoad(t, parallelDef)
	assert.Empty(t, def.FindNextActivities("nope", true))
}

func TestFindNextActivitiesFollowsLoop(t *testing.T) {
	def := mustLoad(t, loopDef)

	next := def.FindNextActivities("B", false)
	assert.ElementsMatch(t, []string{"A", "C"}, nodeIDs(next))
}

func TestFindPrevActivitiesSkipsRoutingNodes(t *testing.T) {
	def := mustLoad(t, parallelDef)

	prev := def.FindPrevActivities("E")
	assert.ElementsMatch(t, []string{"A", "B", "C", "D"}, nodeIDs(prev))

	for _, n := range prev {
		assert.Nil(t, def.FindGateway(n.NodeID()),
			"FindPrevActivities returned routing node %s", n.NodeID())
	}
}

func TestFindPrevActivitiesCycleSafe(t *testing.T) {
	def := mustLoad(t, loopDef)

	prev := def.FindPrevActivities("C")
	assert.ElementsMatch(t, []string{"A", "B"}, nodeIDs(prev))
}

func TestFindImmediatePrevActivitiesThroughGateway(t *testing.T) {
	def := mustLoad(t, parallelDef)

	// E's only incoming flow is from the join gateway; the activities feeding
	// into it are returned instead.
	prev := def.FindImmediatePrevActivities("E")
	assert.ElementsMatch(t, []string{"B", "C", "D"}, nodeIDs(prev))

	direct := def.FindImmediatePrevActivities("Gj")
	assert.ElementsMatch(t, []string{"B", "C", "D"}, nodeIDs(direct))
}

func TestFindSequences(t *testing.T) {
	def := mustLoad(t, parallelDef)

	assert.Len(t, def.FindSequences("Gs", ""), 3)
	assert.Len(t, def.FindSequences("", "Gj"), 3)
	assert.Len(t, def.FindSequences("Gs", "B"), 1)
	assert.Empty(t, def.FindSequences("B", "C"))
	assert.Len(t, def.FindSequences("", ""), 10)
}

func TestFindAttachedActivity(t *testing.T) {
	def := mustLoad(t, `{
		"processDefinitionId": "with_boundary",
		"activities": [
			{"id": "A", "name": "Long Task", "type": "userTask", "attachedEvents": ["timeout"]}
		],
		"events": [
			{"id": "start", "type": "startEvent"},
			{"id": "end", "type": "endEvent"},
			{"id": "timeout", "type": "timerBoundaryEvent"}
		],
		"sequences": [
			{"id": "s1", "source": "start", "target": "A"},
			{"id": "s2", "source": "A", "target": "end"}
		]
	}`)

	owner := def.FindAttachedActivity("timeout")
	require.NotNil(t, owner)
	assert.Equal(t, "A", owner.NodeID())

	assert.Nil(t, def.FindAttachedActivity("nope"))
}

func TestFindNextActivitiesAppendsBoundaryEvents(t *testing.T) {
	def := mustLoad(t, `{
		"processDefinitionId": "with_boundary",
		"activities": [
			{"id": "A", "name": "First", "type": "userTask"},
			{"id": "B", "name": "Long Task", "type": "userTask", "attachedEvents": ["timeout"]}
		],
		"events": [
			{"id": "start", "type": "startEvent"},
			{"id": "end", "type": "endEvent"},
			{"id": "timeout", "type": "timerBoundaryEvent"}
		],
		"sequences": [
			{"id": "s1", "source": "start", "target": "A"},
			{"id": "s2", "source": "A", "target": "B"},
			{"id": "s3", "source": "B", "target": "end"}
		]
	}`)

	withEvents := def.FindNextActivities("A", true)
	assert.ElementsMatch(t, []string{"B", "timeout"}, nodeIDs(withEvents))

	withoutEvents := def.FindNextActivities("A", false)
	assert.ElementsMatch(t, []string{"B"}, nodeIDs(withoutEvents))
}

func TestMarshalRoundTrip(t *testing.T) {
	def := mustLoad(t, parallelDef)

	data, err := def.Marshal()
	require.NoError(t, err)

	reloaded, err := Load(data)
	require.NoError(t, err)

	assert.Equal(t, def.ID, reloaded.ID)
	assert.Equal(t, def.Name, reloaded.Name)
	assert.Len(t, reloaded.Activities, len(def.Activities))
	assert.Len(t, reloaded.Gateways, len(def.Gateways))
	assert.Len(t, reloaded.Sequences, len(def.Sequences))

	for _, a := range def.Activities {
		got := reloaded.FindActivity(a.ID)
		require.NotNil(t, got, "activity %s lost in round trip", a.ID)
		assert.Equal(t, a.Name, got.Name)
		assert.Equal(t, a.Type, got.Type)
		assert.Equal(t, a.Role, got.Role)
	}

	for i, seq := range def.Sequences {
		assert.Equal(t, seq.Source, reloaded.Sequences[i].Source)
		assert.Equal(t, seq.Target, reloaded.Sequences[i].Target)
	}
}

func TestActivityFormID(t *testing.T) {
	a := &Activity{Tool: "formHandler:order_form"}
	assert.Equal(t, "order_form", a.FormID())

	b := &Activity{Tool: ""}
	assert.Equal(t, "", b.FormID())
}
