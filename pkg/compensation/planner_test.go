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

package compensation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uengine-oss/procflow/pkg/definition"
	"github.com/uengine-oss/procflow/pkg/model"
)

const chainDef = `{
	"processDefinitionId": "order",
	"activities": [
		{"id": "A", "name": "Receive", "type": "userTask"},
		{"id": "B", "name": "Reserve", "type": "serviceTask"},
		{"id": "C", "name": "Ship", "type": "serviceTask"}
	],
	"events": [
		{"id": "start", "type": "startEvent"},
		{"id": "end", "type": "endEvent"}
	],
	"sequences": [
		{"id": "s1", "source": "start", "target": "A"},
		{"id": "s2", "source": "A", "target": "B"},
		{"id": "s3", "source": "B", "target": "C"},
		{"id": "s4", "source": "C", "target": "end"}
	]
}`

type planStore struct {
	def       *definition.Definition
	events    []*model.EventEntry
	items     []*model.WorkItem
	artifacts map[string]string
	upserted  []*model.WorkItem
}

func newPlanStore(t *testing.T) *planStore {
	t.Helper()
	def, err := definition.Load([]byte(chainDef))
	require.NoError(t, err)
	return &planStore{def: def, artifacts: map[string]string{}}
}

func (s *planStore) ListEvents(ctx context.Context, instanceID string) ([]*model.EventEntry, error) {
	return s.events, nil
}

func (s *planStore) ListWorkItems(ctx context.Context, instanceID string) ([]*model.WorkItem, error) {
	return s.items, nil
}

func (s *planStore) FindWorkItem(ctx context.Context, instanceID, activityID string) (*model.WorkItem, error) {
	for _, item := range s.items {
		if item.ActivityID == activityID {
			return item, nil
		}
	}
	return nil, nil
}

func (s *planStore) UpsertWorkItem(ctx context.Context, item *model.WorkItem) error {
	s.upserted = append(s.upserted, item)
	return nil
}

func (s *planStore) GetDefinition(ctx context.Context, defID string) (*definition.Definition, error) {
	return s.def, nil
}

func (s *planStore) GetCompensationArtifact(ctx context.Context, defID, activityID, tenantID string) (string, error) {
	return s.artifacts[defID+"/"+activityID], nil
}

func (s *planStore) PutCompensationArtifact(ctx context.Context, defID, activityID, tenantID, code string) error {
	s.artifacts[defID+"/"+activityID] = code
	return nil
}

func (s *planStore) TenantID() string { return "t1" }

type fakeSynth struct {
	code   string
	calls  int
	events []*model.EventEntry
	tools  map[string]string
}

func (f *fakeSynth) SynthesizeCompensation(ctx context.Context, events []*model.EventEntry, tools map[string]string) (string, error) {
	f.calls++
	f.events = events
	f.tools = tools
	return f.code, nil
}

type fakeTools struct{ servers map[string]string }

func (f *fakeTools) ToolServers(ctx context.Context) (map[string]string, error) {
	return f.servers, nil
}

func actionEvent(todoID, tool string, args map[string]any) *model.EventEntry {
	return &model.EventEntry{
		TodoID:    todoID,
		EventType: model.EventToolUsageFinished,
		CrewType:  model.CrewTypeAction,
		Data:      map[string]any{"tool_name": tool, "arguments": args},
	}
}

func TestPlanSynthesizesAndSchedules(t *testing.T) {
	st := newPlanStore(t)
	itemB := model.NewWorkItem("order.i1", "order", "B", "Reserve", "t1")
	itemB.UserID = "warehouse-bot"
	itemB.Username = "Warehouse Bot"
	st.items = []*model.WorkItem{itemB}
	st.events = []*model.EventEntry{
		actionEvent(itemB.ID, "reserve_stock", map[string]any{"sku": "X-1"}),
	}

	synth := &fakeSynth{code: "import sys\n# undo reservation"}
	tools := &fakeTools{servers: map[string]string{"reserve_stock": "inventory"}}

	code, err := New(st, synth, tools).Plan(context.Background(), "order.i1", "B")
	require.NoError(t, err)
	assert.Equal(t, synth.code, code)
	assert.Equal(t, 1, synth.calls)
	require.Len(t, synth.events, 1)
	assert.Equal(t, map[string]string{"reserve_stock": "inventory"}, synth.tools)

	// The artifact was cached and the runner item scheduled.
	assert.Equal(t, synth.code, st.artifacts["order/B"])
	require.Len(t, st.upserted, 1)
	runner := st.upserted[0]
	assert.Equal(t, model.StatusInProgress, runner.Status)
	assert.Equal(t, model.AgentOrchCrewAction, runner.AgentOrch)
	assert.Equal(t, "Compensation Handling...", runner.Log)
	assert.Equal(t, "warehouse-bot", runner.UserID)
	assert.Equal(t, 1, runner.ReworkCount)
}

func TestPlanReusesCachedArtifact(t *testing.T) {
	st := newPlanStore(t)
	st.artifacts["order/B"] = "cached code"

	synth := &fakeSynth{code: "fresh code"}
	code, err := New(st, synth, nil).Plan(context.Background(), "order.i1", "B")
	require.NoError(t, err)

	assert.Equal(t, "cached code", code)
	assert.Zero(t, synth.calls)
	// The runner is still scheduled on every rollback.
	require.Len(t, st.upserted, 1)
}

func TestPlanScopesEventsToPriorActivities(t *testing.T) {
	st := newPlanStore(t)
	itemB := model.NewWorkItem("order.i1", "order", "B", "Reserve", "t1")
	itemC := model.NewWorkItem("order.i1", "order", "C", "Ship", "t1")
	st.items = []*model.WorkItem{itemB, itemC}
	st.events = []*model.EventEntry{
		actionEvent(itemB.ID, "reserve_stock", nil),
		actionEvent(itemC.ID, "book_carrier", nil),
	}

	synth := &fakeSynth{code: "code"}
	_, err := New(st, synth, nil).Plan(context.Background(), "order.i1", "B")
	require.NoError(t, err)

	// C sits after the target B; its side effects are out of scope.
	require.Len(t, synth.events, 1)
	assert.Equal(t, itemB.ID, synth.events[0].TodoID)
}

func TestIsCompensableFilters(t *testing.T) {
	assert.True(t, isCompensable(actionEvent("td1", "create_invoice", nil)))

	// Read-only SQL leaves nothing to undo; mutations do.
	assert.False(t, isCompensable(actionEvent("td1", "execute_sql",
		map[string]any{"query": "  select * from orders"})))
	assert.True(t, isCompensable(actionEvent("td1", "execute_sql",
		map[string]any{"query": "DELETE FROM orders WHERE id = 1"})))

	// Memory, human-input and decision tools are excluded.
	assert.False(t, isCompensable(actionEvent("td1", "mem0_memory_store", nil)))
	assert.False(t, isCompensable(actionEvent("td1", "human_asked", nil)))
	assert.False(t, isCompensable(actionEvent("td1", "dmn_evaluate", nil)))

	// Only finished action-crew tool events qualify.
	assert.False(t, isCompensable(&model.EventEntry{
		EventType: model.EventTaskCompleted,
		CrewType:  model.CrewTypeAction,
	}))
	assert.False(t, isCompensable(&model.EventEntry{
		EventType: model.EventToolUsageFinished,
		CrewType:  "planning",
		Data:      map[string]any{"tool_name": "create_invoice"},
	}))
	assert.False(t, isCompensable(&model.EventEntry{
		EventType: model.EventToolUsageFinished,
		CrewType:  model.CrewTypeAction,
	}))
}
