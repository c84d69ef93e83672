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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceIDShape(t *testing.T) {
	id := NewInstanceID("order")
	assert.True(t, strings.HasPrefix(id, "order."))
	assert.False(t, IsNewInstanceID(id))
	assert.Equal(t, "order", DefIDFromInstanceID(id))
}

func TestIsNewInstanceID(t *testing.T) {
	assert.True(t, IsNewInstanceID("new"))
	assert.True(t, IsNewInstanceID(""))
	assert.True(t, IsNewInstanceID("noDotHere"))
	assert.False(t, IsNewInstanceID("order.abc-123"))
}

func TestMergeVariableFormShaped(t *testing.T) {
	inst := &ProcessInstance{}
	inst.MergeVariable(Variable{Key: "order_form", Value: map[string]any{"qty": 1}})
	inst.MergeVariable(Variable{Key: "order_form", Value: map[string]any{"price": 10}})

	v := inst.Variable("order_form")
	require.NotNil(t, v)
	assert.Equal(t, map[string]any{"qty": 1, "price": 10}, v.Value)
}

func TestMergeVariableScalarReplaces(t *testing.T) {
	inst := &ProcessInstance{}
	inst.MergeVariable(Variable{Key: "amount", Value: 5})
	inst.MergeVariable(Variable{Key: "amount", Name: "Amount", Value: 7})

	v := inst.Variable("amount")
	require.NotNil(t, v)
	assert.Equal(t, 7, v.Value)
	assert.Equal(t, "Amount", v.Name)
	assert.Len(t, inst.Variables, 1)
}

func TestMergeVariableIdempotent(t *testing.T) {
	inst := &ProcessInstance{}
	v := Variable{Key: "order_form", Value: map[string]any{"qty": 3}}
	inst.MergeVariable(v)
	inst.MergeVariable(v)

	got := inst.Variable("order_form")
	require.NotNil(t, got)
	assert.Equal(t, map[string]any{"qty": 3}, got.Value)
	assert.Len(t, inst.Variables, 1)
}

func TestSetBindingUniqueByName(t *testing.T) {
	inst := &ProcessInstance{}
	inst.SetBinding(RoleBinding{Name: "sales", Endpoint: "alice"})
	inst.SetBinding(RoleBinding{Name: "sales", Endpoint: "bob"})

	require.Len(t, inst.RoleBindings, 1)
	assert.Equal(t, []string{"bob"}, inst.Binding("sales").Endpoints())
}

func TestRoleBindingEndpoints(t *testing.T) {
	assert.Equal(t, []string{"a"}, RoleBinding{Endpoint: "a"}.Endpoints())
	assert.Equal(t, []string{"a", "b"}, RoleBinding{Endpoint: []any{"a", "b"}}.Endpoints())
	assert.Nil(t, RoleBinding{Endpoint: ""}.Endpoints())
	assert.Nil(t, RoleBinding{}.Endpoints())
}

func TestFrontierOperations(t *testing.T) {
	inst := &ProcessInstance{}
	inst.AddActivity("A")
	inst.AddActivity("B")
	inst.AddActivity("A")
	assert.Equal(t, []string{"A", "B"}, inst.CurrentActivityIDs)

	inst.RemoveActivity("A")
	assert.Equal(t, []string{"B"}, inst.CurrentActivityIDs)
	assert.False(t, inst.HasActivity("A"))
}

func TestCompleteClearsFrontier(t *testing.T) {
	inst := &ProcessInstance{
		Status:             InstanceRunning,
		CurrentActivityIDs: []string{"A", "B"},
		CurrentUserIDs:     []string{"u1"},
	}
	inst.Complete()
	assert.Equal(t, InstanceCompleted, inst.Status)
	assert.Empty(t, inst.CurrentActivityIDs)
	assert.Empty(t, inst.CurrentUserIDs)
}

func TestWorkItemFormOutput(t *testing.T) {
	item := &WorkItem{Output: map[string]any{
		"order_form": map[string]any{"qty": 2},
	}}
	assert.Equal(t, map[string]any{"qty": 2}, item.FormOutput("order_form"))
	assert.Nil(t, item.FormOutput("missing"))
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StatusDone.IsTerminal())
	assert.True(t, StatusError.IsTerminal())
	assert.False(t, StatusSubmitted.IsTerminal())

	assert.True(t, StatusSubmitted.IsSettled())
	assert.False(t, StatusInProgress.IsSettled())
	assert.False(t, StatusPending.IsSettled())
}
