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

package agentgw

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uengine-oss/procflow/pkg/httpclient"
	"github.com/uengine-oss/procflow/pkg/model"
)

type agentStore struct {
	items    []*model.WorkItem
	upserted []*model.WorkItem
}

func (s *agentStore) ListWorkItems(ctx context.Context, instanceID string) ([]*model.WorkItem, error) {
	return s.items, nil
}

func (s *agentStore) UpsertWorkItem(ctx context.Context, item *model.WorkItem) error {
	s.upserted = append(s.upserted, item)
	return nil
}

type agentAdvisor struct {
	query      string
	queryErr   error
	normalized string
	normErr    error

	buildCalls int
	normCalls  int
	prevSeen   map[string]any
}

func (a *agentAdvisor) BuildAgentQuery(ctx context.Context, item *model.WorkItem, prev map[string]any) (string, error) {
	a.buildCalls++
	a.prevSeen = prev
	return a.query, a.queryErr
}

func (a *agentAdvisor) NormalizeAgentResponse(ctx context.Context, raw string) (string, error) {
	a.normCalls++
	return a.normalized, a.normErr
}

func fastClient() *httpclient.Client {
	return httpclient.New(httpclient.WithBaseDelay(time.Millisecond))
}

func agentItem(endpoint string) *model.WorkItem {
	item := model.NewWorkItem("order.inst-1", "order", "B", "Stock", "t1")
	item.Status = model.StatusInProgress
	item.AgentMode = model.AgentModeA2A
	item.Assignees = []model.Assignee{{Name: "stock-bot", Endpoint: endpoint}}
	return item
}

func TestHandleSuccessfulExchange(t *testing.T) {
	var gotPayload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		fmt.Fprint(w, "stock level is 42 units")
	}))
	defer server.Close()

	done := model.NewWorkItem("order.inst-1", "order", "A", "Receive", "t1")
	done.Status = model.StatusDone
	done.Output = map[string]any{"order_form": map[string]any{"sku": "X-1"}}

	st := &agentStore{items: []*model.WorkItem{done}}
	advisor := &agentAdvisor{
		query:      "check stock for X-1",
		normalized: "// normalized\n{\"stock_report\": {\"available\": 42}}",
	}

	g := New(st, advisor, fastClient())
	item := agentItem(server.URL)
	require.NoError(t, g.Handle(context.Background(), item))

	assert.Equal(t, map[string]any{"message": "check stock for X-1"}, gotPayload)
	assert.Equal(t, map[string]any{"order_form": map[string]any{"sku": "X-1"}}, advisor.prevSeen)

	assert.Equal(t, model.StatusSubmitted, item.Status)
	assert.Nil(t, item.Consumer)
	assert.Equal(t, "stock level is 42 units", item.Log)
	assert.Equal(t, map[string]any{"stock_report": map[string]any{"available": float64(42)}}, item.Output)
	require.Len(t, st.upserted, 1)
}

func TestHandleMissingEndpointParksItem(t *testing.T) {
	st := &agentStore{}
	g := New(st, &agentAdvisor{}, fastClient())

	item := agentItem("")
	item.Assignees = []model.Assignee{{Name: "alice", Endpoint: "alice@example.com"}}

	require.NoError(t, g.Handle(context.Background(), item))

	assert.Equal(t, model.StatusDone, item.Status)
	assert.NotNil(t, item.EndDate)
	assert.Contains(t, item.Log, "agent dispatch failed")
	assert.Contains(t, item.Log, "no agent endpoint")
}

func TestHandleBuildFailureRetriesThenParks(t *testing.T) {
	st := &agentStore{}
	advisor := &agentAdvisor{queryErr: fmt.Errorf("context too large")}
	g := New(st, advisor, fastClient())

	item := agentItem("http://agent.invalid")
	require.NoError(t, g.Handle(context.Background(), item))

	assert.Equal(t, 3, advisor.buildCalls)
	assert.Equal(t, model.StatusDone, item.Status)
	assert.Contains(t, item.Log, "failed to build agent request")
}

func TestHandleUnreachableEndpointParksItem(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	server.Close() // connection refused from here on

	st := &agentStore{}
	advisor := &agentAdvisor{query: "hello"}
	g := New(st, advisor, fastClient())

	item := agentItem(server.URL)
	require.NoError(t, g.Handle(context.Background(), item))

	assert.Equal(t, model.StatusDone, item.Status)
	assert.Contains(t, item.Log, "agent endpoint unreachable")
}

func TestHandleUnparseableNormalizationFallsBack(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "free-form agent prose")
	}))
	defer server.Close()

	st := &agentStore{}
	advisor := &agentAdvisor{query: "q", normalized: "not json at all"}
	g := New(st, advisor, fastClient())

	item := agentItem(server.URL)
	require.NoError(t, g.Handle(context.Background(), item))

	// Unparseable normalizer output degrades to an empty object, not a failure.
	assert.Equal(t, model.StatusSubmitted, item.Status)
	assert.Equal(t, map[string]any{}, item.Output)
}

func TestParseNormalizedStripsComments(t *testing.T) {
	text := "# header\n// explanation\n{\"html\": \"<p>ok</p>\", \"table_data\": []}"
	out := parseNormalized(text)
	assert.Equal(t, "<p>ok</p>", out["html"])
	assert.Equal(t, []any{}, out["table_data"])
}

func TestParseNormalizedEmptyInput(t *testing.T) {
	assert.Equal(t, map[string]any{}, parseNormalized(""))
	assert.Equal(t, map[string]any{}, parseNormalized("// only comments"))
}

func TestAgentEndpointSelection(t *testing.T) {
	item := &model.WorkItem{Assignees: []model.Assignee{
		{Name: "alice", Endpoint: "alice@example.com"},
		{Name: "bot", Endpoint: "https://agent.example.com/chat"},
	}}
	assert.Equal(t, "https://agent.example.com/chat", agentEndpoint(item))

	assert.Equal(t, "", agentEndpoint(&model.WorkItem{}))
}
