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

// Package agentgw dispatches claimed A2A work items to external agents:
// build a request text, POST it to the agent's chat endpoint, normalize the
// reply, and hand the item back to the LLM advancement path.
package agentgw

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/uengine-oss/procflow/pkg/httpclient"
	"github.com/uengine-oss/procflow/pkg/model"
)

// subStepRetries caps attempts per sub-step (build, post, normalize).
const subStepRetries = 3

// Advisor is the reasoning-layer surface the gateway needs.
type Advisor interface {
	BuildAgentQuery(ctx context.Context, item *model.WorkItem, prevOutputs map[string]any) (string, error)
	NormalizeAgentResponse(ctx context.Context, raw string) (string, error)
}

// Storage is the persistence slice the gateway needs.
type Storage interface {
	ListWorkItems(ctx context.Context, instanceID string) ([]*model.WorkItem, error)
	UpsertWorkItem(ctx context.Context, item *model.WorkItem) error
}

// Gateway handles one A2A work item end to end.
type Gateway struct {
	store   Storage
	advisor Advisor
	http    *httpclient.Client
	logger  *slog.Logger
}

// New wires the agent gateway.
func New(st Storage, advisor Advisor, client *httpclient.Client) *Gateway {
	if client == nil {
		client = httpclient.New()
	}
	return &Gateway{
		store:   st,
		advisor: advisor,
		http:    client,
		logger:  slog.Default().With("component", "agentgw"),
	}
}

// Handle runs the three-step agent exchange. Each sub-step retries up to
// three times; exhausting them parks the item terminal with a failure log,
// which is a handled outcome rather than an error.
func (g *Gateway) Handle(ctx context.Context, item *model.WorkItem) error {
	endpoint := agentEndpoint(item)
	if endpoint == "" {
		return g.fail(ctx, item, fmt.Errorf("work item has no agent endpoint"))
	}

	prevOutputs, err := g.previousOutputs(ctx, item.ProcInstID)
	if err != nil {
		return err
	}

	var query string
	err = withRetries(func() error {
		var stepErr error
		query, stepErr = g.advisor.BuildAgentQuery(ctx, item, prevOutputs)
		return stepErr
	})
	if err != nil {
		return g.fail(ctx, item, fmt.Errorf("failed to build agent request: %w", err))
	}

	var reply string
	err = withRetries(func() error {
		var stepErr error
		reply, stepErr = g.http.PostText(ctx, endpoint, nil, map[string]any{
			"message": query,
		})
		return stepErr
	})
	if err != nil {
		return g.fail(ctx, item, fmt.Errorf("agent endpoint unreachable: %w", err))
	}

	var output map[string]any
	err = withRetries(func() error {
		normalized, stepErr := g.advisor.NormalizeAgentResponse(ctx, reply)
		if stepErr != nil {
			return stepErr
		}
		output = parseNormalized(normalized)
		return nil
	})
	if err != nil {
		return g.fail(ctx, item, fmt.Errorf("failed to normalize agent response: %w", err))
	}

	item.Output = output
	item.Status = model.StatusSubmitted
	item.Consumer = nil
	item.Log = reply
	if err := g.store.UpsertWorkItem(ctx, item); err != nil {
		return err
	}

	g.logger.Info("Agent step completed", "item", item.ID, "activity", item.ActivityID)
	return nil
}

// agentEndpoint picks the agent URL from the item's resolved assignees.
func agentEndpoint(item *model.WorkItem) string {
	for _, a := range item.Assignees {
		if strings.HasPrefix(a.Endpoint, "http://") || strings.HasPrefix(a.Endpoint, "https://") {
			return a.Endpoint
		}
	}
	return ""
}

// previousOutputs merges the DONE outputs of the instance, later rows
// winning.
func (g *Gateway) previousOutputs(ctx context.Context, instanceID string) (map[string]any, error) {
	items, err := g.store.ListWorkItems(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]any)
	for _, item := range items {
		if item.Status != model.StatusDone || item.Output == nil {
			continue
		}
		for k, v := range item.Output {
			merged[k] = v
		}
	}
	return merged, nil
}

// parseNormalized strips comment lines and parses the normalizer's JSON,
// falling back to an empty object.
func parseNormalized(text string) map[string]any {
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "#") {
			continue
		}
		kept = append(kept, line)
	}
	cleaned := model.ExtractJSON(strings.Join(kept, "\n"))

	var output map[string]any
	if cleaned == "" || json.Unmarshal([]byte(cleaned), &output) != nil {
		return map[string]any{}
	}
	return output
}

// fail parks the item terminal with the failure message.
func (g *Gateway) fail(ctx context.Context, item *model.WorkItem, cause error) error {
	g.logger.Error("Agent dispatch failed", "item", item.ID, "error", cause)

	now := time.Now()
	item.Status = model.StatusDone
	item.EndDate = &now
	item.Consumer = nil
	item.Log = fmt.Sprintf("agent dispatch failed: %v", cause)
	return g.store.UpsertWorkItem(ctx, item)
}

// withRetries runs fn up to subStepRetries times.
func withRetries(fn func() error) error {
	var err error
	for attempt := 0; attempt < subStepRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}
