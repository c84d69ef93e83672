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

// Package compensation synthesizes reverse steps for side effects recorded in
// the event stream and schedules them as action-runner work items. Artifacts
// are cached per (definition, activity, tenant) so a rollback of the same
// step never re-synthesizes.
package compensation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/uengine-oss/procflow/pkg/definition"
	"github.com/uengine-oss/procflow/pkg/model"
)

// Synthesizer is the reasoning-layer surface for compensation code.
type Synthesizer interface {
	SynthesizeCompensation(ctx context.Context, events []*model.EventEntry, toolServers map[string]string) (string, error)
}

// Storage is the persistence slice the planner needs.
type Storage interface {
	ListEvents(ctx context.Context, instanceID string) ([]*model.EventEntry, error)
	ListWorkItems(ctx context.Context, instanceID string) ([]*model.WorkItem, error)
	FindWorkItem(ctx context.Context, instanceID, activityID string) (*model.WorkItem, error)
	UpsertWorkItem(ctx context.Context, item *model.WorkItem) error
	GetDefinition(ctx context.Context, defID string) (*definition.Definition, error)
	GetCompensationArtifact(ctx context.Context, defID, activityID, tenantID string) (string, error)
	PutCompensationArtifact(ctx context.Context, defID, activityID, tenantID, code string) error
	TenantID() string
}

// ToolMapper enumerates the tenant's MCP servers into a tool → server map.
type ToolMapper interface {
	ToolServers(ctx context.Context) (map[string]string, error)
}

// Planner builds and schedules compensation for a target activity.
type Planner struct {
	store       Storage
	synthesizer Synthesizer
	tools       ToolMapper
	logger      *slog.Logger
}

// New wires a planner. tools may be nil; synthesis then sees an empty map
// and must not emit tool calls.
func New(st Storage, synth Synthesizer, tools ToolMapper) *Planner {
	return &Planner{
		store:       st,
		synthesizer: synth,
		tools:       tools,
		logger:      slog.Default().With("component", "compensation"),
	}
}

// Plan synthesizes (or reuses) the compensation artifact for the target
// activity of an instance and creates the IN_PROGRESS runner work item.
// Returns the artifact.
func (p *Planner) Plan(ctx context.Context, instanceID, targetActivityID string) (string, error) {
	defID := model.DefIDFromInstanceID(instanceID)

	def, err := p.store.GetDefinition(ctx, defID)
	if err != nil {
		return "", err
	}

	tenant := p.store.TenantID()
	code, err := p.store.GetCompensationArtifact(ctx, defID, targetActivityID, tenant)
	if err != nil {
		return "", err
	}

	if code == "" {
		events, err := p.compensableEvents(ctx, def, instanceID, targetActivityID)
		if err != nil {
			return "", err
		}
		if len(events) == 0 {
			p.logger.Info("No compensable side effects", "instance", instanceID, "activity", targetActivityID)
		}

		toolServers := map[string]string{}
		if p.tools != nil {
			toolServers, err = p.tools.ToolServers(ctx)
			if err != nil {
				return "", fmt.Errorf("failed to enumerate tool servers: %w", err)
			}
		}

		code, err = p.synthesizer.SynthesizeCompensation(ctx, events, toolServers)
		if err != nil {
			return "", fmt.Errorf("failed to synthesize compensation: %w", err)
		}

		if err := p.store.PutCompensationArtifact(ctx, defID, targetActivityID, tenant, code); err != nil {
			return "", err
		}
		p.logger.Info("Synthesized compensation artifact", "definition", defID, "activity", targetActivityID)
	} else {
		p.logger.Info("Reusing cached compensation artifact", "definition", defID, "activity", targetActivityID)
	}

	if err := p.scheduleRunner(ctx, def, instanceID, targetActivityID); err != nil {
		return "", err
	}
	return code, nil
}

// compensableEvents returns the instance's side-effect events up to the
// target activity, in definition order.
func (p *Planner) compensableEvents(ctx context.Context, def *definition.Definition, instanceID, targetActivityID string) ([]*model.EventEntry, error) {
	// Activities at or before the target, per the graph.
	allowed := map[string]bool{targetActivityID: true}
	for _, node := range def.FindPrevActivities(targetActivityID) {
		allowed[node.NodeID()] = true
	}

	items, err := p.store.ListWorkItems(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	todoActivity := make(map[string]string, len(items))
	for _, item := range items {
		todoActivity[item.ID] = item.ActivityID
	}

	events, err := p.store.ListEvents(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	var kept []*model.EventEntry
	for _, e := range events {
		if activityID, ok := todoActivity[e.TodoID]; ok && !allowed[activityID] {
			continue
		}
		if !isCompensable(e) {
			continue
		}
		kept = append(kept, e)
	}
	return kept, nil
}

// isCompensable keeps only side-effectful action tool calls.
func isCompensable(e *model.EventEntry) bool {
	if e.EventType != model.EventToolUsageFinished || e.CrewType != model.CrewTypeAction {
		return false
	}

	tool := strings.ToLower(e.ToolName())
	if tool == "" {
		return false
	}
	// Memory, human-input and decision tools have no side effects to undo.
	for _, excluded := range []string{"memory", "human", "dmn"} {
		if strings.Contains(tool, excluded) {
			return false
		}
	}

	if tool == "execute_sql" {
		query, _ := e.ToolArgs()["query"].(string)
		if strings.HasPrefix(strings.TrimSpace(strings.ToUpper(query)), "SELECT") {
			return false
		}
	}
	return true
}

// scheduleRunner creates the IN_PROGRESS work item the action runner picks
// up, inheriting the original activity's assignees.
func (p *Planner) scheduleRunner(ctx context.Context, def *definition.Definition, instanceID, targetActivityID string) error {
	var name string
	if act := def.FindActivity(targetActivityID); act != nil {
		name = act.Name
	}

	item := model.NewWorkItem(instanceID, def.ID, targetActivityID, name, p.store.TenantID())
	item.Status = model.StatusInProgress
	item.AgentOrch = model.AgentOrchCrewAction
	item.Log = "Compensation Handling..."

	now := time.Now()
	item.StartDate = &now

	if original, err := p.store.FindWorkItem(ctx, instanceID, targetActivityID); err != nil {
		return err
	} else if original != nil {
		item.UserID = original.UserID
		item.Username = original.Username
		item.Assignees = original.Assignees
		item.ReworkCount = original.ReworkCount + 1
	}

	return p.store.UpsertWorkItem(ctx, item)
}
