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

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/uengine-oss/procflow/pkg/definition"
	"github.com/uengine-oss/procflow/pkg/llm"
	"github.com/uengine-oss/procflow/pkg/model"
)

// parseAttempts bounds how often a malformed decision is re-requested.
const parseAttempts = 3

// logFlushInterval throttles streamed-log writes to the database.
const logFlushInterval = time.Second

// Handler advances a claimed SUBMITTED work item: gather context, consult the
// reasoning layer, apply the validated decision.
type Handler struct {
	store    Storage
	advisor  DecisionAdvisor
	resolver *Resolver
	logger   *slog.Logger
}

// NewHandler wires the LLM-driven work-item handler.
func NewHandler(st Storage, advisor DecisionAdvisor, resolver *Resolver) *Handler {
	return &Handler{
		store:    st,
		advisor:  advisor,
		resolver: resolver,
		logger:   slog.Default().With("component", "handler"),
	}
}

// Handle processes one claimed SUBMITTED item to a terminal outcome. A
// decision carrying cannotProceedErrors puts the item back to IN_PROGRESS for
// human intervention rather than failing it.
func (h *Handler) Handle(ctx context.Context, item *model.WorkItem) error {
	inst, err := h.store.GetInstance(ctx, item.ProcInstID)
	if err != nil {
		return err
	}

	var version string
	if inst != nil {
		version = inst.ProcDefVersion
	}
	def, err := h.store.GetDefinitionVersion(ctx, item.ProcDefID, version)
	if err != nil {
		return err
	}

	req, err := h.buildRequest(ctx, def, inst, item)
	if err != nil {
		return err
	}

	dec, raw, err := h.requestDecision(ctx, item, req)
	if err != nil {
		return err
	}

	// The decision names the instance; default to the item's when the model
	// omitted it.
	if dec.InstanceID == "" {
		dec.InstanceID = item.ProcInstID
	}
	if dec.ProcessDefinitionID == "" {
		dec.ProcessDefinitionID = item.ProcDefID
	}

	if !dec.CanProceed() {
		return h.holdForIntervention(ctx, item, dec.ErrorSummary())
	}

	result, err := h.resolver.Apply(ctx, dec)
	if err != nil {
		return err
	}

	// A join rejection means the step was not applied; the item waits
	// IN_PROGRESS until the sibling branches settle and it is resubmitted.
	if len(result.Errors) > 0 {
		return h.holdForIntervention(ctx, item, model.SummarizeProceedErrors(result.Errors))
	}

	return h.finalize(ctx, item, raw)
}

// buildRequest assembles the full decision context for the reasoning layer.
func (h *Handler) buildRequest(ctx context.Context, def *definition.Definition, inst *model.ProcessInstance, item *model.WorkItem) (*llm.NextStepRequest, error) {
	rawDef, err := def.Marshal()
	if err != nil {
		return nil, err
	}

	req := &llm.NextStepRequest{
		WorkItem:   item,
		Definition: json.RawMessage(rawDef),
		Output:     item.Output,
		InstanceID: item.ProcInstID,
	}
	if inst != nil {
		req.InstanceName = inst.Name
		req.Variables = inst.Variables
		req.RoleBindings = inst.RoleBindings
	}

	act := def.FindActivity(item.ActivityID)
	if act == nil {
		return nil, fmt.Errorf("activity %s not in definition %s", item.ActivityID, def.ID)
	}

	req.InputContext, err = h.resolveRefs(ctx, def, item.ProcInstID, act.InputData)
	if err != nil {
		return nil, err
	}

	// Condition data of every gateway reachable from this activity.
	req.ConditionData = make(map[string]map[string]any)
	for _, seq := range def.FindSequences(act.ID, "") {
		g := def.FindGateway(seq.Target)
		if g == nil || !g.IsTrueGateway() || len(g.ConditionData) == 0 {
			continue
		}
		values, err := h.resolveRefs(ctx, def, item.ProcInstID, g.ConditionData)
		if err != nil {
			return nil, err
		}
		flat := make(map[string]any)
		for formID, fields := range values {
			for field, value := range fields {
				flat[formID+"."+field] = value
			}
		}
		req.ConditionData[g.ID] = flat
	}

	if item.UserID != "" {
		users, err := h.store.ResolveUsers(ctx, item.UserID)
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			req.Assignees = append(req.Assignees, map[string]any{
				"name": u.Name, "email": u.Email, "type": string(u.Type),
			})
		}
	}

	for _, node := range def.FindNextActivities(act.ID, false) {
		req.NextCandidates = append(req.NextCandidates, node.NodeID())
	}

	return req, nil
}

// resolveRefs resolves dotted formId.fieldKey references against the latest
// DONE outputs of the forms' activities, grouped back by form id.
func (h *Handler) resolveRefs(ctx context.Context, def *definition.Definition, instanceID string, refs []string) (map[string]map[string]any, error) {
	grouped := make(map[string]map[string]any)

	for _, ref := range refs {
		formID, field, ok := strings.Cut(ref, ".")
		if !ok {
			continue
		}
		if grouped[formID] == nil {
			grouped[formID] = make(map[string]any)
		}

		activityID, err := h.store.FormActivityID(ctx, def.ID, formID)
		if err != nil {
			return nil, err
		}
		if activityID == "" {
			// Fall back to the activity whose tool declares the form.
			for _, a := range def.Activities {
				if a.FormID() == formID {
					activityID = a.ID
					break
				}
			}
		}
		if activityID == "" {
			continue
		}

		item, err := h.store.LatestDoneForActivity(ctx, instanceID, activityID)
		if err != nil {
			return nil, err
		}
		if item == nil {
			continue
		}
		if fields := item.FormOutput(formID); fields != nil {
			grouped[formID][field] = fields[field]
		}
	}

	return grouped, nil
}

// requestDecision streams the model response into the item log and parses it,
// re-requesting up to parseAttempts times on malformed output.
func (h *Handler) requestDecision(ctx context.Context, item *model.WorkItem, req *llm.NextStepRequest) (*model.Decision, string, error) {
	var lastErr error

	for attempt := 1; attempt <= parseAttempts; attempt++ {
		writer := newDebouncedLogWriter(h.store, item.ID, logFlushInterval)
		raw, err := h.advisor.NextStep(ctx, req, func(delta string) {
			writer.Append(ctx, delta)
		})
		writer.Close(ctx)
		if err != nil {
			return nil, "", err
		}

		dec, err := model.ParseDecision(raw)
		if err == nil {
			return dec, raw, nil
		}
		lastErr = err
		h.logger.Warn("Decision parse failed",
			"item", item.ID, "attempt", attempt, "error", err)
	}

	return nil, "", fmt.Errorf("decision unparseable after %d attempts: %w", parseAttempts, lastErr)
}

// holdForIntervention returns the item to IN_PROGRESS with the error summary
// so a human can correct and resubmit.
func (h *Handler) holdForIntervention(ctx context.Context, item *model.WorkItem, summary string) error {
	item.Status = model.StatusInProgress
	item.Consumer = nil
	item.Log = summary
	if err := h.store.UpsertWorkItem(ctx, item); err != nil {
		return err
	}
	h.logger.Info("Held work item for intervention", "item", item.ID, "reason", summary)
	return nil
}

// finalize ensures the handled item itself reaches DONE even when the
// decision's completedActivities omitted it.
func (h *Handler) finalize(ctx context.Context, item *model.WorkItem, raw string) error {
	current, err := h.store.GetWorkItem(ctx, item.ID)
	if err != nil {
		return err
	}
	if current == nil || current.Status.IsTerminal() {
		return nil
	}

	now := time.Now()
	current.Status = model.StatusDone
	current.EndDate = &now
	current.Consumer = nil
	if current.Log == "" {
		current.Log = raw
	}
	return h.store.UpsertWorkItem(ctx, current)
}
