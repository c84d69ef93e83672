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
	"github.com/uengine-oss/procflow/pkg/model"
	"github.com/uengine-oss/procflow/pkg/store"
)

// Resolver applies a validated decision to instance state: frontier
// computation, gateway expansion, join policy, script/service tasks, and all
// persistence of the step.
type Resolver struct {
	store       Storage
	mailer      MailSender
	script      ScriptRunner
	compensator CompensationPlanner
	logger      *slog.Logger
}

// ResolverOption customizes optional resolver collaborators.
type ResolverOption func(*Resolver)

// WithCompensator schedules compensation whenever an activity with a terminal
// row is reworked.
func WithCompensator(c CompensationPlanner) ResolverOption {
	return func(r *Resolver) { r.compensator = c }
}

// NewResolver wires a resolver. mailer and runner may be nil; the external
// customer and script-task paths then degrade to log warnings.
func NewResolver(st Storage, mailer MailSender, runner ScriptRunner, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:  st,
		mailer: mailer,
		script: runner,
		logger: slog.Default().With("component", "resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ApplyResult reports what a decision did to the instance.
type ApplyResult struct {
	Instance *model.ProcessInstance
	// Errors carries join-policy rejections. When non-empty the step was not
	// applied and the caller must hold the item for intervention.
	Errors []model.ProceedError
	// Created lists frontier work items materialized by this step.
	Created []*model.WorkItem
}

// frontierEntry is one activity the decision advances to, post-expansion.
type frontierEntry struct {
	activityID string
	result     model.Status
	userEmail  string
}

// Apply executes the decision against the store. Instance mutation and
// work-item writes belong to the same logical step; callers must treat a
// returned error as "nothing advanced".
func (r *Resolver) Apply(ctx context.Context, dec *model.Decision) (*ApplyResult, error) {
	if err := dec.Validate(); err != nil {
		return nil, err
	}

	inst, err := r.loadOrCreateInstance(ctx, dec)
	if err != nil {
		return nil, err
	}

	def, err := r.store.GetDefinitionVersion(ctx, inst.ProcDefID, inst.ProcDefVersion)
	if err != nil {
		return nil, err
	}

	if err := checkExclusiveConflicts(def, dec.NextActivities); err != nil {
		return nil, err
	}

	entries, terminate := expandNextActivities(def, dec.NextActivities)

	// Join policy gates the whole step. An unsatisfied join holds the item
	// exactly where it was: no completions, no frontier change, nothing
	// persisted. The completing branch already counts as settled because the
	// claimed item is SUBMITTED.
	_, joinErrors, err := r.filterByJoinPolicy(ctx, def, inst, entries)
	if err != nil {
		return nil, err
	}
	if len(joinErrors) > 0 {
		return &ApplyResult{Instance: inst, Errors: joinErrors}, nil
	}

	for _, b := range dec.RoleBindings {
		inst.SetBinding(b)
	}
	for _, v := range dec.FieldMappings {
		inst.MergeVariable(v)
	}

	result := &ApplyResult{Instance: inst}

	if err := r.completeActivities(ctx, inst, dec); err != nil {
		return nil, err
	}

	entries, err = r.runScriptTasks(ctx, def, inst, dec, entries)
	if err != nil {
		return nil, err
	}

	if terminate {
		inst.Complete()
	} else {
		inst.Status = model.InstanceRunning
		for _, e := range entries {
			inst.AddActivity(e.activityID)
		}
	}

	if err := r.store.UpsertInstance(ctx, inst); err != nil {
		return nil, err
	}

	if !terminate {
		created, err := r.materializeFrontier(ctx, def, inst, entries)
		if err != nil {
			return nil, err
		}
		result.Created = created
	}

	if err := r.writeChat(ctx, inst.ID, dec); err != nil {
		r.logger.Warn("Failed to write chat entry", "instance", inst.ID, "error", err)
	}

	return result, nil
}

// loadOrCreateInstance resolves the decision's instance, minting a fresh one
// for "new" ids.
func (r *Resolver) loadOrCreateInstance(ctx context.Context, dec *model.Decision) (*model.ProcessInstance, error) {
	if model.IsNewInstanceID(dec.InstanceID) {
		inst := &model.ProcessInstance{
			ID:           model.NewInstanceID(dec.ProcessDefinitionID),
			Name:         dec.InstanceName,
			ProcDefID:    dec.ProcessDefinitionID,
			Status:       model.InstanceRunning,
			RoleBindings: dec.RoleBindings,
			TenantID:     r.store.TenantID(),
		}
		dec.InstanceID = inst.ID
		return inst, nil
	}

	inst, err := r.store.GetInstance(ctx, dec.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("instance %s not found", dec.InstanceID)
	}
	if inst.Status == model.InstanceNew {
		inst.Status = model.InstanceRunning
	}
	return inst, nil
}

// completeActivities marks the decision's completed steps DONE and removes
// them from the frontier.
func (r *Resolver) completeActivities(ctx context.Context, inst *model.ProcessInstance, dec *model.Decision) error {
	now := time.Now()
	for _, c := range dec.CompletedActivities {
		inst.RemoveActivity(c.CompletedActivityID)

		item, err := r.store.FindWorkItem(ctx, inst.ID, c.CompletedActivityID)
		if err != nil {
			return err
		}
		if item == nil {
			continue
		}
		item.Status = model.StatusDone
		item.EndDate = &now
		item.Consumer = nil
		if c.Description != "" {
			item.Log = c.Description
		}
		if err := r.store.UpsertWorkItem(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// checkExclusiveConflicts rejects decisions that pick more than one outgoing
// branch of the same exclusive gateway.
func checkExclusiveConflicts(def *definition.Definition, next []model.NextActivity) error {
	chosen := make(map[string]bool, len(next))
	for _, n := range next {
		chosen[n.NextActivityID] = true
	}

	for _, g := range def.Gateways {
		if g.Type != definition.TypeExclusiveGateway {
			continue
		}
		picked := 0
		for _, seq := range def.FindSequences(g.ID, "") {
			if seq.IsFeedback() {
				continue
			}
			if chosen[seq.Target] {
				picked++
			}
		}
		if picked > 1 {
			return fmt.Errorf("decision selects %d branches of exclusive gateway %s", picked, g.ID)
		}
	}
	return nil
}

// expandNextActivities replaces gateway ids with their forward expansion and
// detects termination.
func expandNextActivities(def *definition.Definition, next []model.NextActivity) ([]frontierEntry, bool) {
	var entries []frontierEntry
	terminate := false
	seen := map[string]bool{}

	add := func(id string, result model.Status, email string) {
		if !seen[id] {
			seen[id] = true
			entries = append(entries, frontierEntry{id, result, email})
		}
	}

	for _, n := range next {
		result := resultStatus(n.Result)

		if model.IsEndEventID(n.NextActivityID) {
			terminate = true
			continue
		}

		g := def.FindGateway(n.NextActivityID)
		if g == nil {
			add(n.NextActivityID, result, n.NextUserEmail)
			continue
		}
		if g.IsEndEvent() {
			terminate = true
			continue
		}
		for _, node := range def.FindNextActivities(g.ID, false) {
			add(node.NodeID(), result, n.NextUserEmail)
		}
	}

	return entries, terminate
}

func resultStatus(result string) model.Status {
	switch model.Status(result) {
	case model.StatusPending, model.StatusDone, model.StatusTodo:
		return model.Status(result)
	default:
		return model.StatusInProgress
	}
}

// filterByJoinPolicy drops frontier entries sitting behind a join whose
// sibling branches have not satisfied the gateway's policy.
func (r *Resolver) filterByJoinPolicy(ctx context.Context, def *definition.Definition, inst *model.ProcessInstance, entries []frontierEntry) ([]frontierEntry, []model.ProceedError, error) {
	var kept []frontierEntry
	var errs []model.ProceedError

	for _, e := range entries {
		allowed, join, err := r.joinAllows(ctx, def, inst, e.activityID)
		if err != nil {
			return nil, nil, err
		}
		if allowed {
			kept = append(kept, e)
			continue
		}
		errs = append(errs, model.ProceedError{
			Type:   model.ErrProceedConditionNotMet,
			Reason: fmt.Sprintf("join %s before %s is not satisfied yet", join, e.activityID),
		})
	}
	return kept, errs, nil
}

// joinAllows evaluates the join policy guarding an activity, if any. Returns
// the blocking gateway id when not allowed.
func (r *Resolver) joinAllows(ctx context.Context, def *definition.Definition, inst *model.ProcessInstance, activityID string) (bool, string, error) {
	for _, seq := range def.FindSequences("", activityID) {
		if seq.IsFeedback() {
			continue
		}
		g := def.FindGateway(seq.Source)
		if g == nil || !g.IsTrueGateway() {
			continue
		}

		block := def.FindBlock(g.ID)
		if block.BranchCount <= 1 {
			continue
		}

		var branchActivities []string
		for _, id := range block.Members {
			if def.FindActivity(id) != nil {
				branchActivities = append(branchActivities, id)
			}
		}
		if len(branchActivities) == 0 {
			continue
		}

		known, err := r.store.StatusesForActivities(ctx, inst.ID, branchActivities)
		if err != nil {
			return false, "", err
		}

		statuses := make([]model.Status, 0, len(branchActivities))
		for _, id := range branchActivities {
			if s, ok := known[id]; ok {
				statuses = append(statuses, s)
			} else {
				// Branch not materialized yet counts as not started.
				statuses = append(statuses, model.StatusTodo)
			}
		}

		if !definition.JoinAllows(g.Type, statuses) {
			return false, g.ID, nil
		}
	}
	return true, "", nil
}

// runScriptTasks executes script-task entries synchronously and replaces them
// with their successors. Non-zero exits still advance; the failure is kept in
// the work-item log for compensation.
func (r *Resolver) runScriptTasks(ctx context.Context, def *definition.Definition, inst *model.ProcessInstance, dec *model.Decision, entries []frontierEntry) ([]frontierEntry, error) {
	var out []frontierEntry
	visited := map[string]bool{}

	queue := entries
	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]

		act := def.FindActivity(e.activityID)
		if act == nil || !act.IsScriptTask() {
			out = append(out, e)
			continue
		}
		if visited[act.ID] {
			continue
		}
		visited[act.ID] = true

		if r.script == nil {
			r.logger.Warn("No script runner configured, skipping script task", "activity", act.ID)
			continue
		}

		res, err := r.script.Run(ctx, act.Instruction, inst.Variables)
		if err != nil {
			return nil, fmt.Errorf("script task %s: %w", act.ID, err)
		}

		now := time.Now()
		item := model.NewWorkItem(inst.ID, inst.ProcDefID, act.ID, act.Name, r.store.TenantID())
		item.Status = model.StatusDone
		item.StartDate = &now
		item.EndDate = &now
		item.Log = res.Summary()
		item.Tool = act.Tool
		if err := r.store.UpsertWorkItem(ctx, item); err != nil {
			return nil, err
		}

		// Only clean exits count as completed steps; a failure stays visible
		// in the work-item log while the flow moves on.
		if res.OK() {
			dec.CompletedActivities = append(dec.CompletedActivities, model.CompletedActivity{
				CompletedActivityID:   act.ID,
				CompletedActivityName: act.Name,
				Result:                string(model.StatusDone),
				Description:           res.Summary(),
			})
		}
		inst.RemoveActivity(act.ID)

		for _, node := range def.FindNextActivities(act.ID, false) {
			queue = append(queue, frontierEntry{node.NodeID(), model.StatusInProgress, ""})
		}
	}

	return out, nil
}

// materializeFrontier ensures a work item exists for every frontier entry,
// creating TODO rows, reworking terminal ones, and auto-submitting service
// tasks.
func (r *Resolver) materializeFrontier(ctx context.Context, def *definition.Definition, inst *model.ProcessInstance, entries []frontierEntry) ([]*model.WorkItem, error) {
	var created []*model.WorkItem
	now := time.Now()

	for _, e := range entries {
		act := def.FindActivity(e.activityID)
		if act == nil {
			// Sub-processes and unified events have no work item row.
			continue
		}

		existing, err := r.store.FindWorkItem(ctx, inst.ID, act.ID)
		if err != nil {
			return nil, err
		}

		var item *model.WorkItem
		switch {
		case existing == nil:
			item = model.NewWorkItem(inst.ID, inst.ProcDefID, act.ID, act.Name, r.store.TenantID())
		case existing.Status.IsTerminal():
			// Re-entry through a loop reworks the activity on a fresh row,
			// keeping the draft so nothing typed is lost. Recorded side
			// effects of the previous run are undone before it runs again.
			r.compensate(ctx, inst, act)
			item = model.NewWorkItem(inst.ID, inst.ProcDefID, act.ID, act.Name, r.store.TenantID())
			item.ReworkCount = existing.ReworkCount + 1
			item.Draft = existing.Draft
		default:
			item = existing
		}

		item.Status = e.result
		item.StartDate = &now
		item.Tool = act.Tool
		item.Duration = act.Duration
		item.AgentMode = model.AgentMode(act.AgentMode)
		if item.AgentMode == "" {
			item.AgentMode = model.AgentModeNone
		}
		if act.Duration > 0 {
			due := now.AddDate(0, 0, act.Duration)
			item.DueDate = &due
		}

		if err := r.assign(ctx, inst, act, item, e.userEmail); err != nil {
			return nil, err
		}

		if act.IsServiceTask() {
			// Machine steps go straight to the LLM advancement path.
			item.Status = model.StatusSubmitted
		}

		if err := r.store.UpsertWorkItem(ctx, item); err != nil {
			return nil, err
		}
		created = append(created, item)

		if item.UserID != "" {
			if err := r.store.AddParticipants(ctx, inst.ID, strings.Split(item.UserID, ",")); err != nil {
				r.logger.Warn("Failed to record participants", "instance", inst.ID, "error", err)
			}
		}
	}

	return created, nil
}

// compensate schedules the reverse steps for a reworked activity. Failures
// are logged, not returned; the rework row still materializes so a synthesis
// outage never wedges the flow.
func (r *Resolver) compensate(ctx context.Context, inst *model.ProcessInstance, act *definition.Activity) {
	if r.compensator == nil {
		return
	}
	if _, err := r.compensator.Plan(ctx, inst.ID, act.ID); err != nil {
		r.logger.Warn("Failed to schedule compensation",
			"instance", inst.ID, "activity", act.ID, "error", err)
	}
}

// assign resolves the activity's role binding into user id, username and
// assignees, and handles the external-customer mail path.
func (r *Resolver) assign(ctx context.Context, inst *model.ProcessInstance, act *definition.Activity, item *model.WorkItem, fallbackEmail string) error {
	var endpoints []string
	if b := inst.Binding(act.Role); b != nil {
		endpoints = b.Endpoints()
	}
	if len(endpoints) == 0 && fallbackEmail != "" {
		endpoints = []string{fallbackEmail}
	}
	if len(endpoints) == 0 {
		return nil
	}

	item.UserID = strings.Join(endpoints, ",")

	users, err := r.store.ResolveUsers(ctx, item.UserID)
	if err != nil {
		return err
	}

	var names []string
	item.Assignees = item.Assignees[:0]
	for _, u := range users {
		names = append(names, u.Name)
		item.Assignees = append(item.Assignees, model.Assignee{Name: u.Name, Endpoint: u.Email})
		if u.Type == model.UserTypeA2A || u.Type == model.UserTypeAgent {
			item.AgentMode = model.AgentModeA2A
		}
		if u.Type == model.UserTypeExternalCustomer {
			r.notifyExternalCustomer(ctx, inst, act, u)
		}
	}
	item.Username = strings.Join(names, ",")
	return nil
}

// notifyExternalCustomer mails the form link; the address comes from the
// resolved endpoint or from a customer_email field in completed outputs.
func (r *Resolver) notifyExternalCustomer(ctx context.Context, inst *model.ProcessInstance, act *definition.Activity, u *store.UserInfo) {
	if r.mailer == nil {
		r.logger.Warn("No mailer configured, skipping external customer mail", "activity", act.ID)
		return
	}

	email := u.Email
	if email == "" || email == model.ExternalCustomerID {
		email = r.findCustomerEmail(ctx, inst.ID)
	}
	if email == "" {
		r.logger.Warn("No customer email found for external activity", "activity", act.ID)
		return
	}

	if err := r.mailer.SendFormLink(email, act.Name, inst.ProcDefID, act.ID, inst.ID); err != nil {
		r.logger.Warn("Failed to mail external customer", "activity", act.ID, "error", err)
	}
}

// findCustomerEmail scans completed outputs of the instance for a
// customer_email field.
func (r *Resolver) findCustomerEmail(ctx context.Context, instanceID string) string {
	items, err := r.store.ListWorkItems(ctx, instanceID)
	if err != nil {
		return ""
	}
	for _, item := range items {
		if item.Status != model.StatusDone || item.Output == nil {
			continue
		}
		if email := findField(item.Output, "customer_email"); email != "" {
			return email
		}
	}
	return ""
}

// findField searches a possibly nested output map for a string field.
func findField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	for _, v := range m {
		if nested, ok := v.(map[string]any); ok {
			if found := findField(nested, key); found != "" {
				return found
			}
		}
	}
	return ""
}

// writeChat records the step summary on the instance's chat stream.
func (r *Resolver) writeChat(ctx context.Context, instanceID string, dec *model.Decision) error {
	summary, err := json.Marshal(map[string]any{
		"referenceInfo":       dec.ReferenceInfo,
		"completedActivities": dec.CompletedActivities,
		"nextActivities":      dec.NextActivities,
	})
	if err != nil {
		return err
	}
	return r.store.AppendChat(ctx, instanceID, store.ChatMessage{
		Role:    "system",
		Content: string(summary),
	})
}
