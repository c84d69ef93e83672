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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/uengine-oss/procflow/pkg/model"
	"github.com/uengine-oss/procflow/pkg/store"
)

const (
	// maxHandlerRetries caps retries per work item; after that the item is
	// parked DONE with an error log and becomes a compensation candidate.
	maxHandlerRetries = 3

	defaultPollInterval    = 5 * time.Second
	defaultMaxConcurrent   = 8
	defaultStaleAge        = 30 * time.Minute
	defaultCleanupInterval = 5 * time.Minute
)

// Dispatcher is the per-replica polling loop. Each cycle claims due work
// items through the store's locked selection and hands them to bounded
// concurrent handlers.
type Dispatcher struct {
	store      Storage
	handler    *Handler
	agent      AgentHandler
	consumerID string

	pollInterval    time.Duration
	maxConcurrent   int64
	staleAge        time.Duration
	cleanupInterval time.Duration

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	logger *slog.Logger
}

// DispatcherOption customizes the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithPollInterval sets the claim-cycle cadence.
func WithPollInterval(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) { disp.pollInterval = d }
}

// WithMaxConcurrent bounds in-flight handlers.
func WithMaxConcurrent(n int) DispatcherOption {
	return func(disp *Dispatcher) {
		if n > 0 {
			disp.maxConcurrent = int64(n)
		}
	}
}

// WithStaleAge sets the lease age at which the cleanup loop reclaims claims.
func WithStaleAge(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) { disp.staleAge = d }
}

// WithCleanupInterval sets the cleanup-loop cadence.
func WithCleanupInterval(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) { disp.cleanupInterval = d }
}

// NewDispatcher wires a dispatcher for one replica. agent may be nil when
// agent dispatch is disabled.
func NewDispatcher(st Storage, handler *Handler, agent AgentHandler, consumerID string, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:           st,
		handler:         handler,
		agent:           agent,
		consumerID:      consumerID,
		pollInterval:    defaultPollInterval,
		maxConcurrent:   defaultMaxConcurrent,
		staleAge:        defaultStaleAge,
		cleanupInterval: defaultCleanupInterval,
		logger:          slog.Default().With("component", "dispatcher", "consumer", consumerID),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.sem = semaphore.NewWeighted(d.maxConcurrent)
	return d
}

// Run polls until the context is cancelled, then waits for in-flight
// handlers before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Dispatcher started", "poll_interval", d.pollInterval)

	cleanupCtx, stopCleanup := context.WithCancel(context.Background())
	defer stopCleanup()
	go d.cleanupLoop(cleanupCtx)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Shutting down, waiting for in-flight handlers")
			stopCleanup()
			d.wg.Wait()
			d.logger.Info("Dispatcher stopped")
			return ctx.Err()
		default:
		}

		d.cycle(ctx)

		select {
		case <-ctx.Done():
		case <-time.After(d.pollInterval):
		}
	}
}

// cycle claims both selectors and spawns one bounded handler per item.
func (d *Dispatcher) cycle(ctx context.Context) {
	limit := int(d.maxConcurrent)

	var items []*model.WorkItem
	for _, sel := range []store.ClaimSelector{store.SelectSubmitted, store.SelectAgentInProgress} {
		claimed, err := d.store.ClaimDue(ctx, limit, d.consumerID, sel)
		if err != nil {
			d.logger.Error("Claim cycle failed", "selector", sel, "error", err)
			continue
		}
		items = append(items, claimed...)
	}

	for _, item := range items {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			// Shutdown mid-cycle; release the untouched claim.
			if relErr := d.store.ReleaseClaim(context.Background(), item.ID); relErr != nil {
				d.logger.Warn("Failed to release claim on shutdown", "item", item.ID, "error", relErr)
			}
			continue
		}

		d.wg.Add(1)
		go func(item *model.WorkItem) {
			defer d.wg.Done()
			defer d.sem.Release(1)
			d.runOne(ctx, item)
		}(item)
	}
}

// runOne executes a single claimed item, applying the retry policy. The lease
// is released in every outcome.
func (d *Dispatcher) runOne(ctx context.Context, item *model.WorkItem) {
	defer func() {
		if err := d.store.ReleaseClaim(context.Background(), item.ID); err != nil {
			d.logger.Warn("Failed to release claim", "item", item.ID, "error", err)
		}
	}()

	startLine := fmt.Sprintf("starting %s", item.ActivityName)
	if err := d.store.UpdateWorkItemLog(ctx, item.ID, startLine); err != nil {
		d.logger.Warn("Failed to write start log", "item", item.ID, "error", err)
	}

	err := d.dispatch(ctx, item)
	if err == nil {
		return
	}

	d.logger.Error("Handler failed", "item", item.ID, "activity", item.ActivityID, "error", err)
	d.recordFailure(ctx, item, err)
}

// dispatch routes the item to the agent or LLM path.
func (d *Dispatcher) dispatch(ctx context.Context, item *model.WorkItem) error {
	if item.Status == model.StatusInProgress && item.AgentMode == model.AgentModeA2A {
		if d.agent == nil {
			return fmt.Errorf("agent work item %s claimed but no agent handler configured", item.ID)
		}
		return d.agent.Handle(ctx, item)
	}
	return d.handler.Handle(ctx, item)
}

// recordFailure bumps the retry counter; the third failure parks the item
// DONE with the error in its log so compensation can pick it up.
func (d *Dispatcher) recordFailure(ctx context.Context, item *model.WorkItem, handleErr error) {
	current, err := d.store.GetWorkItem(ctx, item.ID)
	if err != nil || current == nil {
		d.logger.Error("Failed to load item for retry accounting", "item", item.ID, "error", err)
		return
	}

	current.Retry++
	current.Consumer = nil
	if current.Retry >= maxHandlerRetries {
		now := time.Now()
		current.Status = model.StatusDone
		current.EndDate = &now
		current.Log = fmt.Sprintf("failed after %d attempts: %v", current.Retry, handleErr)
	}

	if err := d.store.UpsertWorkItem(ctx, current); err != nil {
		d.logger.Error("Failed to persist retry state", "item", item.ID, "error", err)
	}
}

// cleanupLoop reclaims stale leases on its own cadence.
func (d *Dispatcher) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.store.ReleaseStaleClaims(ctx, d.staleAge); err != nil {
				d.logger.Warn("Stale-claim sweep failed", "error", err)
			}
		}
	}
}
