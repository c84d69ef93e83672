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

// Package engine advances process instances: a polling dispatcher claims due
// work items, the LLM handler turns submissions into validated decisions, and
// the resolver applies decisions to instance state.
package engine

import (
	"context"
	"time"

	"github.com/uengine-oss/procflow/pkg/definition"
	"github.com/uengine-oss/procflow/pkg/llm"
	"github.com/uengine-oss/procflow/pkg/model"
	"github.com/uengine-oss/procflow/pkg/script"
	"github.com/uengine-oss/procflow/pkg/store"
)

// Storage is the slice of the persistence layer the engine consumes.
// *store.Store satisfies it; tests substitute fakes.
type Storage interface {
	ClaimDue(ctx context.Context, limit int, consumerID string, selector store.ClaimSelector) ([]*model.WorkItem, error)
	ReleaseStaleClaims(ctx context.Context, maxAge time.Duration) (int64, error)
	ReleaseClaim(ctx context.Context, id string) error

	UpsertWorkItem(ctx context.Context, item *model.WorkItem) error
	GetWorkItem(ctx context.Context, id string) (*model.WorkItem, error)
	FindWorkItem(ctx context.Context, instanceID, activityID string) (*model.WorkItem, error)
	ListWorkItems(ctx context.Context, instanceID string) ([]*model.WorkItem, error)
	LatestDoneForActivity(ctx context.Context, instanceID, activityID string) (*model.WorkItem, error)
	StatusesForActivities(ctx context.Context, instanceID string, activityIDs []string) (map[string]model.Status, error)
	UpdateWorkItemLog(ctx context.Context, id, log string) error

	UpsertInstance(ctx context.Context, inst *model.ProcessInstance) error
	GetInstance(ctx context.Context, id string) (*model.ProcessInstance, error)
	AddParticipants(ctx context.Context, instanceID string, userIDs []string) error

	GetDefinition(ctx context.Context, defID string) (*definition.Definition, error)
	GetDefinitionVersion(ctx context.Context, defID, version string) (*definition.Definition, error)
	FormActivityID(ctx context.Context, defID, formID string) (string, error)

	ResolveUsers(ctx context.Context, joined string) ([]*store.UserInfo, error)
	AppendChat(ctx context.Context, instanceID string, msg store.ChatMessage) error
	TenantID() string
}

// DecisionAdvisor is the reasoning-layer surface for next-step decisions.
type DecisionAdvisor interface {
	NextStep(ctx context.Context, req *llm.NextStepRequest, onDelta func(string)) (string, error)
}

// AgentHandler processes a claimed A2A work item end to end.
type AgentHandler interface {
	Handle(ctx context.Context, item *model.WorkItem) error
}

// CompensationPlanner synthesizes and schedules the reverse steps for a
// reworked activity.
type CompensationPlanner interface {
	Plan(ctx context.Context, instanceID, targetActivityID string) (string, error)
}

// MailSender notifies external customers of pending forms.
type MailSender interface {
	SendFormLink(to, activityName, defID, activityID, instanceID string) error
}

// ScriptRunner executes script-task bodies in the external sandbox.
type ScriptRunner interface {
	Run(ctx context.Context, scriptBody string, variables []model.Variable) (*script.Result, error)
}
