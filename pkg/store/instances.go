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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/uengine-oss/procflow/pkg/model"
)

// UpsertInstance inserts or replaces an instance row.
func (s *Store) UpsertInstance(ctx context.Context, inst *model.ProcessInstance) error {
	roleBindings, err := jsonValue(inst.RoleBindings)
	if err != nil {
		return err
	}
	variables, err := jsonValue(inst.Variables)
	if err != nil {
		return err
	}

	inst.TenantID = s.tenantOr(inst.TenantID)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bpm_proc_inst (
			proc_inst_id, proc_inst_name, proc_def_id, proc_def_version,
			current_activity_ids, current_user_ids, participants,
			role_bindings, variables_data, status, tenant_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (proc_inst_id) DO UPDATE SET
			proc_inst_name = EXCLUDED.proc_inst_name,
			current_activity_ids = EXCLUDED.current_activity_ids,
			current_user_ids = EXCLUDED.current_user_ids,
			participants = EXCLUDED.participants,
			role_bindings = EXCLUDED.role_bindings,
			variables_data = EXCLUDED.variables_data,
			status = EXCLUDED.status`,
		inst.ID, inst.Name, inst.ProcDefID, inst.ProcDefVersion,
		pq.Array(inst.CurrentActivityIDs), pq.Array(inst.CurrentUserIDs),
		pq.Array(inst.Participants), roleBindings, variables,
		string(inst.Status), inst.TenantID)
	if err != nil {
		return fmt.Errorf("failed to upsert instance %s: %w", inst.ID, err)
	}
	return nil
}

// GetInstance fetches an instance by id, or nil when absent.
func (s *Store) GetInstance(ctx context.Context, id string) (*model.ProcessInstance, error) {
	var (
		inst                   model.ProcessInstance
		name, version, status  sql.NullString
		tenantID               sql.NullString
		roleBindings, varsData []byte
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT proc_inst_id, proc_inst_name, proc_def_id, proc_def_version,
			current_activity_ids, current_user_ids, participants,
			role_bindings, variables_data, status, tenant_id
		FROM bpm_proc_inst WHERE proc_inst_id = $1`, id).Scan(
		&inst.ID, &name, &inst.ProcDefID, &version,
		pq.Array(&inst.CurrentActivityIDs), pq.Array(&inst.CurrentUserIDs),
		pq.Array(&inst.Participants), &roleBindings, &varsData,
		&status, &tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch instance %s: %w", id, err)
	}

	inst.Name = name.String
	inst.ProcDefVersion = version.String
	inst.Status = model.InstanceStatus(status.String)
	inst.TenantID = tenantID.String

	if err := scanJSON(roleBindings, &inst.RoleBindings); err != nil {
		return nil, err
	}
	if err := scanJSON(varsData, &inst.Variables); err != nil {
		return nil, err
	}
	return &inst, nil
}

// AddParticipants appends user ids to the instance's participants, deduped.
func (s *Store) AddParticipants(ctx context.Context, instanceID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	inst, err := s.GetInstance(ctx, instanceID)
	if err != nil || inst == nil {
		return err
	}

	seen := make(map[string]bool, len(inst.Participants))
	for _, id := range inst.Participants {
		seen[id] = true
	}
	for _, id := range userIDs {
		if id != "" && !seen[id] {
			seen[id] = true
			inst.Participants = append(inst.Participants, id)
		}
	}
	return s.UpsertInstance(ctx, inst)
}
