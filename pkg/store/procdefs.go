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

	"github.com/google/uuid"

	"github.com/uengine-oss/procflow/pkg/definition"
)

// FormDef is a stored form definition attached to an activity.
type FormDef struct {
	ID         string
	HTML       string
	ProcDefID  string
	ActivityID string
	Fields     []map[string]any
	TenantID   string
}

// GetDefinition loads the current version of a process definition.
func (s *Store) GetDefinition(ctx context.Context, defID string) (*definition.Definition, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT definition FROM proc_def
		WHERE id = $1 AND isdeleted = FALSE`, defID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("process definition %s not found", defID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch definition %s: %w", defID, err)
	}

	def, err := definition.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("definition %s: %w", defID, err)
	}
	return def, nil
}

// GetDefinitionVersion loads a specific archived version of a definition.
// An empty version falls back to the current one.
func (s *Store) GetDefinitionVersion(ctx context.Context, defID, version string) (*definition.Definition, error) {
	if version == "" {
		return s.GetDefinition(ctx, defID)
	}

	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT definition FROM proc_def_arcv
		WHERE proc_def_id = $1 AND version = $2`, defID, version).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return s.GetDefinition(ctx, defID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch definition %s version %s: %w", defID, version, err)
	}

	def, err := definition.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("definition %s version %s: %w", defID, version, err)
	}
	return def, nil
}

// SaveDefinition stores a definition as current and archives the previous
// version.
func (s *Store) SaveDefinition(ctx context.Context, def *definition.Definition, bpmn string) error {
	raw, err := def.Marshal()
	if err != nil {
		return fmt.Errorf("failed to serialize definition %s: %w", def.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin definition save: %w", err)
	}
	defer tx.Rollback()

	var prev []byte
	err = tx.QueryRowContext(ctx,
		`SELECT definition FROM proc_def WHERE id = $1`, def.ID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read previous definition %s: %w", def.ID, err)
	}

	if len(prev) > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO proc_def_arcv (proc_def_id, arcv_id, version, definition, tenant_id)
			VALUES ($1, $2,
				(SELECT COALESCE(MAX(version), 0) + 1 FROM proc_def_arcv WHERE proc_def_id = $1),
				$3, $4)`,
			def.ID, uuid.New().String(), prev, s.tenantID); err != nil {
			return fmt.Errorf("failed to archive definition %s: %w", def.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO proc_def (id, name, definition, bpmn, tenant_id, isdeleted, uuid)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			definition = EXCLUDED.definition,
			bpmn = EXCLUDED.bpmn,
			isdeleted = FALSE`,
		def.ID, def.Name, raw, bpmn, s.tenantID, uuid.New().String()); err != nil {
		return fmt.Errorf("failed to save definition %s: %w", def.ID, err)
	}

	return tx.Commit()
}

// GetForm fetches a form definition by id, or nil when absent.
func (s *Store) GetForm(ctx context.Context, formID string) (*FormDef, error) {
	var (
		form        FormDef
		html, defID sql.NullString
		activityID  sql.NullString
		tenantID    sql.NullString
		fields      []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, html, proc_def_id, activity_id, fields_json, tenant_id
		FROM form_def WHERE id = $1`, formID).Scan(
		&form.ID, &html, &defID, &activityID, &fields, &tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch form %s: %w", formID, err)
	}

	form.HTML = html.String
	form.ProcDefID = defID.String
	form.ActivityID = activityID.String
	form.TenantID = tenantID.String
	if err := scanJSON(fields, &form.Fields); err != nil {
		return nil, err
	}
	return &form, nil
}

// FormActivityID maps a form id to the activity that owns it within a
// definition, or "".
func (s *Store) FormActivityID(ctx context.Context, defID, formID string) (string, error) {
	var activityID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT activity_id FROM form_def
		WHERE id = $1 AND proc_def_id = $2`, formID, defID).Scan(&activityID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve form %s: %w", formID, err)
	}
	return activityID.String, nil
}
