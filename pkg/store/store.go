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

// Package store persists process definitions, instances, work items, event
// logs and compensation artifacts in PostgreSQL. Work-item claiming uses
// FOR UPDATE SKIP LOCKED so replicas never double-claim a row.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// Store wraps the shared database handle. TenantID is injected into every
// insert so rows written by this replica always carry the tenant.
type Store struct {
	db       *sql.DB
	tenantID string
	logger   *slog.Logger
}

// New creates a Store over an open database handle.
func New(db *sql.DB, tenantID string) *Store {
	return &Store{
		db:       db,
		tenantID: tenantID,
		logger:   slog.Default().With("component", "store"),
	}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// TenantID returns the tenant this store writes under.
func (s *Store) TenantID() string { return s.tenantID }

// tenantOr returns the row-level tenant if set, otherwise the store default.
func (s *Store) tenantOr(rowTenant string) string {
	if rowTenant != "" {
		return rowTenant
	}
	return s.tenantID
}

// isoTime renders a timestamp as ISO-8601 for insertion, or nil.
func isoTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// jsonValue marshals v for a jsonb column; nil maps become SQL NULL.
func jsonValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal jsonb value: %w", err)
	}
	return data, nil
}

// scanJSON unmarshals a nullable jsonb column into out; NULL leaves out as-is.
func scanJSON(raw []byte, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode jsonb column: %w", err)
	}
	return nil
}

// InitSchema creates every table the engine touches. Safe to run on every
// startup.
func (s *Store) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS proc_def (
			id         TEXT PRIMARY KEY,
			name       TEXT,
			definition JSONB,
			bpmn       TEXT,
			tenant_id  TEXT,
			isdeleted  BOOLEAN DEFAULT FALSE,
			uuid       TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS proc_def_arcv (
			proc_def_id TEXT,
			arcv_id     TEXT,
			version     INTEGER,
			definition  JSONB,
			tenant_id   TEXT,
			created_at  TIMESTAMPTZ DEFAULT now(),
			PRIMARY KEY (proc_def_id, arcv_id)
		)`,
		`CREATE TABLE IF NOT EXISTS form_def (
			id          TEXT PRIMARY KEY,
			html        TEXT,
			proc_def_id TEXT,
			activity_id TEXT,
			fields_json JSONB,
			tenant_id   TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS bpm_proc_inst (
			proc_inst_id         TEXT PRIMARY KEY,
			proc_inst_name       TEXT,
			proc_def_id          TEXT,
			proc_def_version     TEXT,
			current_activity_ids TEXT[],
			current_user_ids     TEXT[],
			participants         TEXT[],
			role_bindings        JSONB,
			variables_data       JSONB,
			status               TEXT,
			tenant_id            TEXT,
			is_clean_up          BOOLEAN DEFAULT FALSE,
			project_id           TEXT,
			root_proc_inst_id    TEXT,
			start_date           TIMESTAMPTZ,
			end_date             TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS todolist (
			id                UUID PRIMARY KEY,
			proc_inst_id      TEXT,
			proc_def_id       TEXT,
			activity_id       TEXT,
			activity_name     TEXT,
			user_id           TEXT,
			username          TEXT,
			status            TEXT,
			assignees         JSONB,
			reference_ids     TEXT[],
			duration          INTEGER,
			output            JSONB,
			draft             JSONB,
			feedback          JSONB,
			tool              TEXT,
			start_date        TIMESTAMPTZ,
			end_date          TIMESTAMPTZ,
			due_date          TIMESTAMPTZ,
			retry             INTEGER DEFAULT 0,
			consumer          TEXT,
			log               TEXT,
			agent_mode        TEXT,
			agent_orch        TEXT,
			temp_feedback     TEXT,
			execution_scope   TEXT,
			rework_count      INTEGER DEFAULT 0,
			project_id        TEXT,
			root_proc_inst_id TEXT,
			query             TEXT,
			tenant_id         TEXT,
			updated_at        TIMESTAMPTZ DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_todolist_claim
			ON todolist (status, consumer)`,
		`CREATE INDEX IF NOT EXISTS idx_todolist_instance
			ON todolist (proc_inst_id)`,
		`CREATE TABLE IF NOT EXISTS events (
			id           UUID PRIMARY KEY,
			run_id       TEXT,
			job_id       TEXT,
			todo_id      TEXT,
			proc_inst_id TEXT,
			event_type   TEXT,
			crew_type    TEXT,
			data         JSONB,
			timestamp    TIMESTAMPTZ DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS mcp_python_code (
			proc_def_id  TEXT,
			activity_id  TEXT,
			tenant_id    TEXT,
			compensation TEXT,
			created_at   TIMESTAMPTZ DEFAULT now(),
			PRIMARY KEY (proc_def_id, activity_id, tenant_id)
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			id        TEXT PRIMARY KEY,
			uuid      TEXT,
			messages  JSONB,
			tenant_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id        TEXT PRIMARY KEY,
			email     TEXT,
			username  TEXT,
			type      TEXT,
			tenant_id TEXT
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	s.logger.Info("Schema initialized")
	return nil
}
