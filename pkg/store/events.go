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
	"time"

	"github.com/google/uuid"

	"github.com/uengine-oss/procflow/pkg/model"
)

// AppendEvent records an execution event for an instance.
func (s *Store) AppendEvent(ctx context.Context, e *model.EventEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	data, err := jsonValue(e.Data)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, run_id, job_id, todo_id, proc_inst_id,
			event_type, crew_type, data, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.RunID, e.JobID, e.TodoID, e.ProcInstID,
		e.EventType, e.CrewType, data, e.Timestamp.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns all events of an instance in timestamp order.
func (s *Store) ListEvents(ctx context.Context, instanceID string) ([]*model.EventEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, job_id, todo_id, proc_inst_id, event_type,
			crew_type, data, timestamp
		FROM events
		WHERE proc_inst_id = $1
		ORDER BY timestamp`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for %s: %w", instanceID, err)
	}
	defer rows.Close()

	var entries []*model.EventEntry
	for rows.Next() {
		var (
			e                    model.EventEntry
			runID, jobID, todoID sql.NullString
			eventType, crewType  sql.NullString
			data                 []byte
			ts                   sql.NullTime
		)
		if err := rows.Scan(&e.ID, &runID, &jobID, &todoID, &e.ProcInstID,
			&eventType, &crewType, &data, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.RunID = runID.String
		e.JobID = jobID.String
		e.TodoID = todoID.String
		e.EventType = eventType.String
		e.CrewType = crewType.String
		if ts.Valid {
			e.Timestamp = ts.Time
		}
		if err := scanJSON(data, &e.Data); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// ChatMessage is one entry in an instance's chat stream.
type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	UserID    string    `json:"userId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AppendChat appends a message to the chat row keyed by instance id,
// creating the row on first write.
func (s *Store) AppendChat(ctx context.Context, instanceID string, msg ChatMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin chat append: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx,
		`SELECT messages FROM chats WHERE id = $1 FOR UPDATE`, instanceID).Scan(&raw)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read chat %s: %w", instanceID, err)
	}

	var messages []ChatMessage
	if err := scanJSON(raw, &messages); err != nil {
		return err
	}
	messages = append(messages, msg)

	data, err := jsonValue(messages)
	if err != nil {
		return err
	}

	if exists {
		_, err = tx.ExecContext(ctx,
			`UPDATE chats SET messages = $2 WHERE id = $1`, instanceID, data)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chats (id, uuid, messages, tenant_id)
			VALUES ($1, $2, $3, $4)`,
			instanceID, uuid.New().String(), data, s.tenantID)
	}
	if err != nil {
		return fmt.Errorf("failed to write chat %s: %w", instanceID, err)
	}

	return tx.Commit()
}
