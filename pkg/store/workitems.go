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

	"github.com/lib/pq"

	"github.com/uengine-oss/procflow/pkg/model"
)

// ClaimSelector narrows which rows a claim cycle may take.
type ClaimSelector int

const (
	// SelectSubmitted claims SUBMITTED rows with no consumer, the LLM
	// advancement path.
	SelectSubmitted ClaimSelector = iota

	// SelectAgentInProgress claims IN_PROGRESS rows with agent_mode A2A and
	// no consumer, the agent dispatch path.
	SelectAgentInProgress
)

// claimQuery builds the claim SELECT for a selector. Claims are always scoped
// to the replica's tenant.
func claimQuery(selector ClaimSelector) (string, error) {
	var where string
	switch selector {
	case SelectSubmitted:
		where = `status = 'SUBMITTED' AND consumer IS NULL`
	case SelectAgentInProgress:
		where = `status = 'IN_PROGRESS' AND consumer IS NULL AND agent_mode = 'A2A'`
	default:
		return "", fmt.Errorf("unknown claim selector %d", selector)
	}
	return fmt.Sprintf(`
		SELECT id FROM todolist
		WHERE %s AND tenant_id = $2
		ORDER BY updated_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, where), nil
}

const workItemColumns = `id, proc_inst_id, proc_def_id, activity_id, activity_name,
	user_id, username, status, assignees, reference_ids, duration, output, draft,
	feedback, tool, start_date, end_date, due_date, retry, consumer, log,
	agent_mode, agent_orch, execution_scope, rework_count, project_id,
	root_proc_inst_id, query, tenant_id, updated_at`

// ClaimDue atomically claims up to limit due work items for consumerID.
// Selection and ownership update run in one transaction with
// FOR UPDATE SKIP LOCKED, so concurrent replicas partition the rows instead
// of colliding.
func (s *Store) ClaimDue(ctx context.Context, limit int, consumerID string, selector ClaimSelector) ([]*model.WorkItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	query, err := claimQuery(selector)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query, limit, s.tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable work items: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan claimable id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate claimable ids: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE todolist SET consumer = $1 WHERE id = ANY($2)`,
		consumerID, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to assign consumer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	items := make([]*model.WorkItem, 0, len(ids))
	for _, id := range ids {
		item, err := s.GetWorkItem(ctx, id)
		if err != nil {
			return nil, err
		}
		if item != nil {
			items = append(items, item)
		}
	}
	return items, nil
}

// ReleaseStaleClaims nulls the consumer of IN_PROGRESS rows whose claim is
// older than maxAge, returning the number of released leases.
func (s *Store) ReleaseStaleClaims(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UTC().Format(time.RFC3339)
	result, err := s.db.ExecContext(ctx, `
		UPDATE todolist
		SET consumer = NULL
		WHERE status = 'IN_PROGRESS'
		  AND consumer IS NOT NULL
		  AND start_date < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", err)
	}
	released, _ := result.RowsAffected()
	if released > 0 {
		s.logger.Info("Released stale claims", "count", released)
	}
	return released, nil
}

// UpdateWorkItemLog replaces the log column of a work item. Used by the
// streaming decision writer, so it deliberately touches nothing else.
func (s *Store) UpdateWorkItemLog(ctx context.Context, id, log string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE todolist SET log = $2 WHERE id = $1`, id, log); err != nil {
		return fmt.Errorf("failed to update log of %s: %w", id, err)
	}
	return nil
}

// ReleaseClaim nulls the consumer of a single work item.
func (s *Store) ReleaseClaim(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE todolist SET consumer = NULL WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to release claim on %s: %w", id, err)
	}
	return nil
}

// upsertWorkItemSQL replaces every mutable column on conflict; only the
// identity columns keep their inserted values.
const upsertWorkItemSQL = `
	INSERT INTO todolist (
		id, proc_inst_id, proc_def_id, activity_id, activity_name,
		user_id, username, status, assignees, reference_ids, duration,
		output, draft, feedback, tool, start_date, end_date, due_date,
		retry, consumer, log, agent_mode, agent_orch, execution_scope,
		rework_count, project_id, root_proc_inst_id, query, tenant_id,
		updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28,
		$29, $30
	)
	ON CONFLICT (id) DO UPDATE SET
		status = EXCLUDED.status,
		user_id = EXCLUDED.user_id,
		username = EXCLUDED.username,
		assignees = EXCLUDED.assignees,
		reference_ids = EXCLUDED.reference_ids,
		duration = EXCLUDED.duration,
		output = EXCLUDED.output,
		draft = EXCLUDED.draft,
		feedback = EXCLUDED.feedback,
		tool = EXCLUDED.tool,
		start_date = EXCLUDED.start_date,
		end_date = EXCLUDED.end_date,
		due_date = EXCLUDED.due_date,
		retry = EXCLUDED.retry,
		consumer = EXCLUDED.consumer,
		log = EXCLUDED.log,
		agent_mode = EXCLUDED.agent_mode,
		agent_orch = EXCLUDED.agent_orch,
		execution_scope = EXCLUDED.execution_scope,
		rework_count = EXCLUDED.rework_count,
		query = EXCLUDED.query,
		updated_at = EXCLUDED.updated_at`

// UpsertWorkItem inserts or fully replaces a work item row.
func (s *Store) UpsertWorkItem(ctx context.Context, item *model.WorkItem) error {
	assignees, err := jsonValue(item.Assignees)
	if err != nil {
		return err
	}
	output, err := jsonValue(item.Output)
	if err != nil {
		return err
	}
	draft, err := jsonValue(item.Draft)
	if err != nil {
		return err
	}
	feedback, err := jsonValue(item.Feedback)
	if err != nil {
		return err
	}

	item.TenantID = s.tenantOr(item.TenantID)
	item.UpdatedAt = time.Now()

	_, err = s.db.ExecContext(ctx, upsertWorkItemSQL,
		item.ID, item.ProcInstID, item.ProcDefID, item.ActivityID, item.ActivityName,
		item.UserID, item.Username, string(item.Status), assignees,
		pq.Array(item.ReferenceIDs), item.Duration, output, draft, feedback,
		item.Tool, isoTime(item.StartDate), isoTime(item.EndDate), isoTime(item.DueDate),
		item.Retry, item.Consumer, item.Log, string(item.AgentMode), item.AgentOrch,
		item.ExecutionScope, item.ReworkCount, item.ProjectID, item.RootProcInstID,
		item.Query, item.TenantID, item.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to upsert work item %s: %w", item.ID, err)
	}
	return nil
}

// GetWorkItem fetches one work item by id, or nil when absent.
func (s *Store) GetWorkItem(ctx context.Context, id string) (*model.WorkItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workItemColumns+` FROM todolist WHERE id = $1`, id)
	item, err := scanWorkItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

// FindWorkItem fetches the authoritative row for (instance, activity): the
// one with the highest updated_at, ties broken by rework_count. Returns nil
// when no row exists.
func (s *Store) FindWorkItem(ctx context.Context, instanceID, activityID string) (*model.WorkItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+workItemColumns+` FROM todolist
		WHERE proc_inst_id = $1 AND activity_id = $2
		ORDER BY updated_at DESC, rework_count DESC
		LIMIT 1`, instanceID, activityID)
	item, err := scanWorkItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

// ListWorkItems returns every work item of an instance.
func (s *Store) ListWorkItems(ctx context.Context, instanceID string) ([]*model.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workItemColumns+` FROM todolist WHERE proc_inst_id = $1 ORDER BY updated_at`,
		instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list work items for %s: %w", instanceID, err)
	}
	defer rows.Close()

	var items []*model.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// LatestDoneForActivity returns the most recent DONE work item for an
// activity in an instance, or nil. Used when resolving form.field input
// references.
func (s *Store) LatestDoneForActivity(ctx context.Context, instanceID, activityID string) (*model.WorkItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+workItemColumns+` FROM todolist
		WHERE proc_inst_id = $1 AND activity_id = $2 AND status = 'DONE'
		ORDER BY end_date DESC NULLS LAST, updated_at DESC
		LIMIT 1`, instanceID, activityID)
	item, err := scanWorkItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

// StatusesForActivities returns the authoritative status per activity id for
// the given instance, for join evaluation. Activities with no work item are
// absent from the map.
func (s *Store) StatusesForActivities(ctx context.Context, instanceID string, activityIDs []string) (map[string]model.Status, error) {
	if len(activityIDs) == 0 {
		return map[string]model.Status{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (activity_id) activity_id, status
		FROM todolist
		WHERE proc_inst_id = $1 AND activity_id = ANY($2)
		ORDER BY activity_id, updated_at DESC, rework_count DESC`,
		instanceID, pq.Array(activityIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch branch statuses: %w", err)
	}
	defer rows.Close()

	statuses := make(map[string]model.Status)
	for rows.Next() {
		var activityID, status string
		if err := rows.Scan(&activityID, &status); err != nil {
			return nil, fmt.Errorf("failed to scan branch status: %w", err)
		}
		statuses[activityID] = model.Status(status)
	}
	return statuses, rows.Err()
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row scanner) (*model.WorkItem, error) {
	var (
		item                          model.WorkItem
		status, agentMode             string
		assignees, output, draft      []byte
		feedback                      []byte
		userID, username, tool        sql.NullString
		agentOrch, executionScope     sql.NullString
		logText, projectID, rootInst  sql.NullString
		query, tenantID, activityName sql.NullString
		duration, retry, reworkCount  sql.NullInt64
		startDate, endDate, dueDate   sql.NullTime
		updatedAt                     sql.NullTime
	)

	err := row.Scan(
		&item.ID, &item.ProcInstID, &item.ProcDefID, &item.ActivityID, &activityName,
		&userID, &username, &status, &assignees, pq.Array(&item.ReferenceIDs),
		&duration, &output, &draft, &feedback, &tool,
		&startDate, &endDate, &dueDate, &retry, &item.Consumer, &logText,
		&agentMode, &agentOrch, &executionScope, &reworkCount, &projectID,
		&rootInst, &query, &tenantID, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan work item: %w", err)
	}

	item.ActivityName = activityName.String
	item.UserID = userID.String
	item.Username = username.String
	item.Status = model.Status(status)
	item.Tool = tool.String
	item.Log = logText.String
	item.AgentMode = model.AgentMode(agentMode)
	item.AgentOrch = agentOrch.String
	item.ExecutionScope = executionScope.String
	item.ProjectID = projectID.String
	item.RootProcInstID = rootInst.String
	item.Query = query.String
	item.TenantID = tenantID.String
	item.Duration = int(duration.Int64)
	item.Retry = int(retry.Int64)
	item.ReworkCount = int(reworkCount.Int64)

	if startDate.Valid {
		t := startDate.Time
		item.StartDate = &t
	}
	if endDate.Valid {
		t := endDate.Time
		item.EndDate = &t
	}
	if dueDate.Valid {
		t := dueDate.Time
		item.DueDate = &t
	}
	if updatedAt.Valid {
		item.UpdatedAt = updatedAt.Time
	}

	if err := scanJSON(assignees, &item.Assignees); err != nil {
		return nil, err
	}
	if err := scanJSON(output, &item.Output); err != nil {
		return nil, err
	}
	if err := scanJSON(draft, &item.Draft); err != nil {
		return nil, err
	}
	if err := scanJSON(feedback, &item.Feedback); err != nil {
		return nil, err
	}

	return &item, nil
}
