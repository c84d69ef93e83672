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
)

// GetCompensationArtifact returns the stored compensation code for an
// activity, or "" when none has been synthesized yet.
func (s *Store) GetCompensationArtifact(ctx context.Context, defID, activityID, tenantID string) (string, error) {
	var code sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT compensation FROM mcp_python_code
		WHERE proc_def_id = $1 AND activity_id = $2 AND tenant_id = $3`,
		defID, activityID, s.tenantOr(tenantID)).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to fetch compensation artifact: %w", err)
	}
	return code.String, nil
}

// PutCompensationArtifact stores synthesized compensation code keyed by
// (definition, activity, tenant).
func (s *Store) PutCompensationArtifact(ctx context.Context, defID, activityID, tenantID, code string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mcp_python_code (proc_def_id, activity_id, tenant_id, compensation)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (proc_def_id, activity_id, tenant_id)
		DO UPDATE SET compensation = EXCLUDED.compensation`,
		defID, activityID, s.tenantOr(tenantID), code)
	if err != nil {
		return fmt.Errorf("failed to store compensation artifact: %w", err)
	}
	return nil
}
