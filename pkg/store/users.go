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
	"strings"

	"github.com/uengine-oss/procflow/pkg/model"
)

// UserInfo is a resolved participant identity.
type UserInfo struct {
	ID    string
	Name  string
	Email string
	Type  model.UserType
}

// ResolveUser looks up a single user id. The external_customer sentinel and
// ids shaped like an email with no matching row resolve to an external
// customer; everything else unknown.
func (s *Store) ResolveUser(ctx context.Context, userID string) (*UserInfo, error) {
	var (
		name, email, userType sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT username, email, type FROM users WHERE id = $1 OR email = $1`,
		userID).Scan(&name, &email, &userType)
	if errors.Is(err, sql.ErrNoRows) {
		info := &UserInfo{ID: userID, Name: userID, Type: classifyUnresolved(userID)}
		if info.Type == model.UserTypeExternalCustomer {
			info.Email = userID
		}
		return info, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user %s: %w", userID, err)
	}

	info := &UserInfo{
		ID:    userID,
		Name:  name.String,
		Email: email.String,
		Type:  model.UserType(userType.String),
	}
	if info.Type == "" {
		info.Type = model.UserTypeUser
	}
	return info, nil
}

// classifyUnresolved types an id with no users row: the external_customer
// sentinel and email-shaped ids are external customers, everything else
// unknown.
func classifyUnresolved(userID string) model.UserType {
	if userID == model.ExternalCustomerID || strings.Contains(userID, "@") {
		return model.UserTypeExternalCustomer
	}
	return model.UserTypeUnknown
}

// ResolveUsers resolves a comma-joined id list into individual identities.
func (s *Store) ResolveUsers(ctx context.Context, joined string) ([]*UserInfo, error) {
	var infos []*UserInfo
	for _, part := range strings.Split(joined, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		info, err := s.ResolveUser(ctx, part)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}
