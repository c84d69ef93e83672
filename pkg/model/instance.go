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

package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Variable is one entry in an instance's variables store. The value type
// follows the process-level data declaration.
type Variable struct {
	Key   string `json:"key"`
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// RoleBinding maps a process-definition role name to one or more endpoints.
// Endpoint is a user/agent id, an external-customer email, or a list of ids.
type RoleBinding struct {
	Name     string `json:"name"`
	Endpoint any    `json:"endpoint"`
}

// Endpoints normalizes the binding's endpoint into a string slice.
func (r RoleBinding) Endpoints() []string {
	switch v := r.Endpoint.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// ProcessInstance is a running occurrence of a process definition.
// It maps to the bpm_proc_inst table.
type ProcessInstance struct {
	ID                 string         `json:"proc_inst_id"`
	Name               string         `json:"proc_inst_name"`
	ProcDefID          string         `json:"proc_def_id"`
	ProcDefVersion     string         `json:"proc_def_version"`
	CurrentActivityIDs []string       `json:"current_activity_ids"`
	CurrentUserIDs     []string       `json:"current_user_ids"`
	Participants       []string       `json:"participants"`
	RoleBindings       []RoleBinding  `json:"role_bindings"`
	Variables          []Variable     `json:"variables_data"`
	Status             InstanceStatus `json:"status"`
	TenantID           string         `json:"tenant_id"`
}

// NewInstanceID mints an instance id of shape <defId>.<uuid>.
func NewInstanceID(defID string) string {
	return fmt.Sprintf("%s.%s", defID, uuid.New().String())
}

// IsNewInstanceID reports whether the payload's instance id requests instance
// creation: the literal "new" or any id lacking the <defId>.<uuid> shape.
func IsNewInstanceID(id string) bool {
	return id == "" || id == "new" || !strings.Contains(id, ".")
}

// DefIDFromInstanceID extracts the definition id prefix of an instance id.
func DefIDFromInstanceID(instanceID string) string {
	if i := strings.LastIndex(instanceID, "."); i > 0 {
		return instanceID[:i]
	}
	return instanceID
}

// Binding returns the role binding for a role name, or nil.
func (p *ProcessInstance) Binding(roleName string) *RoleBinding {
	for i := range p.RoleBindings {
		if p.RoleBindings[i].Name == roleName {
			return &p.RoleBindings[i]
		}
	}
	return nil
}

// SetBinding inserts or replaces a role binding, keeping names unique.
func (p *ProcessInstance) SetBinding(b RoleBinding) {
	for i := range p.RoleBindings {
		if p.RoleBindings[i].Name == b.Name {
			p.RoleBindings[i] = b
			return
		}
	}
	p.RoleBindings = append(p.RoleBindings, b)
}

// Variable returns the variable with the given key, or nil.
func (p *ProcessInstance) Variable(key string) *Variable {
	for i := range p.Variables {
		if p.Variables[i].Key == key {
			return &p.Variables[i]
		}
	}
	return nil
}

// MergeVariable merges a field mapping into the variables store.
// Map-shaped values (form variables) merge key by key into the existing map;
// scalars replace.
func (p *ProcessInstance) MergeVariable(v Variable) {
	existing := p.Variable(v.Key)
	if existing == nil {
		p.Variables = append(p.Variables, v)
		return
	}

	newMap, newIsMap := v.Value.(map[string]any)
	oldMap, oldIsMap := existing.Value.(map[string]any)
	if newIsMap && oldIsMap {
		for k, val := range newMap {
			oldMap[k] = val
		}
		return
	}

	existing.Value = v.Value
	if v.Name != "" {
		existing.Name = v.Name
	}
}

// HasActivity reports whether the activity id is on the current frontier.
func (p *ProcessInstance) HasActivity(activityID string) bool {
	for _, id := range p.CurrentActivityIDs {
		if id == activityID {
			return true
		}
	}
	return false
}

// RemoveActivity removes an activity id from the frontier.
func (p *ProcessInstance) RemoveActivity(activityID string) {
	out := p.CurrentActivityIDs[:0]
	for _, id := range p.CurrentActivityIDs {
		if id != activityID {
			out = append(out, id)
		}
	}
	p.CurrentActivityIDs = out
}

// AddActivity adds an activity id to the frontier if not already present.
func (p *ProcessInstance) AddActivity(activityID string) {
	if !p.HasActivity(activityID) {
		p.CurrentActivityIDs = append(p.CurrentActivityIDs, activityID)
	}
}

// Complete marks the instance COMPLETED and clears the frontier.
// COMPLETED instances always have an empty frontier.
func (p *ProcessInstance) Complete() {
	p.Status = InstanceCompleted
	p.CurrentActivityIDs = nil
	p.CurrentUserIDs = nil
}
