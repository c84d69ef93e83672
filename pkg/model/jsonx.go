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
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	codeBlockPattern    = regexp.MustCompile("```(?:json)?\\s*\\n?([\\s\\S]*?)\\n?```")
	trailingCommaRe     = regexp.MustCompile(`,\s*([}\]])`)
	unquotedKeyRe       = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	singleQuotedValueRe = regexp.MustCompile(`'([^'\\]*(?:\\.[^'\\]*)*)'`)
)

// ExtractJSON pulls the first JSON object out of free-form model output.
// It tries a fenced code block first, then scans for a brace-bounded object
// using json.Decoder so braces inside strings are handled correctly.
func ExtractJSON(content string) string {
	if matches := codeBlockPattern.FindStringSubmatch(content); len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}

	start := strings.Index(content, "{")
	if start == -1 {
		return ""
	}

	decoder := json.NewDecoder(strings.NewReader(content[start:]))
	var raw json.RawMessage
	if err := decoder.Decode(&raw); err == nil {
		return string(raw)
	}

	// Fall back to the raw brace-to-last-brace slice so the repair pass
	// gets a chance at malformed output.
	end := strings.LastIndex(content, "}")
	if end > start {
		return content[start : end+1]
	}

	return ""
}

// RepairJSON fixes the defects models commonly produce: trailing commas,
// unquoted object keys, and single-quoted strings.
func RepairJSON(s string) string {
	s = trailingCommaRe.ReplaceAllString(s, "$1")
	s = unquotedKeyRe.ReplaceAllString(s, `$1"$2":`)
	s = singleQuotedValueRe.ReplaceAllStringFunc(s, func(match string) string {
		inner := match[1 : len(match)-1]
		inner = strings.ReplaceAll(inner, `\'`, `'`)
		inner = strings.ReplaceAll(inner, `"`, `\"`)
		return `"` + inner + `"`
	})
	return s
}

// ParseDecision parses a reasoning-layer response into a validated Decision.
// Strategies in order: fenced/bare extraction, then extraction plus repair.
func ParseDecision(content string) (*Decision, error) {
	candidate := ExtractJSON(content)
	if candidate == "" {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	attempts := []string{candidate, RepairJSON(candidate)}

	var lastErr error
	for _, attempt := range attempts {
		var d Decision
		if err := json.Unmarshal([]byte(attempt), &d); err != nil {
			lastErr = err
			continue
		}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		return &d, nil
	}

	return nil, fmt.Errorf("failed to parse decision payload: %w", lastErr)
}
