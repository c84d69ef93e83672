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

// Package script runs script-task payloads through an external sandboxed
// command, passing instance variables as environment.
package script

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/uengine-oss/procflow/pkg/model"
)

// envPrefix namespaces instance variables in the child environment.
const envPrefix = "PROC_VAR_"

// Result captures one script execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports whether the script exited zero.
func (r *Result) OK() bool { return r.ExitCode == 0 }

// Summary renders the result for a work-item log line.
func (r *Result) Summary() string {
	if r.OK() {
		return strings.TrimSpace(r.Stdout)
	}
	return fmt.Sprintf("exit %d: %s", r.ExitCode, strings.TrimSpace(r.Stderr))
}

// Runner invokes the configured sandbox command with the script on stdin.
type Runner struct {
	command string
	logger  *slog.Logger
}

// NewRunner creates a Runner; command is the sandbox executable, possibly
// with arguments.
func NewRunner(command string) *Runner {
	return &Runner{
		command: command,
		logger:  slog.Default().With("component", "script"),
	}
}

// Run executes the script with each instance variable exported as
// PROC_VAR_<KEY>. Map and list values are JSON-encoded. A non-zero exit is
// reported in the Result, not as an error; errors mean the sandbox itself
// could not run.
func (r *Runner) Run(ctx context.Context, scriptBody string, variables []model.Variable) (*Result, error) {
	if r.command == "" {
		return nil, fmt.Errorf("no script command configured")
	}

	parts := strings.Fields(r.command)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Stdin = strings.NewReader(scriptBody)

	env := cmd.Environ()
	for _, v := range variables {
		env = append(env, envPrefix+strings.ToUpper(v.Key)+"="+encodeValue(v.Value))
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			r.logger.Warn("Script exited non-zero", "exit", result.ExitCode)
			return result, nil
		}
		return nil, fmt.Errorf("failed to run script command: %w", err)
	}

	return result, nil
}

// encodeValue renders a variable value for the environment; structured values
// become JSON.
func encodeValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}
