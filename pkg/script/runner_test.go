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

package script

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uengine-oss/procflow/pkg/model"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestRunCapturesStdout(t *testing.T) {
	requireShell(t)
	r := NewRunner("sh")

	res, err := r.Run(context.Background(), "echo hello", nil)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "hello", res.Summary())
}

func TestRunReportsNonZeroExit(t *testing.T) {
	requireShell(t)
	r := NewRunner("sh")

	res, err := r.Run(context.Background(), "echo oops >&2; exit 3", nil)
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "exit 3: oops", res.Summary())
}

func TestRunExportsVariables(t *testing.T) {
	requireShell(t)
	r := NewRunner("sh")

	res, err := r.Run(context.Background(), `echo "$PROC_VAR_AMOUNT:$PROC_VAR_ORDER_FORM"`, []model.Variable{
		{Key: "amount", Value: 7},
		{Key: "order_form", Value: map[string]any{"sku": "X-1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, `7:{"sku":"X-1"}`, res.Summary())
}

func TestRunMissingCommand(t *testing.T) {
	r := NewRunner("")
	_, err := r.Run(context.Background(), "echo hi", nil)
	require.Error(t, err)

	r = NewRunner("definitely-not-a-real-binary-xyz")
	_, err = r.Run(context.Background(), "echo hi", nil)
	require.Error(t, err)
}

func TestEncodeValue(t *testing.T) {
	assert.Equal(t, "", encodeValue(nil))
	assert.Equal(t, "plain", encodeValue("plain"))
	assert.Equal(t, "7", encodeValue(7))
	assert.Equal(t, `["a","b"]`, encodeValue([]string{"a", "b"}))
}
