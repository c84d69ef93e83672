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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	cfg := &Config{DBName: "proc", DBUser: "app"}
	cfg.SetDefaults()

	assert.Equal(t, "localhost", cfg.DBHost)
	assert.Equal(t, "5432", cfg.DBPort)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, "default", cfg.TenantID)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 10, cfg.MaxConcurrentItems)
	assert.NotEmpty(t, cfg.ConsumerID)
	assert.Equal(t, "https://api.openai.com/v1", cfg.OpenAIBaseURL)
}

func TestValidateRequiresDatabase(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()
	require.Error(t, cfg.Validate())

	cfg.DBName = "proc"
	require.Error(t, cfg.Validate())

	cfg.DBUser = "app"
	require.NoError(t, cfg.Validate())
}

func TestSSLModeByEnvironment(t *testing.T) {
	assert.Equal(t, "require", (&Config{Env: "production"}).SSLMode())
	assert.Equal(t, "require", (&Config{Env: "PRODUCTION"}).SSLMode())
	assert.Equal(t, "prefer", (&Config{Env: "development"}).SSLMode())
	assert.Equal(t, "prefer", (&Config{}).SSLMode())
}

func TestDSN(t *testing.T) {
	cfg := &Config{
		DBHost: "db.internal", DBPort: "5433",
		DBUser: "app", DBPassword: "pw", DBName: "proc",
		Env: "production",
	}
	assert.Equal(t,
		"host=db.internal port=5433 user=app password=pw dbname=proc sslmode=require",
		cfg.DSN())
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DB_NAME", "proc")
	t.Setenv("DB_USER", "app")
	t.Setenv("TENANT_ID", "acme")
	t.Setenv("POLL_INTERVAL", "250ms")
	t.Setenv("MAX_CONCURRENT_ITEMS", "4")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "acme", cfg.TenantID)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 4, cfg.MaxConcurrentItems)
}

func TestLoadRejectsBadDurations(t *testing.T) {
	t.Setenv("DB_NAME", "proc")
	t.Setenv("DB_USER", "app")
	t.Setenv("POLL_INTERVAL", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POLL_INTERVAL")
}
