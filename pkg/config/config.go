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

// Package config loads engine configuration from the environment.
//
// The engine is configured exclusively through environment variables (a local
// .env file is honored when present). There are no CLI flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds every setting the engine consumes.
type Config struct {
	// Database connection settings.
	DBName     string
	DBUser     string
	DBPassword string
	DBHost     string
	DBPort     string

	// Env selects deployment mode. Anything other than "production" uses
	// sslmode=prefer; production requires TLS to the datastore.
	Env string

	// Supabase project settings, used to build external form URLs.
	SupabaseURL string
	SupabaseKey string

	// SMTP settings for external-customer mail.
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	// Reasoning layer (OpenAI-compatible chat completions endpoint).
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	// TenantID is injected into every row this replica writes.
	TenantID string

	// ConsumerID identifies this replica in work-item claims.
	ConsumerID string

	// PollInterval is the dispatcher claim-cycle cadence.
	PollInterval time.Duration

	// MaxConcurrentItems bounds concurrent work-item handlers per replica.
	MaxConcurrentItems int

	// ScriptCommand is the external sandboxed executor for script tasks.
	// Invoked as: <ScriptCommand> with the script on stdin.
	ScriptCommand string

	// MCPConfigPath points at the tenant's MCP server manifest, used to map
	// tools to servers when synthesizing compensation. Optional.
	MCPConfigPath string

	// LogLevel and LogFormat configure slog.
	LogLevel  string
	LogFormat string

	// Database pool sizing.
	MaxConns int
	MaxIdle  int
}

// Load reads configuration from a .env file (if present) and the environment.
func Load() (*Config, error) {
	// Missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg := &Config{
		DBName:        os.Getenv("DB_NAME"),
		DBUser:        os.Getenv("DB_USER"),
		DBPassword:    os.Getenv("DB_PASSWORD"),
		DBHost:        os.Getenv("DB_HOST"),
		DBPort:        os.Getenv("DB_PORT"),
		Env:           os.Getenv("ENV"),
		SupabaseURL:   os.Getenv("SUPABASE_URL"),
		SupabaseKey:   os.Getenv("SUPABASE_KEY"),
		SMTPHost:      os.Getenv("SMTP_HOST"),
		SMTPPort:      os.Getenv("SMTP_PORT"),
		SMTPUsername:  os.Getenv("SMTP_USERNAME"),
		SMTPPassword:  os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:      os.Getenv("SMTP_FROM"),
		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:   os.Getenv("OPENAI_MODEL"),
		TenantID:      os.Getenv("TENANT_ID"),
		ConsumerID:    os.Getenv("CONSUMER_ID"),
		ScriptCommand: os.Getenv("SCRIPT_COMMAND"),
		MCPConfigPath: os.Getenv("MCP_CONFIG_PATH"),
		LogLevel:      os.Getenv("LOG_LEVEL"),
		LogFormat:     os.Getenv("LOG_FORMAT"),
	}

	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid POLL_INTERVAL %q: %w", v, err)
		}
		cfg.PollInterval = d
	}

	if v := os.Getenv("MAX_CONCURRENT_ITEMS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_CONCURRENT_ITEMS %q: %w", v, err)
		}
		cfg.MaxConcurrentItems = n
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SetDefaults applies default values for omitted settings.
func (c *Config) SetDefaults() {
	if c.DBHost == "" {
		c.DBHost = "localhost"
	}
	if c.DBPort == "" {
		c.DBPort = "5432"
	}
	if c.Env == "" {
		c.Env = "development"
	}
	if c.SMTPPort == "" {
		c.SMTPPort = "587"
	}
	if c.OpenAIBaseURL == "" {
		c.OpenAIBaseURL = "https://api.openai.com/v1"
	}
	if c.OpenAIModel == "" {
		c.OpenAIModel = "gpt-4o"
	}
	if c.TenantID == "" {
		c.TenantID = "default"
	}
	if c.ConsumerID == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "procflow"
		}
		c.ConsumerID = hostname + "-" + uuid.New().String()[:8]
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxConcurrentItems <= 0 {
		c.MaxConcurrentItems = 10
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 5
	}
}

// Validate checks that required settings are present.
func (c *Config) Validate() error {
	if c.DBName == "" {
		return fmt.Errorf("DB_NAME is required")
	}
	if c.DBUser == "" {
		return fmt.Errorf("DB_USER is required")
	}
	return nil
}

// SSLMode returns the Postgres sslmode for the deployment environment.
func (c *Config) SSLMode() string {
	if strings.EqualFold(c.Env, "production") {
		return "require"
	}
	return "prefer"
}

// DSN builds the lib/pq connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.SSLMode())
}
