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

// Command procflow runs one worker replica of the process orchestration
// engine: it polls the shared datastore for due work items, advances
// instances via the reasoning layer, and dispatches agent steps.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/uengine-oss/procflow/pkg/agentgw"
	"github.com/uengine-oss/procflow/pkg/compensation"
	"github.com/uengine-oss/procflow/pkg/config"
	"github.com/uengine-oss/procflow/pkg/engine"
	"github.com/uengine-oss/procflow/pkg/httpclient"
	"github.com/uengine-oss/procflow/pkg/llm"
	"github.com/uengine-oss/procflow/pkg/logger"
	"github.com/uengine-oss/procflow/pkg/mailer"
	"github.com/uengine-oss/procflow/pkg/script"
	"github.com/uengine-oss/procflow/pkg/store"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "procflow: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger.Configure(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Starting procflow worker", "consumer", cfg.ConsumerID, "tenant", cfg.TenantID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := config.OpenDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	st := store.New(db, cfg.TenantID)
	if err := st.InitSchema(ctx); err != nil {
		return err
	}

	advisor := llm.NewAdvisor(llm.NewOpenAIClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel))

	mail := mailer.New(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername,
		cfg.SMTPPassword, cfg.SMTPFrom, cfg.SupabaseURL)

	var runner engine.ScriptRunner
	if cfg.ScriptCommand != "" {
		runner = script.NewRunner(cfg.ScriptCommand)
	} else {
		slog.Warn("SCRIPT_COMMAND not set, script tasks will be skipped")
	}

	var tools compensation.ToolMapper
	if cfg.MCPConfigPath != "" {
		servers, err := compensation.LoadServerConfigs(cfg.MCPConfigPath)
		if err != nil {
			return err
		}
		tools = compensation.NewMCPToolMapper(servers)
	}
	planner := compensation.New(st, advisor, tools)

	resolver := engine.NewResolver(st, mail, runner, engine.WithCompensator(planner))
	handler := engine.NewHandler(st, advisor, resolver)
	agent := agentgw.New(st, advisor, httpclient.New())

	dispatcher := engine.NewDispatcher(st, handler, agent, cfg.ConsumerID,
		engine.WithPollInterval(cfg.PollInterval),
		engine.WithMaxConcurrent(cfg.MaxConcurrentItems),
	)

	return dispatcher.Run(ctx)
}
