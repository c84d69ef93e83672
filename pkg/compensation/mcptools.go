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

package compensation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// ServerConfig describes one MCP server of the tenant configuration.
type ServerConfig struct {
	Key     string
	Command string
	Args    []string
	Env     map[string]string
}

// LoadServerConfigs reads an MCP server manifest of the usual shape:
//
//	{"mcpServers": {"key": {"command": "...", "args": [...], "env": {...}}}}
//
// Servers are returned in key order.
func LoadServerConfigs(path string) ([]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read MCP config: %w", err)
	}

	var doc struct {
		Servers map[string]struct {
			Command string            `json:"command"`
			Args    []string          `json:"args"`
			Env     map[string]string `json:"env"`
		} `json:"mcpServers"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse MCP config %s: %w", path, err)
	}

	keys := make([]string, 0, len(doc.Servers))
	for key := range doc.Servers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	servers := make([]ServerConfig, 0, len(keys))
	for _, key := range keys {
		s := doc.Servers[key]
		servers = append(servers, ServerConfig{
			Key:     key,
			Command: s.Command,
			Args:    s.Args,
			Env:     s.Env,
		})
	}
	return servers, nil
}

// MCPToolMapper enumerates stdio MCP servers and records which server owns
// each tool. The map is built once and cached; servers are short-lived probe
// processes.
type MCPToolMapper struct {
	servers []ServerConfig
	logger  *slog.Logger

	mu     sync.Mutex
	cached map[string]string
}

// NewMCPToolMapper creates a mapper over the tenant's server configs.
func NewMCPToolMapper(servers []ServerConfig) *MCPToolMapper {
	return &MCPToolMapper{
		servers: servers,
		logger:  slog.Default().With("component", "mcp-tools"),
	}
}

// ToolServers returns tool_name → server_key for every reachable server.
// Unreachable servers are skipped with a warning so one broken server does
// not block compensation for tools of the others.
func (m *MCPToolMapper) ToolServers(ctx context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil {
		return m.cached, nil
	}

	mapping := make(map[string]string)
	for _, server := range m.servers {
		tools, err := m.listTools(ctx, server)
		if err != nil {
			m.logger.Warn("Skipping unreachable MCP server", "server", server.Key, "error", err)
			continue
		}
		for _, name := range tools {
			mapping[name] = server.Key
		}
	}

	m.cached = mapping
	return mapping, nil
}

// listTools probes one stdio server.
func (m *MCPToolMapper) listTools(ctx context.Context, server ServerConfig) ([]string, error) {
	mcpClient, err := client.NewStdioMCPClient(server.Command, envSlice(server.Env), server.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client: %w", err)
	}
	defer mcpClient.Close()

	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "procflow",
		Version: "1.0.0",
	}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("failed to initialize MCP session: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	names := make([]string, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		names = append(names, t.Name)
	}
	return names, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
