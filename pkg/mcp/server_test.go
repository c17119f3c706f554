package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBuildServer(t *testing.T) {
	s := NewBuildServer(BuildServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.notifier)
}

func TestToolRegistration(t *testing.T) {
	s := NewBuildServer(BuildServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 6)

	expectedTools := []string{
		"build.validate",
		"build.plan",
		"build.run",
		"build.diagram",
		"build.history",
		"build.actions",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"validate", "build.validate", "Validate a build plan and report every error and warning"},
		{"plan", "build.plan", "Compute the execution order and dependency levels of a build plan"},
		{"run", "build.run", "Execute a build plan, skipping units that are up to date"},
		{"diagram", "build.diagram", "Render the execution graph of a build plan"},
		{"history", "build.history", "List recorded builds or inspect one build"},
		{"actions", "build.actions", "List the registered actions and their parameter schemas"},
	}

	s := NewBuildServer(BuildServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
