package invoker

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// isMCPToolUseID reports whether a tool_use_id originated from an MCP
// server. Per the GLOSSARY, the core only tracks which tool-use ids
// originated from MCP — it does not otherwise interpret the protocol, so
// this one-function helper replaces the fuller MCP client/manager/
// transport stack the teacher carried for in-process tool dispatch (see
// DESIGN.md). MCP-routed tool calls are namespaced "mcp__<server>__<tool>"
// by every known LLM CLI that supports MCP.
func isMCPToolUseID(toolUseID string) bool {
	return strings.Contains(toolUseID, "mcp__") || strings.HasPrefix(toolUseID, "mcp_")
}

// writeMCPImage decodes a base64 tool-result image and writes it under
// outputsDir/mcp/<n>.png, per spec.md §4.2's MCP image capture.
func writeMCPImage(outputsDir, base64Data string, n int) (string, error) {
	if outputsDir == "" || base64Data == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(base64Data)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(outputsDir, "mcp")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.png", n))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
