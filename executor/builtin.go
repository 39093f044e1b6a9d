package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// RegisterBuiltins installs the standard plugins on a local executor.
func RegisterBuiltins(l *Local) {
	l.Register("file", fileHandler)
	l.Register("shell", shellHandler)
	l.Register("git", gitHandler)
}

func fileHandler(ctx context.Context, action string, payload map[string]any) (json.RawMessage, error) {
	path, _ := payload["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("file: path is required")
	}

	switch action {
	case "read":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("file read: %w", err)
		}
		return json.Marshal(map[string]string{"content": string(data)})
	case "write":
		content, _ := payload["content"].(string)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("file write: %w", err)
		}
		return json.Marshal(map[string]string{"status": "written", "path": path})
	case "delete":
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("file delete: %w", err)
		}
		return json.Marshal(map[string]string{"status": "deleted", "path": path})
	default:
		return nil, fmt.Errorf("file: unknown action %q", action)
	}
}

func shellHandler(ctx context.Context, action string, payload map[string]any) (json.RawMessage, error) {
	if action != "run" {
		return nil, fmt.Errorf("shell: unknown action %q", action)
	}
	command, _ := payload["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("shell: command is required")
	}

	out, err := exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("shell run: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return json.Marshal(map[string]string{"output": string(out)})
}

func gitHandler(ctx context.Context, action string, payload map[string]any) (json.RawMessage, error) {
	args := []string{action}
	if extra, _ := payload["args"].(string); extra != "" {
		args = append(args, strings.Fields(extra)...)
	}
	if dir, _ := payload["dir"].(string); dir != "" {
		args = append([]string{"-C", dir}, args...)
	}

	out, err := exec.CommandContext(ctx, "git", args...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("git %s: %w: %s", action, err, strings.TrimSpace(string(out)))
	}
	return json.Marshal(map[string]string{"output": string(out)})
}
