package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/loomhq/loom/policy"
)

func echoPlugin(ctx context.Context, action string, payload map[string]any) (json.RawMessage, error) {
	out, _ := json.Marshal(map[string]any{"action": action, "payload": payload})
	return out, nil
}

func TestLocalDispatch(t *testing.T) {
	ctx := context.Background()
	local := NewLocal()
	local.Register("echo", echoPlugin)

	out, err := local.Execute(ctx, "echo", "ping", map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got["action"] != "ping" {
		t.Fatalf("unexpected result: %v", got)
	}

	_, err = local.Execute(ctx, "missing", "ping", nil)
	var nerr *PluginNotFoundError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected PluginNotFoundError, got %v", err)
	}
}

func TestGatedDecisions(t *testing.T) {
	ctx := context.Background()
	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	local := NewLocal()
	local.Register("shell", echoPlugin)
	local.Register("git", echoPlugin)
	local.Register("file", echoPlugin)
	gated := NewGated(local, engine, "r1", "default")

	if _, err := gated.Execute(ctx, "file", "read", map[string]any{"path": "notes.md"}); err != nil {
		t.Fatalf("allowed action failed: %v", err)
	}

	_, err = gated.Execute(ctx, "shell", "run", map[string]any{"command": "rm -rf /tmp/x"})
	var berr *ActionBlockedError
	if !errors.As(err, &berr) {
		t.Fatalf("expected ActionBlockedError, got %v", err)
	}

	_, err = gated.Execute(ctx, "git", "push", map[string]any{"remote": "origin"})
	var aerr *ApprovalRequiredError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected ApprovalRequiredError, got %v", err)
	}
}
