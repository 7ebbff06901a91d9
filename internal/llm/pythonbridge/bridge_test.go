package pythonbridge

import (
	"context"
	stdErrors "errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"evm-defi-agent/internal/conversation"
	xerrors "evm-defi-agent/internal/errors"
	"evm-defi-agent/internal/llm"
)

func writeScript(t *testing.T, body string) (dir, name string) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir = t.TempDir()
	name = "bridge.sh"
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return dir, name
}

func TestNewRequiresScript(t *testing.T) {
	if _, err := New("  "); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestNewResolvesScriptAgainstWorkDir(t *testing.T) {
	c, err := New("bridge.py", WithWorkDir("/srv"), WithInterpreter(""))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.script != filepath.Join("/srv", "bridge.py") || c.interpreter != DefaultInterpreter {
		t.Fatalf("unexpected client: %+v", c)
	}
	abs, _ := New("/abs/bridge.py", WithWorkDir("/srv"))
	if abs.script != "/abs/bridge.py" {
		t.Fatalf("absolute path should be kept, got %q", abs.script)
	}
}

func TestCompleteParsesToolCalls(t *testing.T) {
	dir, name := writeScript(t, "cat >/dev/null\n"+
		`echo '{"content":"","finish_reason":"tool_calls","tool_calls":[{"id":"c1","function":{"name":"check-balance","arguments":"{}"}}]}'`+"\n")

	client, err := New(name, WithInterpreter("sh"), WithWorkDir(dir))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	resp, err := client.Complete(context.Background(), llm.ChatRequest{
		Messages: []conversation.Turn{conversation.User("balance?")},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Type != "function" || resp.ToolCalls[0].Function.Name != "check-balance" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.FinishReason != "tool_calls" {
		t.Fatalf("finish reason not propagated: %q", resp.FinishReason)
	}
}

func TestCompleteReportsScriptFailure(t *testing.T) {
	dir, name := writeScript(t, "echo 'quota exceeded' >&2\nexit 3\n")
	client, _ := New(name, WithInterpreter("sh"), WithWorkDir(dir), WithEnv("BRIDGE_MODE=test"))

	_, err := client.Complete(context.Background(), llm.ChatRequest{})
	if !xerrors.HasCode(err, xerrors.CodeModelFailure) {
		t.Fatalf("expected model failure, got %v", err)
	}
	var coded *xerrors.Error
	if !stdErrors.As(err, &coded) || coded.Metadata()["stderr"] != "quota exceeded" {
		t.Fatalf("stderr should be attached: %v", err)
	}
}

func TestCompleteRejectsGarbageOutput(t *testing.T) {
	dir, name := writeScript(t, "echo not-json\n")
	client, _ := New(name, WithInterpreter("sh"), WithWorkDir(dir))
	if _, err := client.Complete(context.Background(), llm.ChatRequest{}); !xerrors.HasCode(err, xerrors.CodeModelFailure) {
		t.Fatalf("expected model failure, got %v", err)
	}
}
