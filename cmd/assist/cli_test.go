package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/pentanotes/assist/internal/completion"
	"github.com/pentanotes/assist/internal/config"
	"github.com/pentanotes/assist/internal/db"
	"github.com/pentanotes/assist/internal/notes"
)

const testToken = "cli-token"

type cliEnv struct {
	rt      *runtime
	backend *notes.Memory
}

// setupTestRuntime wires the CLI over a temp database with scripted
// completions and the in-memory notes backend.
func setupTestRuntime(t *testing.T, responses ...*completion.Response) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	database, err := db.Init(dir)
	if err != nil {
		t.Fatalf("failed to init test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	cfg := config.DefaultConfig()
	cfg.Backend = config.BackendMemory
	cfg.BackendToken = testToken

	backend := notes.NewMemory()
	rt, err := wire(context.Background(), database, cfg, nil, completion.NewScripted(responses...), backend)
	if err != nil {
		t.Fatalf("wire failed: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return &cliEnv{rt: rt, backend: backend}
}

// runCLI runs the app with args and returns captured stdout.
func runCLI(t *testing.T, rt *runtime, args ...string) (string, error) {
	t.Helper()
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	runErr := newCLIApp(rt).Run(append([]string{"assist"}, args...))

	w.Close()
	os.Stdout = oldStdout
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	return buf.String(), runErr
}

func decodeOutput(t *testing.T, out string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(out), &m); err != nil {
		t.Fatalf("failed to parse output %q: %v", out, err)
	}
	return m
}

func TestCLIChat(t *testing.T) {
	env := setupTestRuntime(t,
		completion.Calls("create-note", map[string]any{"title": "Standup", "content": "notes"}),
		completion.Text("Saved **Standup**."),
	)

	out, err := runCLI(t, env.rt, "chat", "--user", "4", "save", "my", "standup")
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	got := decodeOutput(t, out)
	if got["reply"] != "Saved **Standup**." {
		t.Errorf("reply = %v", got["reply"])
	}
	if got["requestId"] == nil {
		t.Error("expected requestId")
	}
	if _, ok := env.backend.Note(testToken, 1); !ok {
		t.Error("note should be created under the configured token")
	}
}

func TestCLIChat_TokenFlagOverridesConfig(t *testing.T) {
	env := setupTestRuntime(t,
		completion.Calls("create-folder", map[string]any{"title": "Mine"}),
		completion.Text("ok"),
	)

	if _, err := runCLI(t, env.rt, "chat", "--user", "4", "--token", "flag-token", "folder"); err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if _, ok := env.backend.Folder("flag-token", 1); !ok {
		t.Error("folder should be created under the flag token")
	}
}

func TestCLIChat_ValidationError(t *testing.T) {
	env := setupTestRuntime(t)

	_, err := runCLI(t, env.rt, "chat", "--user", "0", "hi")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "[INVALID_REQUEST]") || !strings.Contains(err.Error(), "userId") {
		t.Errorf("error = %q, want INVALID_REQUEST naming userId", err.Error())
	}
}

func TestCLIRevertAndStatus(t *testing.T) {
	env := setupTestRuntime(t,
		completion.Calls("create-note", map[string]any{"title": "Draft", "content": "x"}),
		completion.Text("done"),
	)

	out, err := runCLI(t, env.rt, "chat", "--user", "2", "draft")
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	requestID := decodeOutput(t, out)["requestId"].(string)

	out, err = runCLI(t, env.rt, "status", "--user", "2", requestID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if got := decodeOutput(t, out)["status"]; got != "completed" {
		t.Errorf("status = %v, want completed", got)
	}

	out, err = runCLI(t, env.rt, "revert", "--user", "2")
	if err != nil {
		t.Fatalf("revert failed: %v", err)
	}
	got := decodeOutput(t, out)
	if got["outcome"] != "reverted" || got["requestId"] != requestID {
		t.Errorf("revert output = %v", got)
	}
	if _, ok := env.backend.Note(testToken, 1); ok {
		t.Error("note should be deleted by revert")
	}

	_, err = runCLI(t, env.rt, "revert", "--user", "2", requestID)
	if err == nil || !strings.Contains(err.Error(), "[REVERT_ALREADY_DONE]") {
		t.Errorf("second revert error = %v, want REVERT_ALREADY_DONE", err)
	}
}

func TestCLIRevert_PartialFailurePrintsResultAndFails(t *testing.T) {
	env := setupTestRuntime(t,
		completion.Calls("create-folder", map[string]any{"title": "F"}),
		completion.Calls("create-note", map[string]any{"title": "N", "content": "n"}),
		completion.Text("done"),
	)
	if _, err := runCLI(t, env.rt, "chat", "--user", "2", "both"); err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	env.backend.FailOn(http.MethodDelete, notes.NotePath(2), http.StatusInternalServerError)

	out, err := runCLI(t, env.rt, "revert", "--user", "2")
	if err == nil || !strings.Contains(err.Error(), "[REVERT_PARTIAL_FAILURE]") {
		t.Fatalf("error = %v, want REVERT_PARTIAL_FAILURE", err)
	}
	if got := decodeOutput(t, out); got["outcome"] != "partial" {
		t.Errorf("outcome = %v, want partial", got["outcome"])
	}
}

func TestCLIForget(t *testing.T) {
	env := setupTestRuntime(t)
	out, err := runCLI(t, env.rt, "forget", "--user", "9")
	if err != nil {
		t.Fatalf("forget failed: %v", err)
	}
	if got := decodeOutput(t, out); got["cleared"] != true {
		t.Errorf("cleared = %v", got["cleared"])
	}
}

func TestCLISweep(t *testing.T) {
	env := setupTestRuntime(t)
	out, err := runCLI(t, env.rt, "sweep")
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if got := decodeOutput(t, out); got["purged"] != float64(0) {
		t.Errorf("purged = %v, want 0", got["purged"])
	}
}

func TestCLICapabilities(t *testing.T) {
	env := setupTestRuntime(t)
	out, err := runCLI(t, env.rt, "capabilities")
	if err != nil {
		t.Fatalf("capabilities failed: %v", err)
	}
	var views []capabilityView
	if err := json.Unmarshal([]byte(out), &views); err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}
	if len(views) != 11 {
		t.Fatalf("capabilities = %d, want 11", len(views))
	}
	effects := map[string]string{}
	for _, v := range views {
		effects[v.Name] = v.Effect
	}
	if effects["update-note"] != "update" || effects["get-tags"] != "read" {
		t.Errorf("effects = %v", effects)
	}
}

func TestUnconfiguredClient(t *testing.T) {
	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("failed to init test db: %v", err)
	}
	defer database.Close()

	cfg := config.DefaultConfig()
	cfg.Backend = config.BackendMemory
	cfg.BackendToken = testToken
	rt, err := wire(context.Background(), database, cfg, nil, nil, nil)
	if err != nil {
		t.Fatalf("wire failed: %v", err)
	}
	defer rt.Close()

	_, err = runCLI(t, rt, "chat", "--user", "1", "hi")
	if err == nil || !strings.Contains(err.Error(), "[COMPLETION]") {
		t.Errorf("error = %v, want COMPLETION", err)
	}
}

func TestHelpNeedsNoRuntime(t *testing.T) {
	if _, err := runCLI(t, nil, "--help"); err != nil {
		t.Fatalf("help failed: %v", err)
	}
}
