package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndreasM009/agentstate-go/config"
	"github.com/AndreasM009/agentstate-go/store"
)

type jsonResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *CLIError       `json:"error"`
}

// sqliteConfig writes a config file backed by a sqlite database in a temp dir,
// so state survives between command invocations.
func sqliteConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agentstate.yaml")
	content := "log:\n  level: error\nbackend:\n  type: sqlite\n  properties:\n    path: " + filepath.Join(dir, "state.db") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func executeJSON(t *testing.T, cfg string, args ...string) (jsonResponse, error) {
	t.Helper()
	out, err := execute(t, append([]string{"--config", cfg, "--format", "json"}, args...)...)
	var resp jsonResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp, err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "agentstate", cmd.Use)

	for _, path := range [][]string{
		{"session", "create"}, {"session", "get"}, {"session", "append"},
		{"session", "events"}, {"session", "delete"},
		{"task", "create"}, {"task", "progress"},
	} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err)
		assert.Equal(t, path[1], sub.Name())
	}

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "session", "get", "--id", "x")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSessionLifecycle(t *testing.T) {
	cfg := sqliteConfig(t)

	resp, err := executeJSON(t, cfg, "session", "create", "--scope", "app", "--owner", "u1", "--key", "support", "--attr", "lang=de", "--attr", "turns=0")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	var created store.Record
	require.NoError(t, json.Unmarshal(resp.Data, &created))
	assert.NotEmpty(t, created.ServerID)
	assert.Equal(t, "support", created.ClientKey)
	assert.Equal(t, "de", created.Attributes["lang"])
	assert.Equal(t, float64(0), created.Attributes["turns"])

	resp, err = executeJSON(t, cfg, "session", "get", "--scope", "app", "--owner", "u1", "--key", "support")
	require.NoError(t, err)
	var got store.Record
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	assert.Equal(t, created.ServerID, got.ServerID)

	_, err = executeJSON(t, cfg, "session", "append", "--id", created.ServerID, "--text", "hello", "--attr", "turns=1")
	require.NoError(t, err)
	resp, err = executeJSON(t, cfg, "session", "append", "--id", created.ServerID, "--kind", "request", "--role", "model", "--correlation", "call-1")
	require.NoError(t, err)
	var appended store.Record
	require.NoError(t, json.Unmarshal(resp.Data, &appended))
	assert.Len(t, appended.EventLog, 2)
	assert.Equal(t, float64(1), appended.Attributes["turns"])
	assert.Equal(t, "de", appended.Attributes["lang"])

	// the open request is cut from what a turn would see
	resp, err = executeJSON(t, cfg, "session", "events", "--id", created.ServerID)
	require.NoError(t, err)
	var events []store.Event
	require.NoError(t, json.Unmarshal(resp.Data, &events))
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"text":"hello"}`, string(events[0].Payload))

	resp, err = executeJSON(t, cfg, "session", "events", "--id", created.ServerID, "--raw")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(resp.Data, &events))
	assert.Len(t, events, 2)

	_, err = executeJSON(t, cfg, "session", "delete", "--scope", "app", "--owner", "u1", "--key", "support")
	require.NoError(t, err)

	resp, err = executeJSON(t, cfg, "session", "get", "--id", created.ServerID)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, store.EntityNotFound.String(), resp.Error.Type)
}

func TestSessionTextOutput(t *testing.T) {
	cfg := sqliteConfig(t)

	out, err := execute(t, "--config", cfg, "session", "create", "--scope", "app", "--owner", "u1", "--key", "notes")
	require.NoError(t, err)
	assert.Contains(t, out, "client key: notes")
	assert.Contains(t, out, "version:    1")

	out, err = execute(t, "--config", cfg, "session", "append", "--scope", "app", "--owner", "u1", "--key", "notes", "--text", "hi")
	require.NoError(t, err)
	assert.Contains(t, out, "events:     1")
}

func TestSessionFlagValidation(t *testing.T) {
	cfg := sqliteConfig(t)

	_, err := execute(t, "--config", cfg, "session", "get")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "--config", cfg, "session", "get", "--key", "support")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "--config", cfg, "session", "append", "--id", "x", "--kind", "response")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "--config", cfg, "session", "create", "--key", "k", "--attr", "novalue")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestUnreadableConfig(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "session", "get", "--id", "x")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTaskProgress(t *testing.T) {
	cfg := sqliteConfig(t)

	resp, err := executeJSON(t, cfg, "task", "create", "--scope", "app", "--owner", "u1", "--key", "import", "--title", "Import contacts")
	require.NoError(t, err)
	var created taskView
	require.NoError(t, json.Unmarshal(resp.Data, &created))
	assert.Equal(t, "pending", string(created.Status))
	assert.Equal(t, "Import contacts", created.Title)

	resp, err = executeJSON(t, cfg, "task", "progress", "--scope", "app", "--owner", "u1", "--key", "import", "--progress", "50", "--text", "half way")
	require.NoError(t, err)
	var updated taskView
	require.NoError(t, json.Unmarshal(resp.Data, &updated))
	assert.Equal(t, "running", string(updated.Status))
	assert.Equal(t, 50.0, updated.Progress)
	require.Len(t, updated.Messages, 1)
	assert.Equal(t, "half way", updated.Messages[0].Text)
	assert.Greater(t, updated.Version, created.Version)

	_, err = execute(t, "--config", cfg, "task", "progress", "--id", created.ServerID, "--status", "done")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err := execute(t, "--config", cfg, "task", "progress", "--id", created.ServerID, "--status", "completed", "--progress", "100")
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "status:   completed"), out)
}

func TestParseAttributes(t *testing.T) {
	attrs, err := parseAttributes([]string{"a=1", "b=text", "c={\"x\":true}", "d="})
	require.NoError(t, err)
	assert.Equal(t, float64(1), attrs["a"])
	assert.Equal(t, "text", attrs["b"])
	assert.Equal(t, map[string]any{"x": true}, attrs["c"])
	assert.Equal(t, "", attrs["d"])

	attrs, err = parseAttributes(nil)
	require.NoError(t, err)
	assert.Nil(t, attrs)
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(store.NewError(store.VersionConflict, "stale", nil)))
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "bad", nil)))
}

func TestConfigEnvFallback(t *testing.T) {
	t.Setenv(config.EnvVar, sqliteConfig(t))
	out, err := execute(t, "--format", "json", "session", "create", "--scope", "app", "--owner", "u1", "--key", "env")
	require.NoError(t, err)
	assert.Contains(t, out, `"clientKey":"env"`)
}
