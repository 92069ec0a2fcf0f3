package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittynXR/maowbot-sub000/internal/config"
	"github.com/kittynXR/maowbot-sub000/internal/execution"
	"github.com/kittynXR/maowbot-sub000/internal/logging"
	"github.com/kittynXR/maowbot-sub000/internal/store"
)

const validPipelines = `
pipelines:
  - name: greeter
    priority: 10
    filters:
      - type: platform_filter
        config: {platforms: [twitch]}
    actions:
      - type: set_data
        config: {key: reply, value: "hi {user}"}
      - type: log_action
        config: {level: debug}
  - name: announcer
    actions:
      - type: nats_publish
        config: {subject: maowbot.out.chat}
`

const invalidPipelines = `
pipelines:
  - name: broken
    actions:
      - type: teleport
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// sqliteConfig writes a service config pointing at a fresh database.
func sqliteConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return writeFile(t, dir, "maowpipe.yaml", fmt.Sprintf("store:\n  driver: sqlite\n  path: %s\n", filepath.Join(dir, "maowpipe.db")))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "maowpipe", cmd.Use)
	for _, name := range []string{"serve", "validate", "import", "pipelines", "executions", "prune"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
	cfgFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, cfgFlag)
	assert.Equal(t, "c", cfgFlag.Shorthand)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "yaml", "pipelines")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "yaml"`)
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid text", func(t *testing.T) {
		out, err := execute(t, "validate", writeFile(t, dir, "ok.yaml", validPipelines))
		require.NoError(t, err)
		assert.Contains(t, out, "2 pipeline(s) valid")
	})

	t.Run("valid json", func(t *testing.T) {
		out, err := execute(t, "--format", "json", "validate", writeFile(t, dir, "ok.yaml", validPipelines))
		require.NoError(t, err)
		var resp Response
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		assert.Equal(t, "ok", resp.Status)
	})

	t.Run("invalid", func(t *testing.T) {
		out, err := execute(t, "validate", writeFile(t, dir, "bad.yaml", invalidPipelines))
		require.Error(t, err)
		assert.Equal(t, ExitFailure, ExitCode(err))
		assert.Contains(t, out, "teleport")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := execute(t, "validate", filepath.Join(dir, "nope.yaml"))
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, ExitCode(err))
	})
}

func TestImportListAndPrune(t *testing.T) {
	cfgPath := sqliteConfig(t)
	pipelines := writeFile(t, t.TempDir(), "pipelines.yaml", validPipelines)

	out, err := execute(t, "-c", cfgPath, "import", pipelines)
	require.NoError(t, err)
	assert.Contains(t, out, "imported greeter")
	assert.Contains(t, out, "imported announcer")

	// importing again upserts by name
	_, err = execute(t, "-c", cfgPath, "import", pipelines)
	require.NoError(t, err)

	out, err = execute(t, "-c", cfgPath, "--format", "json", "pipelines")
	require.NoError(t, err)
	var resp struct {
		Status string `json:"status"`
		Data   []struct {
			Name     string `json:"name"`
			Priority int    `json:"priority"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "greeter", resp.Data[0].Name)

	out, err = execute(t, "-c", cfgPath, "pipelines")
	require.NoError(t, err)
	assert.Contains(t, out, "PRIORITY")
	assert.Contains(t, out, "announcer")

	out, err = execute(t, "-c", cfgPath, "executions")
	require.NoError(t, err)
	assert.Contains(t, out, "STARTED")

	_, err = execute(t, "-c", cfgPath, "executions", "no-such-run")
	require.Error(t, err)

	out, err = execute(t, "-c", cfgPath, "prune", "--older-than", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 0 execution(s)")

	_, err = execute(t, "-c", cfgPath, "prune")
	require.Error(t, err, "no cutoff configured")
}

func TestImport_RejectsInvalidFile(t *testing.T) {
	cfgPath := sqliteConfig(t)
	_, err := execute(t, "-c", cfgPath, "import", writeFile(t, t.TempDir(), "bad.yaml", invalidPipelines))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))
}

func TestService_ServesAndShutsDown(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Store.Driver = "memory"
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Retention.MaxAge = time.Hour
	cfg.PipelinesFile = writeFile(t, dir, "pipelines.yaml", `
pipelines:
  - name: greeter
    filters:
      - type: platform_filter
        config: {platforms: [twitch]}
    actions:
      - type: set_data
        config: {key: reply, value: "hi {user}"}
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, err := NewService(ctx, cfg, logging.Discard())
	require.NoError(t, err)
	st := svc.store

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	base := "http://" + svc.Addr()
	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(base+"/v1/events", "application/json",
		strings.NewReader(`{"event_type":"chat.message","platform":"twitch","payload":{"user":"kitty"}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var runs []execution.Snapshot
	require.Eventually(t, func() bool {
		runs, err = st.ListExecutions(context.Background(), store.ExecutionQuery{})
		return err == nil && len(runs) == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "greeter", runs[0].PipelineName)
	assert.Equal(t, execution.StatusSuccess, runs[0].Status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not shut down")
	}
}

func TestService_PluginCall(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = "memory"
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.PipelinesFile = writeFile(t, t.TempDir(), "pipelines.yaml", `
pipelines:
  - name: dice
    filters:
      - type: message_pattern_filter
        config: {patterns: ["^!roll"]}
    actions:
      - type: plugin_call
        config:
          plugin_id: dice
          function_name: roll
          parameters: {who: "{user}", sides: 20}
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, err := NewService(ctx, cfg, logging.Discard())
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, svc.Plugins().Register("dice", "roll", func(_ context.Context, params map[string]string) (map[string]interface{}, error) {
		got = params
		return map[string]interface{}{"result": 17}, nil
	}))

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	resp, err := http.Post("http://"+svc.Addr()+"/v1/events/dispatch", "application/json",
		strings.NewReader(`{"event_type":"chat.message","platform":"twitch","payload":{"user":"kitty","text":"!roll"}}`))
	require.NoError(t, err)
	var body struct {
		Matched    int                  `json:"matched"`
		Executions []execution.Snapshot `json:"executions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, 1, body.Matched)
	run := body.Executions[0]
	assert.Equal(t, execution.StatusSuccess, run.Status)
	require.Len(t, run.Results, 1)
	assert.EqualValues(t, 17, run.Results[0].Output["result"])
	assert.Equal(t, "kitty", got["who"])
	assert.Equal(t, "20", got["sides"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not shut down")
	}
}

func TestService_RejectsInvalidPipelinesFile(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = "memory"
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.PipelinesFile = writeFile(t, t.TempDir(), "pipelines.yaml", invalidPipelines)

	_, err := NewService(context.Background(), cfg, logging.Discard())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, ExitCode(err))
}
