package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semresearch/auth"
	"github.com/c360studio/semresearch/config"
	"github.com/c360studio/semresearch/research"
	"github.com/c360studio/semresearch/source/fetch"
	"github.com/c360studio/semresearch/workflow/engine"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Auth.TokenFile = filepath.Join(t.TempDir(), "token")
	cfg.Auth.Watch = false
	return cfg
}

func TestAppStartStop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Watch = true

	app, err := NewApp(cfg, io.Discard)
	require.NoError(t, err)

	var seen []engine.EventType
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, app.Start(ctx, engine.ListenerFunc(func(ev engine.Event) {
		seen = append(seen, ev.Type)
	})))

	if app.engine == nil {
		t.Fatal("engine not initialized")
	}
	if app.registry == nil {
		t.Error("metrics registry not initialized")
	}
	assert.Nil(t, app.natsConn, "NATS stays off without a URL")

	app.engine.Reset()
	assert.Equal(t, []engine.EventType{engine.EventReset}, seen)

	families, err := app.registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	assert.NoError(t, app.Shutdown())
}

func TestApp_StepOptions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sources.FetchMode = config.FetchModeLocal
	cfg.Sources.Exclude = []string{"*.pinterest.com"}
	cfg.Workflow.EmptyStream = "stay"

	app, err := NewApp(cfg, io.Discard)
	require.NoError(t, err)
	defer app.Shutdown()

	opts, err := app.stepOptions()
	require.NoError(t, err)
	assert.Equal(t, engine.EmptyStreamStay, opts.EmptyStream)
	assert.IsType(t, &fetch.Fetcher{}, opts.Fetcher)
	require.NotNil(t, opts.Exclude)
	assert.True(t, opts.Exclude.Excluded("https://www.pinterest.com/pin/1"))

	cfg.Sources.FetchMode = config.FetchModeBackend
	opts, err = app.stepOptions()
	require.NoError(t, err)
	assert.Nil(t, opts.Fetcher, "backend mode reads sources through the service")
}

func TestApp_LogFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Log.File = filepath.Join(t.TempDir(), "logs", "semresearch.log")
	cfg.Log.Level = "debug"

	app, err := NewApp(cfg, io.Discard)
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	require.NoError(t, app.Shutdown())

	data, err := os.ReadFile(cfg.Log.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Application started")
}

// isolate points HOME and the working directory at empty temp dirs so no
// real config is read.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(t.TempDir())
	return home
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestLoginLogout(t *testing.T) {
	home := isolate(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/login" {
			http.NotFound(w, r)
			return
		}
		if r.FormValue("username") != "ada" || r.FormValue("password") != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"Incorrect username or password"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","token_type":"bearer"}`))
	}))
	defer srv.Close()

	_, err := execute(t, "wrong\n", "login", "-u", "ada", "--password-stdin", "--backend", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Incorrect username or password")

	out, err := execute(t, "s3cret\n", "login", "-u", "ada", "--password-stdin", "--backend", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Logged in as ada\n", out)

	tokenFile := filepath.Join(home, ".config", "semresearch", "token")
	data, err := os.ReadFile(tokenFile)
	require.NoError(t, err)
	var tok research.Token
	require.NoError(t, json.Unmarshal(data, &tok))
	assert.Equal(t, "tok-1", tok.AccessToken)
	assert.Equal(t, "ada", tok.Username)

	out, err = execute(t, "", "logout")
	require.NoError(t, err)
	assert.Equal(t, "Logged out\n", out)
	_, err = os.Stat(tokenFile)
	assert.True(t, os.IsNotExist(err))
}

func TestLogin_PasswordStdinNeedsUsername(t *testing.T) {
	isolate(t)
	_, err := execute(t, "s3cret\n", "login", "--password-stdin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--username")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "semresearch version "+Version+" (build: "+BuildTime+")\n", out)
}

func TestConfigShow_AppliesFlags(t *testing.T) {
	isolate(t)
	out, err := execute(t, "", "config", "show", "--backend", "https://research.example.com", "--fetch-mode", "local")
	require.NoError(t, err)
	assert.Contains(t, out, "url: https://research.example.com")
	assert.Contains(t, out, "fetch_mode: local")
}

func TestConfigInit(t *testing.T) {
	home := isolate(t)
	out, err := execute(t, "", "config", "init")
	require.NoError(t, err)

	path := filepath.Join(home, config.UserConfigDir, config.UserConfigFile)
	assert.Equal(t, path+"\n", out)
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestWatch_RequiresNATS(t *testing.T) {
	isolate(t)
	_, err := execute(t, "", "watch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nats_url")
}

func TestAsk_RejectsBadConfig(t *testing.T) {
	isolate(t)
	_, err := execute(t, "", "ask", "--fetch-mode", "pigeon", "What is X?")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sources.fetch_mode")
}

func TestReadPassword(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "s3cret\n", want: "s3cret"},
		{in: "s3cret\r\n", want: "s3cret"},
		{in: "no-newline", want: "no-newline"},
		{in: "\n", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := readPassword(strings.NewReader(tt.in))
		if (err != nil) != tt.wantErr {
			t.Errorf("readPassword(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("readPassword(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatEvent(t *testing.T) {
	ev := engine.Event{
		RunID:    "run-1",
		Type:     engine.EventRunFailed,
		Step:     2,
		Label:    "Question Analysis",
		Time:     time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC),
		Duration: 1500 * time.Millisecond,
		Error:    engine.MsgNoData,
	}
	got := formatEvent(ev)
	assert.True(t, strings.HasPrefix(got, "15:04:05 run_failed"), got)
	assert.Contains(t, got, `label="Question Analysis"`)
	assert.Contains(t, got, "duration=1.5s")
	assert.Contains(t, got, `error="No data received. Please try again."`)
}

func TestFlagsApply(t *testing.T) {
	f := &flags{natsURL: "nats://localhost:4222", metricsAddr: ":9090", logFile: "/tmp/x.log"}
	cfg := config.DefaultConfig()
	f.apply(cfg)

	assert.Equal(t, "nats://localhost:4222", cfg.Events.NATSURL)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.Equal(t, "/tmp/x.log", cfg.Log.File)
	assert.Equal(t, config.DefaultConfig().Backend.URL, cfg.Backend.URL, "unset flags keep config values")
}

func TestApp_DefaultConfigSendsOneRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Backend.URL = srv.URL
	app, err := NewApp(cfg, io.Discard)
	require.NoError(t, err)
	defer app.Shutdown()

	_, err = app.client.GetResearchAnswer(context.Background(), "q", nil)
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load(), "answer request")

	calls.Store(0)
	_, err = app.client.AnalyzeQuestionStream(context.Background(), "q")
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load(), "stream open")
}

func TestApp_FollowsTokenChanges(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Watch = true
	changes := make(chan research.Token, 8)

	app, err := NewApp(cfg, io.Discard, auth.WithOnChange(func(tok research.Token) { changes <- tok }))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, app.Start(ctx))
	defer app.Shutdown()

	require.NoError(t, auth.NewStore(cfg.Auth.TokenFile).Save(research.Token{AccessToken: "tok-2", Username: "grace"}))

	select {
	case tok := <-changes:
		assert.Equal(t, "grace", tok.Username)
	case <-time.After(5 * time.Second):
		t.Fatal("login from another process was not picked up")
	}
	assert.Equal(t, "tok-2", app.store.Token())
}
