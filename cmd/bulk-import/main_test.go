package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/Sternrassler/bulk-import-client/internal/config"
	"github.com/Sternrassler/bulk-import-client/internal/testutil"
	"github.com/Sternrassler/bulk-import-client/pkg/artifacts"
	"github.com/Sternrassler/bulk-import-client/pkg/auth"
	"github.com/Sternrassler/bulk-import-client/pkg/importer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRecords(t *testing.T, dir string, n int) string {
	t.Helper()
	recs := make([]string, n)
	for i := range recs {
		recs[i] = fmt.Sprintf(`{"person":{"customerId":"C-%d","firstName":"F%d"}}`, i, i)
	}
	path := filepath.Join(dir, "customers.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"data":[`+strings.Join(recs, ",")+`]}`), 0o644))
	return path
}

func writeConfig(t *testing.T, dir string, mock *testutil.MockAPI, extra string) string {
	t.Helper()
	content := fmt.Sprintf(`
log:
  level: warn
auth:
  token_url: %q
  username: importer
  password: pw
  basic_auth: Y2xpZW50OnNlY3JldA==
import:
  endpoint: %q
  batch_size: 2
  workers: 2
  min_interval_ms: 1
  backoff_base_ms: 1
artifacts:
  base_dir: %q
%s`, mock.TokenURL(), mock.ImportURL(), dir, extra)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testConfig(t *testing.T, dir string, mock *testutil.MockAPI) *config.Config {
	t.Helper()
	cfg, err := config.Load(writeConfig(t, dir, mock, ""))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    options
		wantErr bool
	}{
		{name: "files", args: []string{"a.json", "b.json"}, want: options{files: []string{"a.json", "b.json"}}},
		{name: "config and file", args: []string{"-config", "c.yaml", "a.json"}, want: options{configPath: "c.yaml", files: []string{"a.json"}}},
		{name: "resume", args: []string{"-resume", "r.json"}, want: options{resumePath: "r.json"}},
		{name: "auth test", args: []string{"-auth-test"}, want: options{authTest: true}},
		{name: "nothing to do", args: nil, wantErr: true},
		{name: "resume with files", args: []string{"-resume", "r.json", "a.json"}, wantErr: true},
		{name: "unknown flag", args: []string{"-workers", "3"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseArgs(tt.args, &bytes.Buffer{})
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseArgs(%v) expected error", tt.args)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseArgs(%v) error = %v", tt.args, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		sum  *importer.Summary
		err  error
		want int
	}{
		{"clean", &importer.Summary{Status: importer.StatusCompleted}, nil, exitOK},
		{"failed batches", &importer.Summary{Status: importer.StatusCompleted, FailedBatches: 1}, nil, exitFailures},
		{"record failures", &importer.Summary{Status: importer.StatusCompleted, RecordFailures: 2}, nil, exitFailures},
		{"stopped", &importer.Summary{Status: importer.StatusStopped, FailedBatches: 1}, nil, exitStopped},
		{"error summary", &importer.Summary{Status: importer.StatusError}, importer.ErrNoRecords, exitError},
		{"no summary", nil, fmt.Errorf("boom"), exitError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.sum, tt.err); got != tt.want {
				t.Errorf("exitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o644))

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-config", path, "a.json"}, &stdout, &stderr)

	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr.String(), "import.endpoint")
	assert.Empty(t, stdout.String())
}

func TestRun_Import(t *testing.T) {
	dir := t.TempDir()
	mock := testutil.NewMockAPI()
	defer mock.Close()

	cfgPath := writeConfig(t, dir, mock, "")
	src := writeRecords(t, dir, 5)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-config", cfgPath, src}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())

	var sum importer.Summary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &sum))
	assert.Equal(t, importer.StatusCompleted, sum.Status)
	assert.Equal(t, 5, sum.TotalRecords)
	assert.Equal(t, 3, sum.TotalBatches)
	assert.Equal(t, 3, sum.SuccessfulBatches)
	assert.InDelta(t, 100.0, sum.SuccessRate, 0.001)
	assert.FileExists(t, sum.ManifestFile)
	assert.Equal(t, 3, mock.ImportCount())
}

func TestRun_FailedBatchesExitCode(t *testing.T) {
	dir := t.TempDir()
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetImportSequence(testutil.NewServerErrorResponse())

	cfgPath := writeConfig(t, dir, mock, "")
	src := writeRecords(t, dir, 2)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-config", cfgPath, src}, &stdout, &stderr)
	assert.Equal(t, exitFailures, code)

	var sum importer.Summary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &sum))
	assert.Equal(t, 1, sum.FailedBatches)
	assert.NotEmpty(t, sum.RetryPackageDir)
	assert.FileExists(t, sum.FailureLog, "abandoned records are logged")
	assert.Equal(t, 3, mock.ImportCount(), "default of three attempts")
}

func TestRun_Resume(t *testing.T) {
	dir := t.TempDir()
	mock := testutil.NewMockAPI()
	defer mock.Close()

	src := writeRecords(t, dir, 5)
	descs, _, err := importer.Plan([]string{src}, "data", 2)
	require.NoError(t, err)

	prev, err := artifacts.New(artifacts.Config{BaseDir: dir, Items: "customers", DataKey: "data", Stamp: "20260101_000000"})
	require.NoError(t, err)
	remaining, err := prev.SaveRemaining("stopped", descs[1:])
	require.NoError(t, err)

	cfgPath := writeConfig(t, dir, mock, "")
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-config", cfgPath, "-resume", remaining}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())

	var sum importer.Summary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &sum))
	assert.Equal(t, 2, sum.TotalBatches)
	assert.Equal(t, 3, sum.TotalRecords)
	assert.Equal(t, 2, mock.ImportCount())
}

func TestRun_ResumeDataKeyMismatch(t *testing.T) {
	dir := t.TempDir()
	mock := testutil.NewMockAPI()
	defer mock.Close()

	src := writeRecords(t, dir, 1)
	descs, _, err := importer.Plan([]string{src}, "data", 2)
	require.NoError(t, err)
	prev, err := artifacts.New(artifacts.Config{BaseDir: dir, Items: "households", DataKey: "households"})
	require.NoError(t, err)
	remaining, err := prev.SaveRemaining("stopped", descs)
	require.NoError(t, err)

	cfgPath := writeConfig(t, dir, mock, "")
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-config", cfgPath, "-resume", remaining}, &stdout, &stderr)

	assert.Equal(t, exitError, code)
	assert.Equal(t, 0, mock.ImportCount())
	assert.Contains(t, stderr.String(), "data key")
}

func TestRun_AuthTest(t *testing.T) {
	dir := t.TempDir()
	mock := testutil.NewMockAPI()
	defer mock.Close()
	cfgPath := writeConfig(t, dir, mock, "")

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-config", cfgPath, "-auth-test"}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())

	var res auth.TestResult
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &res))
	assert.True(t, res.Success)
	assert.NotContains(t, stdout.String(), "mock-token-1", "only a preview of the token is printed")

	mock.SetTokenResponses(testutil.NewUnauthorizedResponse())
	stdout.Reset()
	code = run(context.Background(), []string{"-config", cfgPath, "-auth-test"}, &stdout, &stderr)
	assert.Equal(t, exitError, code)
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &res))
	assert.False(t, res.Success)
	assert.Equal(t, auth.KindFailed, res.ErrorKind)
}

func TestBuild_WithRedis(t *testing.T) {
	dir := t.TempDir()
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mr, rdb := testutil.NewMiniRedis(t)

	cfg := testConfig(t, dir, mock)
	cfg.Redis.SharedToken = true

	a, err := build(context.Background(), cfg, "run-1", rdb, nil)
	require.NoError(t, err)

	_, err = a.provider.AuthHeaders(context.Background())
	require.NoError(t, err)
	assert.True(t, mr.Exists(auth.StoreKey(cfg.Auth.TokenURL, cfg.Auth.Username)), "token is shared through Redis")

	sum, err := a.coord.Run(context.Background(), []string{writeRecords(t, dir, 3)})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.SuccessfulBatches)

	assert.True(t, mr.Exists("bulkimport:run:run-1:events"), "progress events are published")
	assert.True(t, mr.Exists(cfg.Redis.RateLimitKey), "rate limit slot is shared")
}

func TestConnectRedis(t *testing.T) {
	mr, _ := testutil.NewMiniRedis(t)

	for _, url := range []string{mr.Addr(), "redis://" + mr.Addr() + "/0"} {
		client, err := connectRedis(context.Background(), url)
		require.NoError(t, err, url)
		assert.Equal(t, mr.Addr(), client.Options().Addr)
		client.Close()
	}

	_, err := connectRedis(context.Background(), "redis://%zz")
	assert.Error(t, err)

	_, err = connectRedis(context.Background(), "127.0.0.1:1")
	assert.Error(t, err)
}

func TestHandleSignals(t *testing.T) {
	dir := t.TempDir()
	mock := testutil.NewMockAPI()
	defer mock.Close()

	a, err := build(context.Background(), testConfig(t, dir, mock), "run-1", nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelled := make(chan struct{})
	release := handleSignals(ctx, a.coord, func() { close(cancelled) }, nil)
	defer release()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGINT))
	select {
	case <-cancelled:
		t.Fatal("first signal must only stop, not cancel")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGINT))
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("second signal did not cancel")
	}
}
