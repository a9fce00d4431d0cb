package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeServeConfig(t *testing.T, port int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "costlens.yaml")
	content := fmt.Sprintf(`
server:
  host: 127.0.0.1
  port: %d
storage:
  driver: sqlite
  path: %s
`, port, filepath.Join(dir, "spans.db"))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()
	return port
}

func TestRunVersion(t *testing.T) {
	if code := run([]string{"version"}); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	if code := run([]string{"frobnicate"}); code != 2 {
		t.Fatalf("exit code = %d, want usage error", code)
	}
}

func TestRunConfigValidate(t *testing.T) {
	path := writeServeConfig(t, 8080)

	var out, errOut bytes.Buffer
	code := runConfig([]string{"validate", "--config", path}, &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "config is valid") {
		t.Fatalf("stdout = %q", out.String())
	}
}

func TestRunConfigValidateRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "costlens.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  driver: mysql\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out, errOut bytes.Buffer
	code := runConfig([]string{"validate", "--config", path}, &out, &errOut)
	if code != 1 {
		t.Fatalf("exit code = %d, want validation failure", code)
	}
	if !strings.Contains(errOut.String(), "config is invalid") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}

func TestRunConfigWithoutSubcommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := runConfig(nil, &out, &errOut); code != 2 {
		t.Fatalf("exit code = %d", code)
	}
}

func TestLoadAndValidateConfigStages(t *testing.T) {
	dir := t.TempDir()
	broken := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(broken, []byte(": not yaml ["), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, stage, err := loadAndValidateConfig(broken); err == nil || stage != configStageLoad {
		t.Fatalf("stage = %q err = %v, want load failure", stage, err)
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("server:\n  port: -1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, stage, err := loadAndValidateConfig(invalid); err == nil || stage != configStageValidate {
		t.Fatalf("stage = %q err = %v, want validation failure", stage, err)
	}
}

func TestRunServeStartsAndStops(t *testing.T) {
	path := writeServeConfig(t, freePort(t))

	// Replace the signal context with one that is already cancelled so the
	// server starts, runs its shutdown path, and returns promptly.
	orig := signalNotifyContext
	signalNotifyContext = func(parent context.Context, _ ...os.Signal) (context.Context, context.CancelFunc) {
		ctx, cancel := context.WithCancel(parent)
		cancel()
		return ctx, cancel
	}
	t.Cleanup(func() { signalNotifyContext = orig })

	if code := runServe([]string{"--config", path}); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
}

func TestRunServeRejectsMissingStorageDriver(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "costlens.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  driver: mysql\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if code := runServe([]string{"--config", path}); code != 1 {
		t.Fatalf("exit code = %d, want config failure", code)
	}
}
