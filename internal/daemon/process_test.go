package daemon

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// quietLogger suppresses default slog output during tests and restores
// it after.
func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

// writeStubBinary creates an executable script that stands in for
// wireproxy. It receives "-c <config>" like the real binary.
func writeStubBinary(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wireproxy")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("failed to write stub binary: %v", err)
	}
	return path
}

func openLogFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "session-*.log")
	if err != nil {
		t.Fatalf("failed to create log file: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestChildProcess_SpawnAndProbe(t *testing.T) {
	quietLogger(t)

	p := NewChildProcess(writeStubBinary(t, "sleep 60"))
	if err := p.Spawn("/dev/null", openLogFile(t)); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	t.Cleanup(func() { p.Terminate() })

	if p.Pid() <= 0 {
		t.Fatalf("expected positive pid, got %d", p.Pid())
	}
	if !p.IsAlive() {
		t.Error("expected child to be alive after spawn")
	}
}

func TestChildProcess_ProcessGroupLeader(t *testing.T) {
	quietLogger(t)

	p := NewChildProcess(writeStubBinary(t, "sleep 60"))
	if err := p.Spawn("/dev/null", openLogFile(t)); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	t.Cleanup(func() { p.Terminate() })

	pgid, err := unix.Getpgid(p.Pid())
	if err != nil {
		t.Fatalf("Getpgid failed: %v", err)
	}
	if pgid != p.Pid() {
		t.Errorf("expected pgid == pid, got pgid=%d pid=%d", pgid, p.Pid())
	}
}

func TestChildProcess_SpawnTwiceFails(t *testing.T) {
	quietLogger(t)

	p := NewChildProcess(writeStubBinary(t, "sleep 60"))
	log := openLogFile(t)
	if err := p.Spawn("/dev/null", log); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	t.Cleanup(func() { p.Terminate() })

	if err := p.Spawn("/dev/null", log); err == nil {
		t.Error("expected second Spawn to fail")
	}
}

func TestChildProcess_SpawnBadBinary(t *testing.T) {
	quietLogger(t)

	p := NewChildProcess(filepath.Join(t.TempDir(), "does-not-exist"))
	if err := p.Spawn("/dev/null", openLogFile(t)); err == nil {
		t.Error("expected Spawn to fail for missing binary")
	}
	if p.Pid() != -1 {
		t.Errorf("pid leaked after failed spawn: %d", p.Pid())
	}
}

func TestChildProcess_IsAliveReapsExited(t *testing.T) {
	quietLogger(t)

	p := NewChildProcess(writeStubBinary(t, "exit 1"))
	if err := p.Spawn("/dev/null", openLogFile(t)); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	// The child exits promptly; the probe must observe it
	deadline := time.Now().Add(2 * time.Second)
	for p.IsAlive() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if p.IsAlive() {
		t.Fatal("expected child to be observed dead")
	}
	// Latched: still dead
	if p.IsAlive() {
		t.Error("expected IsAlive to stay false after reap")
	}
}

func TestChildProcess_TerminateGraceful(t *testing.T) {
	quietLogger(t)

	p := NewChildProcess(writeStubBinary(t, "sleep 60"))
	if err := p.Spawn("/dev/null", openLogFile(t)); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	pid := p.Pid()

	if got := p.Terminate(); got != TerminatedGracefully {
		t.Errorf("Terminate = %q, want %q", got, TerminatedGracefully)
	}
	if p.IsAlive() {
		t.Error("child alive after Terminate")
	}
	// The child must be gone from the process table
	if err := syscall.Kill(pid, 0); err == nil {
		t.Errorf("process %d still in process table", pid)
	}
}

func TestChildProcess_TerminateForceKill(t *testing.T) {
	quietLogger(t)

	// Ignores SIGTERM so escalation to SIGKILL is required
	p := NewChildProcess(writeStubBinary(t, "trap '' TERM\nwhile true; do sleep 1; done"))
	if err := p.Spawn("/dev/null", openLogFile(t)); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	start := time.Now()
	got := p.Terminate()
	if got != TerminatedForcefully {
		t.Errorf("Terminate = %q, want %q", got, TerminatedForcefully)
	}
	if elapsed := time.Since(start); elapsed < terminateTimeout {
		t.Errorf("force kill happened before the graceful window elapsed: %v", elapsed)
	}
}

func TestChildProcess_TerminateIdempotent(t *testing.T) {
	quietLogger(t)

	p := NewChildProcess(writeStubBinary(t, "sleep 60"))
	if err := p.Spawn("/dev/null", openLogFile(t)); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	p.Terminate()
	if got := p.Terminate(); got != TerminatedNotRunning {
		t.Errorf("second Terminate = %q, want %q", got, TerminatedNotRunning)
	}
}

func TestChildProcess_TerminateWithoutSpawn(t *testing.T) {
	p := NewChildProcess("/bin/true")
	if got := p.Terminate(); got != TerminatedNotRunning {
		t.Errorf("Terminate without spawn = %q, want %q", got, TerminatedNotRunning)
	}
}

func TestChildProcess_OutputRedirectedToLog(t *testing.T) {
	quietLogger(t)

	logFile := openLogFile(t)
	p := NewChildProcess(writeStubBinary(t, "echo tunnel output\necho tunnel error >&2"))
	if err := p.Spawn("/dev/null", logFile); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.IsAlive() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	data, err := os.ReadFile(logFile.Name())
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "tunnel output") || !strings.Contains(content, "tunnel error") {
		t.Errorf("child output not redirected to log, got:\n%s", content)
	}
}

func TestValidateChildPid(t *testing.T) {
	quietLogger(t)

	binary := writeStubBinary(t, "sleep 60")
	p := NewChildProcess(binary)
	if err := p.Spawn("/dev/null", openLogFile(t)); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	t.Cleanup(func() { p.Terminate() })

	if !validateChildPid(p.Pid(), binary) {
		t.Error("expected live child to validate")
	}
	if validateChildPid(p.Pid(), "/usr/bin/definitely-not-this") {
		t.Error("expected cmdline mismatch to fail validation")
	}
	if validateChildPid(999999, binary) {
		t.Error("expected unused pid to fail validation")
	}
}
