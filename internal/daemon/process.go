package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// Termination reasons reported by Terminate and recorded in the session
// log footer.
const (
	TerminatedGracefully = "Graceful termination"
	TerminatedForcefully = "Force killed"
	TerminatedNotRunning = "Not running"
)

const (
	terminateTimeout = 5 * time.Second
	terminatePoll    = 100 * time.Millisecond
)

// ChildProcess manages a single wireproxy subprocess: spawn with output
// redirected to the session log, liveness probing, and escalating
// termination of the whole process group.
type ChildProcess struct {
	binaryPath string

	mu         sync.Mutex
	cmd        *exec.Cmd
	pid        int
	reaped     bool
	terminated bool

	watchdog *NetworkWatchdog
}

// NewChildProcess returns a process manager for the given executable.
func NewChildProcess(binaryPath string) *ChildProcess {
	return &ChildProcess{binaryPath: binaryPath, pid: -1}
}

// Spawn forks and execs the managed binary with the given config file.
// The child is made its own process group leader (pgid == pid) so the
// whole subtree can be signalled atomically, and its stdout/stderr are
// redirected to the session log handle.
func (p *ChildProcess) Spawn(configPath string, logHandle *os.File) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pid != -1 {
		return fmt.Errorf("a wireproxy process is already managed (pid %d)", p.pid)
	}
	if logHandle == nil {
		return fmt.Errorf("no log handle available for process output")
	}

	cmd := exec.Command(p.binaryPath, "-c", configPath)
	cmd.Stdout = logHandle
	cmd.Stderr = logHandle
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", p.binaryPath, err)
	}

	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.reaped = false
	p.terminated = false
	return nil
}

// Pid returns the child's process id, or -1 when no process is managed.
func (p *ChildProcess) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// IsAlive probes the child with a no-hang wait. Observing termination
// reaps the zombie; subsequent calls return false.
func (p *ChildProcess) IsAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isAliveLocked()
}

func (p *ChildProcess) isAliveLocked() bool {
	if p.pid == -1 || p.reaped {
		return false
	}

	var status unix.WaitStatus
	wpid, err := unix.Wait4(p.pid, &status, unix.WNOHANG, nil)
	if err != nil {
		// ECHILD or similar: nothing left to reap
		p.reaped = true
		return false
	}
	if wpid == 0 {
		return true
	}
	p.reaped = true
	return false
}

// Terminate stops the child's process group with escalation: SIGTERM,
// poll for up to 5s, then SIGKILL plus a blocking reap. It stops and
// joins the watchdog, and is idempotent: a second call returns
// TerminatedNotRunning.
func (p *ChildProcess) Terminate() string {
	p.mu.Lock()

	if p.pid == -1 || p.terminated {
		p.mu.Unlock()
		p.stopWatchdog()
		return TerminatedNotRunning
	}

	pid := p.pid
	if !p.reaped {
		syscall.Kill(-pid, syscall.SIGTERM)
	}

	reason := TerminatedGracefully
	deadline := time.Now().Add(terminateTimeout)
	for p.isAliveLocked() {
		if time.Now().After(deadline) {
			break
		}
		p.mu.Unlock()
		time.Sleep(terminatePoll)
		p.mu.Lock()
	}

	if !p.reaped {
		syscall.Kill(-pid, syscall.SIGKILL)
		var status unix.WaitStatus
		unix.Wait4(pid, &status, 0, nil)
		p.reaped = true
		reason = TerminatedForcefully
	}

	p.terminated = true
	p.pid = -1
	p.cmd = nil
	p.mu.Unlock()

	p.stopWatchdog()
	return reason
}

// ArmWatchdog starts the network watchdog over the session log. Any
// previously armed watchdog is stopped first.
func (p *ChildProcess) ArmWatchdog(logPath string, threshold int, pollInterval time.Duration) {
	p.stopWatchdog()

	p.mu.Lock()
	pid := p.pid
	p.mu.Unlock()
	if pid == -1 {
		return
	}

	w := NewNetworkWatchdog(logPath, pid, p.binaryPath, threshold, pollInterval)
	w.Start()

	p.mu.Lock()
	p.watchdog = w
	p.mu.Unlock()
}

// NetworkDropDetected reports whether the watchdog tripped.
func (p *ChildProcess) NetworkDropDetected() bool {
	p.mu.Lock()
	w := p.watchdog
	p.mu.Unlock()
	if w == nil {
		return false
	}
	return w.DropDetected()
}

func (p *ChildProcess) stopWatchdog() {
	p.mu.Lock()
	w := p.watchdog
	p.watchdog = nil
	p.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

// validateChildPid reports whether pid still names the process we
// spawned, guarding against signalling an unrelated process after pid
// reuse. The command line must reference the managed binary.
func validateChildPid(pid int, binaryPath string) bool {
	exists, err := process.PidExists(int32(pid))
	if err != nil || !exists {
		return false
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	cmdline, err := proc.Cmdline()
	if err != nil || cmdline == "" {
		return false
	}
	return strings.Contains(cmdline, filepath.Base(binaryPath))
}
