package daemon

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.argus.dev/wpdaemon/internal/core"
	"go.argus.dev/wpdaemon/internal/db"
)

// ConfigStore resolves and enumerates wireproxy configuration files.
type ConfigStore interface {
	// Resolve normalizes name (appending ".conf" when absent) and
	// reports the absolute path and whether it is a regular file.
	Resolve(name string) (normalized string, path string, exists bool)
	// List returns the available config names, sorted ascending.
	List() ([]string, error)
}

// BinaryInfo describes the managed wireproxy executable.
type BinaryInfo interface {
	Path() string
	Version() string
}

// session bundles the state of one child lifetime. At most one session
// exists at any time, owned exclusively by the Dispatcher.
type session struct {
	configName string
	proc       *ChildProcess
}

const startupProbeDelay = 500 * time.Millisecond

type spinUpResult struct {
	Status  string `json:"status"`
	Config  string `json:"config"`
	Pid     int    `json:"pid"`
	LogFile string `json:"log_file"`
}

type spinDownResult struct {
	Status         string `json:"status"`
	PreviousConfig string `json:"previous_config"`
	LogFile        string `json:"log_file"`
}

type stateResult struct {
	Running bool    `json:"running"`
	Config  *string `json:"config"`
	Pid     *int    `json:"pid"`
	LogFile *string `json:"log_file"`
}

type confsResult struct {
	Count   int      `json:"count"`
	Configs []string `json:"configs"`
}

type whoamiResult struct {
	Version        string `json:"version"`
	Implementation string `json:"implementation"`
}

type historyEntry struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Config    string `json:"config,omitempty"`
	Details   string `json:"details,omitempty"`
}

type historyResult struct {
	Commands []historyEntry `json:"commands"`
	Sessions []historyEntry `json:"sessions"`
	Daemon   []historyEntry `json:"daemon"`
}

// Dispatcher parses control commands, validates lifecycle state and
// executes them one at a time. A single mutex serializes execution;
// the protocol is low-rate and commands are short, so holding it across
// the startup probe and termination polling is the accepted trade-off.
type Dispatcher struct {
	mu sync.Mutex

	state   *StateMachine
	log     *SessionLog
	configs ConfigStore
	binary  BinaryInfo

	// database is the passive audit sink; nil disables auditing
	database *db.DB

	session      *session
	shutdownOnce sync.Once

	watchdogThreshold int
	watchdogPoll      time.Duration
}

// NewDispatcher wires the supervisor core together. database may be nil.
func NewDispatcher(log *SessionLog, configs ConfigStore, binary BinaryInfo, database *db.DB) *Dispatcher {
	threshold := 5
	poll := 100 * time.Millisecond
	if core.Config != nil {
		if core.Config.Watchdog.Threshold > 0 {
			threshold = core.Config.Watchdog.Threshold
		}
		if core.Config.Watchdog.PollInterval > 0 {
			poll = time.Duration(core.Config.Watchdog.PollInterval) * time.Millisecond
		}
	}
	return &Dispatcher{
		state:             NewStateMachine(),
		log:               log,
		configs:           configs,
		binary:            binary,
		database:          database,
		watchdogThreshold: threshold,
		watchdogPoll:      poll,
	}
}

// State exposes the current lifecycle state (lock-free read).
func (d *Dispatcher) State() State {
	return d.state.State()
}

// Execute runs a single command line and returns the structured reply.
// The line includes its trailing newline. At most one command is in
// flight at any time.
func (d *Dispatcher) Execute(line string) (reply Reply) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cmd, args, ok := parseCommand(line)
	if !ok {
		return errorReply("unknown", "Parsing error: colon not found")
	}

	d.auditCommand(cmd, args)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Command handler panicked", "command", cmd, "panic", r)
			if cmd == "spin_up" {
				d.cleanupFailedStartup(fmt.Sprintf("Internal error: %v", r))
			}
			if cmd == "spin_down" {
				d.log.Finalize(fmt.Sprintf("Internal error: %v", r))
				d.session = nil
				if d.state.State() != StateIdle {
					d.transition(StateIdle)
				}
			}
			reply = errorReply(cmd, fmt.Sprintf("Internal error: %v", r))
		}
	}()

	switch cmd {
	case "spin_up":
		if len(args) == 0 {
			return errorReply(cmd, "Not enough args: spin_up requires config name")
		}
		return d.handleSpinUp(args[0])
	case "spin_down":
		return d.handleSpinDown()
	case "state":
		return d.handleState()
	case "available_confs":
		return d.handleAvailableConfs()
	case "whoami":
		return d.handleWhoami()
	case "history":
		return d.handleHistory(args)
	default:
		return errorReply(cmd, "Unknown command: "+cmd)
	}
}

// parseCommand splits "CMD:ARG1,ARG2,...\n" into its parts. The colon
// is mandatory even for argument-less commands.
func parseCommand(line string) (cmd string, args []string, ok bool) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	colon := strings.Index(line, ":")
	if colon < 0 {
		return "", nil, false
	}

	cmd = line[:colon]
	for _, arg := range strings.Split(line[colon+1:], ",") {
		arg = strings.TrimSpace(arg)
		if arg != "" {
			args = append(args, arg)
		}
	}
	return cmd, args, true
}

func (d *Dispatcher) handleSpinUp(configName string) Reply {
	if d.state.State() != StateIdle {
		msg := "WireProxy is already running"
		if d.session != nil {
			msg += " with config: " + d.session.configName
		}
		return errorReply("spin_up", msg)
	}

	normalized, configPath, exists := d.configs.Resolve(configName)
	if !exists {
		return errorReply("spin_up", "Configuration not found: "+normalized)
	}

	if !d.transition(StateStarting) {
		return errorReply("spin_up", "Failed to transition to STARTING state")
	}

	logPath, err := d.log.Create(normalized, d.binary.Version())
	if err != nil {
		d.transition(StateIdle)
		return errorReply("spin_up", err.Error())
	}

	handle, err := d.log.Handle()
	if err != nil {
		d.cleanupFailedStartup("Spawn failed")
		return errorReply("spin_up", "Failed to spawn WireProxy process")
	}

	proc := NewChildProcess(d.binary.Path())
	if err := proc.Spawn(configPath, handle); err != nil {
		slog.Error("Failed to spawn wireproxy", "config", normalized, "error", err)
		d.cleanupFailedStartup("Spawn failed")
		return errorReply("spin_up", "Failed to spawn WireProxy process")
	}

	// Give the child a moment to parse its config and come up, then
	// verify it survived
	time.Sleep(startupProbeDelay)

	if !proc.IsAlive() {
		failedLog := d.log.CurrentPath()
		d.log.Finalize("Process died during startup")
		d.transition(StateIdle)
		d.auditSession(normalized, "startup_failed", "log: "+failedLog)
		return errorReply("spin_up", "WireProxy failed to start. Check log: "+failedLog)
	}

	proc.ArmWatchdog(logPath, d.watchdogThreshold, d.watchdogPoll)
	d.session = &session{configName: normalized, proc: proc}
	d.transition(StateRunning)

	slog.Info("WireProxy started", "config", normalized, "pid", proc.Pid(), "log", logPath)
	d.auditSession(normalized, "started", fmt.Sprintf("pid: %d", proc.Pid()))

	return okReply("spin_up", spinUpResult{
		Status:  "running",
		Config:  normalized,
		Pid:     proc.Pid(),
		LogFile: logPath,
	})
}

func (d *Dispatcher) handleSpinDown() Reply {
	if d.state.State() != StateRunning || d.session == nil {
		return errorReply("spin_down", "WireProxy is not running")
	}

	if !d.transition(StateStopping) {
		return errorReply("spin_down", "Failed to transition to STOPPING state")
	}

	prevConfig := d.session.configName
	logPath := d.log.CurrentPath()

	reason := d.session.proc.Terminate()
	d.log.Finalize(reason)
	d.session = nil
	d.transition(StateIdle)

	slog.Info("WireProxy stopped", "config", prevConfig, "method", reason)
	d.auditSession(prevConfig, "stopped", reason)

	return okReply("spin_down", spinDownResult{
		Status:         "stopped",
		PreviousConfig: prevConfig,
		LogFile:        logPath,
	})
}

func (d *Dispatcher) handleState() Reply {
	d.reapIfDead()

	if d.state.State() == StateRunning && d.session != nil {
		config := d.session.configName
		pid := d.session.proc.Pid()
		logFile := d.log.CurrentPath()
		return okReply("state", stateResult{
			Running: true,
			Config:  &config,
			Pid:     &pid,
			LogFile: &logFile,
		})
	}

	result := stateResult{Running: false}
	if path := d.log.CurrentPath(); path != "" {
		result.LogFile = &path
	}
	return okReply("state", result)
}

// reapIfDead performs the lazy cleanup: when the child died behind our
// back (crash or watchdog-initiated termination), finalize the log,
// drop the session and return to idle.
func (d *Dispatcher) reapIfDead() {
	if d.state.State() != StateRunning || d.session == nil {
		return
	}
	if d.session.proc.IsAlive() {
		return
	}

	reason := "Process died unexpectedly"
	if d.session.proc.NetworkDropDetected() {
		reason = "Network drop detected - auto-terminated"
	}
	slog.Info("WireProxy exited", "config", d.session.configName, "reason", reason)

	// Terminate on a reaped child is a no-op beyond joining the watchdog
	d.session.proc.Terminate()
	d.log.Finalize(reason)
	d.auditSession(d.session.configName, "died", reason)
	d.session = nil
	d.transition(StateIdle)
}

func (d *Dispatcher) handleAvailableConfs() Reply {
	configs, err := d.configs.List()
	if err != nil {
		return errorReply("available_confs", "Failed to list configurations: "+err.Error())
	}
	if configs == nil {
		configs = []string{}
	}
	return okReply("available_confs", confsResult{
		Count:   len(configs),
		Configs: configs,
	})
}

func (d *Dispatcher) handleWhoami() Reply {
	return okReply("whoami", whoamiResult{
		Version:        core.FormatVersion(core.Version),
		Implementation: "Go",
	})
}

// handleHistory reads the newest audit records back out of the sink.
// An optional argument bounds the number of entries per category
// (default 20).
func (d *Dispatcher) handleHistory(args []string) Reply {
	if d.database == nil {
		return errorReply("history", "Audit log is not available")
	}

	limit := 20
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
			limit = n
		}
	}

	commands, err := d.database.GetRecentCommands(limit)
	if err != nil {
		return errorReply("history", "Failed to read audit log: "+err.Error())
	}
	sessions, err := d.database.GetRecentSessionEvents(limit)
	if err != nil {
		return errorReply("history", "Failed to read audit log: "+err.Error())
	}
	daemonEvents, err := d.database.GetRecentDaemonEvents(limit)
	if err != nil {
		return errorReply("history", "Failed to read audit log: "+err.Error())
	}

	result := historyResult{
		Commands: []historyEntry{},
		Sessions: []historyEntry{},
		Daemon:   []historyEntry{},
	}
	for _, r := range commands {
		result.Commands = append(result.Commands, historyEntry{
			Timestamp: r.Timestamp.Format(time.RFC3339),
			Event:     r.Command,
			Details:   r.Detail,
		})
	}
	for _, e := range sessions {
		result.Sessions = append(result.Sessions, historyEntry{
			Timestamp: e.Timestamp.Format(time.RFC3339),
			Event:     e.EventType,
			Config:    e.Config,
			Details:   e.Details,
		})
	}
	for _, e := range daemonEvents {
		result.Daemon = append(result.Daemon, historyEntry{
			Timestamp: e.Timestamp.Format(time.RFC3339),
			Event:     e.EventType,
			Details:   e.Details,
		})
	}

	return okReply("history", result)
}

// cleanupFailedStartup finalizes a possibly-open log, drops any session
// and reverts to idle. Used on every spin_up error path after the
// Starting transition.
func (d *Dispatcher) cleanupFailedStartup(reason string) {
	d.log.Finalize(reason)
	if d.session != nil {
		d.session.proc.Terminate()
		d.session = nil
	}
	if d.state.State() != StateIdle {
		d.transition(StateIdle)
	}
}

// Shutdown terminates any live session with the same escalation as
// spin_down and finalizes its log. Safe to invoke at most once; later
// calls are no-ops.
func (d *Dispatcher) Shutdown() {
	d.shutdownOnce.Do(func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		if d.session == nil {
			return
		}

		slog.Info("Shutting down with live session", "config", d.session.configName)
		d.transition(StateStopping)
		reason := d.session.proc.Terminate()
		d.log.Finalize(reason)
		d.auditSession(d.session.configName, "stopped", "daemon shutdown: "+reason)
		d.session = nil
		d.transition(StateIdle)
	})
}

// transition moves the state machine and records the move.
func (d *Dispatcher) transition(to State) bool {
	from := d.state.State()
	if !d.state.TransitionTo(to) {
		slog.Warn("Invalid state transition rejected", "from", from, "to", to)
		return false
	}
	slog.Debug("State transition", "from", from, "to", to)
	if d.database != nil {
		if err := d.database.LogDaemonEvent("state_transition", fmt.Sprintf("%s -> %s", from, to)); err != nil {
			slog.Error("Failed to audit state transition", "error", err)
		}
	}
	return true
}

func (d *Dispatcher) auditCommand(cmd string, args []string) {
	if d.database == nil {
		return
	}
	detail := ""
	if len(args) > 0 {
		detail = strings.Join(args, ",")
	}
	if err := d.database.LogCommand(cmd, detail); err != nil {
		slog.Error("Failed to audit command", "command", cmd, "error", err)
	}
}

func (d *Dispatcher) auditSession(config, eventType, details string) {
	if d.database == nil {
		return
	}
	if err := d.database.LogSessionEvent(config, eventType, details); err != nil {
		slog.Error("Failed to audit session event", "error", err)
	}
}
