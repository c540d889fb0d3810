package core

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

const (
	// DefaultPort is the TCP control port the daemon binds on loopback.
	DefaultPort = 23888

	// BaseDirName is the per-user directory holding the managed binary,
	// configurations and session logs.
	BaseDirName = ".argus"

	configFileName = "wpdaemon.hcl"
)

// Config is the global configuration instance, populated by Initialize.
var Config *Configuration

// Configuration holds the daemon settings. Values come from defaults,
// the optional wpdaemon.hcl file in the base directory, and CLI flags
// (flags win for port and verbosity; a base_dir set in the file replaces
// the base directory the file was read from).
type Configuration struct {
	BaseDir string // Directory containing binary, confs and logs
	Port    int    // TCP control port on 127.0.0.1
	Verbose int    // Verbosity level

	Watchdog WatchdogSettings // Network drop detection
}

// WatchdogSettings tunes the log-tailing network watchdog.
type WatchdogSettings struct {
	Threshold    int // Consecutive error lines before auto-termination
	PollInterval int // Tail poll interval in milliseconds
}

type hclConfig struct {
	Port     int          `hcl:"port,optional"`
	Verbose  int          `hcl:"verbose,optional"`
	BaseDir  string       `hcl:"base_dir,optional"`
	Watchdog *hclWatchdog `hcl:"watchdog,block"`
}

type hclWatchdog struct {
	Threshold    int `hcl:"threshold,optional"`
	PollInterval int `hcl:"poll_interval,optional"`
}

// DefaultBaseDir returns $HOME/.argus, falling back to the system temp
// directory when HOME does not resolve.
func DefaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), BaseDirName)
	}
	return filepath.Join(home, BaseDirName)
}

// Initialize loads the configuration file from baseDir (when present),
// applies defaults and installs the global Config. An empty baseDir
// selects DefaultBaseDir.
func Initialize(baseDir string, port int, verbose int) error {
	if baseDir == "" {
		baseDir = DefaultBaseDir()
	}

	cfg := &Configuration{
		BaseDir: baseDir,
		Port:    DefaultPort,
		Verbose: verbose,
		Watchdog: WatchdogSettings{
			Threshold:    5,
			PollInterval: 100,
		},
	}

	configPath := filepath.Join(baseDir, configFileName)
	if _, err := os.Stat(configPath); err == nil {
		var parsed hclConfig
		if err := hclsimple.DecodeFile(configPath, nil, &parsed); err != nil {
			return fmt.Errorf("failed to parse %s: %w", configPath, err)
		}
		if parsed.Port != 0 {
			cfg.Port = parsed.Port
		}
		if parsed.Verbose != 0 {
			cfg.Verbose = parsed.Verbose
		}
		if parsed.BaseDir != "" {
			cfg.BaseDir = parsed.BaseDir
		}
		if parsed.Watchdog != nil {
			if parsed.Watchdog.Threshold > 0 {
				cfg.Watchdog.Threshold = parsed.Watchdog.Threshold
			}
			if parsed.Watchdog.PollInterval > 0 {
				cfg.Watchdog.PollInterval = parsed.Watchdog.PollInterval
			}
		}
	}

	// CLI flags override the config file
	if port != 0 {
		cfg.Port = port
	}
	if verbose != 0 {
		cfg.Verbose = verbose
	}

	Config = cfg
	return nil
}

// InstallDir returns the directory the managed wireproxy binary lives in.
func (c *Configuration) InstallDir() string {
	return filepath.Join(c.BaseDir, "wireproxy")
}

// BinaryPath returns the path of the managed wireproxy executable.
func (c *Configuration) BinaryPath() string {
	return filepath.Join(c.InstallDir(), "wireproxy")
}

// ConfsDir returns the directory containing *.conf files.
func (c *Configuration) ConfsDir() string {
	return filepath.Join(c.BaseDir, "wireproxy_confs")
}

// LogsDir returns the directory session logs are written to.
func (c *Configuration) LogsDir() string {
	return filepath.Join(c.BaseDir, "wp-server-logs")
}

// DatabasePath returns the path of the audit database.
func (c *Configuration) DatabasePath() string {
	return filepath.Join(c.BaseDir, "wpdaemon.db")
}

// EnsureDirs creates the base directory tree.
func (c *Configuration) EnsureDirs() error {
	for _, dir := range []string{c.InstallDir(), c.ConfsDir(), c.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
