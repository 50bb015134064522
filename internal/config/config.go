package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
	File   string
}

// ScheduleConfig holds the controller's tick and history settings.
type ScheduleConfig struct {
	TickInterval  time.Duration
	HistorySize   int
	StatusHistory int
	UseUTC        bool
}

// FogConfig locates the task center and the local ComfyUI instance.
type FogConfig struct {
	TaskCenterURL string
	ComfyURL      string
	PollInterval  time.Duration
	WaitTimeout   time.Duration
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Schedule     ScheduleConfig
	Fog          FogConfig
	Notification NotificationConfig

	Mode          string
	StateDir      string
	ShutdownGrace time.Duration
}

const (
	defaultAddr          = "127.0.0.1:7071"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultTickInterval  = 5 * time.Second
	defaultHistorySize   = 50
	defaultStatusHistory = 20
	defaultComfyURL      = "http://127.0.0.1:8188"
	defaultPollInterval  = 5 * time.Second
	defaultWaitTimeout   = 5 * time.Minute
	defaultShutdownGrace = 5 * time.Second
	defaultMode          = "http"
)

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse parses command line args and environment variables into Config.
// Priority: CLI flags > Environment variables > .env file > defaults
func Parse(args []string) (*Config, error) {
	envFiles := []string{}
	if _, err := os.Stat(".env"); err == nil {
		envFiles = append(envFiles, ".env")
	}
	if configDir, err := os.UserConfigDir(); err == nil {
		path := filepath.Join(configDir, "fogsched", ".env")
		if _, err := os.Stat(path); err == nil {
			envFiles = append(envFiles, path)
		}
	}
	if len(envFiles) > 0 {
		// godotenv never overrides variables already present in the environment.
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("FOGSCHED_ADDR", defaultAddr),
			AuthToken: getEnvString("FOGSCHED_AUTH_TOKEN", ""),
		},
		Log: LogConfig{
			Level:  getEnvString("FOGSCHED_LOG_LEVEL", defaultLogLevel),
			Format: getEnvString("FOGSCHED_LOG_FORMAT", defaultLogFormat),
			File:   getEnvString("FOGSCHED_LOG_FILE", ""),
		},
		Schedule: ScheduleConfig{
			TickInterval:  getEnvDuration("FOGSCHED_TICK_INTERVAL", defaultTickInterval),
			HistorySize:   getEnvInt("FOGSCHED_HISTORY_SIZE", defaultHistorySize),
			StatusHistory: getEnvInt("FOGSCHED_STATUS_HISTORY", defaultStatusHistory),
			UseUTC:        getEnvBool("FOGSCHED_USE_UTC", false),
		},
		Fog: FogConfig{
			TaskCenterURL: getEnvString("FOGSCHED_TASK_CENTER_URL", ""),
			ComfyURL:      getEnvString("FOGSCHED_COMFY_URL", defaultComfyURL),
			PollInterval:  getEnvDuration("FOGSCHED_FETCH_INTERVAL", defaultPollInterval),
			WaitTimeout:   getEnvDuration("FOGSCHED_WAIT_TIMEOUT", defaultWaitTimeout),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("FOGSCHED_BARK_URL", ""),
				Enabled: getEnvBool("FOGSCHED_BARK_ENABLED", false),
			},
		},
		Mode:          getEnvString("FOGSCHED_MODE", defaultMode),
		StateDir:      getEnvString("FOGSCHED_STATE_DIR", ""),
		ShutdownGrace: getEnvDuration("FOGSCHED_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	fs := flag.NewFlagSet("fogschedd", flag.ContinueOnError)
	var (
		addr, logLevel, logFile, stateDir, mode, taskCenter, comfy string
		historySize                                                int
		useUTC                                                     bool
		tick, shutdownGrace                                        time.Duration
	)
	fs.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	fs.StringVar(&stateDir, "state-dir", "", "Directory holding the SQLite database")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&logFile, "log-file", "", "Also append logs to this file")
	fs.StringVar(&mode, "mode", "", "Serving mode: http, mcp or both")
	fs.StringVar(&taskCenter, "task-center", "", "Task center base URL")
	fs.StringVar(&comfy, "comfy", "", "ComfyUI base URL")
	fs.BoolVar(&useUTC, "use-utc", false, "Evaluate windows in UTC instead of system local time")
	fs.IntVar(&historySize, "history-size", 0, "Number of task runs to retain")
	fs.DurationVar(&tick, "tick", 0, "Schedule evaluation interval")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFile != "" {
		cfg.Log.File = logFile
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if taskCenter != "" {
		cfg.Fog.TaskCenterURL = taskCenter
	}
	if comfy != "" {
		cfg.Fog.ComfyURL = comfy
	}
	if historySize > 0 {
		cfg.Schedule.HistorySize = historySize
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "use-utc":
			cfg.Schedule.UseUTC = useUTC
		case "tick":
			cfg.Schedule.TickInterval = tick
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	switch c.Mode {
	case "http", "mcp", "both":
	default:
		return fmt.Errorf("invalid mode %q: want http, mcp or both", c.Mode)
	}
	if c.Schedule.TickInterval <= 0 {
		c.Schedule.TickInterval = defaultTickInterval
	}
	if c.Schedule.HistorySize < 1 {
		c.Schedule.HistorySize = defaultHistorySize
	}
	if c.Schedule.StatusHistory < 1 {
		c.Schedule.StatusHistory = defaultStatusHistory
	}
	if c.Schedule.StatusHistory > c.Schedule.HistorySize {
		c.Schedule.StatusHistory = c.Schedule.HistorySize
	}
	if c.Fog.PollInterval <= 0 {
		c.Fog.PollInterval = defaultPollInterval
	}
	if c.Fog.WaitTimeout <= 0 {
		c.Fog.WaitTimeout = defaultWaitTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	return nil
}

// Location returns the zone windows are evaluated in.
func (c *Config) Location() *time.Location {
	if c.Schedule.UseUTC {
		return time.UTC
	}
	return time.Local
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "fogsched")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
