package config

import (
	"errors"
	"flag"
	"fmt"
	"maps"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"botfactory/internal/core"
)

// Serving modes.
const (
	ModeHTTP = "http"
	ModeMCP  = "mcp"
	ModeBoth = "both"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string `validate:"required,hostname_port"`
	AuthUser  string `validate:"required_with=AuthPass"`
	AuthPass  string `validate:"required_with=AuthUser"`
	AuthToken string
	StaticDir string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `validate:"omitempty,oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
	Format string `validate:"omitempty,oneof=text json"`
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string `validate:"omitempty,url"`
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
}

// SchedulerConfig holds settings of the scheduling engine.
type SchedulerConfig struct {
	Disabled      bool
	WatchTasks    bool
	UseUTC        bool
	RunNowGrace   time.Duration `validate:"gt=0"`
	ShutdownGrace time.Duration `validate:"gte=0"`
	Interpreters  map[string]string
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Mode         string `validate:"oneof=http mcp both"`
	TasksFile    string `validate:"required"`
	BotsDir      string `validate:"required"`
	DBPath       string `validate:"required"`
	Server       ServerConfig
	Log          LogConfig
	Notification NotificationConfig
	Scheduler    SchedulerConfig
}

const (
	defaultTasksFile     = "config/tasks.yaml"
	defaultBotsDir       = "bots"
	defaultDBPath        = "data/botfactory.db"
	defaultHost          = "0.0.0.0"
	defaultPort          = "5000"
	defaultLogLevel      = "info"
	defaultRunNowGrace   = time.Second
	defaultShutdownGrace = 10 * time.Second
)

// getEnvString returns the first set environment variable among keys or default.
func getEnvString(defaultVal string, keys ...string) string {
	for _, key := range keys {
		if val, ok := os.LookupEnv(key); ok {
			return val
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

// getEnvDuration returns the environment variable as duration or default.
// Bare numbers are read as seconds.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.ParseFloat(val, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return defaultVal
}

// Parse reads configuration from the process arguments and environment.
func Parse() (*Config, error) {
	return ParseArgs(os.Args[1:])
}

// ParseArgs parses command line flags and environment variables into Config.
// Priority: CLI flags > Environment variables > .env file > defaults
func ParseArgs(args []string) (*Config, error) {
	// Load .env file if exists (silent fail if not present)
	// Check multiple locations: current directory, then config directory
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "botfactory", ".env"))
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f) // Ignore error - file is optional
	}

	// Build config from environment variables with defaults
	cfg := &Config{
		Mode:      strings.ToLower(getEnvString(ModeHTTP, "BOTFACTORY_MODE")),
		TasksFile: getEnvString(defaultTasksFile, "BOTFACTORY_TASKS_FILE", "CONFIG_PATH"),
		BotsDir:   getEnvString(defaultBotsDir, "BOTFACTORY_BOTS_DIR", "BOTS_PATH"),
		DBPath:    getEnvString(defaultDBPath, "BOTFACTORY_DB_PATH", "DB_PATH"),
		Server: ServerConfig{
			Addr:      getEnvString(legacyAddr(), "BOTFACTORY_ADDR"),
			AuthUser:  getEnvString("", "BOTFACTORY_AUTH_USER", "AUTH_USER"),
			AuthPass:  getEnvString("", "BOTFACTORY_AUTH_PASS", "AUTH_PASS"),
			AuthToken: getEnvString("", "BOTFACTORY_AUTH_TOKEN"),
			StaticDir: getEnvString("", "BOTFACTORY_STATIC_DIR", "STATIC_PATH"),
		},
		Log: LogConfig{
			Level:  getEnvString(defaultLogLevel, "BOTFACTORY_LOG_LEVEL", "LOG_LEVEL"),
			Format: strings.ToLower(getEnvString("text", "BOTFACTORY_LOG_FORMAT", "LOG_FORMAT")),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("", "BOTFACTORY_BARK_URL"),
				Enabled: getEnvBool("BOTFACTORY_BARK_ENABLED", false),
			},
		},
		Scheduler: SchedulerConfig{
			Disabled:      getEnvBool("BOTFACTORY_NO_SCHEDULER", false),
			WatchTasks:    getEnvBool("BOTFACTORY_WATCH", true),
			UseUTC:        getEnvBool("BOTFACTORY_USE_UTC", false),
			RunNowGrace:   getEnvDuration("BOTFACTORY_RUN_NOW_GRACE", defaultRunNowGrace),
			ShutdownGrace: getEnvDuration("BOTFACTORY_SHUTDOWN_GRACE", defaultShutdownGrace),
		},
	}
	interpreters, err := ParseInterpreters(getEnvString("", "BOTFACTORY_INTERPRETERS"))
	if err != nil {
		return nil, err
	}
	cfg.Scheduler.Interpreters = interpreters

	// Define CLI flags (these will override environment variables)
	fs := flag.NewFlagSet("botfactoryd", flag.ContinueOnError)
	var (
		mode, tasksFile, botsDir, dbPath, staticDir, addr, logLevel string
		noScheduler, watch, useUTC                                  bool
		shutdownGrace, runNowGrace                                  time.Duration
	)
	fs.StringVar(&mode, "mode", "", "Serving mode: http, mcp (stdio) or both")
	fs.StringVar(&tasksFile, "config", "", "Path to the YAML task file")
	fs.StringVar(&botsDir, "bots", "", "Directory containing task scripts")
	fs.StringVar(&dbPath, "db", "", "Path to the sqlite run ledger")
	fs.StringVar(&staticDir, "static", "", "Directory of dashboard assets to serve")
	fs.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.BoolVar(&noScheduler, "no-scheduler", false, "Serve the API without firing scheduled tasks")
	fs.BoolVar(&watch, "watch", true, "Reload tasks when the task file changes")
	fs.BoolVar(&useUTC, "use-utc", false, "Use UTC for cron evaluation instead of system local time")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")
	fs.DurationVar(&runNowGrace, "run-now-grace", 0, "How long a manual run waits before answering \"started\"")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Apply CLI flags if set (they take precedence)
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Mode = strings.ToLower(mode)
		case "config":
			cfg.TasksFile = tasksFile
		case "bots":
			cfg.BotsDir = botsDir
		case "db":
			cfg.DBPath = dbPath
		case "static":
			cfg.Server.StaticDir = staticDir
		case "addr":
			cfg.Server.Addr = addr
		case "log-level":
			cfg.Log.Level = logLevel
		case "no-scheduler":
			cfg.Scheduler.Disabled = noScheduler
		case "watch":
			cfg.Scheduler.WatchTasks = watch
		case "use-utc":
			cfg.Scheduler.UseUTC = useUTC
		case "shutdown-grace":
			cfg.Scheduler.ShutdownGrace = shutdownGrace
		case "run-now-grace":
			cfg.Scheduler.RunNowGrace = runNowGrace
		}
	})

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the assembled configuration.
func Validate(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	err := v.Struct(cfg)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s %s", fe.Namespace(), fe.Tag(), fe.Param()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	if err != nil {
		return err
	}
	if cfg.Notification.Bark.Enabled && cfg.Notification.Bark.URL == "" {
		return errors.New("invalid config: bark notifications enabled without BOTFACTORY_BARK_URL")
	}
	return nil
}

// ParseInterpreters reads ".ext=program" pairs separated by commas, layered over
// the built-in mapping. An empty program makes the extension execute directly.
func ParseInterpreters(mapping string) (map[string]string, error) {
	out := maps.Clone(core.DefaultInterpreters)
	for _, pair := range strings.Split(mapping, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		ext, program, ok := strings.Cut(pair, "=")
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !ok || !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			return nil, fmt.Errorf("invalid interpreter mapping %q (want .ext=program)", pair)
		}
		if program = strings.TrimSpace(program); program == "" {
			delete(out, ext)
			continue
		}
		out[ext] = program
	}
	return out, nil
}

// legacyAddr builds the default listen address from HOST and PORT.
func legacyAddr() string {
	return net.JoinHostPort(getEnvString(defaultHost, "HOST"), getEnvString(defaultPort, "PORT"))
}
