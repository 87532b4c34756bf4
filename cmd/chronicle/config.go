package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"chronicle"
	"chronicle/internal/engine"
	"chronicle/internal/logging"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

const (
	defaultConfigPath = "config/chronicle.toml"
	envPrefix         = "CHRONICLE_"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Engine   EngineConfig   `toml:"engine" envPrefix:"ENGINE_"`
	Executor ExecutorConfig `toml:"executor" envPrefix:"EXECUTOR_"`
	Gateway  GatewayConfig  `toml:"gateway" envPrefix:"GATEWAY_"`
	Log      LogConfig      `toml:"log" envPrefix:"LOG_"`
	OTel     OTelConfig     `toml:"otel" envPrefix:"OTEL_"`

	ConfigFile  string                  `toml:"-"`
	ShowVersion bool                    `toml:"-"`
	Sources     map[string]configSource `toml:"-"`
}

type ServerConfig struct {
	Port               int      `toml:"port" env:"PORT"`
	AllowedOrigins     []string `toml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	AutoCreateSessions bool     `toml:"auto_create_sessions" env:"AUTO_CREATE_SESSIONS"`
	DefaultParty       string   `toml:"default_party" env:"DEFAULT_PARTY"`
	PartiesDir         string   `toml:"parties_dir" env:"PARTIES_DIR"`
	CheckpointDir      string   `toml:"checkpoint_dir" env:"CHECKPOINT_DIR"`
}

type EngineConfig struct {
	Speed        string        `toml:"speed" env:"SPEED"`
	PacingSlow   time.Duration `toml:"pacing_slow" env:"PACING_SLOW"`
	PacingNormal time.Duration `toml:"pacing_normal" env:"PACING_NORMAL"`
	PacingFast   time.Duration `toml:"pacing_fast" env:"PACING_FAST"`
	MaxRetries   int           `toml:"max_retries" env:"MAX_RETRIES"`
	MaxRounds    int           `toml:"max_rounds" env:"MAX_ROUNDS"`
	RoundPause   time.Duration `toml:"round_pause" env:"ROUND_PAUSE"`
}

type ExecutorConfig struct {
	Kind      string        `toml:"kind" env:"KIND"`
	URL       string        `toml:"url" env:"URL"`
	Token     string        `toml:"-" env:"TOKEN"`
	Timeout   time.Duration `toml:"timeout" env:"TIMEOUT"`
	LogWindow int           `toml:"log_window" env:"LOG_WINDOW"`
}

type GatewayConfig struct {
	PingInterval time.Duration `toml:"ping_interval" env:"PING_INTERVAL"`
	PongWait     time.Duration `toml:"pong_wait" env:"PONG_WAIT"`
	WriteTimeout time.Duration `toml:"write_timeout" env:"WRITE_TIMEOUT"`
	CommandRate  float64       `toml:"command_rate" env:"COMMAND_RATE"`
	CommandBurst int           `toml:"command_burst" env:"COMMAND_BURST"`
}

type LogConfig struct {
	Level string `toml:"level" env:"LEVEL"`
}

type OTelConfig struct {
	Enabled     bool   `toml:"enabled" env:"ENABLED"`
	Endpoint    string `toml:"endpoint" env:"ENDPOINT"`
	ServiceName string `toml:"service_name" env:"SERVICE_NAME"`
}

type configSource string

const (
	sourceDefault configSource = "default"
	sourceFile    configSource = "file"
	sourceEnv     configSource = "env"
	sourceFlag    configSource = "flag"
)

type flagValues struct {
	ConfigFile    string
	Port          int
	PartiesDir    string
	DefaultParty  string
	CheckpointDir string
	AutoCreate    bool
	Executor      string
	ExecutorURL   string
	Speed         string
	LogLevel      string
	OTelEndpoint  string
	Version       bool
	Set           map[string]bool
}

// loadConfig layers the embedded defaults, an optional TOML file, CHRONICLE_*
// environment variables and finally command line flags. environ nil means the
// process environment.
func loadConfig(args []string, environ map[string]string, output io.Writer) (Config, error) {
	flags, err := parseFlags(args, output)
	if err != nil {
		return Config{}, err
	}

	cfg, err := defaultConfig()
	if err != nil {
		return Config{}, err
	}
	cfg.Sources = map[string]configSource{"config": sourceDefault}

	configFile := flags.ConfigFile
	if configFile == "" {
		configFile = lookup(environ, envPrefix+"CONFIG")
	}
	if configFile != "" {
		if _, err := toml.DecodeFile(configFile, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
		cfg.ConfigFile = configFile
		cfg.Sources["config"] = sourceFile
	}

	options := env.Options{Prefix: envPrefix}
	if environ != nil {
		options.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, options); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	markEnvSources(cfg.Sources, environ)

	applyFlags(&cfg, flags)
	cfg.ShowVersion = flags.Version
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() (Config, error) {
	var cfg Config
	data, err := chronicle.EmbeddedConfigFS.ReadFile(defaultConfigPath)
	if err != nil {
		return Config{}, fmt.Errorf("read embedded config: %w", err)
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode embedded config: %w", err)
	}
	return cfg, nil
}

func parseFlags(args []string, output io.Writer) (flagValues, error) {
	fs := flag.NewFlagSet("chronicle", flag.ContinueOnError)
	if output == nil {
		output = io.Discard
	}
	fs.SetOutput(output)

	var values flagValues
	fs.StringVar(&values.ConfigFile, "config", "", "Path to a chronicle.toml overriding the built-in defaults")
	fs.IntVar(&values.Port, "port", 0, "HTTP port")
	fs.StringVar(&values.PartiesDir, "parties-dir", "", "Directory of party TOML files, watched for changes")
	fs.StringVar(&values.DefaultParty, "default-party", "", "Party used for auto-created sessions")
	fs.StringVar(&values.CheckpointDir, "checkpoint-dir", "", "Directory for session checkpoints")
	fs.BoolVar(&values.AutoCreate, "auto-create", true, "Create unknown sessions on first connection")
	fs.StringVar(&values.Executor, "executor", "", "Turn executor: scripted or http")
	fs.StringVar(&values.ExecutorURL, "executor-url", "", "Endpoint for the http turn executor")
	fs.StringVar(&values.Speed, "speed", "", "Default autopilot speed: slow, normal or fast")
	fs.StringVar(&values.LogLevel, "log-level", "", "Minimum log level: debug, info, warning or error")
	fs.StringVar(&values.OTelEndpoint, "otel-endpoint", "", "OTLP/HTTP endpoint; enables tracing")
	fs.BoolVar(&values.Version, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return flagValues{}, err
	}
	if fs.NArg() > 0 {
		return flagValues{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	values.Set = map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		values.Set[f.Name] = true
	})
	return values, nil
}

func applyFlags(cfg *Config, flags flagValues) {
	set := func(name string) bool {
		if !flags.Set[name] {
			return false
		}
		cfg.Sources[name] = sourceFlag
		return true
	}
	if set("port") {
		cfg.Server.Port = flags.Port
	}
	if set("parties-dir") {
		cfg.Server.PartiesDir = flags.PartiesDir
	}
	if set("default-party") {
		cfg.Server.DefaultParty = flags.DefaultParty
	}
	if set("checkpoint-dir") {
		cfg.Server.CheckpointDir = flags.CheckpointDir
	}
	if set("auto-create") {
		cfg.Server.AutoCreateSessions = flags.AutoCreate
	}
	if set("executor") {
		cfg.Executor.Kind = flags.Executor
	}
	if set("executor-url") {
		cfg.Executor.URL = flags.ExecutorURL
	}
	if set("speed") {
		cfg.Engine.Speed = flags.Speed
	}
	if set("log-level") {
		cfg.Log.Level = flags.LogLevel
	}
	if set("otel-endpoint") {
		cfg.OTel.Endpoint = flags.OTelEndpoint
		cfg.OTel.Enabled = strings.TrimSpace(flags.OTelEndpoint) != ""
	}
}

func markEnvSources(sources map[string]configSource, environ map[string]string) {
	names := map[string]string{
		"port":           "PORT",
		"parties-dir":    "PARTIES_DIR",
		"default-party":  "DEFAULT_PARTY",
		"checkpoint-dir": "CHECKPOINT_DIR",
		"executor":       "EXECUTOR_KIND",
		"log-level":      "LOG_LEVEL",
	}
	for key, name := range names {
		if lookup(environ, envPrefix+name) != "" {
			sources[key] = sourceEnv
		}
	}
}

func lookup(environ map[string]string, name string) string {
	if environ != nil {
		return strings.TrimSpace(environ[name])
	}
	return strings.TrimSpace(os.Getenv(name))
}

func (cfg Config) validate() error {
	var errs []error
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", cfg.Server.Port))
	}
	if strings.TrimSpace(cfg.Server.DefaultParty) == "" {
		errs = append(errs, errors.New("default party is required"))
	}
	if _, err := engine.ParseSpeed(cfg.Engine.Speed); err != nil {
		errs = append(errs, err)
	}
	if cfg.Engine.MaxRetries < 0 || cfg.Engine.MaxRounds < 0 {
		errs = append(errs, errors.New("max retries and max rounds must not be negative"))
	}
	switch cfg.Executor.Kind {
	case executorScripted:
	case executorHTTP:
		if strings.TrimSpace(cfg.Executor.URL) == "" {
			errs = append(errs, errors.New("http executor requires a url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown executor %q", cfg.Executor.Kind))
	}
	if _, ok := logging.ParseLevel(cfg.Log.Level); !ok {
		errs = append(errs, fmt.Errorf("invalid log level %q", cfg.Log.Level))
	}
	return errors.Join(errs...)
}
