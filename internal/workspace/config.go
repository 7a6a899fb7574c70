package workspace

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the content of .warden/config.yaml. Every key can be overridden
// from the environment as WARDEN_<SECTION>_<KEY>, e.g.
// WARDEN_WATCHDOG_THRESHOLD=30s.
type Config struct {
	Version    int              `mapstructure:"version"    yaml:"version"`
	Supervisor SupervisorConfig `mapstructure:"supervisor" yaml:"supervisor"`
	Watchdog   WatchdogConfig   `mapstructure:"watchdog"   yaml:"watchdog"`
	Unit       UnitConfig       `mapstructure:"unit"       yaml:"unit"`
	Registry   RegistryConfig   `mapstructure:"registry"   yaml:"registry"`
	Log        LogConfig        `mapstructure:"log"        yaml:"log"`
	Web        WebConfig        `mapstructure:"web"        yaml:"web"`
}

type SupervisorConfig struct {
	RequestBuffer int           `mapstructure:"request_buffer" yaml:"request_buffer"`
	EventBuffer   int           `mapstructure:"event_buffer"   yaml:"event_buffer"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
}

type WatchdogConfig struct {
	Interval    time.Duration `mapstructure:"interval"     yaml:"interval"`
	Threshold   time.Duration `mapstructure:"threshold"    yaml:"threshold"`
	JoinTimeout time.Duration `mapstructure:"join_timeout" yaml:"join_timeout"`
}

// UnitConfig shapes the placeholder work each task performs.
type UnitConfig struct {
	// Mode is "process" (one OS process per task) or "local" (goroutines).
	Mode         string        `mapstructure:"mode"           yaml:"mode"`
	MinSteps     int           `mapstructure:"min_steps"      yaml:"min_steps"`
	MaxSteps     int           `mapstructure:"max_steps"      yaml:"max_steps"`
	MinStepDelay time.Duration `mapstructure:"min_step_delay" yaml:"min_step_delay"`
	MaxStepDelay time.Duration `mapstructure:"max_step_delay" yaml:"max_step_delay"`
	// StallFor is how long a "#stall" payload blocks in one step.
	StallFor time.Duration `mapstructure:"stall_for" yaml:"stall_for"`
}

type RegistryConfig struct {
	// RetainTerminal caps kept terminal records; 0 keeps all of them.
	RetainTerminal int `mapstructure:"retain_terminal" yaml:"retain_terminal"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

type WebConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	// Port 0 disables the HTTP adapter.
	Port int `mapstructure:"port" yaml:"port"`
}

// Address returns host:port for the HTTP adapter.
func (w WebConfig) Address() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

const (
	UnitModeProcess = "process"
	UnitModeLocal   = "local"
)

// DefaultConfig returns the reference values: 1s watchdog tick, 10s liveness
// threshold, 3 to 8 steps of 300 to 800ms each.
func DefaultConfig() Config {
	return Config{
		Version: 1,
		Supervisor: SupervisorConfig{
			RequestBuffer: 64,
			EventBuffer:   256,
			ShutdownGrace: 3 * time.Second,
		},
		Watchdog: WatchdogConfig{
			Interval:    time.Second,
			Threshold:   10 * time.Second,
			JoinTimeout: time.Second,
		},
		Unit: UnitConfig{
			Mode:         UnitModeProcess,
			MinSteps:     3,
			MaxSteps:     8,
			MinStepDelay: 300 * time.Millisecond,
			MaxStepDelay: 800 * time.Millisecond,
			StallFor:     15 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		Web: WebConfig{Host: "127.0.0.1", Port: 0},
	}
}

// setDefaults registers every key so AutomaticEnv can override keys that
// are absent from the file.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("version", d.Version)
	v.SetDefault("supervisor.request_buffer", d.Supervisor.RequestBuffer)
	v.SetDefault("supervisor.event_buffer", d.Supervisor.EventBuffer)
	v.SetDefault("supervisor.shutdown_grace", d.Supervisor.ShutdownGrace)
	v.SetDefault("watchdog.interval", d.Watchdog.Interval)
	v.SetDefault("watchdog.threshold", d.Watchdog.Threshold)
	v.SetDefault("watchdog.join_timeout", d.Watchdog.JoinTimeout)
	v.SetDefault("unit.mode", d.Unit.Mode)
	v.SetDefault("unit.min_steps", d.Unit.MinSteps)
	v.SetDefault("unit.max_steps", d.Unit.MaxSteps)
	v.SetDefault("unit.min_step_delay", d.Unit.MinStepDelay)
	v.SetDefault("unit.max_step_delay", d.Unit.MaxStepDelay)
	v.SetDefault("unit.stall_for", d.Unit.StallFor)
	v.SetDefault("registry.retain_terminal", d.Registry.RetainTerminal)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("web.host", d.Web.Host)
	v.SetDefault("web.port", d.Web.Port)
}

// LoadConfig reads path (YAML) on top of the defaults and the WARDEN_*
// environment. An empty path loads defaults and environment only.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the supervisor cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Watchdog.Interval <= 0 {
		errs = append(errs, errors.New("watchdog.interval must be positive"))
	}
	if c.Watchdog.Threshold <= 0 {
		errs = append(errs, errors.New("watchdog.threshold must be positive"))
	}
	if c.Supervisor.RequestBuffer < 0 || c.Supervisor.EventBuffer < 0 {
		errs = append(errs, errors.New("supervisor buffers must not be negative"))
	}
	if c.Unit.Mode != UnitModeProcess && c.Unit.Mode != UnitModeLocal {
		errs = append(errs, fmt.Errorf("unit.mode must be %q or %q, got %q", UnitModeProcess, UnitModeLocal, c.Unit.Mode))
	}
	if c.Unit.MinSteps < 1 || c.Unit.MaxSteps < c.Unit.MinSteps {
		errs = append(errs, fmt.Errorf("unit steps must satisfy 1 <= min_steps (%d) <= max_steps (%d)", c.Unit.MinSteps, c.Unit.MaxSteps))
	}
	if c.Unit.MinStepDelay < 0 || c.Unit.MaxStepDelay < c.Unit.MinStepDelay {
		errs = append(errs, errors.New("unit step delays must satisfy 0 <= min_step_delay <= max_step_delay"))
	}
	if c.Unit.StallFor < 0 {
		errs = append(errs, errors.New("unit.stall_for must not be negative"))
	}
	if c.Registry.RetainTerminal < 0 {
		errs = append(errs, errors.New("registry.retain_terminal must not be negative"))
	}
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		errs = append(errs, fmt.Errorf("web.port out of range: %d", c.Web.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
