package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/pcontrol/internal/auth"
	"github.com/loykin/pcontrol/internal/env"
	"github.com/loykin/pcontrol/internal/logger"
	"github.com/loykin/pcontrol/internal/manager"
	"github.com/loykin/pcontrol/internal/metrics"
	"github.com/loykin/pcontrol/internal/protocol"
	"github.com/loykin/pcontrol/internal/respawn"
	tlsx "github.com/loykin/pcontrol/internal/tls"
	"github.com/spf13/viper"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Env       []string       `mapstructure:"env"`
	EnvFiles  []string       `mapstructure:"env_files"`
	UseOSEnv  bool           `mapstructure:"use_os_env"`
	Log       logger.Config  `mapstructure:"log"`
	Metrics   MetricsConfig  `mapstructure:"metrics"`
	API       APIConfig      `mapstructure:"api"`
	Respawn   respawn.Config `mapstructure:"respawn"`
	History   HistoryConfig  `mapstructure:"history"`
	Shutdown  ShutdownConfig `mapstructure:"shutdown"`
	Processes []ProcConfig   `mapstructure:"processes"`
}

type MetricsConfig struct {
	// Listen serves /metrics on its own address. Empty disables it unless the
	// API is enabled, which always exposes /metrics.
	Listen    string                 `mapstructure:"listen"`
	Resources metrics.ResourceConfig `mapstructure:"resources"`
}

type APIConfig struct {
	Listen   string      `mapstructure:"listen"`
	BasePath string      `mapstructure:"base_path"`
	TLS      tlsx.Config `mapstructure:"tls"`
	Auth     auth.Config `mapstructure:"auth"`
}

type HistoryConfig struct {
	// Sinks are DSNs understood by history/factory.
	Sinks     []string      `mapstructure:"sinks"`
	QueueSize int           `mapstructure:"queue_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// ShutdownConfig bounds how long the daemon waits on SIGTERM before it
// escalates from stop to destroy and from destroy to kill.
type ShutdownConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	KillTimeout time.Duration `mapstructure:"kill_timeout"`
}

type ProcConfig struct {
	Name    string   `mapstructure:"name"`
	Command []string `mapstructure:"command"`
	// Env entries are "KEY=VALUE"; a list keeps key case intact.
	Env        []string `mapstructure:"env"`
	WorkDir    string   `mapstructure:"work_dir"`
	AuthKey    string   `mapstructure:"auth_key"`
	Privileged bool     `mapstructure:"privileged"`
	Respawn    *bool    `mapstructure:"respawn"`
	Autostart  *bool    `mapstructure:"autostart"`
	PIDFile    string   `mapstructure:"pid_file"`
}

// Options converts the entry into what the registry needs to add it.
func (pc ProcConfig) Options() manager.Options {
	return manager.Options{
		Name:       pc.Name,
		Command:    append([]string(nil), pc.Command...),
		Env:        parsePairs(pc.Env),
		WorkDir:    pc.WorkDir,
		AuthKey:    pc.AuthKey,
		Privileged: pc.Privileged,
		Respawn:    boolOr(pc.Respawn, true),
		PIDFile:    pc.PIDFile,
	}
}

// StartsAutomatically reports whether the daemon starts the process at boot.
func (pc ProcConfig) StartsAutomatically() bool { return boolOr(pc.Autostart, true) }

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func setDefaults(v *viper.Viper) {
	def := respawn.DefaultConfig()
	v.SetDefault("respawn.max_restarts", def.MaxRestarts)
	v.SetDefault("respawn.initial_interval", def.InitialInterval)
	v.SetDefault("respawn.max_interval", def.MaxInterval)
	v.SetDefault("respawn.multiplier", def.Multiplier)
	v.SetDefault("log.slog.level", "info")
	v.SetDefault("log.slog.format", "text")
	v.SetDefault("metrics.resources.interval", 10*time.Second)
	v.SetDefault("history.queue_size", 256)
	v.SetDefault("history.timeout", 5*time.Second)
	v.SetDefault("shutdown.timeout", 10*time.Second)
	v.SetDefault("shutdown.kill_timeout", 5*time.Second)
}

// Load reads and validates a TOML config file.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

// Validate checks the process table and the API users.
func (fc *FileConfig) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(fc.Processes))
	privileged := ""
	for i, pc := range fc.Processes {
		if pc.Name == "" {
			errs = append(errs, fmt.Errorf("processes[%d]: name is required", i))
			continue
		}
		if seen[pc.Name] {
			errs = append(errs, fmt.Errorf("process %s: duplicate name", pc.Name))
		}
		seen[pc.Name] = true
		if len(pc.Command) == 0 || pc.Command[0] == "" {
			errs = append(errs, fmt.Errorf("process %s: command is required", pc.Name))
		}
		if pc.AuthKey != "" {
			if err := protocol.ValidateAuthKey(pc.AuthKey); err != nil {
				errs = append(errs, fmt.Errorf("process %s: %w", pc.Name, err))
			}
		}
		if pc.Privileged {
			if privileged != "" {
				errs = append(errs, fmt.Errorf("process %s: %s is already privileged", pc.Name, privileged))
			} else {
				privileged = pc.Name
			}
		}
		for _, kv := range pc.Env {
			if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
				errs = append(errs, fmt.Errorf("process %s: malformed env entry %q", pc.Name, kv))
			}
		}
	}
	if err := fc.API.Auth.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("api.auth: %w", err))
	}
	return errors.Join(errs...)
}

// GlobalEnv composes the daemon-wide environment: env_files in order, then
// the top-level env list. The OS environment is the base only when
// use_os_env is set.
func (fc *FileConfig) GlobalEnv() (*env.Env, error) {
	pairs := make([]string, 0, len(fc.Env))
	for _, p := range fc.EnvFiles {
		kvs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, kvs...)
	}
	pairs = append(pairs, fc.Env...)
	e := env.FromList(pairs)
	if fc.UseOSEnv {
		e.FromOS()
		return e, nil
	}
	return e.WithBase(env.Var{}), nil
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries in
// file order.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			out = append(out, strings.TrimSpace(k)+"="+strings.TrimSpace(v))
		}
	}
	return out, nil
}

func parsePairs(kvs []string) map[string]string {
	if len(kvs) == 0 {
		return nil
	}
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	return m
}
