package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/guseggert/toolbridge/internal/files"
	"github.com/guseggert/toolbridge/rpc"
	"github.com/guseggert/toolbridge/worker"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	// FileName is the config file looked for when no path is given.
	FileName = "toolbridge.yaml"

	// EnvPrefix prefixes environment overrides, e.g. TOOLBRIDGE_SERVER_PORT.
	EnvPrefix = "TOOLBRIDGE"

	// EnvConfigPath names the config file when --config is not given.
	EnvConfigPath = "TOOLBRIDGE_CONFIG"
)

type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Bridge   BridgeConfig    `mapstructure:"bridge"`
	EnvFiles []string        `mapstructure:"envFiles"`
	Services []ServiceConfig `mapstructure:"services"`

	// Path is the file the config was read from, empty when defaults only.
	Path string `mapstructure:"-"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type BridgeConfig struct {
	CallTimeout      time.Duration `mapstructure:"callTimeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshakeTimeout"`
	StopGrace        time.Duration `mapstructure:"stopGrace"`
	StderrLines      int           `mapstructure:"stderrLines"`
}

// ServiceConfig describes one worker the gateway can run.
type ServiceConfig struct {
	Name        string          `mapstructure:"name"`
	DisplayName string          `mapstructure:"displayName"`
	Description string          `mapstructure:"description"`
	Command     string          `mapstructure:"command"`
	Args        []string        `mapstructure:"args"`
	Dir         string          `mapstructure:"dir"`
	Enabled     bool            `mapstructure:"enabled"`
	AutoStart   bool            `mapstructure:"autoStart"`
	Env         []worker.EnvVar `mapstructure:"env"`
	Tools       []ToolConfig    `mapstructure:"tools"`
}

// ToolConfig is static tool metadata, shown while the service is not running.
type ToolConfig struct {
	Name        string         `mapstructure:"name" json:"name"`
	Description string         `mapstructure:"description" json:"description,omitempty"`
	InputSchema map[string]any `mapstructure:"inputSchema" json:"inputSchema,omitempty"`
	Example     map[string]any `mapstructure:"example" json:"example,omitempty"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Bridge: BridgeConfig{
			CallTimeout:      rpc.DefaultCallTimeout,
			HandshakeTimeout: rpc.DefaultHandshakeTimeout,
			StopGrace:        worker.DefaultStopGrace,
			StderrLines:      worker.DefaultStderrLines,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("bridge.callTimeout", d.Bridge.CallTimeout)
	v.SetDefault("bridge.handshakeTimeout", d.Bridge.HandshakeTimeout)
	v.SetDefault("bridge.stopGrace", d.Bridge.StopGrace)
	v.SetDefault("bridge.stderrLines", d.Bridge.StderrLines)
}

// Resolve picks the config file: path if set, then $TOOLBRIDGE_CONFIG, then the nearest toolbridge.yaml
// in dir or one of its parents. It returns "" when there is none.
func Resolve(path, dir string) (string, error) {
	if path != "" {
		return path, nil
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	return files.FindUp(FileName, dir)
}

// Load reads the config file at path, or only defaults and environment overrides if path is "".
// Env files named in the config are loaded into the process environment, resolved relative to the config file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %q: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Path = path
	if path != "" {
		if err := overlayToolSchemas(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.LoadEnvFiles(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlayToolSchemas re-reads tool input schemas and examples from the file with yaml.v3.
// Viper lowercases every map key, and schema property names are case sensitive.
func overlayToolSchemas(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
	default:
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %q: %w", path, err)
	}

	var raw struct {
		Services []struct {
			Tools []struct {
				InputSchema map[string]any `yaml:"inputSchema"`
				Example     map[string]any `yaml:"example"`
			} `yaml:"tools"`
		} `yaml:"services"`
	}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("decoding tools in %q: %w", path, err)
	}

	for i := range cfg.Services {
		if i >= len(raw.Services) {
			break
		}
		for j := range cfg.Services[i].Tools {
			if j >= len(raw.Services[i].Tools) {
				break
			}
			cfg.Services[i].Tools[j].InputSchema = raw.Services[i].Tools[j].InputSchema
			cfg.Services[i].Tools[j].Example = raw.Services[i].Tools[j].Example
		}
	}
	return nil
}

// LoadEnvFiles loads each env file into the process environment. Variables that are already set are kept.
func (c *Config) LoadEnvFiles() error {
	var errs error
	for _, f := range c.EnvFiles {
		if !filepath.IsAbs(f) && c.Path != "" {
			f = filepath.Join(filepath.Dir(c.Path), f)
		}
		if err := gotenv.Load(f); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("loading env file %q: %w", f, err))
		}
	}
	return errs
}

// Validate reports every problem in the config at once.
func (c *Config) Validate() error {
	var errs error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Bridge.CallTimeout <= 0 {
		errs = multierr.Append(errs, errors.New("bridge.callTimeout must be positive"))
	}
	if c.Bridge.HandshakeTimeout <= 0 {
		errs = multierr.Append(errs, errors.New("bridge.handshakeTimeout must be positive"))
	}
	if c.Bridge.StopGrace < 0 {
		errs = multierr.Append(errs, errors.New("bridge.stopGrace must not be negative"))
	}

	seen := map[string]bool{}
	for i, s := range c.Services {
		if s.Name == "" {
			errs = multierr.Append(errs, fmt.Errorf("services[%d]: name is required", i))
			continue
		}
		if strings.ContainsAny(s.Name, "/ ") {
			errs = multierr.Append(errs, fmt.Errorf("service %q: name must not contain '/' or spaces", s.Name))
		}
		if seen[s.Name] {
			errs = multierr.Append(errs, fmt.Errorf("service %q: duplicate name", s.Name))
		}
		seen[s.Name] = true
		if s.Command == "" {
			errs = multierr.Append(errs, fmt.Errorf("service %q: command is required", s.Name))
		}
		for _, e := range s.Env {
			if e.Name == "" {
				errs = multierr.Append(errs, fmt.Errorf("service %q: env entry without name", s.Name))
			}
			if e.Value == "" && e.ValueFrom != "" && !strings.HasPrefix(e.ValueFrom, worker.ValueFromEnvPrefix) {
				errs = multierr.Append(errs, fmt.Errorf("service %q: env %s: unsupported valueFrom %q", s.Name, e.Name, e.ValueFrom))
			}
		}
		for _, tool := range s.Tools {
			if tool.Name == "" {
				errs = multierr.Append(errs, fmt.Errorf("service %q: tool without name", s.Name))
			}
		}
	}
	return errs
}

// Service returns the named service.
func (c *Config) Service(name string) (ServiceConfig, bool) {
	for _, s := range c.Services {
		if s.Name == name {
			return s, true
		}
	}
	return ServiceConfig{}, false
}

// Title returns DisplayName, falling back to Name.
func (s ServiceConfig) Title() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Name
}
