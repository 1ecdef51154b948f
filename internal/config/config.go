// Package config loads buddy's configuration with viper.
// Precedence: defaults, then buddy.yaml, then BUDDY_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/eliteGoblin/focusd/buddy/internal/domain"
)

// Run modes.
const (
	ModeDev  = "dev"
	ModeProd = "prod"
)

// UI surfaces.
const (
	UITerminal  = "tui"
	UIWebSocket = "ws"
)

// DefaultAudioPipe is the named pipe used by the audio child's fifo transport.
const DefaultAudioPipe = "/tmp/buddy_to_audio"

type Config struct {
	Mode         string                 `mapstructure:"mode" yaml:"mode"`
	DevMode      bool                   `mapstructure:"devMode" yaml:"-"`
	Root         string                 `mapstructure:"root" yaml:"root"`
	DataDir      string                 `mapstructure:"dataDir" yaml:"dataDir"`
	UI           UIConfig               `mapstructure:"ui" yaml:"ui"`
	Logging      LoggingConfig          `mapstructure:"logging" yaml:"logging"`
	Relay        RelayConfig            `mapstructure:"relay" yaml:"relay"`
	Shutdown     ShutdownConfig         `mapstructure:"shutdown" yaml:"shutdown"`
	SpawnOrder   []string               `mapstructure:"spawnOrder" yaml:"spawnOrder"`
	CleanupOrder []string               `mapstructure:"cleanupOrder" yaml:"cleanupOrder"`
	Children     map[string]ChildConfig `mapstructure:"children" yaml:"children"`
}

type UIConfig struct {
	Mode   string `mapstructure:"mode" yaml:"mode"`     // tui or ws
	Listen string `mapstructure:"listen" yaml:"listen"` // ws bind address
	Title  string `mapstructure:"title" yaml:"title"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // json or text
	File       string `mapstructure:"file" yaml:"file"`     // empty logs to stderr
	MaxSizeMB  int    `mapstructure:"maxSizeMB" yaml:"maxSizeMB"`
	MaxBackups int    `mapstructure:"maxBackups" yaml:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAgeDays" yaml:"maxAgeDays"`
}

type RelayConfig struct {
	ChunkSize  int    `mapstructure:"chunkSize" yaml:"chunkSize"`
	Classifier string `mapstructure:"classifier" yaml:"classifier"` // prefix or structured
}

type ShutdownConfig struct {
	GracePeriod time.Duration `mapstructure:"gracePeriod" yaml:"gracePeriod"`
	KillTimeout time.Duration `mapstructure:"killTimeout" yaml:"killTimeout"`
	OnChildExit bool          `mapstructure:"onChildExit" yaml:"onChildExit"`
}

// ChildConfig describes one supervised child. Dir is relative to Root.
type ChildConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	ProdOnly     bool          `mapstructure:"prodOnly" yaml:"prodOnly"`
	Dir          string        `mapstructure:"dir" yaml:"dir"`
	Command      []string      `mapstructure:"command" yaml:"command"`
	Env          []string      `mapstructure:"env" yaml:"env,omitempty"`
	Setup        []string      `mapstructure:"setup" yaml:"setup,omitempty"`
	Transport    string        `mapstructure:"transport" yaml:"transport"`
	FIFOPath     string        `mapstructure:"fifoPath" yaml:"fifoPath,omitempty"`
	Relay        bool          `mapstructure:"relay" yaml:"relay"`
	ReadyMarker  string        `mapstructure:"readyMarker" yaml:"readyMarker,omitempty"`
	FailMarker   string        `mapstructure:"failMarker" yaml:"failMarker,omitempty"`
	ReadyTimeout time.Duration `mapstructure:"readyTimeout" yaml:"readyTimeout"`
	SweepPattern string        `mapstructure:"sweepPattern" yaml:"sweepPattern,omitempty"`
}

// DefaultShutdownConfig returns the termination bounds used when none are configured.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		GracePeriod: 3 * time.Second,
		KillTimeout: 2 * time.Second,
	}
}

// DefaultChildren returns the stock backend, audio and frontend definitions.
func DefaultChildren() map[string]ChildConfig {
	venvSetup := []string{
		"test -d venv || python3 -m venv venv",
		"venv/bin/pip install -q -r requirements.txt",
	}
	return map[string]ChildConfig{
		string(domain.RoleBackend): {
			Enabled:      true,
			Dir:          "backend",
			Command:      []string{"bash", "-c", "source venv/bin/activate && python3 main.py"},
			Setup:        venvSetup,
			Transport:    string(domain.TransportPipe),
			Relay:        true,
			ReadyTimeout: 60 * time.Second,
			SweepPattern: `python.*backend.*main\.py`,
		},
		string(domain.RoleAudio): {
			Enabled:      true,
			Dir:          "audio-service",
			Command:      []string{"bash", "-c", "source venv/bin/activate && python3 main.py"},
			Setup:        venvSetup,
			Transport:    string(domain.TransportPipe),
			FIFOPath:     DefaultAudioPipe, // used only with transport: fifo
			Relay:        true,
			ReadyTimeout: 60 * time.Second,
			SweepPattern: `python.*audio-service.*main\.py`,
		},
		string(domain.RoleFrontend): {
			Enabled:      true,
			ProdOnly:     true,
			Dir:          "frontend/dist",
			Command:      []string{"python3", "-m", "http.server", "8080", "--bind", "127.0.0.1"},
			Transport:    string(domain.TransportPipe),
			Relay:        false,
			ReadyTimeout: 10 * time.Second,
			SweepPattern: `python.*http\.server.*8080`,
		},
	}
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	v.SetDefault("mode", ModeProd)
	v.SetDefault("devMode", false)
	v.SetDefault("root", ".")
	v.SetDefault("dataDir", filepath.Join(home, ".buddy"))

	v.SetDefault("ui.mode", UITerminal)
	v.SetDefault("ui.listen", "127.0.0.1:8765")
	v.SetDefault("ui.title", "Buddy")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", filepath.Join(home, ".buddy", "buddy.log"))
	v.SetDefault("logging.maxSizeMB", 10)
	v.SetDefault("logging.maxBackups", 3)
	v.SetDefault("logging.maxAgeDays", 14)

	v.SetDefault("relay.chunkSize", 1024)
	v.SetDefault("relay.classifier", "prefix")

	sd := DefaultShutdownConfig()
	v.SetDefault("shutdown.gracePeriod", sd.GracePeriod)
	v.SetDefault("shutdown.killTimeout", sd.KillTimeout)
	v.SetDefault("shutdown.onChildExit", sd.OnChildExit)

	v.SetDefault("spawnOrder", []string{"audio", "frontend", "backend"})
	v.SetDefault("cleanupOrder", []string{"audio", "frontend", "backend"})

	for role, c := range DefaultChildren() {
		prefix := "children." + role + "."
		v.SetDefault(prefix+"enabled", c.Enabled)
		v.SetDefault(prefix+"prodOnly", c.ProdOnly)
		v.SetDefault(prefix+"dir", c.Dir)
		v.SetDefault(prefix+"command", c.Command)
		v.SetDefault(prefix+"setup", c.Setup)
		v.SetDefault(prefix+"transport", c.Transport)
		v.SetDefault(prefix+"fifoPath", c.FIFOPath)
		v.SetDefault(prefix+"relay", c.Relay)
		v.SetDefault(prefix+"readyTimeout", c.ReadyTimeout)
		v.SetDefault(prefix+"sweepPattern", c.SweepPattern)
	}
}

// Load reads the configuration. path may name a file or a directory; empty
// searches the working directory and ~/.buddy for buddy.yaml.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BUDDY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("devMode", "DEV_MODE", "BUDDY_DEV_MODE")

	v.SetConfigName("buddy")
	v.SetConfigType("yaml")
	if path != "" {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			v.SetConfigFile(path)
		} else {
			v.AddConfigPath(path)
		}
	}
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.buddy")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.DevMode {
		cfg.Mode = ModeDev
	}
	cfg.Mode = strings.ToLower(cfg.Mode)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Mode != ModeDev && cfg.Mode != ModeProd {
		errs = append(errs, "mode must be one of: dev, prod")
	}
	if cfg.UI.Mode != UITerminal && cfg.UI.Mode != UIWebSocket {
		errs = append(errs, "ui.mode must be one of: tui, ws")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	if cfg.Relay.ChunkSize <= 0 {
		errs = append(errs, "relay.chunkSize must be positive")
	}
	if cfg.Relay.Classifier != "prefix" && cfg.Relay.Classifier != "structured" {
		errs = append(errs, "relay.classifier must be one of: prefix, structured")
	}
	if cfg.Shutdown.GracePeriod < 0 || cfg.Shutdown.KillTimeout <= 0 {
		errs = append(errs, "shutdown.gracePeriod must be >= 0 and shutdown.killTimeout positive")
	}

	for _, role := range cfg.RoleNames() {
		c := cfg.Children[role]
		if !c.Enabled {
			continue
		}
		if domain.Role(role) == domain.RoleUI {
			errs = append(errs, "children.ui: role name is reserved")
		}
		if len(c.Command) == 0 {
			errs = append(errs, fmt.Sprintf("children.%s.command is required", role))
		}
		switch domain.TransportKind(c.Transport) {
		case domain.TransportPipe:
		case domain.TransportFIFO:
			if c.FIFOPath == "" {
				errs = append(errs, fmt.Sprintf("children.%s.fifoPath is required for fifo transport", role))
			}
		default:
			errs = append(errs, fmt.Sprintf("children.%s.transport must be one of: pipe, fifo", role))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// IsDev reports whether development mode is active.
func (c *Config) IsDev() bool {
	return c.Mode == ModeDev
}

// RoleNames returns the configured child roles in lexical order.
func (c *Config) RoleNames() []string {
	names := make([]string, 0, len(c.Children))
	for name := range c.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ActiveSpecs returns the children to spawn in this mode, in spawn order.
// Roles missing from SpawnOrder follow in lexical order.
func (c *Config) ActiveSpecs() []domain.ChildSpec {
	var specs []domain.ChildSpec
	for _, role := range orderRoles(c.SpawnOrder, c.RoleNames()) {
		cc := c.Children[role]
		if !cc.Enabled || (cc.ProdOnly && c.IsDev()) {
			continue
		}
		specs = append(specs, c.spec(role, cc))
	}
	return specs
}

// CleanupRoles returns the termination order as roles.
func (c *Config) CleanupRoles() []domain.Role {
	out := make([]domain.Role, 0, len(c.CleanupOrder))
	for _, r := range c.CleanupOrder {
		out = append(out, domain.Role(r))
	}
	return out
}

// SweepPatterns returns the stray-process patterns of children owned in this mode.
func (c *Config) SweepPatterns() []string {
	var out []string
	for _, role := range c.RoleNames() {
		cc := c.Children[role]
		if cc.SweepPattern == "" || (cc.ProdOnly && c.IsDev()) {
			continue
		}
		out = append(out, cc.SweepPattern)
	}
	return out
}

func (c *Config) spec(role string, cc ChildConfig) domain.ChildSpec {
	dir := cc.Dir
	if dir != "" && !filepath.IsAbs(dir) {
		dir = filepath.Join(c.Root, dir)
	}
	return domain.ChildSpec{
		Role:         domain.Role(role),
		Command:      cc.Command,
		Dir:          dir,
		Env:          cc.Env,
		Setup:        cc.Setup,
		Transport:    domain.TransportKind(cc.Transport),
		FIFOPath:     cc.FIFOPath,
		Relay:        cc.Relay,
		ReadyMarker:  cc.ReadyMarker,
		FailMarker:   cc.FailMarker,
		ReadyTimeout: cc.ReadyTimeout,
		SweepPattern: cc.SweepPattern,
	}
}

func orderRoles(order, all []string) []string {
	seen := make(map[string]bool, len(all))
	known := make(map[string]bool, len(all))
	for _, r := range all {
		known[r] = true
	}
	var out []string
	for _, r := range order {
		if known[r] && !seen[r] {
			out = append(out, r)
			seen[r] = true
		}
	}
	for _, r := range all {
		if !seen[r] {
			out = append(out, r)
		}
	}
	return out
}
