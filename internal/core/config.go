package core

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/1sec-project/warden/internal/adapter"
	"github.com/1sec-project/warden/internal/approval"
	"github.com/1sec-project/warden/internal/asset"
	"github.com/1sec-project/warden/internal/gate"
	"github.com/1sec-project/warden/internal/incident"
	"github.com/1sec-project/warden/internal/orchestrator"
)

// Config holds the entire warden configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Bus        BusConfig        `yaml:"bus"`
	Storage    StorageConfig    `yaml:"storage"`
	Autonomy   AutonomyConfig   `yaml:"autonomy"`
	Gates      GatesConfig      `yaml:"gates"`
	Approvals  approval.Config  `yaml:"approvals"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Runbooks   RunbooksConfig   `yaml:"runbooks"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Assets     asset.Config     `yaml:"assets"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds API server settings. APIKeys grant administrative access.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	APIKeys     []string `yaml:"api_keys"`
	CORSOrigins []string `yaml:"cors_origins"`
	RateLimit   float64  `yaml:"rate_limit"`
	RateBurst   int      `yaml:"rate_burst"`
}

// Operator is a human who can log in, approve actions or administer the engine.
type Operator struct {
	Name         string   `yaml:"name"`
	PasswordHash string   `yaml:"password_hash"`
	Roles        []string `yaml:"roles"`
}

// AuthConfig controls operator tokens.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	Operators []Operator    `yaml:"operators"`
}

// BusConfig holds NATS event bus settings.
type BusConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	DataDir  string `yaml:"data_dir"`
	Port     int    `yaml:"port"`
}

// StorageConfig selects the durable store driver.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// AutonomyConfig holds the autonomy level the engine starts at.
type AutonomyConfig struct {
	Level string `yaml:"level"`
}

type GatesConfig struct {
	BlastRadiusCeiling int                 `yaml:"blast_radius_ceiling"`
	EscalateOnExceed   bool                `yaml:"escalate_on_exceed"`
	Cooldown           time.Duration       `yaml:"cooldown"`
	Policy             gate.ApprovalPolicy `yaml:"approval_policy"`
}

// ExecutionConfig selects and configures action adapters. In simulate mode
// every action runs against the in-memory simulator.
type ExecutionConfig struct {
	Mode            string                 `yaml:"mode"`
	ActionTimeout   time.Duration          `yaml:"action_timeout"`
	RollbackBackoff time.Duration          `yaml:"rollback_backoff"`
	ReleaseOnClose  bool                   `yaml:"release_on_close"`
	Firewall        FirewallConfig         `yaml:"firewall"`
	Endpoint        EndpointConfig         `yaml:"endpoint"`
	Identity        adapter.IdentityConfig `yaml:"identity"`
	Notify          adapter.NotifyConfig   `yaml:"notify"`
}

type FirewallConfig struct {
	Enabled bool `yaml:"enabled"`
}

// EndpointConfig routes host actions to endpoint agents over the bus.
type EndpointConfig struct {
	Enabled bool          `yaml:"enabled"`
	Tenant  string        `yaml:"tenant"`
	Timeout time.Duration `yaml:"timeout"`
}

const (
	ModeSimulate = "simulate"
	ModeLive     = "live"
)

type RunbooksConfig struct {
	Dir string `yaml:"dir"`
}

// ClassifierConfig overrides the built-in classification rules.
type ClassifierConfig struct {
	ConfidenceFloor float64         `yaml:"confidence_floor"`
	Rules           []incident.Rule `yaml:"rules"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Runtime bool `yaml:"runtime"`
}

// DefaultConfig returns a Config that runs out of the box: simulated
// adapters, a local sqlite store and autonomy L1.
func DefaultConfig() *Config {
	oc := orchestrator.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      1790,
			RateLimit: 50,
			RateBurst: 100,
		},
		Auth: AuthConfig{
			TokenTTL: 12 * time.Hour,
		},
		Bus: BusConfig{
			URL:      "nats://127.0.0.1:4223",
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4223,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./data/warden.db",
		},
		Autonomy: AutonomyConfig{Level: gate.L1.String()},
		Gates: GatesConfig{
			BlastRadiusCeiling: 10,
			Cooldown:           time.Hour,
			Policy:             gate.DefaultApprovalPolicy(),
		},
		Approvals: approval.DefaultConfig(),
		Execution: ExecutionConfig{
			Mode:            ModeSimulate,
			ActionTimeout:   oc.ActionTimeout,
			RollbackBackoff: oc.RollbackBackoff,
			ReleaseOnClose:  oc.ReleaseOnClose,
			Endpoint:        EndpointConfig{Tenant: "default", Timeout: 15 * time.Second},
			Identity:        adapter.IdentityConfig{Timeout: 10 * time.Second},
			Notify:          adapter.DefaultNotifyConfig(),
		},
		Classifier: ClassifierConfig{ConfidenceFloor: incident.DefaultConfidenceFloor},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults
// when path is empty or the file does not exist. Environment overrides are
// applied last.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if key := os.Getenv("WARDEN_API_KEY"); key != "" && len(c.Server.APIKeys) == 0 {
		c.Server.APIKeys = []string{key}
	}
	if secret := os.Getenv("WARDEN_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if dsn := os.Getenv("WARDEN_DB_DSN"); dsn != "" {
		c.Storage.DSN = dsn
	}
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Validate reports problems that prevent startup as an error and risky but
// workable settings as warnings.
func (c *Config) Validate() (warnings []string, err error) {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		bad("server.port %d out of range", c.Server.Port)
	}
	if c.Server.RateLimit <= 0 {
		warnings = append(warnings, "server.rate_limit is not positive: API rate limiting disabled")
	}

	switch c.Storage.Driver {
	case "memory":
		warnings = append(warnings, "storage.driver is memory: incidents and the audit chain are lost on restart")
	case "sqlite":
		if c.Storage.Path == "" {
			bad("storage.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			bad("storage.dsn (or WARDEN_DB_DSN) is required for the postgres driver")
		}
	default:
		bad("storage.driver %q: want sqlite, postgres or memory", c.Storage.Driver)
	}

	level, lerr := gate.ParseLevel(c.Autonomy.Level)
	if lerr != nil {
		bad("autonomy.level: %w", lerr)
	} else if level == gate.L3 {
		warnings = append(warnings, "autonomy L3: every action waits for approval quorum")
	}

	if c.Gates.BlastRadiusCeiling < 1 {
		bad("gates.blast_radius_ceiling must be at least 1")
	}
	if c.Gates.Cooldown < 0 {
		bad("gates.cooldown must not be negative")
	}
	if c.Approvals.TTL <= 0 {
		bad("approvals.ttl must be positive")
	}

	switch c.Execution.Mode {
	case ModeSimulate:
	case ModeLive:
		if c.Execution.Endpoint.Enabled && !c.Bus.Enabled {
			bad("execution.endpoint requires bus.enabled")
		}
		if !c.Execution.Firewall.Enabled && !c.Execution.Endpoint.Enabled && c.Execution.Identity.BaseURL == "" {
			warnings = append(warnings, "execution.mode is live but no adapter is enabled: write actions will fail")
		}
	default:
		bad("execution.mode %q: want simulate or live", c.Execution.Mode)
	}
	if c.Execution.ActionTimeout <= 0 {
		bad("execution.action_timeout must be positive")
	}

	if f := c.Classifier.ConfidenceFloor; f < 0 || f > 1 {
		bad("classifier.confidence_floor %.2f outside [0,1]", f)
	}

	seen := map[string]bool{}
	for i, op := range c.Auth.Operators {
		switch {
		case op.Name == "":
			bad("auth.operators[%d]: name is required", i)
		case seen[op.Name]:
			bad("auth.operators[%d]: duplicate operator %q", i, op.Name)
		}
		seen[op.Name] = true
		if _, err := bcrypt.Cost([]byte(op.PasswordHash)); err != nil {
			bad("auth.operators[%d] %s: password_hash is not a bcrypt hash", i, op.Name)
		}
		if len(op.Roles) == 0 {
			warnings = append(warnings, fmt.Sprintf("operator %s has no roles", op.Name))
		}
	}
	if len(c.Auth.Operators) > 0 {
		switch {
		case c.Auth.JWTSecret == "":
			bad("auth.jwt_secret (or WARDEN_JWT_SECRET) is required when operators are configured")
		case len(c.Auth.JWTSecret) < 32:
			warnings = append(warnings, "auth.jwt_secret is shorter than 32 bytes")
		}
		for _, role := range c.Gates.Policy.Roles() {
			if !c.RoleStaffed(role) {
				warnings = append(warnings, fmt.Sprintf("no operator holds approval role %q: such requests expire immediately", role))
			}
		}
	}
	if !c.AuthEnabled() {
		warnings = append(warnings, "no API keys or operators configured: the API is open")
	}

	return warnings, errors.Join(errs...)
}

// StartLevel returns the autonomy level the engine starts at.
func (c *Config) StartLevel() gate.Level {
	l, err := gate.ParseLevel(c.Autonomy.Level)
	if err != nil {
		return gate.L0
	}
	return l
}

func (c *Config) GateConfig() gate.Config {
	return gate.Config{
		BlastRadiusCeiling: c.Gates.BlastRadiusCeiling,
		EscalateOnExceed:   c.Gates.EscalateOnExceed,
		Cooldown:           c.Gates.Cooldown,
		Policy:             c.Gates.Policy,
	}
}

func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		ActionTimeout:   c.Execution.ActionTimeout,
		RollbackBackoff: c.Execution.RollbackBackoff,
		ReleaseOnClose:  c.Execution.ReleaseOnClose,
	}
}

// LogLevel returns the normalized log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}

// AuthEnabled returns true if API keys or operators are configured.
func (c *Config) AuthEnabled() bool {
	return len(c.Server.APIKeys) > 0 || len(c.Auth.Operators) > 0
}

// ValidateAPIKey checks key against the configured keys in constant time.
func (c *Config) ValidateAPIKey(key string) bool {
	for _, valid := range c.Server.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}

// Operator returns the named operator.
func (c *Config) Operator(name string) (Operator, bool) {
	for _, op := range c.Auth.Operators {
		if op.Name == name {
			return op, true
		}
	}
	return Operator{}, false
}

// RoleStaffed reports whether some operator holds role. Without operators
// every role counts as staffed, since approvers cannot be enumerated.
func (c *Config) RoleStaffed(role string) bool {
	if len(c.Auth.Operators) == 0 {
		return true
	}
	for _, op := range c.Auth.Operators {
		for _, r := range op.Roles {
			if r == role {
				return true
			}
		}
	}
	return false
}
