// Package agent implements the worker side of the fleet: it authenticates
// to the orchestrator, supervises the child process that does the actual
// work, reports health snapshots, and obeys directives.
package agent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-fleet/pkg/validation"
)

// Config is the agent's local configuration. Everything about identity
// lives in the artifact; this covers the host-specific rest.
type Config struct {
	// ArtifactPath locates the identity artifact delivered at deploy time.
	ArtifactPath string `yaml:"artifactPath"`
	// PassphraseEnv names the environment variable holding the artifact
	// passphrase. The passphrase itself never appears in config.
	PassphraseEnv string `yaml:"passphraseEnv"`

	// ProjectRoot bounds every relayed file path.
	ProjectRoot string `yaml:"projectRoot"`

	// ChildCommand launches the supervised child; partition parameters are
	// appended through the environment.
	ChildCommand []string `yaml:"childCommand"`

	// HeartbeatInterval is the fallback cadence before the first update
	// directive arrives with the orchestrator's value.
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`

	// Watchdog thresholds: reconnect after RequestRebootAfter of master
	// silence, stop the child and exit after AssumeDeadAfter.
	RequestRebootAfter time.Duration `yaml:"requestRebootAfter"`
	AssumeDeadAfter    time.Duration `yaml:"assumeDeadAfter"`

	// GraceWindow is how long a child gets to exit after a soft shutdown
	// request before it is killed.
	GraceWindow time.Duration `yaml:"graceWindow"`

	EvalTimeout time.Duration `yaml:"evalTimeout"`

	// ReconnectMin/Max bound the dial backoff.
	ReconnectMin time.Duration `yaml:"reconnectMin"`
	ReconnectMax time.Duration `yaml:"reconnectMax"`

	// SurveyAddr, when set, dials the orchestrator's liveness side channel.
	SurveyAddr string `yaml:"surveyAddr"`

	LogLevel string `yaml:"logLevel"`
}

// DefaultConfig returns the default agent configuration.
func DefaultConfig() Config {
	return Config{
		ArtifactPath:       "./artifact.json",
		PassphraseEnv:      "FLEET_ARTIFACT_PASSPHRASE",
		ProjectRoot:        ".",
		HeartbeatInterval:  10 * time.Second,
		RequestRebootAfter: 1 * time.Minute,
		AssumeDeadAfter:    5 * time.Minute,
		GraceWindow:        5 * time.Second,
		EvalTimeout:        30 * time.Second,
		ReconnectMin:       time.Second,
		ReconnectMax:       time.Minute,
		LogLevel:           "info",
	}
}

// ApplyDefaults fills zero-valued fields from the defaults.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()

	c.ArtifactPath = validation.DefaultOr(c.ArtifactPath, d.ArtifactPath)
	c.PassphraseEnv = validation.DefaultOr(c.PassphraseEnv, d.PassphraseEnv)
	c.ProjectRoot = validation.DefaultOr(c.ProjectRoot, d.ProjectRoot)
	c.HeartbeatInterval = validation.DefaultOrDuration(c.HeartbeatInterval, d.HeartbeatInterval)
	c.RequestRebootAfter = validation.DefaultOrDuration(c.RequestRebootAfter, d.RequestRebootAfter)
	c.AssumeDeadAfter = validation.DefaultOrDuration(c.AssumeDeadAfter, d.AssumeDeadAfter)
	c.GraceWindow = validation.DefaultOrDuration(c.GraceWindow, d.GraceWindow)
	c.EvalTimeout = validation.DefaultOrDuration(c.EvalTimeout, d.EvalTimeout)
	c.ReconnectMin = validation.DefaultOrDuration(c.ReconnectMin, d.ReconnectMin)
	c.ReconnectMax = validation.DefaultOrDuration(c.ReconnectMax, d.ReconnectMax)
	c.LogLevel = validation.DefaultOr(c.LogLevel, d.LogLevel)
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	v := validation.NewConfigValidator("AgentConfig")

	v.Required("ArtifactPath", c.ArtifactPath).
		Required("ProjectRoot", c.ProjectRoot).
		MinDuration("HeartbeatInterval", c.HeartbeatInterval, 100*time.Millisecond).
		MinDuration("GraceWindow", c.GraceWindow, 100*time.Millisecond)

	v.Custom("ChildCommand", func() error {
		if len(c.ChildCommand) == 0 {
			return fmt.Errorf("childCommand must name an executable")
		}
		return nil
	})
	v.Custom("AssumeDeadAfter", func() error {
		if c.AssumeDeadAfter <= c.RequestRebootAfter {
			return fmt.Errorf("assumeDeadAfter (%v) must exceed requestRebootAfter (%v)", c.AssumeDeadAfter, c.RequestRebootAfter)
		}
		return nil
	})
	v.Custom("ReconnectMax", func() error {
		if c.ReconnectMax < c.ReconnectMin {
			return fmt.Errorf("reconnectMax (%v) must not be below reconnectMin (%v)", c.ReconnectMax, c.ReconnectMin)
		}
		return nil
	})

	return v.Validate()
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Passphrase resolves the artifact passphrase from the environment.
func (c *Config) Passphrase() string {
	return os.Getenv(c.PassphraseEnv)
}
