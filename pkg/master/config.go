// Package master implements the fleet orchestrator: it authenticates worker
// agents over websocket, owns the registry of known identities, and runs the
// reconciliation loop that keeps every target partition held by exactly one
// live worker.
package master

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-fleet/pkg/protocol"
	"github.com/dd0wney/cluso-fleet/pkg/validation"
)

// Config is the orchestrator configuration. It is hot-reloadable: a watcher
// re-reads the file and the reconciler picks up the new values on its next
// pass. A parse failure keeps the previous good config.
type Config struct {
	ListenAddr  string `yaml:"listenAddr"`
	MetricsAddr string `yaml:"metricsAddr"`

	RegistryPath string `yaml:"registryPath"`
	ArtifactDir  string `yaml:"artifactDir"`
	// WorkerHost is the orchestrator endpoint written into minted artifacts.
	WorkerHost string `yaml:"workerHost"`

	// GoalPartitions fixes the goal partition count. When RecommendationURL
	// is set it overrides GoalPartitions and is re-fetched at most once per
	// RecommendationInterval.
	GoalPartitions         int           `yaml:"goalPartitions"`
	RecommendationURL      string        `yaml:"recommendationUrl"`
	RecommendationInterval time.Duration `yaml:"recommendationInterval"`

	HeartbeatStyle    protocol.HeartbeatStyle `yaml:"heartbeatStyle"`
	Disperse          bool                    `yaml:"disperse"`
	HeartbeatInterval time.Duration           `yaml:"heartbeatInterval"`

	// Staleness thresholds; RequestRebootAfter < ExpectRebootAfter <= AssumeDeadAfter.
	RequestRebootAfter time.Duration `yaml:"requestRebootAfter"`
	ExpectRebootAfter  time.Duration `yaml:"expectRebootAfter"`
	AssumeDeadAfter    time.Duration `yaml:"assumeDeadAfter"`

	// Precision bounds how far a connect-time auth timestamp may deviate
	// from server time.
	Precision time.Duration `yaml:"precision"`

	// Connection rate limit: RateLimitCount attempts per RateLimitWindow
	// per source address.
	RateLimitWindow time.Duration `yaml:"rateLimitWindow"`
	RateLimitCount  int           `yaml:"rateLimitCount"`

	// RespawnDelay is the stagger step for respawn-all.
	RespawnDelay time.Duration `yaml:"respawnDelay"`
	// EvalTimeout bounds how long an eval reply may stay pending.
	EvalTimeout time.Duration `yaml:"evalTimeout"`

	// ChildParams are launch parameters forwarded to every worker's child.
	ChildParams map[string]string `yaml:"childParams"`

	// DatabaseURL, when set, enables the sendSQL proxy.
	DatabaseURL string `yaml:"databaseUrl"`

	// SurveyAddr, when set, enables the side-channel liveness surveyor.
	SurveyAddr     string        `yaml:"surveyAddr"`
	SurveyInterval time.Duration `yaml:"surveyInterval"`

	// S3Bucket, when set, enables registry snapshot backups.
	S3Bucket string `yaml:"s3Bucket"`
	S3Prefix string `yaml:"s3Prefix"`

	Notify NotifyConfig `yaml:"notify"`

	LogLevel string `yaml:"logLevel"`
}

// NotifyConfig configures operator email notification.
type NotifyConfig struct {
	SMTPHost string `yaml:"smtpHost"`
	SMTPPort string `yaml:"smtpPort"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:             ":7700",
		MetricsAddr:            ":7701",
		RegistryPath:           "./data/registry.json",
		ArtifactDir:            "./data/artifacts",
		WorkerHost:             "localhost:7700",
		GoalPartitions:         1,
		RecommendationInterval: 5 * time.Minute,
		HeartbeatStyle:         protocol.HeartbeatPush,
		HeartbeatInterval:      10 * time.Second,
		RequestRebootAfter:     1 * time.Minute,
		ExpectRebootAfter:      3 * time.Minute,
		AssumeDeadAfter:        3 * time.Minute,
		Precision:              30 * time.Second,
		RateLimitWindow:        10 * time.Second,
		RateLimitCount:         5,
		RespawnDelay:           5 * time.Second,
		EvalTimeout:            30 * time.Second,
		SurveyInterval:         30 * time.Second,
		LogLevel:               "info",
	}
}

// ApplyDefaults fills zero-valued fields from the defaults.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()

	c.ListenAddr = validation.DefaultOr(c.ListenAddr, d.ListenAddr)
	c.MetricsAddr = validation.DefaultOr(c.MetricsAddr, d.MetricsAddr)
	c.RegistryPath = validation.DefaultOr(c.RegistryPath, d.RegistryPath)
	c.ArtifactDir = validation.DefaultOr(c.ArtifactDir, d.ArtifactDir)
	c.WorkerHost = validation.DefaultOr(c.WorkerHost, d.WorkerHost)
	c.GoalPartitions = validation.DefaultOrInt(c.GoalPartitions, d.GoalPartitions)
	c.RecommendationInterval = validation.DefaultOrDuration(c.RecommendationInterval, d.RecommendationInterval)
	c.HeartbeatStyle = validation.DefaultOr(c.HeartbeatStyle, d.HeartbeatStyle)
	c.HeartbeatInterval = validation.DefaultOrDuration(c.HeartbeatInterval, d.HeartbeatInterval)
	c.RequestRebootAfter = validation.DefaultOrDuration(c.RequestRebootAfter, d.RequestRebootAfter)
	c.ExpectRebootAfter = validation.DefaultOrDuration(c.ExpectRebootAfter, d.ExpectRebootAfter)
	c.AssumeDeadAfter = validation.DefaultOrDuration(c.AssumeDeadAfter, d.AssumeDeadAfter)
	c.Precision = validation.DefaultOrDuration(c.Precision, d.Precision)
	c.RateLimitWindow = validation.DefaultOrDuration(c.RateLimitWindow, d.RateLimitWindow)
	c.RateLimitCount = validation.DefaultOrInt(c.RateLimitCount, d.RateLimitCount)
	c.RespawnDelay = validation.DefaultOrDuration(c.RespawnDelay, d.RespawnDelay)
	c.EvalTimeout = validation.DefaultOrDuration(c.EvalTimeout, d.EvalTimeout)
	c.SurveyInterval = validation.DefaultOrDuration(c.SurveyInterval, d.SurveyInterval)
	c.LogLevel = validation.DefaultOr(c.LogLevel, d.LogLevel)
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	v := validation.NewConfigValidator("MasterConfig")

	v.Required("ListenAddr", c.ListenAddr).
		Required("RegistryPath", c.RegistryPath).
		Required("ArtifactDir", c.ArtifactDir).
		Required("WorkerHost", c.WorkerHost).
		Positive("GoalPartitions", c.GoalPartitions).
		OneOf("HeartbeatStyle", string(c.HeartbeatStyle), []string{string(protocol.HeartbeatPush), string(protocol.HeartbeatPull)}).
		MinDuration("HeartbeatInterval", c.HeartbeatInterval, 100*time.Millisecond).
		MinDuration("Precision", c.Precision, time.Second).
		Positive("RateLimitCount", c.RateLimitCount).
		MinDuration("RateLimitWindow", c.RateLimitWindow, 100*time.Millisecond)

	v.Custom("RequestRebootAfter", func() error {
		if c.RequestRebootAfter >= c.ExpectRebootAfter {
			return fmt.Errorf("requestRebootAfter (%v) must be below expectRebootAfter (%v)", c.RequestRebootAfter, c.ExpectRebootAfter)
		}
		return nil
	})
	v.Custom("AssumeDeadAfter", func() error {
		if c.AssumeDeadAfter < c.ExpectRebootAfter {
			return fmt.Errorf("assumeDeadAfter (%v) must not be below expectRebootAfter (%v)", c.AssumeDeadAfter, c.ExpectRebootAfter)
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

// Diff lists the names of fields that changed between two configs. Used by
// the watcher to log precisely what a reload altered.
func Diff(old, new *Config) []string {
	var changed []string
	add := func(name string, differs bool) {
		if differs {
			changed = append(changed, name)
		}
	}

	add("listenAddr", old.ListenAddr != new.ListenAddr)
	add("metricsAddr", old.MetricsAddr != new.MetricsAddr)
	add("goalPartitions", old.GoalPartitions != new.GoalPartitions)
	add("recommendationUrl", old.RecommendationURL != new.RecommendationURL)
	add("heartbeatStyle", old.HeartbeatStyle != new.HeartbeatStyle)
	add("disperse", old.Disperse != new.Disperse)
	add("heartbeatInterval", old.HeartbeatInterval != new.HeartbeatInterval)
	add("requestRebootAfter", old.RequestRebootAfter != new.RequestRebootAfter)
	add("expectRebootAfter", old.ExpectRebootAfter != new.ExpectRebootAfter)
	add("assumeDeadAfter", old.AssumeDeadAfter != new.AssumeDeadAfter)
	add("precision", old.Precision != new.Precision)
	add("rateLimitWindow", old.RateLimitWindow != new.RateLimitWindow)
	add("rateLimitCount", old.RateLimitCount != new.RateLimitCount)
	add("respawnDelay", old.RespawnDelay != new.RespawnDelay)
	add("evalTimeout", old.EvalTimeout != new.EvalTimeout)
	add("databaseUrl", old.DatabaseURL != new.DatabaseURL)
	add("childParams", !mapsEqual(old.ChildParams, new.ChildParams))

	return changed
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
