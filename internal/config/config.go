package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Test variant names accepted by --test.
const (
	TestSleep    = "sleep"
	TestPG       = "pg"
	TestExecutor = "executor"
)

// EnvMaster names the environment variable consulted for the master URL
// when --master is not given.
const EnvMaster = "DEIMOS_TEST_MASTER"

// DefaultMaster is the scheduler API endpoint of a local master.
const DefaultMaster = "http://localhost:5050"

// Strategy defaults applied when the corresponding field is zero.
const (
	DefaultSleepSeconds   = 10
	DefaultSleepTrials    = 5
	DefaultDaemonTrials   = 10
	DefaultExecutorTrials = 10
	DefaultDaemonImage    = "docker:///zaiste/postgresql"
	DefaultProbePort      = 5432
)

// DefaultSleepURI is fetched into sleep-task sandboxes to exercise the
// fetcher path.
const DefaultSleepURI = "https://en.wikipedia.org/wiki/Main_Page"

// HarnessConfig holds the full configuration of a conformance run.
type HarnessConfig struct {
	// Master is the base URL of the scheduler API endpoint.
	Master string `yaml:"master"`
	// Test selects the probe strategy: sleep, pg or executor.
	Test string `yaml:"test"`
	// Container is the image tasks run in. Empty means no container for
	// sleep/executor and the strategy default for pg.
	Container string `yaml:"container"`
	// SleepSeconds is the per-task sleep of the sleep strategy. Zero makes
	// tasks exit immediately; the default comes from DefaultHarness.
	SleepSeconds int `yaml:"sleep"`
	// Trials is the number of tasks launched per run. Zero selects the
	// strategy default.
	Trials int `yaml:"trials"`
	// Command is the shell line of the executor strategy.
	Command string `yaml:"command"`
	// URIs are fetched into each task sandbox before launch.
	URIs []string `yaml:"uris"`
	// Probe enables the postgres readiness check of the pg strategy.
	Probe bool `yaml:"probe"`
	// ProbePort is the postgres port the readiness check dials.
	ProbePort int `yaml:"probe_port"`
	// Report is a path the JSON run report is written to. Empty disables
	// the report.
	Report string `yaml:"report"`
	// Timeout bounds the whole run; zero means no bound. A run cut off
	// by the timeout counts as anomalous. Flag-only.
	Timeout time.Duration `yaml:"-"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// DefaultHarness returns the configuration of a plain sleep run against a
// local master.
func DefaultHarness() HarnessConfig {
	return HarnessConfig{
		Master:       DefaultMaster,
		Test:         TestSleep,
		SleepSeconds: DefaultSleepSeconds,
		ProbePort:    DefaultProbePort,
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

// MasterFromEnv returns the master URL from DEIMOS_TEST_MASTER, or the
// default local master when unset.
func MasterFromEnv() string {
	if v := os.Getenv(EnvMaster); v != "" {
		return v
	}
	return DefaultMaster
}

// LoadHarnessFile reads a YAML config file over the given base config.
// Fields absent from the file keep their base values.
func LoadHarnessFile(path string, base HarnessConfig) (HarnessConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config: %w", err)
	}
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyStrategyDefaults fills zero fields with the defaults of the selected
// test variant. Call after the variant is final.
func (c *HarnessConfig) ApplyStrategyDefaults() {
	switch c.Test {
	case TestSleep:
		if c.Trials == 0 {
			c.Trials = DefaultSleepTrials
		}
		if len(c.URIs) == 0 {
			c.URIs = []string{DefaultSleepURI}
		}
	case TestPG:
		if c.Trials == 0 {
			c.Trials = DefaultDaemonTrials
		}
		if c.Container == "" {
			c.Container = DefaultDaemonImage
		}
	case TestExecutor:
		if c.Trials == 0 {
			c.Trials = DefaultExecutorTrials
		}
	}
	if c.ProbePort == 0 {
		c.ProbePort = DefaultProbePort
	}
}

// Validate reports the first problem that would make the run impossible.
func (c *HarnessConfig) Validate() error {
	if c.Master == "" {
		return fmt.Errorf("master URL is required")
	}
	switch c.Test {
	case TestSleep, TestPG, TestExecutor:
	default:
		return fmt.Errorf("unknown test %q (want %s, %s or %s)", c.Test, TestSleep, TestPG, TestExecutor)
	}
	if c.Test == TestExecutor && c.Command == "" {
		return fmt.Errorf("test %s requires a command", TestExecutor)
	}
	if c.Trials < 0 {
		return fmt.Errorf("trials must not be negative, got %d", c.Trials)
	}
	if c.SleepSeconds < 0 {
		return fmt.Errorf("sleep must not be negative, got %d", c.SleepSeconds)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", c.Timeout)
	}
	return nil
}
