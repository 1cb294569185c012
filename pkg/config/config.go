// Package config loads Antfarm's runtime configuration: a user YAML file
// merged over built-in defaults via dario.cat/mergo, plus an optional .env
// file loaded with joho/godotenv before the process environment is read.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/vardasoft/antfarm/pkg/store"
)

// DaemonConfig tunes the Daemon Loop's three tickers (spec.md §4.7).
type DaemonConfig struct {
	IntervalMS  int    `yaml:"interval_ms"`
	SweepEvery  string `yaml:"sweep_every"`
	SessionsGC  string `yaml:"session_gc_every"`
	WorkflowIDs []string `yaml:"workflow_ids,omitempty"` // allow-list; empty = all daemon-scheduled workflows
}

// MinIntervalMS is the Daemon's documented floor for the main tick
// (spec.md §4.7: "default 30000, minimum 10000").
const MinIntervalMS = 10_000

// Config is Antfarm's fully resolved runtime configuration.
type Config struct {
	// WorkflowDir is the root directory the Workflow Spec Cache loads
	// <workflow_id>.yaml files from.
	WorkflowDir string `yaml:"workflow_dir"`

	// ProgressDir holds the optional external progress files a run may
	// read via the `progress` context field (spec.md §4.4).
	ProgressDir string `yaml:"progress_dir"`

	// JournalPath is the event journal's JSONL file (spec.md §4.2).
	JournalPath string `yaml:"journal_path"`

	// PIDFile enforces the Daemon's singleton-per-host semantics
	// (spec.md §4.7).
	PIDFile string `yaml:"pid_file"`

	// GatewayURL is the external worker-spawning Gateway's base URL
	// (spec.md §4.6, §6).
	GatewayURL string `yaml:"gateway_url"`

	// GatewayTimeout bounds a single Gateway HTTP call.
	GatewayTimeout time.Duration `yaml:"-"`

	// WebhookURL is the default best-effort event notification target,
	// fired for every journaled event (spec.md §4.2, §6). May carry a
	// "#auth=..." fragment bearer token. Empty disables webhook dispatch.
	WebhookURL string `yaml:"webhook_url"`

	// ListenAddr is the local HTTP API's bind address (spec.md §6).
	ListenAddr string `yaml:"listen_addr"`

	Daemon DaemonConfig `yaml:"daemon"`
	DB     store.Config `yaml:"-"`

	// SweepInterval and SessionGCEvery hold the durations Load resolves
	// from the daemon.sweep_every and daemon.session_gc_every strings.
	SweepInterval time.Duration `yaml:"-"`
	SessionGCEvery time.Duration `yaml:"-"`
}

// yamlShape mirrors Config's on-disk fields plus raw duration strings that
// need post-parse resolution: load raw, then resolve.
type yamlShape struct {
	WorkflowDir    string       `yaml:"workflow_dir"`
	ProgressDir    string       `yaml:"progress_dir"`
	JournalPath    string       `yaml:"journal_path"`
	PIDFile        string       `yaml:"pid_file"`
	GatewayURL     string       `yaml:"gateway_url"`
	GatewayTimeout string       `yaml:"gateway_timeout"`
	WebhookURL     string       `yaml:"webhook_url"`
	ListenAddr     string       `yaml:"listen_addr"`
	Daemon         DaemonConfig `yaml:"daemon"`
}

// Defaults returns the built-in configuration applied before any user YAML
// is merged over it.
func Defaults() yamlShape {
	return yamlShape{
		WorkflowDir:    "./workflows",
		ProgressDir:    "./progress",
		JournalPath:    "./antfarm-events.jsonl",
		PIDFile:        "./antfarm.pid",
		GatewayURL:     "http://localhost:9090",
		GatewayTimeout: "30s",
		WebhookURL:     "",
		ListenAddr:     ":8070",
		Daemon: DaemonConfig{
			IntervalMS: 30_000,
			SweepEvery: "2m",
			SessionsGC: "10m",
		},
	}
}

// Load reads configPath (if it exists) and .env alongside it, merges the
// parsed YAML over Defaults() with mergo.WithOverride, and resolves
// duration strings.
func Load(configPath string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if err := godotenv.Load(envPath); err != nil {
		// Missing .env is not an error: most deployments set environment
		// variables directly.
		_ = err
	}

	resolved := Defaults()
	if data, err := os.ReadFile(configPath); err == nil {
		var user yamlShape
		if err := yaml.Unmarshal(data, &user); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", configPath, err)
		}
		if err := mergo.Merge(&resolved, user, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	if resolved.Daemon.IntervalMS < MinIntervalMS {
		resolved.Daemon.IntervalMS = MinIntervalMS
	}

	gatewayTimeout, err := time.ParseDuration(resolved.GatewayTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse gateway_timeout %q: %w", resolved.GatewayTimeout, err)
	}
	sweepInterval, err := time.ParseDuration(resolved.Daemon.SweepEvery)
	if err != nil {
		return nil, fmt.Errorf("parse daemon.sweep_every %q: %w", resolved.Daemon.SweepEvery, err)
	}
	sessionGCEvery, err := time.ParseDuration(resolved.Daemon.SessionsGC)
	if err != nil {
		return nil, fmt.Errorf("parse daemon.session_gc_every %q: %w", resolved.Daemon.SessionsGC, err)
	}

	dbCfg, err := store.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("load database config: %w", err)
	}

	return &Config{
		WorkflowDir:    resolved.WorkflowDir,
		ProgressDir:    resolved.ProgressDir,
		JournalPath:    resolved.JournalPath,
		PIDFile:        resolved.PIDFile,
		GatewayURL:     resolved.GatewayURL,
		GatewayTimeout: gatewayTimeout,
		WebhookURL:     resolved.WebhookURL,
		ListenAddr:     resolved.ListenAddr,
		Daemon:         resolved.Daemon,
		DB:             dbCfg,
		SweepInterval:  sweepInterval,
		SessionGCEvery: sessionGCEvery,
	}, nil
}
