// Package config loads and validates the top-level pipeline configuration.
// It follows the teacher's config layer (internal/attractor/engine/config.go):
// YAML with strict unknown-field rejection, pointer fields for optional
// overrides that must be distinguishable from their zero value, and a
// defaults pass separate from parsing. Structural validation is delegated
// to github.com/santhosh-tekuri/jsonschema/v5, the same schema-validation
// library the teacher uses for tool-call arguments
// (internal/agent/tool_registry.go), rather than hand-rolled field checks.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/danshapiro/poppobuilder/internal/poppoerrors"
)

// WatcherConfig configures Component H.
type WatcherConfig struct {
	LogDir             string   `json:"logDir" yaml:"log_dir"`
	Glob               string   `json:"glob,omitempty" yaml:"glob,omitempty"`
	HeaderMarkers      []string `json:"headerMarkers,omitempty" yaml:"header_markers,omitempty"`
	ContinuationIndent *int     `json:"continuationIndent,omitempty" yaml:"continuation_indent,omitempty"`
	ScanIntervalMS     *int     `json:"scanIntervalMs,omitempty" yaml:"scan_interval_ms,omitempty"`
}

// GroupingConfig configures Component D.
type GroupingConfig struct {
	Threshold *float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
}

// BackupConfig configures Component A.
type BackupConfig struct {
	Dir           string `json:"dir" yaml:"dir"`
	RetentionDays *int   `json:"retentionDays,omitempty" yaml:"retention_days,omitempty"`
	MaxBackups    *int   `json:"maxBackups,omitempty" yaml:"max_backups,omitempty"`
}

// RepairConfig configures Component G.
type RepairConfig struct {
	LockTimeoutMS   *int     `json:"lockTimeoutMs,omitempty" yaml:"lock_timeout_ms,omitempty"`
	TestCommand     []string `json:"testCommand,omitempty" yaml:"test_command,omitempty"`
	TestTimeoutMS   *int     `json:"testTimeoutMs,omitempty" yaml:"test_timeout_ms,omitempty"`
	ConfigWhitelist []string `json:"configWhitelist,omitempty" yaml:"config_whitelist,omitempty"`
}

// AgentConfig describes one coordinator-supervised worker.
type AgentConfig struct {
	Name          string   `json:"name" yaml:"name"`
	Command       string   `json:"command" yaml:"command"`
	Args          []string `json:"args,omitempty" yaml:"args,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	MaxConcurrent int      `json:"maxConcurrent,omitempty" yaml:"max_concurrent,omitempty"`
}

// CoordinatorConfig configures Component J.
type CoordinatorConfig struct {
	AutoRestart         bool          `json:"autoRestart,omitempty" yaml:"auto_restart,omitempty"`
	RestartCoolOffMS    *int          `json:"restartCoolOffMs,omitempty" yaml:"restart_cooloff_ms,omitempty"`
	PollingIntervalMS   *int          `json:"pollingIntervalMs,omitempty" yaml:"polling_interval_ms,omitempty"`
	HeartbeatTimeoutMS  *int          `json:"heartbeatTimeoutMs,omitempty" yaml:"heartbeat_timeout_ms,omitempty"`
	ShutdownTimeoutMS   *int          `json:"shutdownTimeoutMs,omitempty" yaml:"shutdown_timeout_ms,omitempty"`
	MaxRetries          *int          `json:"maxRetries,omitempty" yaml:"max_retries,omitempty"`
	Agents              []AgentConfig `json:"agents,omitempty" yaml:"agents,omitempty"`
}

// Config is the top-level pipeline configuration (spec §6 state layout).
type Config struct {
	StateDir         string `json:"stateDir" yaml:"state_dir"`
	BackupDir        string `json:"backupDir" yaml:"backup_dir"`
	MsgBusRoot       string `json:"msgBusRoot" yaml:"msg_bus_root"`
	RepairHistoryDir string `json:"repairHistoryDir,omitempty" yaml:"repair_history_dir,omitempty"`
	LogDir           string `json:"logDir" yaml:"log_dir"`

	Watcher     WatcherConfig     `json:"watcher,omitempty" yaml:"watcher,omitempty"`
	Grouping    GroupingConfig    `json:"grouping,omitempty" yaml:"grouping,omitempty"`
	Backup      BackupConfig      `json:"backup,omitempty" yaml:"backup,omitempty"`
	Repair      RepairConfig      `json:"repair,omitempty" yaml:"repair,omitempty"`
	Coordinator CoordinatorConfig `json:"coordinator,omitempty" yaml:"coordinator,omitempty"`
}

const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["stateDir", "backupDir", "msgBusRoot", "logDir"],
  "properties": {
    "stateDir": {"type": "string", "minLength": 1},
    "backupDir": {"type": "string", "minLength": 1},
    "msgBusRoot": {"type": "string", "minLength": 1},
    "logDir": {"type": "string", "minLength": 1},
    "repairHistoryDir": {"type": "string"},
    "watcher": {"type": "object"},
    "grouping": {"type": "object"},
    "backup": {"type": "object"},
    "repair": {"type": "object"},
    "coordinator": {"type": "object"}
  }
}`

var compiledSchema *jsonschema.Schema

func init() {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("poppo-config.json", strings.NewReader(schemaJSON)); err != nil {
		panic(err)
	}
	s, err := c.Compile("poppo-config.json")
	if err != nil {
		panic(err)
	}
	compiledSchema = s
}

// Load reads, strictly decodes, defaults, and schema-validates the
// configuration at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := decodeYAMLStrict(b, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", poppoerrors.ErrConfig, err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", poppoerrors.ErrConfig, err)
	}
	return &cfg, nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func validate(cfg *Config) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return compiledSchema.Validate(v)
}

func applyDefaults(cfg *Config) {
	if cfg.RepairHistoryDir == "" {
		cfg.RepairHistoryDir = cfg.StateDir + "/repair-history"
	}
	if cfg.Watcher.LogDir == "" {
		cfg.Watcher.LogDir = cfg.LogDir
	}
	if cfg.Watcher.Glob == "" {
		cfg.Watcher.Glob = "**/*.log"
	}
	if cfg.Watcher.ContinuationIndent == nil {
		cfg.Watcher.ContinuationIndent = intPtr(4)
	}
	if cfg.Watcher.ScanIntervalMS == nil {
		cfg.Watcher.ScanIntervalMS = intPtr(int((5 * time.Minute).Milliseconds()))
	}
	if len(cfg.Watcher.HeaderMarkers) == 0 {
		cfg.Watcher.HeaderMarkers = []string{"[ERROR]", "[FATAL]"}
	}
	if cfg.Grouping.Threshold == nil {
		cfg.Grouping.Threshold = floatPtr(0.8)
	}
	if cfg.Backup.Dir == "" {
		cfg.Backup.Dir = cfg.BackupDir
	}
	if cfg.Backup.RetentionDays == nil {
		cfg.Backup.RetentionDays = intPtr(30)
	}
	if cfg.Repair.LockTimeoutMS == nil {
		cfg.Repair.LockTimeoutMS = intPtr(10_000)
	}
	if cfg.Repair.TestTimeoutMS == nil {
		cfg.Repair.TestTimeoutMS = intPtr(120_000)
	}
	if cfg.Coordinator.RestartCoolOffMS == nil {
		cfg.Coordinator.RestartCoolOffMS = intPtr(5_000)
	}
	if cfg.Coordinator.PollingIntervalMS == nil {
		cfg.Coordinator.PollingIntervalMS = intPtr(3_000)
	}
	if cfg.Coordinator.HeartbeatTimeoutMS == nil {
		cfg.Coordinator.HeartbeatTimeoutMS = intPtr(60_000)
	}
	if cfg.Coordinator.ShutdownTimeoutMS == nil {
		cfg.Coordinator.ShutdownTimeoutMS = intPtr(10_000)
	}
	if cfg.Coordinator.MaxRetries == nil {
		cfg.Coordinator.MaxRetries = intPtr(3)
	}
}

func intPtr(v int) *int         { return &v }
func floatPtr(v float64) *float64 { return &v }

// DurationMS converts an optional millisecond pointer to a time.Duration,
// returning fallback if ms is nil.
func DurationMS(ms *int, fallback time.Duration) time.Duration {
	if ms == nil {
		return fallback
	}
	return time.Duration(*ms) * time.Millisecond
}
