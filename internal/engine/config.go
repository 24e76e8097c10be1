package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RunConfigFile is the optional YAML configuration for a run. CLI flags
// override file values; file values override graph attributes.
type RunConfigFile struct {
	Version int `json:"version" yaml:"version"`

	Workdir  string `json:"workdir,omitempty" yaml:"workdir,omitempty"`
	LogsRoot string `json:"logs_root,omitempty" yaml:"logs_root,omitempty"`

	Budget struct {
		MaxBudgetUSD *float64 `json:"max_budget_usd,omitempty" yaml:"max_budget_usd,omitempty"`
		MaxSteps     *int     `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`
	} `json:"budget,omitempty" yaml:"budget,omitempty"`

	Runtime struct {
		StageTimeoutMS        *int  `json:"stage_timeout_ms,omitempty" yaml:"stage_timeout_ms,omitempty"`
		BestEffortCheckpoints *bool `json:"best_effort_checkpoints,omitempty" yaml:"best_effort_checkpoints,omitempty"`
	} `json:"runtime,omitempty" yaml:"runtime,omitempty"`

	Archive struct {
		Include []string `json:"include,omitempty" yaml:"include,omitempty"`
		Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	} `json:"archive,omitempty" yaml:"archive,omitempty"`
}

func LoadRunConfigFile(path string) (*RunConfigFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg RunConfigFile
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse run config %s: %w", path, err)
	}
	if cfg.Version != 0 && cfg.Version != 1 {
		return nil, fmt.Errorf("unsupported run config version %d", cfg.Version)
	}
	if cfg.Workdir != "" && !filepath.IsAbs(cfg.Workdir) {
		cfg.Workdir = filepath.Join(filepath.Dir(path), cfg.Workdir)
	}
	return &cfg, nil
}

// ApplyTo folds file values into options that the caller has not already
// set explicitly.
func (cfg *RunConfigFile) ApplyTo(opts *RunOptions) {
	if cfg == nil || opts == nil {
		return
	}
	if opts.Workdir == "" && strings.TrimSpace(cfg.Workdir) != "" {
		opts.Workdir = cfg.Workdir
	}
	if opts.LogsRoot == "" && strings.TrimSpace(cfg.LogsRoot) != "" {
		opts.LogsRoot = cfg.LogsRoot
	}
	if opts.MaxBudgetUSD == nil && cfg.Budget.MaxBudgetUSD != nil {
		opts.MaxBudgetUSD = cfg.Budget.MaxBudgetUSD
	}
	if opts.MaxSteps == nil && cfg.Budget.MaxSteps != nil {
		opts.MaxSteps = cfg.Budget.MaxSteps
	}
	if opts.StageTimeout == 0 && cfg.Runtime.StageTimeoutMS != nil && *cfg.Runtime.StageTimeoutMS > 0 {
		opts.StageTimeout = time.Duration(*cfg.Runtime.StageTimeoutMS) * time.Millisecond
	}
	if cfg.Runtime.BestEffortCheckpoints != nil {
		opts.BestEffortCheckpoints = *cfg.Runtime.BestEffortCheckpoints
	}
}
