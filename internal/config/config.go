// Package config holds the run configuration: hardware addresses, the
// sequence toolchain paths, timing channels and analysis constants.
// Fields are pointers so a partial JSON file only overrides what it names;
// the Get* methods supply defaults for everything else.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/coldlab-data/fountain/internal/physics"
)

// RunConfig is the root configuration. The schema matches the
// /api/config endpoint so the same JSON works for startup files and
// runtime updates.
type RunConfig struct {
	// Storage
	DataDir *string `json:"data_dir,omitempty"`
	DBPath  *string `json:"db_path,omitempty"`

	// Acquisition backend: "remote", "local" or "mock"
	Backend        *string  `json:"backend,omitempty"`
	BoardURL       *string  `json:"board_url,omitempty"`
	SpoolDir       *string  `json:"spool_dir,omitempty"`
	UpChannel      *string  `json:"up_channel,omitempty"`
	DwChannel      *string  `json:"dw_channel,omitempty"`
	Decimation     *int     `json:"decimation,omitempty"`
	NetworkTimeout *string  `json:"network_timeout,omitempty"` // duration string like "2s"
	RetryAttempts  *int     `json:"retry_attempts,omitempty"`
	RetryDelay     *string  `json:"retry_delay,omitempty"`
	RetryBackoff   *float64 `json:"retry_backoff,omitempty"`

	// Sequence toolchain
	TemplatePath  *string `json:"template_path,omitempty"`
	SequencePath  *string `json:"sequence_path,omitempty"`
	VCDPath       *string `json:"vcd_path,omitempty"`
	SequencerPath *string `json:"sequencer_path,omitempty"`
	CompilerPath  *string `json:"compiler_path,omitempty"`
	WorkDir       *string `json:"work_dir,omitempty"`
	LockFile      *string `json:"lock_file,omitempty"`

	// Timing channels in the compiled trace
	LaunchSignal  *string `json:"launch_signal,omitempty"`
	TriggerSignal *string `json:"trigger_signal,omitempty"`

	// Analysis constants
	Alpha          *float64 `json:"alpha,omitempty"`
	Beta           *float64 `json:"beta,omitempty"`
	Ratio          *float64 `json:"ratio,omitempty"`
	Coeff          *float64 `json:"coeff,omitempty"`
	LaunchVelocity *float64 `json:"launch_velocity,omitempty"`
	MaxLimit       *float64 `json:"max_limit,omitempty"`
	MinThreshold   *float64 `json:"min_threshold,omitempty"`

	// Signal conditioning
	GainUp          *float64 `json:"gain_up,omitempty"`
	GainDw          *float64 `json:"gain_dw,omitempty"`
	VoltageLimit    *float64 `json:"voltage_limit,omitempty"`
	BaselineSamples *int     `json:"baseline_samples,omitempty"`

	// Fit windows on the time-of-flight axis, milliseconds.
	// A zero width means fit the whole trace.
	FitCenterUpMs *float64 `json:"fit_center_up_ms,omitempty"`
	FitWidthUpMs  *float64 `json:"fit_width_up_ms,omitempty"`
	FitCenterDwMs *float64 `json:"fit_center_dw_ms,omitempty"`
	FitWidthDwMs  *float64 `json:"fit_width_dw_ms,omitempty"`

	// Pipeline
	QueueCapacity *int `json:"queue_capacity,omitempty"`
}

// Load reads a RunConfig from a JSON file. Fields omitted from the file
// keep their defaults, so partial configs are safe.
func Load(path string) (*RunConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &RunConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration values that can be wrong in ways the
// type system does not catch.
func (c *RunConfig) Validate() error {
	if c.Backend != nil {
		switch *c.Backend {
		case "remote", "local", "mock":
		default:
			return fmt.Errorf("backend must be remote, local or mock, got %q", *c.Backend)
		}
	}
	if c.Decimation != nil && *c.Decimation < 1 {
		return fmt.Errorf("decimation must be >= 1, got %d", *c.Decimation)
	}
	if c.NetworkTimeout != nil && *c.NetworkTimeout != "" {
		if _, err := time.ParseDuration(*c.NetworkTimeout); err != nil {
			return fmt.Errorf("invalid network_timeout %q: %w", *c.NetworkTimeout, err)
		}
	}
	if c.RetryDelay != nil && *c.RetryDelay != "" {
		if _, err := time.ParseDuration(*c.RetryDelay); err != nil {
			return fmt.Errorf("invalid retry_delay %q: %w", *c.RetryDelay, err)
		}
	}
	if c.RetryAttempts != nil && *c.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be >= 1, got %d", *c.RetryAttempts)
	}
	if c.QueueCapacity != nil && *c.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be >= 1, got %d", *c.QueueCapacity)
	}
	if c.Coeff != nil && *c.Coeff <= 0 {
		return fmt.Errorf("coeff must be positive, got %f", *c.Coeff)
	}
	if c.VoltageLimit != nil && *c.VoltageLimit <= 0 {
		return fmt.Errorf("voltage_limit must be positive, got %f", *c.VoltageLimit)
	}
	if c.BaselineSamples != nil && *c.BaselineSamples < 0 {
		return fmt.Errorf("baseline_samples must be non-negative, got %d", *c.BaselineSamples)
	}
	for name, w := range map[string]*float64{
		"fit_width_up_ms": c.FitWidthUpMs,
		"fit_width_dw_ms": c.FitWidthDwMs,
	} {
		if w != nil && *w < 0 {
			return fmt.Errorf("%s must be non-negative, got %f", name, *w)
		}
	}
	return nil
}

func (c *RunConfig) GetDataDir() string {
	if c.DataDir == nil || *c.DataDir == "" {
		return "Data_log"
	}
	return *c.DataDir
}

func (c *RunConfig) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "fountain.db"
	}
	return *c.DBPath
}

func (c *RunConfig) GetBackend() string {
	if c.Backend == nil || *c.Backend == "" {
		return "mock"
	}
	return *c.Backend
}

func (c *RunConfig) GetBoardURL() string {
	if c.BoardURL == nil || *c.BoardURL == "" {
		return "http://192.168.2.5:8000"
	}
	return *c.BoardURL
}

func (c *RunConfig) GetSpoolDir() string {
	if c.SpoolDir == nil {
		return "spool"
	}
	return *c.SpoolDir
}

func (c *RunConfig) GetUpChannel() string {
	if c.UpChannel == nil || *c.UpChannel == "" {
		return "ch1"
	}
	return *c.UpChannel
}

func (c *RunConfig) GetDwChannel() string {
	if c.DwChannel == nil || *c.DwChannel == "" {
		return "ch2"
	}
	return *c.DwChannel
}

func (c *RunConfig) GetDecimation() int {
	if c.Decimation == nil {
		return 8192
	}
	return *c.Decimation
}

func (c *RunConfig) GetNetworkTimeout() time.Duration {
	if c.NetworkTimeout == nil || *c.NetworkTimeout == "" {
		return 2 * time.Second
	}
	d, err := time.ParseDuration(*c.NetworkTimeout)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

func (c *RunConfig) GetRetryAttempts() int {
	if c.RetryAttempts == nil {
		return 3
	}
	return *c.RetryAttempts
}

func (c *RunConfig) GetRetryDelay() time.Duration {
	if c.RetryDelay == nil || *c.RetryDelay == "" {
		return 100 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.RetryDelay)
	if err != nil {
		return 100 * time.Millisecond
	}
	return d
}

func (c *RunConfig) GetRetryBackoff() float64 {
	if c.RetryBackoff == nil || *c.RetryBackoff < 1 {
		return 2.0
	}
	return *c.RetryBackoff
}

func (c *RunConfig) GetTemplatePath() string {
	if c.TemplatePath == nil || *c.TemplatePath == "" {
		return "temp/seq0.mot"
	}
	return *c.TemplatePath
}

func (c *RunConfig) GetSequencePath() string {
	if c.SequencePath == nil || *c.SequencePath == "" {
		return "temp/seq.mot"
	}
	return *c.SequencePath
}

func (c *RunConfig) GetVCDPath() string {
	if c.VCDPath == nil || *c.VCDPath == "" {
		return "temp/seq.vcd"
	}
	return *c.VCDPath
}

func (c *RunConfig) GetSequencerPath() string {
	if c.SequencerPath == nil {
		return "tmot4"
	}
	return *c.SequencerPath
}

func (c *RunConfig) GetCompilerPath() string {
	if c.CompilerPath == nil {
		return "cmot4"
	}
	return *c.CompilerPath
}

func (c *RunConfig) GetWorkDir() string {
	if c.WorkDir == nil {
		return "."
	}
	return *c.WorkDir
}

func (c *RunConfig) GetLockFile() string {
	if c.LockFile == nil {
		return "/var/lock/mot4"
	}
	return *c.LockFile
}

func (c *RunConfig) GetLaunchSignal() string {
	if c.LaunchSignal == nil || *c.LaunchSignal == "" {
		return "60"
	}
	return *c.LaunchSignal
}

func (c *RunConfig) GetTriggerSignal() string {
	if c.TriggerSignal == nil || *c.TriggerSignal == "" {
		return "68"
	}
	return *c.TriggerSignal
}

func (c *RunConfig) GetGainUp() float64 {
	if c.GainUp == nil || *c.GainUp == 0 {
		return -35.0
	}
	return *c.GainUp
}

func (c *RunConfig) GetGainDw() float64 {
	if c.GainDw == nil || *c.GainDw == 0 {
		return -35.0
	}
	return *c.GainDw
}

func (c *RunConfig) GetVoltageLimit() float64 {
	if c.VoltageLimit == nil {
		return 9.5
	}
	return *c.VoltageLimit
}

func (c *RunConfig) GetBaselineSamples() int {
	if c.BaselineSamples == nil {
		return 200
	}
	return *c.BaselineSamples
}

func (c *RunConfig) GetQueueCapacity() int {
	if c.QueueCapacity == nil {
		return 5
	}
	return *c.QueueCapacity
}

// FitWindow describes one channel's fit window on the TOF axis.
// Width 0 means no windowing.
type FitWindow struct {
	CenterMs float64
	WidthMs  float64
}

func (c *RunConfig) GetFitWindowUp() FitWindow {
	return FitWindow{CenterMs: deref(c.FitCenterUpMs), WidthMs: deref(c.FitWidthUpMs)}
}

func (c *RunConfig) GetFitWindowDw() FitWindow {
	return FitWindow{CenterMs: deref(c.FitCenterDwMs), WidthMs: deref(c.FitWidthDwMs)}
}

// Constants assembles the physics constants snapshot for a run. Fields the
// config does not set fall back to the engine defaults.
func (c *RunConfig) Constants() physics.Constants {
	k := physics.DefaultConstants()
	if c.Alpha != nil {
		k.Alpha = *c.Alpha
	}
	if c.Beta != nil {
		k.Beta = *c.Beta
	}
	if c.Ratio != nil {
		k.Ratio = *c.Ratio
	}
	if c.Coeff != nil {
		k.Coeff = *c.Coeff
	}
	if c.LaunchVelocity != nil {
		k.LaunchVelocity = *c.LaunchVelocity
	}
	if c.MaxLimit != nil {
		k.MaxLimit = *c.MaxLimit
	}
	if c.MinThreshold != nil {
		k.MinThreshold = *c.MinThreshold
	}
	return k
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
