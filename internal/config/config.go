// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/lumix-ai/warp/internal/model"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig marks configuration errors; they are reported before any training starts.
var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Run         RunConfig         `yaml:"run"`
	Data        DataConfig        `yaml:"data"`
	Model       ModelConfig       `yaml:"model"`
	Base        BaseConfig        `yaml:"base"`
	Incremental IncrementalConfig `yaml:"incremental"`
	Warp        WarpConfig        `yaml:"warp"`
	Logging     LoggingConfig     `yaml:"logging"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
}

type RunConfig struct {
	Project        string `yaml:"project"`
	Seed           int64  `yaml:"seed"`
	Debug          bool   `yaml:"debug"`
	StartSession   int    `yaml:"start_session"`
	ModelDir       string `yaml:"model_dir"`
	CheckpointRoot string `yaml:"checkpoint_root"`
	AccLogRoot     string `yaml:"acc_log_root"`
}

type DataConfig struct {
	Dataset        string `yaml:"dataset"`
	Root           string `yaml:"root"`
	NumClasses     int    `yaml:"num_classes"`
	BaseClass      int    `yaml:"base_class"`
	Way            int    `yaml:"way"`
	Shot           int    `yaml:"shot"`
	Sessions       int    `yaml:"sessions"`
	FeatureDim     int    `yaml:"feature_dim"`
	TrainPerClass  int    `yaml:"train_per_class"`
	TestPerClass   int    `yaml:"test_per_class"`
	BatchSizeBase  int    `yaml:"batch_size_base"`
	BatchSizeNew   int    `yaml:"batch_size_new"`
	Workers        int    `yaml:"workers"`
}

type ModelConfig struct {
	EmbedDim    int     `yaml:"embed_dim"`
	Temperature float64 `yaml:"temperature"`
}

type BaseConfig struct {
	Mode        string  `yaml:"mode"`
	Epochs      int     `yaml:"epochs"`
	LR          float64 `yaml:"lr"`
	Schedule    string  `yaml:"schedule"`
	Step        int     `yaml:"step"`
	Milestones  []int   `yaml:"milestones"`
	Gamma       float64 `yaml:"gamma"`
	Momentum    float64 `yaml:"momentum"`
	Decay       float64 `yaml:"decay"`
	NotDataInit bool    `yaml:"not_data_init"`
}

type IncrementalConfig struct {
	Mode   string  `yaml:"mode"`
	LR     float64 `yaml:"lr"`
	Epochs int     `yaml:"epochs"`
}

type WarpConfig struct {
	FractionToKeep float64 `yaml:"fraction_to_keep"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MonitoringConfig struct {
	Listen    string `yaml:"listen"`
	MaxConns  int    `yaml:"max_conns"`
	EventSink string `yaml:"event_sink"`
}

// Default returns the settings used for keys missing from the YAML file.
func Default() Config {
	return Config{
		Run: RunConfig{
			Project:        "warp",
			Seed:           1,
			CheckpointRoot: "checkpoint",
			AccLogRoot:     "acc_logs",
		},
		Data: DataConfig{
			Dataset:       "synthetic",
			NumClasses:    100,
			BaseClass:     60,
			Way:           5,
			Shot:          5,
			Sessions:      9,
			FeatureDim:    32,
			TrainPerClass: 50,
			TestPerClass:  20,
			BatchSizeBase: 128,
			Workers:       4,
		},
		Model: ModelConfig{
			EmbedDim:    64,
			Temperature: 16,
		},
		Base: BaseConfig{
			Mode:       "ft_cos",
			Epochs:     100,
			LR:         0.1,
			Schedule:   "Step",
			Step:       40,
			Milestones: []int{60, 70},
			Gamma:      0.1,
			Momentum:   0.9,
			Decay:      0.0005,
		},
		Incremental: IncrementalConfig{
			Mode:   "ft_cos",
			LR:     0.01,
			Epochs: 10,
		},
		Warp: WarpConfig{
			FractionToKeep: 0.1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Monitoring: MonitoringConfig{
			MaxConns: 16,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// BaseMode is the parsed base-session mode; call only on a validated config.
func (c *Config) BaseMode() Mode {
	m, _ := ParseMode(c.Base.Mode)
	return m
}

// NewMode is the parsed incremental-session mode; call only on a validated config.
func (c *Config) NewMode() Mode {
	m, _ := ParseMode(c.Incremental.Mode)
	return m
}

// ScheduleKind is the parsed schedule; call only on a validated config.
func (c *Config) ScheduleKind() Schedule {
	s, _ := ParseSchedule(c.Base.Schedule)
	return s
}

// DataInit reports whether base training is followed by prototype head replacement.
func (c *Config) DataInit() bool {
	return !c.Base.NotDataInit
}

// Validate fails fast on anything that would otherwise surface mid-run.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if c.Run.Project == "" {
		return invalid("run.project is required")
	}
	if c.Data.Dataset == "" {
		return invalid("data.dataset is required")
	}
	if c.Data.Sessions < 1 {
		return invalid("data.sessions must be at least 1")
	}
	if c.Run.StartSession < 0 || c.Run.StartSession >= c.Data.Sessions {
		return invalid("run.start_session must be in [0, %d)", c.Data.Sessions)
	}
	if c.Run.StartSession > 0 && c.Run.ModelDir == "" {
		return invalid("run.model_dir is required when resuming from session %d", c.Run.StartSession)
	}
	if c.Data.BaseClass <= 0 || c.Data.Way <= 0 || c.Data.Shot <= 0 {
		return invalid("data.base_class, data.way and data.shot must be positive")
	}
	if need := c.Data.BaseClass + (c.Data.Sessions-1)*c.Data.Way; c.Data.NumClasses < need {
		return invalid("data.num_classes=%d cannot cover %d sessions (need %d)", c.Data.NumClasses, c.Data.Sessions, need)
	}
	if c.Model.EmbedDim <= 0 {
		return invalid("model.embed_dim must be positive")
	}
	if c.Base.Epochs < 0 {
		return invalid("base.epochs must not be negative")
	}
	if c.Base.LR <= 0 {
		return invalid("base.lr must be positive")
	}

	baseMode, err := ParseMode(c.Base.Mode)
	if err != nil {
		return invalid("base.mode: %v", err)
	}
	if baseMode.Adaptation != FineTune {
		return invalid("base.mode must be a fine-tune mode, got %q", c.Base.Mode)
	}
	newMode, err := ParseMode(c.Incremental.Mode)
	if err != nil {
		return invalid("incremental.mode: %v", err)
	}
	if newMode.Metric == model.Cosine || baseMode.Metric == model.Cosine {
		if c.Model.Temperature <= 0 {
			return invalid("model.temperature must be positive for cosine heads")
		}
	}
	if newMode.FineTunes() {
		if c.Incremental.LR <= 0 || c.Incremental.Epochs <= 0 {
			return invalid("incremental.lr and incremental.epochs must be positive for mode %q", c.Incremental.Mode)
		}
		if c.Warp.FractionToKeep <= 0 || c.Warp.FractionToKeep > 1 {
			return invalid("warp.fraction_to_keep must be in (0, 1]")
		}
	}

	schedule, err := ParseSchedule(c.Base.Schedule)
	if err != nil {
		return invalid("base.schedule: %v", err)
	}
	switch schedule {
	case ScheduleStep:
		if c.Base.Step <= 0 {
			return invalid("base.step must be positive for Step schedule")
		}
	case ScheduleMilestone:
		if len(c.Base.Milestones) == 0 {
			return invalid("base.milestones must not be empty for Milestone schedule")
		}
		if !sort.IntsAreSorted(c.Base.Milestones) {
			return invalid("base.milestones must be increasing")
		}
		for i := 1; i < len(c.Base.Milestones); i++ {
			if c.Base.Milestones[i] == c.Base.Milestones[i-1] {
				return invalid("base.milestones must be strictly increasing")
			}
		}
	}
	if c.Base.Gamma <= 0 {
		return invalid("base.gamma must be positive")
	}

	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return invalid("logging.format must be console or json")
	}
	return nil
}
