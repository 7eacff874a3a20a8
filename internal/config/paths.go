// internal/config/paths.go
package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lumix-ai/warp/internal/model"
)

// RunPaths - every artifact location of a run, derived once from the configuration.
type RunPaths struct {
	// Relative is the run directory below the checkpoint root, debug component included.
	Relative      string
	CheckpointDir string
	ResultsPath   string
	MetricsDBPath string
	AccLogPath    string
}

// ComputeRunPaths is a pure function of cfg: identical configurations resolve to identical paths.
func ComputeRunPaths(cfg *Config) RunPaths {
	baseMode, newMode := cfg.BaseMode(), cfg.NewMode()

	mode := cfg.Base.Mode + "-" + cfg.Incremental.Mode
	if cfg.DataInit() {
		mode += "-data_init"
	}

	var b strings.Builder
	b.WriteString(cfg.Data.Dataset + "/")
	b.WriteString(cfg.Run.Project + "/")
	fmt.Fprintf(&b, "%s-start_%d/", mode, cfg.Run.StartSession)

	switch cfg.ScheduleKind() {
	case ScheduleMilestone:
		fmt.Fprintf(&b, "Epo_%d-Lr_%.4f-MS_%s-Gam_%.2f-Bs_%d-Mom_%.2f-Wd_%.5f-seed_%d",
			cfg.Base.Epochs, cfg.Base.LR, joinInts(cfg.Base.Milestones, "_"), cfg.Base.Gamma,
			cfg.Data.BatchSizeBase, cfg.Base.Momentum, cfg.Base.Decay, cfg.Run.Seed)
	case ScheduleStep:
		fmt.Fprintf(&b, "Epo_%d-Lr_%.4f-Step_%d-Gam_%.2f-Bs_%d-Mom_%.2f-Wd_%.5f-seed_%d",
			cfg.Base.Epochs, cfg.Base.LR, cfg.Base.Step, cfg.Base.Gamma,
			cfg.Data.BatchSizeBase, cfg.Base.Momentum, cfg.Base.Decay, cfg.Run.Seed)
	case ScheduleCosine:
		fmt.Fprintf(&b, "Epo_%d-Lr_%.4f-Cos-Bs_%d-Mom_%.2f-Wd_%.5f-seed_%d",
			cfg.Base.Epochs, cfg.Base.LR, cfg.Data.BatchSizeBase, cfg.Base.Momentum, cfg.Base.Decay, cfg.Run.Seed)
	}
	if baseMode.Metric == model.Cosine || newMode.Metric == model.Cosine {
		fmt.Fprintf(&b, "-T_%.2f", cfg.Model.Temperature)
	}
	if newMode.FineTunes() {
		fmt.Fprintf(&b, "-ftLR_%.3f-ftEpoch_%d", cfg.Incremental.LR, cfg.Incremental.Epochs)
	}

	rel := b.String()
	if cfg.Run.Debug {
		rel = path.Join("debug", rel)
	}
	rel = filepath.FromSlash(rel)

	dir := filepath.Join(cfg.Run.CheckpointRoot, rel)
	return RunPaths{
		Relative:      rel,
		CheckpointDir: dir,
		ResultsPath:   filepath.Join(dir, "results.txt"),
		MetricsDBPath: filepath.Join(dir, "metrics.db"),
		AccLogPath:    accLogPath(cfg, dir),
	}
}

// Ensure creates the directories the run writes into.
func (p RunPaths) Ensure() error {
	for _, dir := range []string{p.CheckpointDir, filepath.Dir(p.AccLogPath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// accLogPath names the accuracy table after the checkpoint a resumed run was loaded from.
func accLogPath(cfg *Config, checkpointDir string) string {
	if cfg.Run.ModelDir == "" {
		return filepath.Join(checkpointDir, "acc.csv")
	}

	parent := filepath.Base(filepath.Dir(cfg.Run.ModelDir))
	newMode := cfg.NewMode()

	dir := cfg.Run.Project + "/" + cfg.Data.Dataset
	if newMode.FineTunes() {
		dir += fmt.Sprintf("_WaRP_lr_new_%.3f-epochs_new_%d-keep_frac_%.2f",
			cfg.Incremental.LR, cfg.Incremental.Epochs, cfg.Warp.FractionToKeep)
	} else {
		short := parent
		if len(short) > 7 {
			short = short[:7]
		}
		dir += "_prototype_" + short
	}
	return filepath.Join(cfg.Run.AccLogRoot, filepath.FromSlash(dir), parent+".csv")
}

func joinInts(values []int, sep string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, sep)
}
