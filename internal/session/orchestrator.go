// internal/session/orchestrator.go
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/lumix-ai/warp/internal/checkpoint"
	"github.com/lumix-ai/warp/internal/config"
	"github.com/lumix-ai/warp/internal/core"
	"github.com/lumix-ai/warp/internal/evaluation"
	"github.com/lumix-ai/warp/internal/learning"
	"github.com/lumix-ai/warp/internal/metrics"
	"github.com/lumix-ai/warp/internal/model"
	"github.com/lumix-ai/warp/internal/optim"
	"github.com/lumix-ai/warp/internal/warp"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ErrMissingMask is returned when a resumed fine-tune run loads a checkpoint without a mask.
var ErrMissingMask = errors.New("resumed fine-tune run needs a checkpoint with an importance mask")

// Phase - a state of the session state machine
type Phase string

const (
	PhaseBaseTraining       Phase = "base_training"
	PhasePrototypeInit      Phase = "prototype_init"
	PhaseImportanceAnalysis Phase = "importance_analysis"
	PhaseIncremental        Phase = "incremental"
	PhaseFinalize           Phase = "finalize"
	PhaseDone               Phase = "done"
)

// Observer receives phase transitions plus the trainers' progress events.
type Observer interface {
	learning.Reporter
	Phase(p Phase, session int)
}

type nopObserver struct{ learning.Reporter }

func (nopObserver) Phase(Phase, int) {}

// Options - collaborators and settings of one run
type Options struct {
	Config     *config.Config
	Paths      config.RunPaths
	Loader     model.Loader
	Engine     model.Engine
	Importance warp.ImportanceComputer
	Observer   Observer
	// Progress receives the base-phase progress bar; Summary the final accuracy table.
	Progress io.Writer
	Summary  io.Writer
}

// Result - what a finished run reports
type Result struct {
	MaxAcc        []float64
	BaseBestEpoch int
	Rows          []metrics.AccuracyRow
	FinalState    core.ModelState
	Elapsed       time.Duration
}

// Orchestrator owns the current ModelState and drives the sessions strictly in order.
type Orchestrator struct {
	cfg        *config.Config
	paths      config.RunPaths
	loader     model.Loader
	engine     model.Engine
	importance warp.ImportanceComputer
	observer   Observer
	progress   io.Writer
	summary    io.Writer

	ckpts    *checkpoint.Manager
	store    *metrics.Store
	recorder *learning.SessionRecorder
	protos   *learning.PrototypeInitializer

	mask  *warp.Mask
	phase Phase
	// importanceRuns counts importance analyses; it never exceeds one per run.
	importanceRuns int
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil || opts.Loader == nil || opts.Engine == nil {
		return nil, errors.New("orchestrator needs a config, a loader and an engine")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Config.NewMode().FineTunes() && opts.Importance == nil {
		return nil, fmt.Errorf("mode %s needs an importance computer", opts.Config.Incremental.Mode)
	}
	if err := opts.Paths.Ensure(); err != nil {
		return nil, err
	}
	ckpts, err := checkpoint.NewManager(opts.Paths.CheckpointDir, 4)
	if err != nil {
		return nil, err
	}
	store, err := metrics.NewStore(opts.Config.Data.Sessions, opts.Paths.MetricsDBPath)
	if err != nil {
		return nil, err
	}

	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{learning.NopReporter}
	}
	summary := opts.Summary
	if summary == nil {
		summary = os.Stdout
	}
	o := &Orchestrator{
		cfg:        opts.Config,
		paths:      opts.Paths,
		loader:     opts.Loader,
		engine:     opts.Engine,
		importance: opts.Importance,
		observer:   observer,
		progress:   opts.Progress,
		summary:    summary,
		ckpts:      ckpts,
		store:      store,
		protos:     &learning.PrototypeInitializer{Engine: opts.Engine},
	}
	o.recorder = &learning.SessionRecorder{
		Engine:   opts.Engine,
		Metrics:  store,
		Scope:    evaluation.NewScopeTracker(),
		Reporter: observer,
	}
	return o, nil
}

// Close releases the metric database.
func (o *Orchestrator) Close() error {
	return o.store.Close()
}

func (o *Orchestrator) Checkpoints() *checkpoint.Manager {
	return o.ckpts
}

func (o *Orchestrator) Metrics() *metrics.Store {
	return o.store
}

func (o *Orchestrator) Phase() Phase {
	return o.phase
}

func (o *Orchestrator) enter(p Phase, session int) {
	o.phase = p
	o.observer.Phase(p, session)
	log.Info().Str("phase", string(p)).Int("session", session).Msg("Entering phase")
}

// Run executes sessions start_session..sessions-1 and finalizes the run. On error the
// checkpoints and metric snapshots written so far are left in place.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	started := time.Now()
	if raw, err := yaml.Marshal(o.cfg); err != nil {
		log.Warn().Err(err).Msg("Failed to dump configuration into results")
	} else {
		o.store.AddLine(string(raw))
	}

	state, err := o.initialState()
	if err != nil {
		return nil, err
	}

	for s := o.cfg.Run.StartSession; s < o.cfg.Data.Sessions; s++ {
		data, err := o.loader.Load(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("load session %d: %w", s, err)
		}
		if s == 0 {
			state, err = o.runBaseSession(ctx, state, data)
		} else {
			state, err = o.runIncremental(ctx, state, data)
		}
		if err != nil {
			return nil, err
		}
	}

	return o.finalize(state, started)
}

// initialState is a fresh initialisation, or the params of model_dir when one is configured.
func (o *Orchestrator) initialState() (core.ModelState, error) {
	ref := o.engine.Init(o.cfg.Run.Seed)
	if o.cfg.Run.ModelDir == "" {
		log.Info().Int("params", ref.NumParams()).Msg("Random init params")
		return ref, nil
	}

	ck, err := o.ckpts.Load(o.cfg.Run.ModelDir, ref)
	if err != nil {
		return nil, fmt.Errorf("load model_dir: %w", err)
	}
	log.Info().Str("path", ck.Path).Int("session", ck.Session).Msg("Loading init parameters")

	if o.cfg.Run.StartSession > 0 && o.cfg.NewMode().FineTunes() {
		mask, err := ck.Mask()
		if errors.Is(err, checkpoint.ErrNoMask) {
			return nil, fmt.Errorf("%w: %s", ErrMissingMask, ck.Path)
		}
		if err != nil {
			return nil, err
		}
		o.mask = mask
	}
	return ck.Params, nil
}

func (o *Orchestrator) runBaseSession(ctx context.Context, state core.ModelState, data *model.SessionData) (core.ModelState, error) {
	cfg := o.cfg
	newMode := cfg.NewMode()
	log.Info().Ints("classes", data.NewClasses).Msg("New classes for this session")

	// the carried state's checkpoint is written once, together with its mask
	var maskFn learning.MaskFunc
	if newMode.FineTunes() {
		maskFn = func(ctx context.Context, st core.ModelState) (*warp.Mask, error) {
			o.enter(PhaseImportanceAnalysis, 0)
			if err := o.analyseImportance(ctx, st, data); err != nil {
				return nil, err
			}
			return o.mask, nil
		}
	}

	if cfg.Base.Epochs > 0 {
		o.enter(PhaseBaseTraining, 0)
		trainer := o.baseTrainer()
		if !cfg.DataInit() {
			trainer.Mask = maskFn
		}
		var err error
		if state, err = trainer.Train(ctx, state, data); err != nil {
			return nil, err
		}

		if cfg.DataInit() {
			o.enter(PhasePrototypeInit, 0)
			if state, err = o.protos.Refine(ctx, state, data, o.ckpts, maskFn); err != nil {
				return nil, err
			}
			row, err := o.recorder.Record(ctx, state, data, model.Cosine, string(PhasePrototypeInit))
			if err != nil {
				return nil, err
			}
			log.Info().Float64("acc", row.Acc).Msg("The new best test acc of base session")
			o.observer.Session(learning.SessionReport{Session: 0, Phase: string(PhasePrototypeInit), Row: row})
		}
		return state, nil
	}

	o.enter(PhasePrototypeInit, 0)
	state, err := o.protos.Replace(ctx, state, data.Train, data.NewClasses)
	if err != nil {
		return nil, err
	}
	row, err := o.recorder.Record(ctx, state, data, newMode.Metric, string(PhasePrototypeInit))
	if err != nil {
		return nil, err
	}

	var mask *warp.Mask
	if maskFn != nil {
		if mask, err = maskFn(ctx, state); err != nil {
			return nil, err
		}
	}
	path, err := o.ckpts.Save(state, checkpoint.Record{Session: 0, Variant: checkpoint.MaxAcc, Acc: row.Acc, Mask: mask})
	if err != nil {
		return nil, err
	}
	o.observer.Session(learning.SessionReport{Session: 0, Phase: string(PhasePrototypeInit), Row: row, Checkpoint: path})
	return state, nil
}

func (o *Orchestrator) baseTrainer() *learning.BaseTrainer {
	b := o.cfg.Base
	opt := optim.NewSGD(b.LR, b.Momentum, b.Decay, true)
	var sched optim.Scheduler
	switch o.cfg.ScheduleKind() {
	case config.ScheduleStep:
		sched = optim.NewStepLR(opt, b.Step, b.Gamma)
	case config.ScheduleMilestone:
		sched = optim.NewMultiStepLR(opt, b.Milestones, b.Gamma)
	case config.ScheduleCosine:
		sched = optim.NewCosineLR(opt, b.Epochs)
	}
	return &learning.BaseTrainer{
		Engine:      o.engine,
		Checkpoints: o.ckpts,
		Metrics:     o.store,
		Reporter:    o.observer,
		Epochs:      b.Epochs,
		Metric:      o.cfg.BaseMode().Metric,
		Optimizer:   opt,
		Scheduler:   sched,
		Progress:    o.progress,
	}
}

func (o *Orchestrator) analyseImportance(ctx context.Context, state core.ModelState, data *model.SessionData) error {
	if o.importanceRuns > 0 {
		return errors.New("importance analysis already ran for this run")
	}
	o.importanceRuns++
	train := data.Train.WithTransform(model.TransformEval)
	basis, err := o.importance.ComputeBasis(ctx, state, train)
	if err != nil {
		return fmt.Errorf("compute orthonormal basis: %w", err)
	}
	mask, err := o.importance.IdentifyImportance(ctx, state, basis, train, o.cfg.Warp.FractionToKeep)
	if err != nil {
		return fmt.Errorf("identify importance: %w", err)
	}
	o.mask = mask
	return nil
}

func (o *Orchestrator) runIncremental(ctx context.Context, state core.ModelState, data *model.SessionData) (core.ModelState, error) {
	o.enter(PhaseIncremental, data.Session)
	newMode := o.cfg.NewMode()
	strategy, err := learning.StrategyFor(newMode.Adaptation)
	if err != nil {
		return nil, err
	}
	if strategy.RequiresMask() && o.mask == nil {
		return nil, ErrMissingMask
	}
	adapter := &learning.IncrementalAdapter{
		Adapt: learning.AdaptContext{
			Engine:     o.engine,
			Prototypes: o.protos,
			Mask:       o.mask,
			FineTune: model.FineTuneParams{
				LR:        o.cfg.Incremental.LR,
				Epochs:    o.cfg.Incremental.Epochs,
				BatchSize: o.cfg.Data.BatchSizeNew,
				Metric:    newMode.Metric,
			},
		},
		Strategy:    strategy,
		Metric:      newMode.Metric,
		Recorder:    o.recorder,
		Checkpoints: o.ckpts,
	}
	return adapter.Run(ctx, state, data)
}

func (o *Orchestrator) finalize(state core.ModelState, started time.Time) (*Result, error) {
	o.enter(PhaseFinalize, o.cfg.Data.Sessions-1)
	lg := o.store.Log()
	o.store.AddLine(fmt.Sprintf("Base Session Best Epoch %d", lg.MaxAccEpoch))

	if err := o.store.WriteResults(o.paths.ResultsPath); err != nil {
		return nil, err
	}
	if err := o.store.WriteCSV(o.paths.AccLogPath); err != nil {
		return nil, err
	}
	o.store.RenderSummary(o.summary)

	elapsed := time.Since(started)
	log.Info().
		Str("max_acc", metrics.FormatAccList(lg.MaxAcc)).
		Int("base_best_epoch", lg.MaxAccEpoch).
		Msgf("Total time used %.2f mins", elapsed.Minutes())
	o.enter(PhaseDone, o.cfg.Data.Sessions-1)

	return &Result{
		MaxAcc:        lg.MaxAcc,
		BaseBestEpoch: lg.MaxAccEpoch,
		Rows:          o.store.Rows(),
		FinalState:    state,
		Elapsed:       elapsed,
	}, nil
}
