// cmd/warp/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lumix-ai/warp/internal/checkpoint"
	"github.com/lumix-ai/warp/internal/config"
	"github.com/lumix-ai/warp/internal/model"
	"github.com/lumix-ai/warp/internal/monitoring"
	"github.com/lumix-ai/warp/internal/session"
	"github.com/lumix-ai/warp/internal/warp"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var (
	configFile   = flag.String("config", "config/default.yaml", "Configuration file path")
	startSession = flag.Int("start-session", -1, "Override run.start_session")
	modelDir     = flag.String("model-dir", "", "Override run.model_dir")
	debug        = flag.Bool("debug", false, "Debug run: results go below a debug/ directory")
	seed         = flag.Int64("seed", 0, "Override run.seed when non-zero")
	verbose      = flag.Bool("verbose", false, "Enable verbose logging")
	inspect      = flag.String("inspect", "", "Print the header of a checkpoint file and exit")
)

func main() {
	flag.Parse()

	if *inspect != "" {
		setupLogger(config.LoggingConfig{Level: "info", Format: "console"})
		if err := printCheckpoint(*inspect); err != nil {
			log.Fatal().Err(err).Msg("Failed to inspect checkpoint")
		}
		return
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		// logger is not configured yet
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	setupLogger(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandler(cancel)

	if err := run(ctx, cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn().Msg("Run interrupted")
			os.Exit(130)
		}
		log.Fatal().Err(err).Msg("Run failed")
	}
}

func setupLogger(cfg config.LoggingConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if *verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	log.Logger = log.Output(output)
}

// loadConfig reads the YAML file and applies the command-line overrides.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if *startSession >= 0 {
		cfg.Run.StartSession = *startSession
	}
	if *modelDir != "" {
		cfg.Run.ModelDir = *modelDir
	}
	if *debug {
		cfg.Run.Debug = true
	}
	if *seed != 0 {
		cfg.Run.Seed = *seed
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()

		// a second signal skips the wait for the current epoch
		<-sigChan
		log.Error().Msg("Forced shutdown")
		os.Exit(1)
	}()
}

func run(ctx context.Context, cfg *config.Config) error {
	paths := config.ComputeRunPaths(cfg)
	split := model.Split{BaseClass: cfg.Data.BaseClass, Way: cfg.Data.Way, Shot: cfg.Data.Shot}

	var loader model.Loader
	if cfg.Data.Root != "" {
		loader = model.NewCSVLoader(cfg.Data.Root, split, 0)
	} else {
		loader = model.NewSyntheticLoader(model.SyntheticConfig{
			Split:         split,
			NumClasses:    cfg.Data.NumClasses,
			FeatureDim:    cfg.Data.FeatureDim,
			TrainPerClass: cfg.Data.TrainPerClass,
			TestPerClass:  cfg.Data.TestPerClass,
			Seed:          cfg.Run.Seed,
		})
	}

	net := model.NewCosineNet(model.NetConfig{
		FeatureDim:       cfg.Data.FeatureDim,
		EmbedDim:         cfg.Model.EmbedDim,
		NumClasses:       cfg.Data.NumClasses,
		Temperature:      cfg.Model.Temperature,
		BaseMetric:       cfg.BaseMode().Metric,
		BatchSize:        cfg.Data.BatchSizeBase,
		Workers:          cfg.Data.Workers,
		Seed:             cfg.Run.Seed,
		FineTuneMomentum: cfg.Base.Momentum,
	})

	printRunInfo(cfg, paths, net)

	collector := monitoring.NewCollector()
	observers := monitoring.Fanout{collector}

	if cfg.Monitoring.Listen != "" {
		srv := monitoring.NewServer(collector)
		go func() {
			err := srv.ListenAndServe(cfg.Monitoring.Listen, cfg.Monitoring.MaxConns)
			if err != nil && !errors.Is(err, monitoring.ErrServerClosed) {
				log.Error().Err(err).Msg("Monitoring server failed")
			}
		}()
		defer func() {
			if err := srv.Shutdown(); err != nil {
				log.Warn().Err(err).Msg("Failed to stop monitoring server")
			}
		}()
	}

	if cfg.Monitoring.EventSink != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		sink, err := monitoring.DialEventSink(dialCtx, cfg.Monitoring.EventSink)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.Monitoring.EventSink).Msg("Event sink unavailable, continuing without it")
		} else {
			observers = append(observers, sink)
			defer func() {
				if n := sink.Dropped(); n > 0 {
					log.Warn().Int("dropped", n).Msg("Event sink dropped events")
				}
				sink.Close()
			}()
		}
	}

	orch, err := session.New(session.Options{
		Config:     cfg,
		Paths:      paths,
		Loader:     loader,
		Engine:     net,
		Importance: warp.NewAnalyzer(net),
		Observer:   observers,
		Progress:   os.Stderr,
		Summary:    os.Stdout,
	})
	if err != nil {
		return err
	}
	defer orch.Close()

	res, err := orch.Run(ctx)
	if err != nil {
		return err
	}
	log.Info().
		Int("base_best_epoch", res.BaseBestEpoch).
		Dur("elapsed", res.Elapsed).
		Str("results", paths.ResultsPath).
		Msg("Run complete")
	return nil
}

func printRunInfo(cfg *config.Config, paths config.RunPaths, net *model.CosineNet) {
	p := message.NewPrinter(language.English)
	params := net.Init(cfg.Run.Seed).NumParams()
	trainSamples := cfg.Data.BaseClass * cfg.Data.TrainPerClass

	log.Info().Msgf("Project: %s, dataset: %s", cfg.Run.Project, cfg.Data.Dataset)
	log.Info().Msgf("Modes: base %s, incremental %s, data init %v",
		cfg.Base.Mode, cfg.Incremental.Mode, cfg.DataInit())
	log.Info().Msgf("Sessions: %d (base %d classes, %d-way %d-shot), starting at %d",
		cfg.Data.Sessions, cfg.Data.BaseClass, cfg.Data.Way, cfg.Data.Shot, cfg.Run.StartSession)
	log.Info().Msg(p.Sprintf("Model: %d parameters", params))
	if cfg.Data.Root == "" {
		log.Info().Msg(p.Sprintf("Synthetic base training set: %d samples", trainSamples))
	}
	log.Info().Msgf("Checkpoints: %s", paths.CheckpointDir)
}

func printCheckpoint(path string) error {
	info, err := checkpoint.Inspect(path)
	if err != nil {
		return err
	}
	p := message.NewPrinter(language.English)
	fmt.Printf("%s\n", info.Path)
	fmt.Printf("format: %s  session: %d  variant: %s  epoch: %d  acc: %.3f  mask: %v\n",
		info.Format, info.Session, info.Variant, info.Epoch, info.Acc, info.HasMask)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Tensor", "Shape"})
	for _, t := range info.Params {
		dims := make([]string, len(t.Shape))
		for i, d := range t.Shape {
			dims[i] = fmt.Sprint(d)
		}
		table.Append([]string{t.Name, strings.Join(dims, "x")})
	}
	table.SetFooter([]string{"Total", p.Sprintf("%d", info.NumParams)})
	table.Render()
	return nil
}
