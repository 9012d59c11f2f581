package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/chaoso/EdgeML/internal/config"
	"github.com/chaoso/EdgeML/internal/dataset"
	"github.com/chaoso/EdgeML/internal/graph"
	emilog "github.com/chaoso/EdgeML/internal/log"
	"github.com/chaoso/EdgeML/internal/model"
	"github.com/chaoso/EdgeML/internal/session"
	"github.com/chaoso/EdgeML/internal/trainer"
)

func main() {
	flagSet := pflag.NewFlagSet("emirnn-train", pflag.ContinueOnError)
	cfgPath := flagSet.String("config", "", "Path to YAML config (defaults are used when empty)")
	lossType := flagSet.String("loss", "", "Loss type: xentropy or l2")
	stepSize := flagSet.Float64("step-size", 0, "Adam learning rate")
	batchSize := flagSet.Int("batch-size", 0, "Bags per batch")
	epochs := flagSet.Int("epochs", 0, "Passes over the dataset")
	echoInterval := flagSet.Int("echo-interval", 0, "Report the loss every N batches")
	seed := flagSet.Int64("seed", 0, "PRNG seed")
	logLevel := flagSet.String("log-level", "", "Log level")
	metricsAddr := flagSet.String("metrics-addr", "", "Serve Prometheus metrics on this address")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.ApplyOverrides(config.Overrides{
		LossType:     *lossType,
		StepSize:     *stepSize,
		BatchSize:    *batchSize,
		Epochs:       *epochs,
		EchoInterval: *echoInterval,
		Seed:         *seed,
		LogLevel:     *logLevel,
		MetricsAddr:  *metricsAddr,
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	emilog.Configure(emilog.Config{Level: cfg.LogLevel, Service: "emirnn-train"})
	logger := emilog.WithComponent("main").With().Str(emilog.FieldRunID, uuid.NewString()).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error().Err(err).Msg("training failed")
		os.Exit(1)
	}
	logger.Info().Msg("training finished")
}

func run(ctx context.Context, cfg *config.Config) error {
	bags, err := dataset.Synthetic(dataset.SyntheticOptions{
		NumBags:      cfg.NumBags,
		Subinstances: cfg.Subinstances,
		TimeSteps:    cfg.TimeSteps,
		Features:     cfg.Features,
		Classes:      cfg.Outputs,
		Noise:        cfg.Noise,
		Seed:         cfg.Seed,
	})
	if err != nil {
		return err
	}

	g := graph.New()
	x := gorgonia.NewTensor(g.ExprGraph, tensor.Float64, 4,
		gorgonia.WithShape(cfg.BatchSize, cfg.Subinstances, cfg.TimeSteps, cfg.Features),
		gorgonia.WithName("X"))
	y := gorgonia.NewTensor(g.ExprGraph, tensor.Float64, 3,
		gorgonia.WithShape(cfg.BatchSize, cfg.Subinstances, cfg.Outputs),
		gorgonia.WithName("Y"))

	predicted, err := model.NewReadout(g, cfg.Features, cfg.Outputs, 0.1, cfg.Seed).Forward(x)
	if err != nil {
		return err
	}

	tr, err := trainer.New(trainer.Config{
		NumTimeSteps: cfg.TimeSteps,
		NumOutput:    cfg.Outputs,
		StepSize:     cfg.StepSize,
		LossType:     trainer.LossType(cfg.LossType),
		Optimizer:    cfg.Optimizer,
		AutoMode:     cfg.AutoModeEnabled(),
	})
	if err != nil {
		return err
	}
	mask, err := trainer.NewIndicator(cfg.TimeSteps, cfg.Outputs, cfg.LossStart)
	if err != nil {
		return err
	}
	if _, _, err := tr.Build(g, predicted, y, mask); err != nil {
		return err
	}

	it, err := dataset.NewIterator(bags, dataset.IteratorOptions{X: x, Y: y, Epochs: cfg.Epochs, Seed: cfg.Seed})
	if err != nil {
		return err
	}
	sess, err := session.New(g, it)
	if err != nil {
		return err
	}
	defer sess.Close()

	grp, ctx := errgroup.WithContext(ctx)
	trainCtx, done := context.WithCancel(ctx)
	defer done()

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		grp.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		grp.Go(func() error {
			<-trainCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	grp.Go(func() error {
		defer done()
		batches, err := tr.TrainModel(trainCtx, sess, trainer.TrainOptions{EchoInterval: cfg.EchoInterval, Out: os.Stdout})
		fmt.Println()
		if err != nil {
			return err
		}
		fmt.Printf("batches=%d final_loss=%.5f\n", batches, tr.LastLoss())
		return nil
	})

	return grp.Wait()
}
