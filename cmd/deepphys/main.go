// Command deepphys trains a DeepPhys model on a preprocessed video dataset, then exports,
// quantizes and parity-checks it. With -frames a directory of frame images and its
// ppg.json is imported first when the train container is missing. With -base only a
// transfer head is trained over a frozen base checkpoint.
//
//	deepphys -config params.json [-epochs N] [-batch N] [-device cpu] [-metrics-addr :9090]
//	         [-frames DIR] [-base CHECKPOINT] [-splits DIR]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tsawler/go-vid2bp/config"
	"github.com/tsawler/go-vid2bp/logging"
	"github.com/tsawler/go-vid2bp/pipeline"
)

func main() {
	configPath := flag.String("config", "params.json", "path to the JSON or YAML configuration")
	epochs := flag.Int("epochs", 0, "override train.epochs")
	batch := flag.Int("batch", 0, "override train.batch_size")
	device := flag.String("device", "", "override device (cpu)")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on this address")
	frames := flag.String("frames", "", "override params.frames_dir")
	base := flag.String("base", "", "train a transfer head over this base checkpoint")
	splits := flag.String("splits", "", "override params.split_root")
	flag.Parse()

	o := overrides{
		epochs:    *epochs,
		batch:     *batch,
		device:    *device,
		framesDir: *frames,
		base:      *base,
		splitRoot: *splits,
	}
	if err := run(*configPath, o, *metricsAddr); err != nil {
		fmt.Fprintf(os.Stderr, "deepphys: %v\n", err)
		os.Exit(1)
	}
}

// overrides are command-line values that replace configuration fields when set.
type overrides struct {
	epochs    int
	batch     int
	device    string
	framesDir string
	base      string
	splitRoot string
}

func (o overrides) apply(cfg *config.Config) {
	if o.epochs > 0 {
		cfg.Train.Epochs = o.epochs
	}
	if o.batch > 0 {
		cfg.Train.BatchSize = o.batch
	}
	if o.device != "" {
		cfg.Device = o.device
	}
	if o.framesDir != "" {
		cfg.Params.FramesDir = o.framesDir
	}
	if o.base != "" {
		cfg.Train.Mode = config.ModeTransfer
		cfg.Train.BaseCheckpoint = o.base
	}
	if o.splitRoot != "" {
		cfg.Params.SplitRoot = o.splitRoot
	}
}

func run(configPath string, o overrides, metricsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	o.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closer, err := logging.New(cfg.Log, os.Stdout)
	if err != nil {
		return err
	}
	defer closer.Close()

	reg := prometheus.NewRegistry()
	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.String("err", err.Error()))
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", "addr", metricsAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := pipeline.New(cfg, logger, reg).Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("run finished",
		"run_id", res.RunID,
		"mode", res.Mode,
		"checkpoint", res.CheckpointPath,
		"bundle", res.ExportDir,
		"quantized", res.QuantizedPath,
		"max_abs_diff", res.Parity.MaxAbsDiff,
	)
	return nil
}
