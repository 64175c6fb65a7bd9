// Package pipeline runs the DeepPhys workflow end to end: import frames when needed,
// load the dataset, train, checkpoint, export a bundle, convert it to a quantized
// artifact and check that both agree before the quantized artifact is kept.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tsawler/go-vid2bp/config"
	"github.com/tsawler/go-vid2bp/dataset"
	"github.com/tsawler/go-vid2bp/engine"
	"github.com/tsawler/go-vid2bp/export"
	"github.com/tsawler/go-vid2bp/heartrate"
	"github.com/tsawler/go-vid2bp/preprocessing"
	"github.com/tsawler/go-vid2bp/tensor"
	"github.com/tsawler/go-vid2bp/training"
)

// MetricsNamespace prefixes every collector registered by the pipeline.
const MetricsNamespace = "deepphys"

// DetrendLambda is the smoothness prior used when recovering a pulse waveform.
const DetrendLambda = 100

// HeartRate compares the heart rate recovered from predictions with the one recovered
// from the labels of the same samples.
type HeartRate struct {
	Predicted float64
	Reference float64
}

// Result summarizes a run.
type Result struct {
	RunID string
	Mode  string
	// Ingest is set when the train container was built from a frame directory.
	Ingest         *Ingest
	History        []training.TrainingMetrics
	Test           *training.RegressionMetrics
	TestLoss       float64
	CheckpointPath string
	ExportDir      string
	QuantizedPath  string
	Parity         export.ParityReport
	// HeartRate is nil when the validation split is too short to resolve the band.
	HeartRate *HeartRate
	// Signals is set when a split root is configured.
	Signals  *SignalReport
	Duration time.Duration
}

// trainable is what the stages after loading need from either training mode.
type trainable interface {
	training.Module
	Save(path string) (string, error)
}

// headTrainer trains a transfer head: each batch is mapped to bottleneck features by
// the frozen base before the head is updated.
type headTrainer struct {
	*engine.TransferModel
}

func (h headTrainer) Train(x, y *tensor.Tensor) (training.StepResult, error) {
	features, err := h.Load(x)
	if err != nil {
		return training.StepResult{}, err
	}
	res, err := h.TransferModel.Train(features, y)
	if err != nil {
		return training.StepResult{}, err
	}
	return training.StepResult{Loss: res.Loss}, nil
}

// Pipeline holds the explicit dependencies of a run.
type Pipeline struct {
	cfg *config.Config
	log *slog.Logger
	reg prometheus.Registerer
}

// New creates a pipeline over a copy of cfg with unset fields defaulted. A nil logger
// discards output; a nil registerer leaves the training metrics unregistered.
func New(cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := *cfg
	c.ApplyDefaults()
	return &Pipeline{cfg: &c, log: logger, reg: reg}
}

// Run executes every stage. The context is checked between stages.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	cfg := p.cfg
	res := &Result{RunID: uuid.NewString()}
	log := p.log.With("run_id", res.RunID)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	res.Mode = cfg.Train.Mode
	quant, err := export.ParseQuantization(cfg.Export.Quantization)
	if err != nil {
		return nil, err
	}
	device, err := tensor.ParseDevice(cfg.Device)
	if err != nil {
		return nil, err
	}
	modelCfg := engine.ModelConfig{
		Device:       device,
		Seed:         cfg.Train.Seed,
		LearningRate: cfg.Train.LearningRate,
		Optimizer:    cfg.Train.Optimizer,
		RunID:        res.RunID,
		Logger:       log,
	}

	// ingest
	trainPath := cfg.DatasetPath("train")
	if res.Ingest, err = p.ingest(trainPath, log); err != nil {
		return nil, err
	}

	// load
	full, err := dataset.LoadVideo(trainPath)
	if err != nil {
		return nil, err
	}
	trainSet, validSet, err := full.Split(cfg.Train.TrainRatio)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", trainPath, err)
	}
	log.Info("dataset loaded", "path", trainPath, "train", trainSet.Len(), "valid", validSet.Len())

	trainLoader, err := training.NewDataLoader(trainSet, cfg.Train.BatchSize, *cfg.Train.Shuffle, cfg.Train.Seed)
	if err != nil {
		return nil, err
	}
	validLoader, err := training.NewDataLoader(validSet, cfg.Train.BatchSize, false, cfg.Train.Seed)
	if err != nil {
		return nil, err
	}

	// train
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	module, model, err := p.buildModel(modelCfg, log)
	if err != nil {
		return nil, err
	}
	counters, err := training.NewMetrics(p.reg, MetricsNamespace)
	if err != nil {
		return nil, err
	}
	trainer := training.NewTrainer(module, training.TrainingConfig{
		Epochs:        cfg.Train.Epochs,
		ValidateEvery: 1,
		EarlyStopping: cfg.Train.EarlyStopping,
		Patience:      cfg.Train.Patience,
	}, log, counters)
	if err := trainer.Train(trainLoader, validLoader); err != nil {
		return nil, err
	}
	res.History = trainer.GetMetrics()

	if err := p.evaluateTest(trainer, res, log); err != nil {
		return nil, err
	}

	// save
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if res.CheckpointPath, err = module.Save(cfg.Checkpoint.Path); err != nil {
		return nil, err
	}
	log.Info("checkpoint saved", "path", res.CheckpointPath, "mode", cfg.Train.Mode)

	if model != nil {
		if err := p.export(ctx, model, modelCfg, quant, validSet, res, log); err != nil {
			return nil, err
		}
	} else {
		log.Info("export skipped, the bundle format holds full models only", "mode", cfg.Train.Mode)
	}

	// heart rate on the validation split
	hr, err := p.heartRate(module, validSet)
	switch {
	case errors.Is(err, heartrate.ErrNoBandCoverage):
		log.Warn("validation split too short for heart-rate estimation", "samples", validSet.Len())
	case err != nil:
		return nil, err
	default:
		res.HeartRate = hr
		log.Info("heart rate estimated", "predicted_bpm", hr.Predicted, "reference_bpm", hr.Reference)
	}

	// waveform splits
	if cfg.Params.SplitRoot != "" {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report, err := EvaluateSplits(cfg.Params.SplitRoot, cfg.Params.Label, cfg.Params.FrameRate)
		switch {
		case errors.Is(err, heartrate.ErrNoBandCoverage):
			log.Warn("test waveforms too short for heart-rate estimation", "root", cfg.Params.SplitRoot, "skipped", report.Skipped)
		case err != nil:
			return nil, err
		default:
			res.Signals = report
			log.Info("waveform splits evaluated", "label", report.Label, "rows", report.Rows,
				"input_bpm", report.MeanInputBPM, "label_bpm", report.MeanLabelBPM, "mae", report.MAE)
		}
	}

	res.Duration = time.Since(start)
	log.Info("pipeline complete", "duration", res.Duration)
	return res, nil
}

// ingest builds the train container from the frame directory when one is configured
// and the container does not exist yet.
func (p *Pipeline) ingest(trainPath string, log *slog.Logger) (*Ingest, error) {
	dir := p.cfg.Params.FramesDir
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(trainPath); err == nil {
		log.Debug("train container exists, frames not imported", "path", trainPath)
		return nil, nil
	}
	in, err := ImportFrames(dir, p.cfg.Params.DatasetName, trainPath)
	if err != nil {
		return nil, err
	}
	log.Info("frames imported", "dir", dir, "frames", in.Frames, "pairs", in.Pairs, "path", trainPath)
	log.Debug("frame cache", "stats", in.Cache.String())
	return in, nil
}

// buildModel returns the module to train. The full model is also returned for export;
// it is nil in transfer mode.
func (p *Pipeline) buildModel(modelCfg engine.ModelConfig, log *slog.Logger) (trainable, *engine.Model, error) {
	if p.cfg.Train.Mode != config.ModeTransfer {
		model, err := engine.NewModel(modelCfg)
		if err != nil {
			return nil, nil, err
		}
		return model, model, nil
	}
	tm, err := engine.NewTransferModel(modelCfg)
	if err != nil {
		return nil, nil, err
	}
	restored, err := tm.RestoreBase(p.cfg.Train.BaseCheckpoint)
	if err != nil {
		return nil, nil, err
	}
	log.Info("base restored", "path", p.cfg.Train.BaseCheckpoint, "weights", len(restored))
	return headTrainer{tm}, nil, nil
}

// export writes the bundle, converts it and keeps the quantized artifact only if it
// passes the parity check.
func (p *Pipeline) export(ctx context.Context, model *engine.Model, modelCfg engine.ModelConfig,
	quant export.Quantization, validSet training.Dataset, res *Result, log *slog.Logger) error {
	cfg := p.cfg
	if err := ctx.Err(); err != nil {
		return err
	}
	graph, err := export.Export(model, cfg.Export.Dir, export.Options{BatchSize: cfg.Train.BatchSize})
	if err != nil {
		return err
	}
	res.ExportDir = cfg.Export.Dir
	log.Info("bundle exported", "dir", res.ExportDir, "artifact_id", graph.ArtifactID)

	converted, err := export.Convert(cfg.Export.Dir, cfg.Export.QuantizedPath, quant)
	if err != nil {
		return err
	}
	log.Info("bundle converted", "path", cfg.Export.QuantizedPath, "quantization", quant, "artifact_id", converted.ArtifactID)

	// parity
	if err := ctx.Err(); err != nil {
		return err
	}
	res.Parity, err = p.checkParity(modelCfg, validSet)
	if err != nil {
		if errors.Is(err, export.ErrParity) {
			os.Remove(cfg.Export.QuantizedPath)
			log.Error("quantized artifact rejected", "max_abs_diff", res.Parity.MaxAbsDiff, "tolerance", res.Parity.Tolerance)
		}
		return err
	}
	res.QuantizedPath = cfg.Export.QuantizedPath
	log.Info("parity check passed", "inputs", res.Parity.Inputs, "max_abs_diff", res.Parity.MaxAbsDiff)
	return nil
}

// evaluateTest scores the trained model on the test container when one exists.
func (p *Pipeline) evaluateTest(trainer *training.Trainer, res *Result, log *slog.Logger) error {
	path := p.cfg.DatasetPath("test")
	if _, err := os.Stat(path); err != nil {
		log.Debug("no test split", "path", path)
		return nil
	}
	testSet, err := dataset.LoadVideo(path)
	if err != nil {
		return err
	}
	loader, err := training.NewDataLoader(testSet, p.cfg.Train.BatchSize, false, p.cfg.Train.Seed)
	if err != nil {
		return err
	}
	res.TestLoss, res.Test, err = trainer.Evaluate(loader)
	if err != nil {
		return fmt.Errorf("test evaluation failed: %w", err)
	}
	log.Info("test evaluation", "loss", res.TestLoss, "mae", res.Test.MAE, "rmse", res.Test.RMSE)
	return nil
}

func (p *Pipeline) checkParity(modelCfg engine.ModelConfig, samples training.Dataset) (export.ParityReport, error) {
	src, err := export.LoadArtifact(p.cfg.Export.Dir, modelCfg)
	if err != nil {
		return export.ParityReport{}, err
	}
	dst, err := export.LoadQuantized(p.cfg.Export.QuantizedPath, modelCfg)
	if err != nil {
		return export.ParityReport{}, err
	}

	n := min(p.cfg.Export.ParitySamples, samples.Len())
	inputs := make([]*tensor.Tensor, 0, n)
	for i := 0; i < n; i++ {
		x, _, err := samples.Get(i)
		if err != nil {
			return export.ParityReport{}, err
		}
		batch, err := tensor.Stack([]*tensor.Tensor{x})
		if err != nil {
			return export.ParityReport{}, err
		}
		inputs = append(inputs, batch)
	}
	return export.CheckParity(src, dst, inputs, p.cfg.Export.ParityTolerance)
}

func (p *Pipeline) heartRate(model training.Module, samples *dataset.FramePairDataset) (*HeartRate, error) {
	if !heartrate.Covered(samples.Len(), p.cfg.Params.FrameRate, preprocessing.DefaultLowCut, preprocessing.DefaultHighCut) {
		return nil, heartrate.ErrNoBandCoverage
	}
	preds := make([]float64, 0, samples.Len())
	for i := 0; i < samples.Len(); i++ {
		x, _, err := samples.Get(i)
		if err != nil {
			return nil, err
		}
		batch, err := tensor.Stack([]*tensor.Tensor{x})
		if err != nil {
			return nil, err
		}
		out, err := model.Infer(batch)
		if err != nil {
			return nil, err
		}
		preds = append(preds, float64(out.Data[0]))
	}
	labels := make([]float64, samples.Len())
	for i, v := range samples.Labels() {
		labels[i] = float64(v)
	}

	predicted, err := HeartRateFromDeltas(preds, p.cfg.Params.FrameRate)
	if err != nil {
		return nil, fmt.Errorf("predicted heart rate: %w", err)
	}
	reference, err := HeartRateFromDeltas(labels, p.cfg.Params.FrameRate)
	if err != nil {
		return nil, fmt.Errorf("reference heart rate: %w", err)
	}
	return &HeartRate{Predicted: predicted, Reference: reference}, nil
}

// HeartRateFromDeltas integrates per-frame waveform deltas into a pulse signal and
// passes it to HeartRateFromWaveform.
func HeartRateFromDeltas(deltas []float64, fs float64) (float64, error) {
	pulse := make([]float64, len(deltas))
	var sum float64
	for i, d := range deltas {
		sum += d
		pulse[i] = sum
	}
	return HeartRateFromWaveform(pulse, fs)
}
