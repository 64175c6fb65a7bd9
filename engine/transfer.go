package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tsawler/go-vid2bp/checkpoints"
	"github.com/tsawler/go-vid2bp/deepphys"
	"github.com/tsawler/go-vid2bp/optimizer"
	"github.com/tsawler/go-vid2bp/tensor"
	"github.com/tsawler/go-vid2bp/training"
)

// TransferResult is the outcome of one head training step.
type TransferResult struct {
	Loss      float64
	Gradients map[string]*tensor.Tensor
}

// TransferModel pairs a frozen DeepPhys base with a small regression head trained on
// bottleneck vectors. Only the head is updated by Train.
type TransferModel struct {
	guard   sync.Mutex
	base    *deepphys.Network
	head    *deepphys.Network
	baseSet *weightSet
	headSet *weightSet
	allSet  *weightSet
	opt     optimizer.Optimizer
	loss    *training.MSELoss
	cfg     ModelConfig
	log     *slog.Logger
	steps   int
}

// NewTransferModel builds a base network seeded with cfg.Seed and a head seeded with
// cfg.Seed+1.
func NewTransferModel(cfg ModelConfig) (*TransferModel, error) {
	if err := cfg.Device.CheckAvailable(); err != nil {
		return nil, err
	}
	base, err := deepphys.New(cfg.Seed)
	if err != nil {
		return nil, err
	}
	head, err := deepphys.NewTransferHead(cfg.Seed + 1)
	if err != nil {
		return nil, err
	}
	baseSet, err := newWeightSet(base)
	if err != nil {
		return nil, err
	}
	headSet, err := newWeightSet(head)
	if err != nil {
		return nil, err
	}
	allSet, err := newWeightSet(base, head)
	if err != nil {
		return nil, err
	}
	opt, err := cfg.newOptimizer()
	if err != nil {
		return nil, err
	}
	return &TransferModel{
		base:    base,
		head:    head,
		baseSet: baseSet,
		headSet: headSet,
		allSet:  allSet,
		opt:     opt,
		loss:    training.NewMSELoss("mean"),
		cfg:     cfg,
		log:     cfg.logger(),
	}, nil
}

func (tm *TransferModel) acquire() error {
	if !tm.guard.TryLock() {
		return ErrModelBusy
	}
	return nil
}

// Load runs the frozen base up to the bottleneck and returns the [batch, 5184] features.
func (tm *TransferModel) Load(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := tm.acquire(); err != nil {
		return nil, err
	}
	defer tm.guard.Unlock()
	return tm.base.Bottleneck(x)
}

// Train updates the head on a batch of bottleneck vectors and returns the loss with
// the gradient of every head weight.
func (tm *TransferModel) Train(bottleneck, y *tensor.Tensor) (TransferResult, error) {
	if err := tm.acquire(); err != nil {
		return TransferResult{}, err
	}
	defer tm.guard.Unlock()

	pred, err := tm.head.Forward(bottleneck)
	if err != nil {
		return TransferResult{}, err
	}
	loss, err := tm.loss.Forward(pred, y)
	if err != nil {
		return TransferResult{}, fmt.Errorf("labels: %w", err)
	}
	dOut, err := tm.loss.Backward(pred, y)
	if err != nil {
		return TransferResult{}, err
	}
	tm.head.ZeroGrad()
	if _, err := tm.head.Backward(dOut); err != nil {
		return TransferResult{}, err
	}

	grads := make(map[string]*tensor.Tensor, len(tm.head.Params()))
	for _, p := range tm.head.Params() {
		grads[p.Name] = p.Grad.Clone()
	}
	if err := tm.opt.Step(tm.head.Params()); err != nil {
		return TransferResult{}, fmt.Errorf("optimizer step failed: %w", err)
	}
	tm.steps++
	return TransferResult{Loss: loss, Gradients: grads}, nil
}

// Infer maps frame pairs through the base bottleneck and the head.
func (tm *TransferModel) Infer(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := tm.acquire(); err != nil {
		return nil, err
	}
	defer tm.guard.Unlock()

	features, err := tm.base.Bottleneck(x)
	if err != nil {
		return nil, err
	}
	return tm.head.Forward(features)
}

// Save writes the base and head weights to one checkpoint.
func (tm *TransferModel) Save(path string) (string, error) {
	if err := tm.acquire(); err != nil {
		return "", err
	}
	defer tm.guard.Unlock()

	ckpt := &checkpoints.Checkpoint{
		SchemaVersion: deepphys.SchemaVersion,
		Weights:       tm.allSet.snapshot(),
		TrainingState: checkpoints.TrainingState{Step: tm.steps, TotalSteps: tm.steps},
		Metadata: checkpoints.CheckpointMetadata{
			Version:     "1.0.0",
			Framework:   "go-vid2bp",
			CreatedAt:   time.Now().UTC(),
			RunID:       tm.cfg.RunID,
			Description: "transfer",
		},
	}
	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatForPath(path))
	if err := saver.SaveCheckpoint(ckpt, path); err != nil {
		return "", err
	}
	tm.log.Debug("transfer checkpoint saved", "path", path, "weights", len(ckpt.Weights))
	return path, nil
}

// Restore reads base and head weights from a checkpoint written by Save. Nothing is
// modified unless every name is present.
func (tm *TransferModel) Restore(path string) (map[string]*tensor.Tensor, error) {
	if err := tm.acquire(); err != nil {
		return nil, err
	}
	defer tm.guard.Unlock()

	restored, err := tm.allSet.restore(path)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", path, err)
	}
	return restored, nil
}

// RestoreBase loads only the base weights, e.g. from a checkpoint written by Model.Save.
func (tm *TransferModel) RestoreBase(path string) (map[string]*tensor.Tensor, error) {
	if err := tm.acquire(); err != nil {
		return nil, err
	}
	defer tm.guard.Unlock()

	restored, err := tm.baseSet.restore(path)
	if err != nil {
		return nil, fmt.Errorf("restore base %s: %w", path, err)
	}
	return restored, nil
}

// HeadWeights returns a copy of the head weights.
func (tm *TransferModel) HeadWeights() map[string]*tensor.Tensor {
	tm.guard.Lock()
	defer tm.guard.Unlock()
	return tm.headSet.values()
}
