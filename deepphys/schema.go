// Package deepphys implements the DeepPhys attention-gated dual-branch CNN that maps a
// stacked frame pair to a scalar signal delta.
package deepphys

import (
	"fmt"

	"github.com/tsawler/go-vid2bp/layers"
)

// SchemaVersion identifies the weight naming scheme written into checkpoints.
const SchemaVersion = 1

// Input geometry of a frame pair tensor.
const (
	InputHeight   = 36
	InputWidth    = 36
	InputChannels = 6
)

// BottleneckSize is the flattened motion-tower output: two 2x2 poolings over the input
// and 64 channels.
const BottleneckSize = (InputHeight / 4) * (InputWidth / 4) * 64

// Node names exposed by the graphs.
const (
	BottleneckNode = "head/flatten"
	OutputNode     = "head/dense2"
	HeadOutputNode = "transfer/dense2"
)

// InputShape returns the per-sample frame pair shape.
func InputShape() []int {
	return []int{InputHeight, InputWidth, InputChannels}
}

// Schema builds the DeepPhys graph. Motion channels are 0..2 and appearance 3..5.
func Schema() (*layers.ModelSpec, error) {
	mb := layers.NewModelBuilder("deepphys", SchemaVersion, InputShape()).
		AddSplit("split", layers.Input)

	// appearance tower
	mb.AddConv2D("appearance/conv1", "split:1", 32, 3, 1).
		AddActivation(layers.Tanh, "appearance/tanh1", "appearance/conv1").
		AddConv2D("appearance/conv2", "appearance/tanh1", 32, 3, 1).
		AddActivation(layers.Tanh, "appearance/tanh2", "appearance/conv2").
		AddConv2D("appearance/attention1", "appearance/tanh2", 1, 1, 0).
		AddActivation(layers.Sigmoid, "appearance/attention1_sigmoid", "appearance/attention1").
		AddAttentionNorm("appearance/mask1", "appearance/attention1_sigmoid").
		AddAvgPool2D("appearance/pool1", "appearance/tanh2", 2).
		AddConv2D("appearance/conv3", "appearance/pool1", 64, 3, 1).
		AddActivation(layers.Tanh, "appearance/tanh3", "appearance/conv3").
		AddConv2D("appearance/conv4", "appearance/tanh3", 64, 3, 1).
		AddActivation(layers.Tanh, "appearance/tanh4", "appearance/conv4").
		AddConv2D("appearance/attention2", "appearance/tanh4", 1, 1, 0).
		AddActivation(layers.Sigmoid, "appearance/attention2_sigmoid", "appearance/attention2").
		AddAttentionNorm("appearance/mask2", "appearance/attention2_sigmoid")

	// motion tower
	mb.AddConv2D("motion/conv1", "split:0", 32, 3, 1).
		AddActivation(layers.Tanh, "motion/tanh1", "motion/conv1").
		AddConv2D("motion/conv2", "motion/tanh1", 32, 3, 1).
		AddGate("motion/gate1", "motion/conv2", "appearance/mask1").
		AddActivation(layers.Tanh, "motion/gate1_tanh", "motion/gate1").
		AddAvgPool2D("motion/pool1", "motion/gate1_tanh", 2).
		AddConv2D("motion/conv3", "motion/pool1", 64, 3, 1).
		AddActivation(layers.Tanh, "motion/tanh3", "motion/conv3").
		AddConv2D("motion/conv4", "motion/tanh3", 64, 3, 1).
		AddGate("motion/gate2", "motion/conv4", "appearance/mask2").
		AddActivation(layers.Tanh, "motion/gate2_tanh", "motion/gate2").
		AddAvgPool2D("motion/pool2", "motion/gate2_tanh", 2)

	mb.AddFlatten(BottleneckNode, "motion/pool2").
		AddDense("head/dense1", BottleneckNode, 256).
		AddDense(OutputNode, "head/dense1", 1)

	spec, err := mb.Compile(OutputNode)
	if err != nil {
		return nil, err
	}
	flat, _ := spec.Layer(BottleneckNode)
	if flat.OutputShape[0] != BottleneckSize {
		return nil, fmt.Errorf("bottleneck has %d features, want %d", flat.OutputShape[0], BottleneckSize)
	}
	return spec, nil
}

// HeadSchema builds the transfer-learning head that consumes bottleneck vectors.
func HeadSchema() (*layers.ModelSpec, error) {
	return layers.NewModelBuilder("deepphys_transfer_head", SchemaVersion, []int{BottleneckSize}).
		AddFlatten("transfer/flatten", layers.Input).
		AddDense("transfer/dense1", "transfer/flatten", 256).
		AddDense(HeadOutputNode, "transfer/dense1", 1).
		Compile(HeadOutputNode)
}
