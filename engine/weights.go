package engine

import (
	"fmt"

	"github.com/tsawler/go-vid2bp/checkpoints"
	"github.com/tsawler/go-vid2bp/deepphys"
	"github.com/tsawler/go-vid2bp/layers"
	"github.com/tsawler/go-vid2bp/tensor"
)

// weightSet binds the schema entries of one or more networks to their live parameters.
type weightSet struct {
	specs  []layers.ParamSpec
	params []*layers.Parameter
}

func newWeightSet(nets ...*deepphys.Network) (*weightSet, error) {
	ws := &weightSet{}
	for _, n := range nets {
		for _, ps := range n.Spec().Params() {
			p, ok := n.Param(ps.Name)
			if !ok {
				return nil, fmt.Errorf("%s: %w", ps.Name, checkpoints.ErrWeightNotFound)
			}
			ws.specs = append(ws.specs, ps)
			ws.params = append(ws.params, p)
		}
	}
	return ws, nil
}

func (ws *weightSet) names() []string {
	names := make([]string, len(ws.specs))
	for i, ps := range ws.specs {
		names[i] = ps.Name
	}
	return names
}

// snapshot copies every weight in schema order.
func (ws *weightSet) snapshot() []checkpoints.WeightTensor {
	out := make([]checkpoints.WeightTensor, len(ws.specs))
	for i, ps := range ws.specs {
		data := make([]float32, len(ws.params[i].Value.Data))
		copy(data, ws.params[i].Value.Data)
		out[i] = checkpoints.WeightTensor{
			Name:  ps.Name,
			Shape: append([]int(nil), ps.Shape...),
			Data:  data,
			Layer: ps.Layer,
			Type:  ps.Kind,
		}
	}
	return out
}

func (ws *weightSet) values() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, len(ws.params))
	for _, p := range ws.params {
		out[p.Name] = p.Value.Clone()
	}
	return out
}

// assign validates every named value against the schema and only then copies them in.
// Nothing is modified when any entry is missing or has the wrong shape.
func (ws *weightSet) assign(values map[string]*tensor.Tensor) error {
	for i, ps := range ws.specs {
		v, ok := values[ps.Name]
		if !ok {
			return fmt.Errorf("%s: %w", ps.Name, checkpoints.ErrWeightNotFound)
		}
		if !tensor.ShapesEqual(v.Shape, ws.params[i].Value.Shape) {
			return fmt.Errorf("weight %s has shape %v, want %v: %w", ps.Name, v.Shape, ps.Shape, tensor.ErrShapeMismatch)
		}
	}
	for i, ps := range ws.specs {
		copy(ws.params[i].Value.Data, values[ps.Name].Data)
	}
	return nil
}

// read loads every schema weight from a checkpoint file.
func (ws *weightSet) read(path string) (map[string]*tensor.Tensor, error) {
	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatForPath(path))
	stored, err := saver.LoadWeights(path, ws.names())
	if err != nil {
		return nil, err
	}
	out := make(map[string]*tensor.Tensor, len(stored))
	for name, w := range stored {
		t, err := w.Tensor()
		if err != nil {
			return nil, err
		}
		out[name] = t
	}
	return out, nil
}

// restore reads then assigns, returning copies of the restored values.
func (ws *weightSet) restore(path string) (map[string]*tensor.Tensor, error) {
	values, err := ws.read(path)
	if err != nil {
		return nil, err
	}
	if err := ws.assign(values); err != nil {
		return nil, err
	}
	return ws.values(), nil
}
