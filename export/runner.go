package export

import (
	"errors"
	"fmt"

	"github.com/tsawler/go-vid2bp/engine"
	"github.com/tsawler/go-vid2bp/layers"
	"github.com/tsawler/go-vid2bp/tensor"
)

// Signature names shared by every artifact.
const (
	SignatureTrain   = "train"
	SignatureInfer   = "infer"
	SignatureSave    = "save"
	SignatureRestore = "restore"
)

var (
	// ErrInvalidInput is returned when a signature input is missing, unexpected or of
	// the wrong dtype. Shape problems wrap tensor.ErrShapeMismatch instead.
	ErrInvalidInput = errors.New("invalid signature input")

	// ErrUnknownSignature is returned for a signature the artifact does not define.
	ErrUnknownSignature = errors.New("unknown signature")
)

// Value is a signature input or output: a tensor, or a string for path arguments.
type Value struct {
	Tensor *tensor.Tensor
	String string
}

// TensorValue wraps a tensor.
func TensorValue(t *tensor.Tensor) Value { return Value{Tensor: t} }

// StringValue wraps a string.
func StringValue(s string) Value { return Value{String: s} }

// Signatures returns the four entry points for a model whose training batch is fixed
// at batch and whose weights are described by params.
func Signatures(batch int, inputShape []int, params []layers.ParamSpec) []SignatureDef {
	frames := append([]int{batch}, inputShape...)
	anyFrames := append([]int{-1}, inputShape...)

	restored := make([]TensorSpec, len(params))
	for i, ps := range params {
		restored[i] = TensorSpec{Name: ps.Name, DType: tensor.Float32, Shape: append([]int(nil), ps.Shape...)}
	}
	path := TensorSpec{Name: "checkpoint_path", DType: tensor.String, Shape: []int{}}

	return []SignatureDef{
		{
			Name: SignatureTrain,
			Inputs: []TensorSpec{
				{Name: "x", DType: tensor.Float32, Shape: frames},
				{Name: "y", DType: tensor.Float32, Shape: []int{batch, 1}},
			},
			Outputs: []TensorSpec{{Name: "loss", DType: tensor.Float32, Shape: []int{}}},
		},
		{
			Name:    SignatureInfer,
			Inputs:  []TensorSpec{{Name: "x", DType: tensor.Float32, Shape: anyFrames}},
			Outputs: []TensorSpec{{Name: "output", DType: tensor.Float32, Shape: []int{-1, 1}}},
		},
		{
			Name:    SignatureSave,
			Inputs:  []TensorSpec{path},
			Outputs: []TensorSpec{path},
		},
		{
			Name:    SignatureRestore,
			Inputs:  []TensorSpec{path},
			Outputs: restored,
		},
	}
}

// SignatureRunner invokes one entry point of a loaded artifact.
type SignatureRunner struct {
	def SignatureDef
	fn  func(in map[string]Value) (map[string]Value, error)
}

// Def returns the signature definition.
func (s *SignatureRunner) Def() SignatureDef { return s.def }

// Run validates inputs against the signature and executes it.
func (s *SignatureRunner) Run(inputs map[string]Value) (map[string]Value, error) {
	if err := validateInputs(s.def, inputs); err != nil {
		return nil, err
	}
	return s.fn(inputs)
}

func validateInputs(def SignatureDef, inputs map[string]Value) error {
	for name := range inputs {
		if _, ok := def.Input(name); !ok {
			return fmt.Errorf("%s: unexpected input %q: %w", def.Name, name, ErrInvalidInput)
		}
	}
	for _, spec := range def.Inputs {
		v, ok := inputs[spec.Name]
		if !ok {
			return fmt.Errorf("%s: missing input %q: %w", def.Name, spec.Name, ErrInvalidInput)
		}
		if spec.DType == tensor.String {
			if v.Tensor != nil || v.String == "" {
				return fmt.Errorf("%s: input %q must be a non-empty string: %w", def.Name, spec.Name, ErrInvalidInput)
			}
			continue
		}
		if v.Tensor == nil {
			return fmt.Errorf("%s: input %q must be a %s tensor: %w", def.Name, spec.Name, spec.DType, ErrInvalidInput)
		}
		if v.Tensor.DType != spec.DType {
			return fmt.Errorf("%s: input %q has dtype %s, want %s: %w", def.Name, spec.Name, v.Tensor.DType, spec.DType, ErrInvalidInput)
		}
		if err := tensor.CheckShape(v.Tensor, spec.Shape); err != nil {
			return fmt.Errorf("%s: input %q: %w", def.Name, spec.Name, err)
		}
	}
	return nil
}

// Runner executes the signatures of a loaded artifact.
type Runner struct {
	graph *Graph
	model *engine.Model
	sigs  map[string]*SignatureRunner
}

func newRunner(g *Graph, model *engine.Model) (*Runner, error) {
	r := &Runner{graph: g, model: model, sigs: make(map[string]*SignatureRunner)}
	impls := map[string]func(map[string]Value) (map[string]Value, error){
		SignatureTrain: func(in map[string]Value) (map[string]Value, error) {
			res, err := model.Train(in["x"].Tensor, in["y"].Tensor)
			if err != nil {
				return nil, err
			}
			return map[string]Value{"loss": TensorValue(tensor.FromScalar(float32(res.Loss)))}, nil
		},
		SignatureInfer: func(in map[string]Value) (map[string]Value, error) {
			out, err := model.Infer(in["x"].Tensor)
			if err != nil {
				return nil, err
			}
			return map[string]Value{"output": TensorValue(out)}, nil
		},
		SignatureSave: func(in map[string]Value) (map[string]Value, error) {
			path, err := model.Save(in["checkpoint_path"].String)
			if err != nil {
				return nil, err
			}
			return map[string]Value{"checkpoint_path": StringValue(path)}, nil
		},
		SignatureRestore: func(in map[string]Value) (map[string]Value, error) {
			restored, err := model.Restore(in["checkpoint_path"].String)
			if err != nil {
				return nil, err
			}
			out := make(map[string]Value, len(restored))
			for name, t := range restored {
				out[name] = TensorValue(t)
			}
			return out, nil
		},
	}
	for name, fn := range impls {
		def, ok := g.Signature(name)
		if !ok {
			return nil, fmt.Errorf("artifact has no %q signature: %w", name, ErrMalformedGraph)
		}
		r.sigs[name] = &SignatureRunner{def: def, fn: fn}
	}
	return r, nil
}

// Graph returns the artifact's decoded graph.
func (r *Runner) Graph() *Graph { return r.graph }

// Signatures lists signature names in artifact order.
func (r *Runner) Signatures() []string {
	names := make([]string, 0, len(r.graph.Signatures))
	for _, s := range r.graph.Signatures {
		if _, ok := r.sigs[s.Name]; ok {
			names = append(names, s.Name)
		}
	}
	return names
}

// Signature returns the runner for the named entry point.
func (r *Runner) Signature(name string) (*SignatureRunner, error) {
	s, ok := r.sigs[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownSignature)
	}
	return s, nil
}

// Infer is shorthand for running the infer signature on x.
func (r *Runner) Infer(x *tensor.Tensor) (*tensor.Tensor, error) {
	s, err := r.Signature(SignatureInfer)
	if err != nil {
		return nil, err
	}
	out, err := s.Run(map[string]Value{"x": TensorValue(x)})
	if err != nil {
		return nil, err
	}
	return out["output"].Tensor, nil
}
