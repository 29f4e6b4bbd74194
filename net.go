package cudnnlstm

import (
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var n Net
	serializer.RegisterTypedDeserializer(n.SerializerType(), DeserializeNet)
}

// A Net bundles a Config with a packed parameter buffer.
//
// The packed buffer is the only persisted artifact. Its
// layout, documented in the package comment, is shared
// with the external kernel and is stable across versions.
type Net struct {
	Config  Config
	Weights *anydiff.Var
}

// NewNet creates a Net with randomized weights.
//
// If rng is nil, a global generator is used.
func NewNet(c anyvec.Creator, cfg Config, rng *rand.Rand) *Net {
	return &Net{
		Config:  cfg,
		Weights: anydiff.NewVar(InitWeights(c, &cfg, rng)),
	}
}

// DeserializeNet deserializes a Net.
func DeserializeNet(d []byte) (*Net, error) {
	var cfg Config
	var vec *anyvecsave.S
	err := serializer.DeserializeAny(d, &cfg.InputSize, &cfg.HiddenSize,
		&cfg.NumLayers, &cfg.Bidirectional, &vec)
	if err != nil {
		return nil, essentials.AddCtx("deserialize Net", err)
	}
	if vec.Vector.Len() != cfg.ParamCount() {
		return nil, essentials.AddCtx("deserialize Net", &ShapeError{
			Name:     "packed buffer",
			Expected: cfg.ParamCount(),
			Actual:   vec.Vector.Len(),
		})
	}
	return &Net{Config: cfg, Weights: anydiff.NewVar(vec.Vector)}, nil
}

// Parameters returns the packed buffer as the network's
// single learnable parameter.
func (n *Net) Parameters() []*anydiff.Var {
	return []*anydiff.Var{n.Weights}
}

// Unpack splits the packed buffer into per-pseudo-layer
// weights.
func (n *Net) Unpack() (*Weights, error) {
	return Unpack(&n.Config, n.Weights)
}

// Eval evaluates the network on a batch-major input
// sequence.
//
// If k is nil or reports ErrKernelUnavailable, the
// reference evaluator is used instead. Note that the
// reference evaluator rejects non-zero dropout.
func (n *Net) Eval(k Kernel, x, h0, c0 anydiff.Res, seqLens []int,
	dropout float64) (Res, error) {
	if k != nil {
		res, err := Eval(k, &n.Config, x, h0, c0, n.Weights, seqLens, dropout)
		if err != ErrKernelUnavailable {
			return res, err
		}
	}
	w, err := n.Unpack()
	if err != nil {
		return nil, err
	}
	return Reference(&n.Config, w, x, h0, c0, seqLens, dropout)
}

// SerializerType returns the unique ID used to serialize
// a Net with the serializer package.
func (n *Net) SerializerType() string {
	return "github.com/unixpickle/cudnnlstm.Net"
}

// Serialize serializes the Net.
func (n *Net) Serialize() ([]byte, error) {
	return serializer.SerializeAny(n.Config.InputSize, n.Config.HiddenSize,
		n.Config.NumLayers, n.Config.Bidirectional,
		&anyvecsave.S{Vector: n.Weights.Vector})
}
