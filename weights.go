package cudnnlstm

import (
	"math"
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// InitWeights creates a randomized packed buffer for the
// configuration.
//
// Every element is drawn uniformly from [-k, k] with
// k = sqrt(1/hidden), the scale the accelerated kernel's
// reference initialization uses.
//
// If rng is nil, a global generator is used.
func InitWeights(c anyvec.Creator, cfg *Config, rng *rand.Rand) anyvec.Vector {
	k := math.Sqrt(1 / float64(cfg.HiddenSize))
	res := c.MakeVector(cfg.ParamCount())
	anyvec.Rand(res, anyvec.Uniform, rng)
	res.Scale(c.MakeNumeric(2 * k))
	res.AddScalar(c.MakeNumeric(-k))
	return res
}

// Weights is the unpacked form of a packed parameter
// buffer, with one entry per pseudo-layer in index order.
type Weights struct {
	Layers []*LayerWeights
}

// LayerWeights holds the gate-stacked parameters of one
// pseudo-layer.
//
// The weight matrices are flattened row-major. Slicing
// any of the four tensors into four equal leading blocks
// yields the input, forget, cell and output gate
// parameters, in that order.
type LayerWeights struct {
	InCount     int
	HiddenCount int

	WIh anydiff.Res
	WHh anydiff.Res
	BIh anydiff.Res
	BHh anydiff.Res
}

// Unpack splits a packed buffer into per-pseudo-layer
// weights.
//
// The result is differentiable: each sub-tensor is a
// slice of packed, so gradients flow back into the
// buffer.
//
// Fails with a *ShapeError if the buffer does not have
// exactly cfg.ParamCount() elements.
func Unpack(cfg *Config, packed anydiff.Res) (*Weights, error) {
	if packed.Output().Len() != cfg.ParamCount() {
		return nil, &ShapeError{
			Name:     "packed buffer",
			Expected: cfg.ParamCount(),
			Actual:   packed.Output().Len(),
		}
	}
	shapes := cfg.Shapes()
	n := cfg.NumPseudoLayers()
	res := &Weights{Layers: make([]*LayerWeights, n)}
	for l := range res.Layers {
		res.Layers[l] = &LayerWeights{
			InCount:     cfg.inputSizeAt(l),
			HiddenCount: cfg.HiddenSize,
		}
	}
	var offset int
	next := func(s Shape) anydiff.Res {
		sub := anydiff.Slice(packed, offset, offset+s.Product())
		offset += s.Product()
		return sub
	}
	for l := 0; l < n; l++ {
		res.Layers[l].WIh = next(shapes[2*l])
		res.Layers[l].WHh = next(shapes[2*l+1])
	}
	for l := 0; l < n; l++ {
		res.Layers[l].BIh = next(shapes[2*n+2*l])
		res.Layers[l].BHh = next(shapes[2*n+2*l+1])
	}
	return res, nil
}

// Pack re-flattens the weights into a packed buffer.
//
// Packing the result of Unpack reproduces the original
// buffer exactly.
func (w *Weights) Pack(c anyvec.Creator) anyvec.Vector {
	parts := make([]anyvec.Vector, 0, 4*len(w.Layers))
	for _, l := range w.Layers {
		parts = append(parts, l.WIh.Output(), l.WHh.Output())
	}
	for _, l := range w.Layers {
		parts = append(parts, l.BIh.Output(), l.BHh.Output())
	}
	return c.Concat(parts...)
}
