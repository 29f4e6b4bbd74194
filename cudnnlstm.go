// Package cudnnlstm implements multi-layer LSTMs whose
// parameters are stored in a single packed buffer with
// the dense layout used by cuDNN-style accelerated RNN
// kernels.
//
// A bidirectional network is treated as having twice as
// many layers, where each (layer, direction) pair is one
// pseudo-layer. Forward directions are even pseudo-layers
// and reverse directions are odd ones, so a 2-layer
// bidirectional network has pseudo-layers (forward-0,
// reverse-0, forward-1, reverse-1).
//
// Every pseudo-layer has four gate-stacked parameters:
//
//	W_ih: [4*hidden x in]      input transformation
//	W_hh: [4*hidden x hidden]  state transformation
//	b_ih: [4*hidden]           input-side bias
//	b_hh: [4*hidden]           state-side bias
//
// The four row blocks of each parameter correspond to the
// input, forget, cell and output gates, in that order.
// The packed buffer stores W_ih followed by W_hh for
// every pseudo-layer in index order, flattened row-major,
// and then b_ih followed by b_hh for every pseudo-layer:
//
//	(W_ih^0, W_hh^0, ..., W_ih^n, W_hh^n,
//	 b_ih^0, b_hh^0, ..., b_ih^n, b_hh^n)
//
// This layout is the compatibility surface with the
// external kernel and must not change.
//
// Sequence tensors are batch-major: an input has shape
// [batch x seqLen x in] and an output has shape
// [batch x seqLen x dirs*hidden], flattened row-major.
// Initial and final states have shape
// [pseudoLayers x batch x hidden].
package cudnnlstm

import (
	"errors"
	"fmt"

	"github.com/unixpickle/anydiff"
)

var (
	// ErrDropout is returned when a non-zero dropout rate
	// is requested from the reference evaluator, which
	// cannot reproduce a kernel's internal dropout mask.
	ErrDropout = errors.New("dropout is not supported")

	// ErrRagged is returned when the sequence lengths are
	// not all equal to the maximum sequence length.
	ErrRagged = errors.New("ragged sequences are not supported")

	// ErrKernelUnavailable is reported by a Kernel whose
	// backing implementation is not present on the host.
	// Callers should fall back to Reference.
	ErrKernelUnavailable = errors.New("accelerated kernel is unavailable")
)

// A ShapeError indicates that a buffer or state tensor
// disagrees with the sizes implied by a Config.
type ShapeError struct {
	Name     string
	Expected int
	Actual   int

	// Multiple indicates that the size should have been a
	// multiple of Expected rather than exactly Expected.
	Multiple bool
}

// Error generates a human-readable message.
func (s *ShapeError) Error() string {
	if s.Multiple {
		return fmt.Sprintf("%s: size %d is not a multiple of %d", s.Name,
			s.Actual, s.Expected)
	}
	return fmt.Sprintf("%s: size %d should be %d", s.Name, s.Actual, s.Expected)
}

// Config describes the architecture of a packed LSTM.
type Config struct {
	InputSize  int
	HiddenSize int
	NumLayers  int

	// Bidirectional runs every layer in both time
	// directions and concatenates the two output
	// sequences along the feature axis.
	Bidirectional bool
}

// NumDirections returns 2 for bidirectional networks and
// 1 otherwise.
func (c *Config) NumDirections() int {
	if c.Bidirectional {
		return 2
	}
	return 1
}

// NumPseudoLayers returns the number of (layer,
// direction) pairs.
func (c *Config) NumPseudoLayers() int {
	return c.NumLayers * c.NumDirections()
}

// inputSizeAt returns the input size of pseudo-layer l.
// Only the pseudo-layers of the first logical layer see
// the raw input; deeper layers see the concatenated
// outputs of every direction of the previous layer.
func (c *Config) inputSizeAt(l int) int {
	if l == 0 || (l == 1 && c.Bidirectional) {
		return c.InputSize
	}
	return c.NumDirections() * c.HiddenSize
}

// evalDims derives the batch size and sequence length
// from the input and state tensors.
func evalDims(c *Config, x, h0, c0 anydiff.Res, seqLens []int) (batch, seqLen int, err error) {
	if c0.Output().Len() != h0.Output().Len() {
		return 0, 0, &ShapeError{
			Name:     "initial cell state",
			Expected: h0.Output().Len(),
			Actual:   c0.Output().Len(),
		}
	}
	stateChunk := c.NumPseudoLayers() * c.HiddenSize
	stateLen := h0.Output().Len()
	if stateLen == 0 || stateLen%stateChunk != 0 {
		return 0, 0, &ShapeError{
			Name:     "initial hidden state",
			Expected: stateChunk,
			Actual:   stateLen,
			Multiple: true,
		}
	}
	batch = stateLen / stateChunk
	inChunk := batch * c.InputSize
	xLen := x.Output().Len()
	if xLen == 0 || xLen%inChunk != 0 {
		return 0, 0, &ShapeError{
			Name:     "input sequence",
			Expected: inChunk,
			Actual:   xLen,
			Multiple: true,
		}
	}
	seqLen = xLen / inChunk
	if len(seqLens) != batch {
		return 0, 0, &ShapeError{
			Name:     "sequence lengths",
			Expected: batch,
			Actual:   len(seqLens),
		}
	}
	for _, l := range seqLens {
		if l != seqLen {
			return 0, 0, ErrRagged
		}
	}
	return batch, seqLen, nil
}
