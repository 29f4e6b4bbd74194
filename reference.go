package cudnnlstm

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// Reference evaluates the LSTM without an accelerated
// kernel, directly from unpacked weights.
//
// It reproduces the kernel's recurrence exactly: for each
// timestep, given the previous hidden and cell batches
// h and c and the current input batch x,
//
//	i = sigmoid(x*W_ii' + b_ii + h*W_hi' + b_hi)
//	f = sigmoid(x*W_if' + b_if + h*W_hf' + b_hf)
//	g = tanh(x*W_ig' + b_ig + h*W_hg' + b_hg)
//	o = sigmoid(x*W_io' + b_io + h*W_ho' + b_ho)
//	c = f*c + i*g
//	h = o*tanh(c)
//
// The input x is batch-major, h0 and c0 hold one state
// batch per pseudo-layer, and the result's outputs use
// the same layouts.
//
// Every entry of seqLens must equal the derived maximum
// sequence length, and dropout must be zero; otherwise
// ErrRagged or ErrDropout is returned.
//
// The computation is pure anydiff, so the result is
// differentiable with respect to x, h0, c0 and the
// weights.
func Reference(cfg *Config, w *Weights, x, h0, c0 anydiff.Res, seqLens []int,
	dropout float64) (Res, error) {
	if dropout != 0 {
		return nil, ErrDropout
	}
	if len(w.Layers) != cfg.NumPseudoLayers() {
		return nil, &ShapeError{
			Name:     "weights",
			Expected: cfg.NumPseudoLayers(),
			Actual:   len(w.Layers),
		}
	}
	batch, seqLen, err := evalDims(cfg, x, h0, c0, seqLens)
	if err != nil {
		return nil, err
	}

	stateChunk := batch * cfg.HiddenSize
	stateAt := func(s anydiff.Res, l int) anydiff.Res {
		return anydiff.Slice(s, l*stateChunk, (l+1)*stateChunk)
	}

	steps := splitTimeMajor(x, batch, seqLen, cfg.InputSize)
	finalH := make([]anydiff.Res, cfg.NumPseudoLayers())
	finalC := make([]anydiff.Res, cfg.NumPseudoLayers())
	for layer := 0; layer < cfg.NumLayers; layer++ {
		if !cfg.Bidirectional {
			steps, finalH[layer], finalC[layer] = runDirection(steps,
				stateAt(h0, layer), stateAt(c0, layer), w.Layers[layer], false)
		} else {
			fwd, bwd := 2*layer, 2*layer+1
			fwdOut, fh, fc := runDirection(steps, stateAt(h0, fwd),
				stateAt(c0, fwd), w.Layers[fwd], false)
			bwdOut, bh, bc := runDirection(steps, stateAt(h0, bwd),
				stateAt(c0, bwd), w.Layers[bwd], true)
			finalH[fwd], finalC[fwd] = fh, fc
			finalH[bwd], finalC[bwd] = bh, bc
			steps = concatFeatures(fwdOut, bwdOut, batch, cfg.HiddenSize)
		}
	}

	y := joinBatchMajor(steps, batch, cfg.NumDirections()*cfg.HiddenSize)
	hn := anydiff.Concat(finalH...)
	cn := anydiff.Concat(finalC...)
	return &refRes{
		OutY: y,
		OutH: hn,
		OutC: cn,
		V:    anydiff.MergeVarSets(y.Vars(), hn.Vars(), cn.Vars()),
	}, nil
}

// runDirection runs one pseudo-layer over the time-major
// step batches, either forward or reverse in time.
//
// The returned outputs are aligned to the original time
// order regardless of direction, so for a reverse run the
// final state corresponds to outs[0].
func runDirection(steps []anydiff.Res, h, c anydiff.Res, w *LayerWeights,
	reverse bool) (outs []anydiff.Res, hN, cN anydiff.Res) {
	outs = make([]anydiff.Res, len(steps))
	for i := range steps {
		t := i
		if reverse {
			t = len(steps) - 1 - i
		}
		h, c = stepCell(steps[t], h, c, w)
		outs[t] = h
	}
	return outs, h, c
}

// stepCell applies the cell update for a single timestep
// of a batch.
func stepCell(in, h, c anydiff.Res, w *LayerWeights) (anydiff.Res, anydiff.Res) {
	inGate := gate(in, h, w, 0, anydiff.Sigmoid)
	forget := gate(in, h, w, 1, anydiff.Sigmoid)
	cand := gate(in, h, w, 2, anydiff.Tanh)
	outGate := gate(in, h, w, 3, anydiff.Sigmoid)
	newC := anydiff.Add(anydiff.Mul(forget, c), anydiff.Mul(inGate, cand))
	newH := anydiff.Mul(outGate, anydiff.Tanh(newC))
	return newH, newC
}

// gate computes one gate of the cell update, selecting
// the gate's row block from each gate-stacked parameter.
func gate(in, h anydiff.Res, w *LayerWeights, idx int,
	activation func(anydiff.Res) anydiff.Res) anydiff.Res {
	n := w.HiddenCount
	wi := anydiff.Slice(w.WIh, idx*n*w.InCount, (idx+1)*n*w.InCount)
	wh := anydiff.Slice(w.WHh, idx*n*n, (idx+1)*n*n)
	bi := anydiff.Slice(w.BIh, idx*n, (idx+1)*n)
	bh := anydiff.Slice(w.BHh, idx*n, (idx+1)*n)
	inTerm := anydiff.AddRepeated(applyWeights(w.InCount, n, wi, in), bi)
	hTerm := anydiff.AddRepeated(applyWeights(n, n, wh, h), bh)
	return activation(anydiff.Add(inTerm, hTerm))
}

func applyWeights(in, out int, weights anydiff.Res, batch anydiff.Res) anydiff.Res {
	weightMat := &anydiff.Matrix{Data: weights, Rows: out, Cols: in}
	inMat := &anydiff.Matrix{Data: batch, Rows: batch.Output().Len() / in, Cols: in}
	return anydiff.MatMul(false, true, inMat, weightMat).Data
}

// splitTimeMajor slices a batch-major sequence tensor
// into one batch per timestep.
func splitTimeMajor(x anydiff.Res, batch, seqLen, feat int) []anydiff.Res {
	res := make([]anydiff.Res, seqLen)
	for t := range res {
		parts := make([]anydiff.Res, batch)
		for b := range parts {
			start := (b*seqLen + t) * feat
			parts[b] = anydiff.Slice(x, start, start+feat)
		}
		res[t] = anydiff.Concat(parts...)
	}
	return res
}

// joinBatchMajor is the inverse of splitTimeMajor.
func joinBatchMajor(steps []anydiff.Res, batch, feat int) anydiff.Res {
	parts := make([]anydiff.Res, 0, batch*len(steps))
	for b := 0; b < batch; b++ {
		for _, s := range steps {
			parts = append(parts, anydiff.Slice(s, b*feat, (b+1)*feat))
		}
	}
	return anydiff.Concat(parts...)
}

// concatFeatures joins the forward and reverse outputs of
// a bidirectional layer along the feature axis, timestep
// by timestep.
func concatFeatures(fwd, bwd []anydiff.Res, batch, feat int) []anydiff.Res {
	res := make([]anydiff.Res, len(fwd))
	for t := range res {
		parts := make([]anydiff.Res, 0, 2*batch)
		for b := 0; b < batch; b++ {
			parts = append(parts, anydiff.Slice(fwd[t], b*feat, (b+1)*feat),
				anydiff.Slice(bwd[t], b*feat, (b+1)*feat))
		}
		res[t] = anydiff.Concat(parts...)
	}
	return res
}

type refRes struct {
	OutY anydiff.Res
	OutH anydiff.Res
	OutC anydiff.Res
	V    anydiff.VarSet
}

func (r *refRes) Y() anyvec.Vector {
	return r.OutY.Output()
}

func (r *refRes) HN() anyvec.Vector {
	return r.OutH.Output()
}

func (r *refRes) CN() anyvec.Vector {
	return r.OutC.Output()
}

func (r *refRes) Vars() anydiff.VarSet {
	return r.V
}

func (r *refRes) Propagate(uy, uhn, ucn anyvec.Vector, g anydiff.Grad) {
	if uy != nil && g.Intersects(r.OutY.Vars()) {
		r.OutY.Propagate(uy, g)
	}
	if uhn != nil && g.Intersects(r.OutH.Vars()) {
		r.OutH.Propagate(uhn, g)
	}
	if ucn != nil && g.Intersects(r.OutC.Vars()) {
		r.OutC.Propagate(ucn, g)
	}
}
