package cudnnlstm

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
)

// A Res is the result of one LSTM evaluation.
//
// Y is the batch-major output sequence, with shape
// [batch x seqLen x dirs*hidden]. HN and CN are the final
// hidden and cell states, with one batch per pseudo-layer
// like the initial states.
type Res interface {
	Y() anyvec.Vector
	HN() anyvec.Vector
	CN() anyvec.Vector

	// Vars returns the variables upon which the outputs
	// depend.
	Vars() anydiff.VarSet

	// Propagate propagates upstream gradients for the
	// three outputs, adding partials to g.
	//
	// A nil upstream indicates a zero upstream for that
	// output. Upstream vectors may be modified.
	Propagate(uy, uhn, ucn anyvec.Vector, g anydiff.Grad)
}

// Joined adapts r to a plain anydiff.Res whose output is
// the concatenation <y, h_n, c_n>.
func Joined(r Res) anydiff.Res {
	y, hn, cn := r.Y(), r.HN(), r.CN()
	return &joinedRes{
		Wrapped: r,
		OutVec:  y.Creator().Concat(y, hn, cn),
		YLen:    y.Len(),
		HLen:    hn.Len(),
	}
}

type joinedRes struct {
	Wrapped Res
	OutVec  anyvec.Vector
	YLen    int
	HLen    int
}

func (j *joinedRes) Output() anyvec.Vector {
	return j.OutVec
}

func (j *joinedRes) Vars() anydiff.VarSet {
	return j.Wrapped.Vars()
}

func (j *joinedRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	uy := u.Slice(0, j.YLen)
	uhn := u.Slice(j.YLen, j.YLen+j.HLen)
	ucn := u.Slice(j.YLen+j.HLen, u.Len())
	j.Wrapped.Propagate(uy, uhn, ucn, g)
}

// Eval evaluates the LSTM through an accelerated kernel
// and wires the kernel's backward pass into anydiff, so
// that differentiating the result invokes the kernel's
// backward call instead of differentiating the opaque
// forward call.
//
// The packed buffer must have cfg.ParamCount() elements.
// Kernel availability errors are returned as
// ErrKernelUnavailable; other kernel failures are
// returned with added context.
//
// The backward call runs during gradient propagation,
// which has no error channel, so a kernel failure at that
// point panics.
func Eval(k Kernel, cfg *Config, x, h0, c0, packed anydiff.Res, seqLens []int,
	dropout float64) (Res, error) {
	if k == nil {
		return nil, ErrKernelUnavailable
	}
	if packed.Output().Len() != cfg.ParamCount() {
		return nil, &ShapeError{
			Name:     "packed buffer",
			Expected: cfg.ParamCount(),
			Actual:   packed.Output().Len(),
		}
	}
	batch, seqLen, err := evalDims(cfg, x, h0, c0, seqLens)
	if err != nil {
		return nil, err
	}
	wsSize, rsSize, err := k.ScratchSizes(cfg, batch, seqLen, dropout)
	if err != nil {
		return nil, err
	}
	out, err := k.Forward(cfg, &KernelInput{
		X:       x.Output(),
		H0:      h0.Output(),
		C0:      c0.Output(),
		Packed:  packed.Output(),
		SeqLens: seqLens,
		Dropout: dropout,
	})
	if err == ErrKernelUnavailable {
		return nil, err
	} else if err != nil {
		return nil, essentials.AddCtx("lstm forward", err)
	}
	checks := []struct {
		Name     string
		Expected int
		Vec      anyvec.Vector
	}{
		{"kernel output", batch * seqLen * cfg.NumDirections() * cfg.HiddenSize, out.Y},
		{"kernel hidden state", h0.Output().Len(), out.HN},
		{"kernel cell state", c0.Output().Len(), out.CN},
		{"kernel workspace", wsSize, out.Workspace},
		{"kernel reserve space", rsSize, out.Reserve},
	}
	for _, c := range checks {
		if c.Vec.Len() != c.Expected {
			return nil, &ShapeError{
				Name:     c.Name,
				Expected: c.Expected,
				Actual:   c.Vec.Len(),
			}
		}
	}
	return &kernelRes{
		K:       k,
		Conf:    cfg,
		X:       x,
		H0:      h0,
		C0:      c0,
		Packed:  packed,
		SeqLens: seqLens,
		Dropout: dropout,
		Out:     out,
		V: anydiff.MergeVarSets(x.Vars(), h0.Vars(), c0.Vars(),
			packed.Vars()),
	}, nil
}

type kernelRes struct {
	K       Kernel
	Conf    *Config
	X       anydiff.Res
	H0      anydiff.Res
	C0      anydiff.Res
	Packed  anydiff.Res
	SeqLens []int
	Dropout float64
	Out     *KernelOutput
	V       anydiff.VarSet
}

func (k *kernelRes) Y() anyvec.Vector {
	return k.Out.Y
}

func (k *kernelRes) HN() anyvec.Vector {
	return k.Out.HN
}

func (k *kernelRes) CN() anyvec.Vector {
	return k.Out.CN
}

func (k *kernelRes) Vars() anydiff.VarSet {
	return k.V
}

// Propagate runs the kernel's backward pass, pairing it
// with the workspace and reserve space captured by the
// forward call.
func (k *kernelRes) Propagate(uy, uhn, ucn anyvec.Vector, g anydiff.Grad) {
	c := k.Out.Y.Creator()
	if uy == nil {
		uy = c.MakeVector(k.Out.Y.Len())
	}
	if uhn == nil {
		uhn = c.MakeVector(k.Out.HN.Len())
	}
	if ucn == nil {
		ucn = c.MakeVector(k.Out.CN.Len())
	}
	grads, err := k.K.Backward(k.Conf, &KernelGradInput{
		DY:        uy,
		DHN:       uhn,
		DCN:       ucn,
		X:         k.X.Output(),
		H0:        k.H0.Output(),
		C0:        k.C0.Output(),
		Packed:    k.Packed.Output(),
		Y:         k.Out.Y,
		Workspace: k.Out.Workspace,
		Reserve:   k.Out.Reserve,
		SeqLens:   k.SeqLens,
		Dropout:   k.Dropout,
	})
	if err != nil {
		panic(essentials.AddCtx("lstm backward", err))
	}
	ins := []anydiff.Res{k.X, k.H0, k.C0, k.Packed}
	downs := []anyvec.Vector{grads.DX, grads.DH0, grads.DC0, grads.DPacked}
	for i, in := range ins {
		if g.Intersects(in.Vars()) {
			in.Propagate(downs[i], g)
		}
	}
}
