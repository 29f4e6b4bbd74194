package cudnnlstm

import (
	"math"
	"math/rand"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anydifftest"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
)

func TestReferenceSingleStep(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	cfg := &Config{InputSize: 2, HiddenSize: 2, NumLayers: 1}
	buf := InitWeights(c, cfg, rand.New(rand.NewSource(3)))
	w, err := Unpack(cfg, anydiff.NewConst(buf))
	if err != nil {
		t.Fatal(err)
	}

	x := []float64{0.5, -1}
	h0 := []float64{0.1, -0.2}
	c0 := []float64{0.3, 0.25}
	res, err := Reference(cfg, w,
		anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(x))),
		anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(h0))),
		anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(c0))),
		[]int{1}, 0)
	if err != nil {
		t.Fatal(err)
	}

	// Packed offsets for one pseudo-layer with in=2, h=2:
	// W_ih at 0, W_hh at 16, b_ih at 32, b_hh at 40.
	data := buf.Data().([]float64)
	pre := func(gate, unit int) float64 {
		row := gate*2 + unit
		res := data[32+row] + data[40+row]
		for j := 0; j < 2; j++ {
			res += data[row*2+j]*x[j] + data[16+row*2+j]*h0[j]
		}
		return res
	}
	sigmoid := func(v float64) float64 {
		return 1 / (1 + math.Exp(-v))
	}
	expH := make([]float64, 2)
	expC := make([]float64, 2)
	for u := 0; u < 2; u++ {
		in := sigmoid(pre(0, u))
		forget := sigmoid(pre(1, u))
		cand := math.Tanh(pre(2, u))
		out := sigmoid(pre(3, u))
		expC[u] = forget*c0[u] + in*cand
		expH[u] = out * math.Tanh(expC[u])
	}

	assertClose(t, "y", res.Y(), expH)
	assertClose(t, "h_n", res.HN(), expH)
	assertClose(t, "c_n", res.CN(), expC)
}

func TestReferenceBidir(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	cfg := &Config{InputSize: 3, HiddenSize: 2, NumLayers: 1, Bidirectional: true}
	const batch, seqLen = 2, 3

	buf := InitWeights(c, cfg, rand.New(rand.NewSource(5)))
	w, err := Unpack(cfg, anydiff.NewConst(buf))
	if err != nil {
		t.Fatal(err)
	}
	x := randomVector(c, batch*seqLen*cfg.InputSize)
	h0 := randomVector(c, cfg.NumPseudoLayers()*batch*cfg.HiddenSize)
	c0 := randomVector(c, cfg.NumPseudoLayers()*batch*cfg.HiddenSize)
	res, err := Reference(cfg, w, anydiff.NewConst(x), anydiff.NewConst(h0),
		anydiff.NewConst(c0), []int{seqLen, seqLen}, 0)
	if err != nil {
		t.Fatal(err)
	}

	outFeat := 2 * cfg.HiddenSize
	y := res.Y().Data().([]float64)
	if len(y) != batch*seqLen*outFeat {
		t.Fatalf("expected %d outputs but got %d", batch*seqLen*outFeat, len(y))
	}
	hn := res.HN().Data().([]float64)

	// The forward direction finishes at the last timestep;
	// the reverse direction finishes at the first one.
	for b := 0; b < batch; b++ {
		for u := 0; u < cfg.HiddenSize; u++ {
			fwd := hn[b*cfg.HiddenSize+u]
			lastStep := y[(b*seqLen+seqLen-1)*outFeat+u]
			if math.Abs(fwd-lastStep) > 1e-12 {
				t.Errorf("forward final state %d/%d: expected %f but got %f",
					b, u, fwd, lastStep)
			}
			bwd := hn[(batch+b)*cfg.HiddenSize+u]
			firstStep := y[(b*seqLen)*outFeat+cfg.HiddenSize+u]
			if math.Abs(bwd-firstStep) > 1e-12 {
				t.Errorf("reverse final state %d/%d: expected %f but got %f",
					b, u, bwd, firstStep)
			}
		}
	}
}

func TestReferenceMultiLayer(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	cfg := &Config{InputSize: 3, HiddenSize: 2, NumLayers: 2}
	const batch, seqLen = 2, 3

	buf := InitWeights(c, cfg, rand.New(rand.NewSource(8)))
	w, err := Unpack(cfg, anydiff.NewConst(buf))
	if err != nil {
		t.Fatal(err)
	}
	x := randomVector(c, batch*seqLen*cfg.InputSize)
	h0 := randomVector(c, cfg.NumPseudoLayers()*batch*cfg.HiddenSize)
	c0 := randomVector(c, cfg.NumPseudoLayers()*batch*cfg.HiddenSize)
	lens := []int{seqLen, seqLen}

	full, err := Reference(cfg, w, anydiff.NewConst(x), anydiff.NewConst(h0),
		anydiff.NewConst(c0), lens, 0)
	if err != nil {
		t.Fatal(err)
	}

	// Evaluate the two layers one at a time.
	chunk := batch * cfg.HiddenSize
	cfgA := &Config{InputSize: 3, HiddenSize: 2, NumLayers: 1}
	resA, err := Reference(cfgA, &Weights{Layers: w.Layers[:1]},
		anydiff.NewConst(x),
		anydiff.NewConst(h0.Slice(0, chunk)),
		anydiff.NewConst(c0.Slice(0, chunk)), lens, 0)
	if err != nil {
		t.Fatal(err)
	}
	cfgB := &Config{InputSize: 2, HiddenSize: 2, NumLayers: 1}
	resB, err := Reference(cfgB, &Weights{Layers: w.Layers[1:]},
		anydiff.NewConst(resA.Y()),
		anydiff.NewConst(h0.Slice(chunk, 2*chunk)),
		anydiff.NewConst(c0.Slice(chunk, 2*chunk)), lens, 0)
	if err != nil {
		t.Fatal(err)
	}

	assertClose(t, "y", full.Y(), resB.Y().Data().([]float64))
	assertClose(t, "h_n", full.HN(),
		append(append([]float64{}, resA.HN().Data().([]float64)...),
			resB.HN().Data().([]float64)...))
	assertClose(t, "c_n", full.CN(),
		append(append([]float64{}, resA.CN().Data().([]float64)...),
			resB.CN().Data().([]float64)...))
}

func TestReferenceUnsupported(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	cfg := &Config{InputSize: 2, HiddenSize: 2, NumLayers: 1}
	buf := InitWeights(c, cfg, nil)
	w, err := Unpack(cfg, anydiff.NewConst(buf))
	if err != nil {
		t.Fatal(err)
	}
	x := anydiff.NewConst(randomVector(c, 2*3*2))
	h0 := anydiff.NewConst(randomVector(c, 2*2))
	c0 := anydiff.NewConst(randomVector(c, 2*2))

	if _, err := Reference(cfg, w, x, h0, c0, []int{3, 3}, 0.5); err != ErrDropout {
		t.Errorf("dropout: expected ErrDropout but got %v", err)
	}
	if _, err := Reference(cfg, w, x, h0, c0, []int{3, 2}, 0); err != ErrRagged {
		t.Errorf("ragged: expected ErrRagged but got %v", err)
	}
	if _, err := Reference(cfg, w, x, h0, c0, []int{3}, 0); err == nil {
		t.Error("bad seq lengths: expected an error")
	}
	shortC := anydiff.NewConst(randomVector(c, 2))
	if _, err := Reference(cfg, w, x, h0, shortC, []int{3, 3}, 0); err == nil {
		t.Error("bad cell state: expected an error")
	} else if _, ok := err.(*ShapeError); !ok {
		t.Errorf("bad cell state: expected a *ShapeError but got %T", err)
	}
}

func TestReferenceGrad(t *testing.T) {
	c := anyvec64.CurrentCreator()
	cfg := &Config{InputSize: 2, HiddenSize: 2, NumLayers: 2, Bidirectional: true}
	const batch, seqLen = 2, 3

	bufVar := anydiff.NewVar(InitWeights(c, cfg, rand.New(rand.NewSource(13))))
	xVar := anydiff.NewVar(randomVector(c, batch*seqLen*cfg.InputSize))
	h0Var := anydiff.NewVar(randomVector(c, cfg.NumPseudoLayers()*batch*cfg.HiddenSize))
	c0Var := anydiff.NewVar(randomVector(c, cfg.NumPseudoLayers()*batch*cfg.HiddenSize))

	checker := anydifftest.ResChecker{
		F: func() anydiff.Res {
			w, err := Unpack(cfg, bufVar)
			if err != nil {
				t.Fatal(err)
			}
			res, err := Reference(cfg, w, xVar, h0Var, c0Var,
				[]int{seqLen, seqLen}, 0)
			if err != nil {
				t.Fatal(err)
			}
			return Joined(res)
		},
		V: []*anydiff.Var{bufVar, xVar, h0Var, c0Var},
	}
	checker.FullCheck(t)
}

func randomVector(c anyvec.Creator, size int) anyvec.Vector {
	res := c.MakeVector(size)
	anyvec.Rand(res, anyvec.Normal, nil)
	return res
}

func assertClose(t *testing.T, name string, actual anyvec.Vector, expected []float64) {
	data := actual.Data().([]float64)
	if len(data) != len(expected) {
		t.Errorf("%s: expected %d elements but got %d", name, len(expected),
			len(data))
		return
	}
	for i, x := range expected {
		if math.Abs(data[i]-x) > 1e-9 {
			t.Errorf("%s: element %d should be %f but is %f", name, i, x, data[i])
			return
		}
	}
}
