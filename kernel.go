package cudnnlstm

import "github.com/unixpickle/anyvec"

// A Kernel is an opaque accelerated implementation of the
// packed LSTM, such as a cuDNN binding.
//
// Besides the outputs, a forward call produces two
// scratch buffers: a workspace and a reserve space. Their
// contents are meaningless to the caller, but the pair
// from a forward call must be handed unmodified to the
// matching backward call. Pairing scratch buffers with a
// different call's tensors is undefined behavior at the
// kernel boundary, and implementations need not detect
// it.
//
// Implementations report ErrKernelUnavailable when the
// backing library is not present on the host, in which
// case callers should use Reference instead. Any other
// error is an opaque invocation failure and is not safe
// to retry blindly.
type Kernel interface {
	// ScratchSizes computes the element counts of the
	// workspace and reserve space buffers for a
	// configuration without running the kernel.
	ScratchSizes(cfg *Config, batch, seqLen int, dropout float64) (workspace, reserve int, err error)

	// Forward evaluates the LSTM.
	Forward(cfg *Config, in *KernelInput) (*KernelOutput, error)

	// Backward computes input and parameter gradients
	// from a forward call's residuals and the upstream
	// output gradients.
	Backward(cfg *Config, in *KernelGradInput) (*KernelGrad, error)
}

// KernelInput bundles the inputs of a forward call.
type KernelInput struct {
	X      anyvec.Vector
	H0     anyvec.Vector
	C0     anyvec.Vector
	Packed anyvec.Vector

	SeqLens []int
	Dropout float64
}

// KernelOutput bundles the results of a forward call.
type KernelOutput struct {
	Y  anyvec.Vector
	HN anyvec.Vector
	CN anyvec.Vector

	Workspace anyvec.Vector
	Reserve   anyvec.Vector
}

// KernelGradInput bundles the inputs of a backward call:
// the upstream output gradients, the forward call's
// inputs and output, and the forward call's scratch
// buffers.
type KernelGradInput struct {
	DY  anyvec.Vector
	DHN anyvec.Vector
	DCN anyvec.Vector

	X      anyvec.Vector
	H0     anyvec.Vector
	C0     anyvec.Vector
	Packed anyvec.Vector
	Y      anyvec.Vector

	Workspace anyvec.Vector
	Reserve   anyvec.Vector

	SeqLens []int
	Dropout float64
}

// KernelGrad bundles the results of a backward call.
//
// There is no gradient for the sequence lengths, which
// are integers.
type KernelGrad struct {
	DX      anyvec.Vector
	DH0     anyvec.Vector
	DC0     anyvec.Vector
	DPacked anyvec.Vector
}
