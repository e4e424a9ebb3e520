package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Devices a runtime may be asked to compile for. Simulated runtimes accept
// any of them; hardware-backed runtimes may reject what they cannot serve.
const (
	CPU  = "cpu"
	GPU  = "gpu"
	Auto = "auto"
)

// Well-known tensor names exchanged with a Session. Logit and id tensors use
// these names; the per-layer key/value cache is addressed by CacheKey instead
// of formatted string names.
const (
	InputIDs      = "input_ids"
	AttentionMask = "attention_mask"
	PositionIDs   = "position_ids"
	Logits        = "logits"
)

var (
	// ErrClosed is returned by any operation on a closed session.
	ErrClosed = errors.New("backend: session closed")
	// ErrInFlight is returned when a run is submitted while one is pending.
	ErrInFlight = errors.New("backend: inference already in flight")
	// ErrNotRunning is returned by Wait when nothing was submitted.
	ErrNotRunning = errors.New("backend: no inference in flight")
	// ErrCancelled is returned by Wait when the pending run was cancelled.
	ErrCancelled = errors.New("backend: inference cancelled")
	// ErrUnknownTensor is returned for tensor names a session does not serve.
	ErrUnknownTensor = errors.New("backend: unknown tensor")
)

// Runtime compiles a model for a device and hands back a stateful inference
// session. Implementations decide how the model reference is resolved (a
// file path, a registry name, a synthetic seed).
type Runtime interface {
	Compile(ctx context.Context, model, device string) (Session, error)
}

// Session is one compiled model instance plus its recurrent state: the
// per-layer key/value cache and the position bookkeeping that grows as a
// sequence is decoded. Sessions are not safe for concurrent use; exactly one
// generation drives a session at a time.
//
// A run is either submitted synchronously with Run, or split into Start and
// Wait so the caller can observe cancellation while the step executes.
// Cancel aborts a pending run promptly; it never invalidates the session,
// and Reset always leaves the session ready for a fresh sequence.
type Session interface {
	// SetInput stages a named input tensor for the next run.
	SetInput(name string, t *Tensor) error
	// Run executes one inference synchronously.
	Run(ctx context.Context) error
	// Start submits one inference asynchronously.
	Start() error
	// Wait blocks until the submitted inference finishes, the context is
	// done, or Cancel is called (ErrCancelled).
	Wait(ctx context.Context) error
	// Cancel aborts the pending inference, if any.
	Cancel()
	// Output returns a named output tensor produced by the last run.
	Output(name string) (*Tensor, error)
	// StateLen reports how many positions the recurrent state covers.
	StateLen() int
	// TrimTo rolls the recurrent state back to cover n positions.
	TrimTo(n int) error
	// Reset clears the recurrent state for a new independent sequence.
	Reset() error
	// Close releases the session. Further calls return ErrClosed.
	Close() error
}

// NormalizeDevice canonicalizes a device name, defaulting empty to Auto.
func NormalizeDevice(name string) (string, error) {
	device := strings.ToLower(strings.TrimSpace(name))
	if device == "" {
		return Auto, nil
	}
	switch device {
	case CPU, GPU, Auto:
		return device, nil
	default:
		return "", fmt.Errorf("unknown device %q (expected auto, cpu, or gpu)", name)
	}
}
