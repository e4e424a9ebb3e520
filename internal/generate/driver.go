package generate

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/loom/internal/backend"
)

// Driver owns the turn-by-turn mechanics of one inference session: building
// the input_ids / attention_mask / position_ids tensors for each pass,
// submitting the run asynchronously so cancellation stays observable, and
// reading the logits back. The session's recurrent state supplies the past
// length, so the driver itself carries no position counter to drift.
type Driver struct {
	sess backend.Session
}

// NewDriver wraps a session.
func NewDriver(sess backend.Session) *Driver {
	return &Driver{sess: sess}
}

// Session exposes the wrapped session for cancellation and lifecycle calls.
func (d *Driver) Session() backend.Session { return d.sess }

// Len reports how many positions the session's recurrent state covers.
func (d *Driver) Len() int { return d.sess.StateLen() }

// Reset clears the recurrent state for a new independent sequence.
func (d *Driver) Reset() error { return d.sess.Reset() }

// TrimTo rolls the recurrent state back to n positions. The speculative
// verifier uses this to discard rejected proposals.
func (d *Driver) TrimTo(n int) error { return d.sess.TrimTo(n) }

// Prefill runs the first pass: the entire prompt as one inference call over
// a freshly reset state, returning the logits row for the last position.
func (d *Driver) Prefill(ctx context.Context, ids []int) ([]float32, error) {
	if d.sess.StateLen() != 0 {
		return nil, fmt.Errorf("%w: prefill over %d stale positions", ErrRuntime, d.sess.StateLen())
	}
	t, err := d.Advance(ctx, ids)
	if err != nil {
		return nil, err
	}
	return lastRow(t)
}

// Step advances the session by exactly one token and returns its logits row.
func (d *Driver) Step(ctx context.Context, id int) ([]float32, error) {
	t, err := d.Advance(ctx, []int{id})
	if err != nil {
		return nil, err
	}
	return lastRow(t)
}

// Advance feeds ids as one continuation pass: the attention mask grows by
// len(ids) over the cached past and position ids continue from it. The full
// logits tensor ({1, len(ids), vocab}) is returned so multi-token passes can
// read every position, which speculative verification needs.
//
// The run is submitted with Start and awaited with Wait; backend.ErrCancelled
// comes back unwrapped so callers can treat cancellation as a normal end.
func (d *Driver) Advance(ctx context.Context, ids []int) (*backend.Tensor, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrRuntime)
	}
	past := d.sess.StateLen()
	n := len(ids)

	in := make([]int64, n)
	pos := make([]int64, n)
	for i, id := range ids {
		in[i] = int64(id)
		pos[i] = int64(past + i)
	}
	mask := make([]int64, past+n)
	for i := range mask {
		mask[i] = 1
	}

	if err := d.stage(backend.InputIDs, []int{1, n}, in); err != nil {
		return nil, err
	}
	if err := d.stage(backend.AttentionMask, []int{1, past + n}, mask); err != nil {
		return nil, err
	}
	if err := d.stage(backend.PositionIDs, []int{1, n}, pos); err != nil {
		return nil, err
	}

	if err := d.sess.Start(); err != nil {
		return nil, fmt.Errorf("%w: submit: %v", ErrRuntime, err)
	}
	if err := d.sess.Wait(ctx); err != nil {
		if errors.Is(err, backend.ErrCancelled) || errors.Is(err, context.Canceled) {
			return nil, backend.ErrCancelled
		}
		return nil, fmt.Errorf("%w: %v", ErrRuntime, err)
	}

	t, err := d.sess.Output(backend.Logits)
	if err != nil {
		return nil, fmt.Errorf("%w: read logits: %v", ErrRuntime, err)
	}
	return t, nil
}

func (d *Driver) stage(name string, shape []int, data []int64) error {
	t, err := backend.NewI64(shape, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRuntime, err)
	}
	if err := d.sess.SetInput(name, t); err != nil {
		return fmt.Errorf("%w: stage %s: %v", ErrRuntime, name, err)
	}
	return nil
}

func lastRow(t *backend.Tensor) ([]float32, error) {
	row, err := t.FloatRow(t.Rows() - 1)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntime, err)
	}
	return row, nil
}
