package backend

import "testing"

// TestTensorShapeValidation rejects buffers that do not match their shape.
func TestTensorShapeValidation(t *testing.T) {
	if _, err := NewI64([]int{1, 3}, []int64{1, 2}); err == nil {
		t.Fatal("expected short buffer to be rejected")
	}
	if _, err := NewF32([]int{2, -1}, nil); err == nil {
		t.Fatal("expected negative dimension to be rejected")
	}
	ten, err := NewI64([]int{1, 3}, []int64{5, 6, 7})
	if err != nil {
		t.Fatalf("NewI64: %v", err)
	}
	if ten.Numel() != 3 {
		t.Fatalf("Numel = %d, want 3", ten.Numel())
	}
}

// TestFloatRow checks the row view math and its bounds.
func TestFloatRow(t *testing.T) {
	ten, err := NewF32([]int{1, 2, 3}, []float32{0, 1, 2, 10, 11, 12})
	if err != nil {
		t.Fatalf("NewF32: %v", err)
	}
	if rows := ten.Rows(); rows != 2 {
		t.Fatalf("Rows = %d, want 2", rows)
	}
	row, err := ten.FloatRow(1)
	if err != nil {
		t.Fatalf("FloatRow: %v", err)
	}
	if row[0] != 10 || row[2] != 12 {
		t.Fatalf("unexpected row contents: %v", row)
	}
	if _, err := ten.FloatRow(2); err == nil {
		t.Fatal("expected out-of-range row to error")
	}
	if _, err := ten.FloatRow(-1); err == nil {
		t.Fatal("expected negative row to error")
	}
}

// TestFloatRowWrongDType ensures int tensors refuse float views.
func TestFloatRowWrongDType(t *testing.T) {
	ten, err := NewI64([]int{2}, []int64{1, 2})
	if err != nil {
		t.Fatalf("NewI64: %v", err)
	}
	if _, err := ten.FloatRow(0); err == nil {
		t.Fatal("expected dtype mismatch to error")
	}
}

// TestNormalizeDevice covers the accepted spellings and the default.
func TestNormalizeDevice(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"", Auto, true},
		{"CPU", CPU, true},
		{" gpu ", GPU, true},
		{"auto", Auto, true},
		{"tpu", "", false},
	}
	for _, tc := range cases {
		got, err := NormalizeDevice(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("NormalizeDevice(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Fatalf("NormalizeDevice(%q) accepted", tc.in)
		}
	}
}
