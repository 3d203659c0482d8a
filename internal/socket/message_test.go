package socket

import "testing"

func TestCoerceID(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want int64
		ok   bool
	}{
		{"json number", float64(42), 42, true},
		{"numeric string", "12", 12, true},
		{"int", 7, 7, true},
		{"int64", int64(9), 9, true},
		{"fractional number", 7.5, 0, false},
		{"negative fraction", -0.25, 0, false},
		{"non-numeric string", "x", 0, false},
		{"nil", nil, 0, false},
		{"bool", true, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := coerceID(tc.in)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("coerceID(%v) = (%d, %v), want (%d, %v)", tc.in, got, ok, tc.want, tc.ok)
			}
		})
	}
}
