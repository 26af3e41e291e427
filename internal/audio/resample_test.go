package audio

import (
	"math"
	"slices"
	"testing"
)

func ramp(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16((i * 97) % 4000)
	}
	return out
}

func TestResampleIdentity(t *testing.T) {
	for _, rate := range []int{8000, 16000, 24000, 48000} {
		in := ramp(321)
		out := Resample(in, rate, rate)
		if !slices.Equal(in, out) {
			t.Fatalf("Resample(x, %d, %d) changed the buffer", rate, rate)
		}
	}
	if out := Resample(nil, 8000, 8000); len(out) != 0 {
		t.Fatalf("expected empty output for empty input, got %d samples", len(out))
	}
}

func TestResampleDeterministic(t *testing.T) {
	in := ramp(480)
	a := Resample(in, 24000, 8000)
	b := Resample(in, 24000, 8000)
	if !slices.Equal(a, b) {
		t.Fatal("Resample is not deterministic")
	}
}

func TestResampleOutputLength(t *testing.T) {
	tests := []struct {
		n, in, out, want int
	}{
		{480, 24000, 8000, 160},
		{160, 8000, 16000, 320},
		{960, 48000, 16000, 320},
		{1, 8000, 24000, 3},
	}
	for _, tt := range tests {
		if got := len(Resample(make([]int16, tt.n), tt.in, tt.out)); got != tt.want {
			t.Errorf("len(Resample(%d samples, %d, %d)) = %d, want %d", tt.n, tt.in, tt.out, got, tt.want)
		}
	}
}

func TestResampleClampsOvershoot(t *testing.T) {
	in := []int16{0, 0, math.MaxInt16, math.MaxInt16, math.MaxInt16}
	out := Resample(in, 8000, 24000)
	// Outputs between source indices 2 and 4 sit on the plateau; Catmull-Rom
	// overshoots there and must clamp instead of wrapping negative.
	for i := 6; i < 12; i++ {
		if out[i] != math.MaxInt16 {
			t.Fatalf("out[%d] = %d, want %d", i, out[i], math.MaxInt16)
		}
	}

	neg := []int16{0, 0, math.MinInt16, math.MinInt16, math.MinInt16}
	out = Resample(neg, 8000, 24000)
	for i := 6; i < 12; i++ {
		if out[i] != math.MinInt16 {
			t.Fatalf("out[%d] = %d, want %d", i, out[i], math.MinInt16)
		}
	}
}

func TestResampleExtremeAlternating(t *testing.T) {
	in := make([]int16, 64)
	for i := range in {
		if i%2 == 0 {
			in[i] = math.MaxInt16
		} else {
			in[i] = math.MinInt16
		}
	}
	for _, rates := range [][2]int{{8000, 24000}, {24000, 8000}, {48000, 16000}} {
		out := Resample(in, rates[0], rates[1])
		if len(out) == 0 {
			t.Fatalf("no output for %v", rates)
		}
	}
}

func TestResamplePreservesConstantSignal(t *testing.T) {
	in := make([]int16, 100)
	for i := range in {
		in[i] = 1200
	}
	for _, v := range Resample(in, 24000, 8000) {
		if v != 1200 {
			t.Fatalf("constant signal changed to %d", v)
		}
	}
}
