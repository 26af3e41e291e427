package audio

import "math"

// Resample converts samples from rateIn to rateOut using 4-point Catmull-Rom
// interpolation. Matching rates return the input slice unchanged.
//
// Source indices are clamped to the buffer at the edges and every output value
// is clamped to the int16 range. There is no anti-aliasing pre-filter, so
// large reductions (48k to 16k, 24k to 8k) can alias slightly.
func Resample(samples []int16, rateIn, rateOut int) []int16 {
	if rateIn == rateOut || len(samples) == 0 || rateIn <= 0 || rateOut <= 0 {
		return samples
	}

	outLen := int(int64(len(samples)) * int64(rateOut) / int64(rateIn))
	out := make([]int16, outLen)
	ratio := float64(rateIn) / float64(rateOut)
	last := len(samples) - 1

	at := func(i int) float64 {
		if i < 0 {
			i = 0
		} else if i > last {
			i = last
		}
		return float64(samples[i])
	}

	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		t := pos - float64(idx)
		v := catmullRom(at(idx-1), at(idx), at(idx+1), at(idx+2), t)
		out[i] = clampInt16(v)
	}
	return out
}

func catmullRom(p0, p1, p2, p3, t float64) float64 {
	t2 := t * t
	t3 := t2 * t
	return 0.5 * (2*p1 +
		(p2-p0)*t +
		(2*p0-5*p1+4*p2-p3)*t2 +
		(3*p1-p0-3*p2+p3)*t3)
}

func clampInt16(v float64) int16 {
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
