package audio

import "math"

// DefaultVolumeGain scales frame RMS into the UI volume range.
const DefaultVolumeGain = 10.0

// RMS computes the root-mean-square level of float samples.
// Non-finite samples count as silence.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Volume returns a UI-facing loudness in [0,1]: RMS scaled by gain and clamped.
func Volume(samples []float32, gain float64) float64 {
	if gain <= 0 {
		gain = DefaultVolumeGain
	}
	v := RMS(samples) * gain
	if v > 1 {
		return 1
	}
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}
