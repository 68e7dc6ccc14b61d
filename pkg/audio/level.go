package audio

import "math"

// levelGain scales RMS loudness into the meter range. Speech at typical
// microphone gain sits around 0.05–0.2 RMS.
const levelGain = 5

// Level returns the loudness of samples for UI feedback: root-mean-square
// scaled by 5 and clamped to [0, 1]. An empty block has level 0.
func Level(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	return min(rms*levelGain, 1)
}
