package core

// SelectionWeights are the five factors the PerformanceBased and Adaptive
// selection policies combine into a transport's score (§4.4); they must
// sum to 1.0.
type SelectionWeights struct {
	Latency         float64
	Reliability     float64
	Bandwidth       float64
	Cost            float64
	CapabilityMatch float64
}

// DefaultSelectionWeights gives every factor equal standing.
func DefaultSelectionWeights() SelectionWeights {
	return SelectionWeights{
		Latency:         0.2,
		Reliability:     0.2,
		Bandwidth:       0.2,
		Cost:            0.2,
		CapabilityMatch: 0.2,
	}
}

// minWeightFloor keeps any single factor from collapsing to zero and
// dominating the renormalized split.
const minWeightFloor = 0.02

// Normalize clamps every factor to minWeightFloor and rescales the set so
// it sums to exactly 1.0.
func (w SelectionWeights) Normalize() SelectionWeights {
	clamp := func(v float64) float64 {
		if v < minWeightFloor {
			return minWeightFloor
		}
		return v
	}
	w.Latency = clamp(w.Latency)
	w.Reliability = clamp(w.Reliability)
	w.Bandwidth = clamp(w.Bandwidth)
	w.Cost = clamp(w.Cost)
	w.CapabilityMatch = clamp(w.CapabilityMatch)

	sum := w.Latency + w.Reliability + w.Bandwidth + w.Cost + w.CapabilityMatch
	if sum == 0 {
		return DefaultSelectionWeights()
	}
	w.Latency /= sum
	w.Reliability /= sum
	w.Bandwidth /= sum
	w.Cost /= sum
	w.CapabilityMatch /= sum
	return w
}
