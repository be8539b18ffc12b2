package analytics

import "math"

// FocusScore переводит мощность beta в шкалу 0-100.
// NaN и отрицательные значения дают 0, вне [MinBeta, MaxBeta] шкала насыщается.
func (e *Engine) FocusScore(beta float64) float64 {
	if math.IsNaN(beta) || beta < 0 {
		return 0
	}
	p := e.params

	clamped := math.Min(math.Max(beta, p.MinBeta), p.MaxBeta)
	score := (clamped - p.MinBeta) / (p.MaxBeta - p.MinBeta) * 100

	return math.Round(score*10) / 10
}
