package analytics

import (
	"fmt"
	"math"

	"neurofocus-service/internal/models"
)

// BandPowers усредняет мощность бинов полосы пропускания по диапазонам.
// Если в полосу не попал ни один бин, все диапазоны равны нулю.
// Delta всегда 0 при полосе 5-60 Гц.
func (e *Engine) BandPowers(spectrum models.SpectrumResult) models.BandPowers {
	p := e.params

	n := len(spectrum.Frequencies)
	if len(spectrum.Power) < n {
		n = len(spectrum.Power)
	}

	freqs := make([]float64, 0, n)
	power := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if p.Passband.Contains(spectrum.Frequencies[i]) {
			freqs = append(freqs, spectrum.Frequencies[i])
			power = append(power, spectrum.Power[i])
		}
	}
	if len(freqs) == 0 {
		return models.BandPowers{}
	}

	return models.BandPowers{
		Delta: bandMean(freqs, power, p.Delta),
		Theta: bandMean(freqs, power, p.Theta),
		Alpha: bandMean(freqs, power, p.Alpha),
		Beta:  bandMean(freqs, power, p.Beta),
		Gamma: bandMean(freqs, power, p.Gamma),
	}
}

func bandMean(freqs, power []float64, band Band) float64 {
	var sum float64
	count := 0
	for i, f := range freqs {
		if band.Contains(f) {
			sum += power[i]
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// ValidateSpectrum проверяет спектр, пришедший извне
func ValidateSpectrum(spectrum models.SpectrumResult) error {
	if len(spectrum.Frequencies) != len(spectrum.Power) {
		return fmt.Errorf("%w: %d frequencies but %d power values",
			ErrInvalidInput, len(spectrum.Frequencies), len(spectrum.Power))
	}
	for i, f := range spectrum.Frequencies {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: frequency %d is not finite", ErrInvalidInput, i)
		}
		if i > 0 && f <= spectrum.Frequencies[i-1] {
			return fmt.Errorf("%w: frequencies must be strictly increasing at %d", ErrInvalidInput, i)
		}
		if err := ValidatePower(spectrum.Power[i]); err != nil {
			return fmt.Errorf("bin %d: %w", i, err)
		}
	}
	return nil
}
