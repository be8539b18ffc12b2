package analytics

import (
	"fmt"
	"math"
	"math/bits"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"

	"neurofocus-service/internal/models"
)

// AnalyzeWindow считает односторонний спектр мощности окна одной периодограммой.
// Окно не взвешивается (без Hann/Hamming).
func (e *Engine) AnalyzeWindow(samples []float64, samplingRate int) (models.SpectrumResult, error) {
	if samplingRate <= 0 || samplingRate > e.params.MaxSamplingRate {
		return models.SpectrumResult{}, fmt.Errorf("%w: sampling rate must be in (0, %d], got %d",
			ErrConfiguration, e.params.MaxSamplingRate, samplingRate)
	}
	if len(samples) < e.params.MinSamples {
		return models.SpectrumResult{}, fmt.Errorf("%w: need at least %d samples, got %d",
			ErrInsufficientData, e.params.MinSamples, len(samples))
	}
	for i, v := range samples {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return models.SpectrumResult{}, fmt.Errorf("%w: sample %d is not finite", ErrInvalidInput, i)
		}
	}

	padded := padWindow(samples, samplingRate)
	n := len(padded)

	coeffs := fourier.NewFFT(n).Coefficients(nil, padded)

	half := n / 2
	result := models.SpectrumResult{
		Frequencies: make([]float64, half),
		Power:       make([]float64, half),
	}
	for i := 0; i < half; i++ {
		re, im := real(coeffs[i]), imag(coeffs[i])
		result.Power[i] = (re*re + im*im) / float64(n)
		result.Frequencies[i] = float64(i) * float64(samplingRate) / float64(n)
	}
	return result, nil
}

// padWindow дополняет окно до степени двойки.
// Окно короче секунды сначала дополняется своим средним до samplingRate отсчетов,
// чтобы не вносить ступеньку перед FFT, остаток заполняется нулями.
func padWindow(samples []float64, samplingRate int) []float64 {
	target := len(samples)
	if target < samplingRate {
		target = samplingRate
	}

	out := make([]float64, nextPowerOfTwo(target))
	copy(out, samples)

	if len(samples) < samplingRate {
		mean := floats.Sum(samples) / float64(len(samples))
		for i := len(samples); i < samplingRate; i++ {
			out[i] = mean
		}
	}
	return out
}

// nextPowerOfTwo наименьшая степень двойки >= n
func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
