// Package analytics реализует спектральный анализ окна ЭЭГ:
// периодограмму через FFT, мощности по диапазонам и нормированный показатель фокуса
package analytics

import (
	"errors"
	"fmt"
	"math"

	"neurofocus-service/internal/models"
)

// Таксономия ошибок анализа
var (
	// ErrInsufficientData слишком мало отсчетов для спектра (восстановимая)
	ErrInsufficientData = errors.New("insufficient data")
	// ErrInvalidInput нечисловые или отрицательные значения там, где нужна неотрицательная величина
	ErrInvalidInput = errors.New("invalid input")
	// ErrConfiguration невозможные статические параметры, ошибка программиста
	ErrConfiguration = errors.New("configuration error")
)

// Band частотный диапазон в Гц, обе границы включительно
type Band struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Contains проверяет попадание частоты в диапазон
func (b Band) Contains(freq float64) bool {
	return freq >= b.Low && freq <= b.High
}

// Params именованные константы спектрального анализа
type Params struct {
	// MinSamples минимальная длина окна для расчета спектра
	MinSamples int
	// MaxSamplingRate верхняя граница частоты дискретизации, Гц.
	// Окно дополняется до rate отсчетов, поэтому граница ограничивает и размер FFT.
	MaxSamplingRate int
	// Passband полоса, остающаяся после фильтрации бинов
	Passband Band
	Delta    Band
	Theta    Band
	Alpha    Band
	Beta     Band
	Gamma    Band
	// MinBeta и MaxBeta границы линейной шкалы фокуса
	MinBeta float64
	MaxBeta float64
}

// DefaultParams возвращает параметры по умолчанию.
// Theta начинается с 5 Гц, а beta с 13 Гц, чтобы не пересекаться с нижней границей полосы и с alpha.
func DefaultParams() Params {
	return Params{
		MinSamples:      32,
		MaxSamplingRate: 1000,
		Passband:        Band{Low: 5, High: 60},
		Delta:           Band{Low: 0.5, High: 4},
		Theta:           Band{Low: 5, High: 8},
		Alpha:           Band{Low: 8, High: 13},
		Beta:            Band{Low: 13, High: 30},
		Gamma:           Band{Low: 30, High: 60},
		MinBeta:         0.0001,
		MaxBeta:         1.0,
	}
}

// Validate проверяет, что параметры физически возможны
func (p Params) Validate() error {
	if p.MinSamples < 1 {
		return fmt.Errorf("%w: min samples must be positive, got %d", ErrConfiguration, p.MinSamples)
	}
	if p.MaxSamplingRate < 1 {
		return fmt.Errorf("%w: max sampling rate must be positive, got %d", ErrConfiguration, p.MaxSamplingRate)
	}
	if p.MinBeta >= p.MaxBeta {
		return fmt.Errorf("%w: min beta %.4f must be below max beta %.4f", ErrConfiguration, p.MinBeta, p.MaxBeta)
	}
	for name, b := range map[string]Band{
		"passband": p.Passband, "delta": p.Delta, "theta": p.Theta,
		"alpha": p.Alpha, "beta": p.Beta, "gamma": p.Gamma,
	} {
		if b.Low < 0 || b.Low > b.High {
			return fmt.Errorf("%w: %s band [%.2f, %.2f] is inverted", ErrConfiguration, name, b.Low, b.High)
		}
	}
	return nil
}

// Engine выполняет анализ окон. Не хранит состояния между вызовами.
type Engine struct {
	params Params
}

// NewEngine создает движок анализа с проверенными параметрами
func NewEngine(params Params) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Engine{params: params}, nil
}

// Params возвращает параметры движка
func (e *Engine) Params() Params {
	return e.params
}

// ValidatePower проверяет неотрицательную конечную мощность
func ValidatePower(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return fmt.Errorf("%w: power must be finite and non-negative, got %v", ErrInvalidInput, v)
	}
	return nil
}

// Analyze выполняет полный расчет для окна и сворачивает ошибки в статус результата.
// Недостаток данных дает нулевые диапазоны со статусом insufficient_data.
func (e *Engine) Analyze(samples []float64, samplingRate int, withSpectrum bool) models.WindowAnalysis {
	result := models.WindowAnalysis{
		SampleCount:  len(samples),
		SamplingRate: samplingRate,
	}

	spectrum, err := e.AnalyzeWindow(samples, samplingRate)
	switch {
	case errors.Is(err, ErrInsufficientData):
		result.Status = models.StatusInsufficientData
		result.Error = err.Error()
		return result
	case err != nil:
		result.Status = models.StatusError
		result.Error = err.Error()
		return result
	}

	bands := e.BandPowers(spectrum)
	result.Status = models.StatusOK
	result.Bands = bands
	result.BetaPower = bands.Beta
	result.FocusScore = e.FocusScore(bands.Beta)
	if withSpectrum {
		result.Spectrum = &spectrum
	}
	return result
}
