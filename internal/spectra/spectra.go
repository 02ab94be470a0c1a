// Package spectra computes absorption spectra from line tables using a
// pressure-broadened Lorentz profile at the reference temperature.
package spectra

import (
	"errors"
	"fmt"
	"math"

	"github.com/mattjoyce/hapiq/internal/tables"
)

const (
	// LoschmidtRef is the number density of an ideal gas at 296 K and
	// 1 atm, in molecules/cm3.
	LoschmidtRef = 2.479e19

	// DefaultWingHW is the line wing cutoff in half widths.
	DefaultWingHW = 50.0

	DefaultPressure   = 1.0   // atm
	DefaultPathLength = 100.0 // cm

	// maxGridPoints bounds one computation.
	maxGridPoints = 5_000_000
)

var ErrEmptyGrid = errors.New("wavenumber grid is empty")

// Grid is an evenly spaced wavenumber axis, inclusive of both ends.
type Grid struct {
	NuMin float64 `json:"numin"`
	NuMax float64 `json:"numax"`
	Step  float64 `json:"step"`
}

// Points returns the wavenumbers of g.
func (g Grid) Points() ([]float64, error) {
	if g.Step <= 0 {
		return nil, fmt.Errorf("step must be positive, got %g", g.Step)
	}
	if g.NuMax < g.NuMin {
		return nil, fmt.Errorf("numax %g is below numin %g", g.NuMax, g.NuMin)
	}
	n := int(math.Floor((g.NuMax-g.NuMin)/g.Step+1e-9)) + 1
	if n <= 0 {
		return nil, ErrEmptyGrid
	}
	if n > maxGridPoints {
		return nil, fmt.Errorf("grid has %d points, limit is %d", n, maxGridPoints)
	}
	nu := make([]float64, n)
	for i := range nu {
		nu[i] = g.NuMin + float64(i)*g.Step
	}
	return nu, nil
}

// Conditions are the gas conditions of a computation.
type Conditions struct {
	Pressure   float64 `json:"pressure"`    // atm
	WingHW     float64 `json:"wing_hw"`     // cutoff in half widths
	PathLength float64 `json:"path_length"` // cm
}

// WithDefaults fills unset fields.
func (c Conditions) WithDefaults() Conditions {
	if c.Pressure == 0 {
		c.Pressure = DefaultPressure
	}
	if c.WingHW == 0 {
		c.WingHW = DefaultWingHW
	}
	if c.PathLength == 0 {
		c.PathLength = DefaultPathLength
	}
	return c
}

func (c Conditions) validate() error {
	if c.Pressure < 0 || c.WingHW < 0 || c.PathLength < 0 {
		return fmt.Errorf("pressure, wing_hw and path_length must not be negative")
	}
	return nil
}

// Spectrum is a computed quantity sampled on a grid.
type Spectrum struct {
	Nu    []float64 `json:"nu"`
	Value []float64 `json:"value"`
}

// AbsorptionCoefficient returns k(nu) in cm2/molecule:
//
//	k(nu) = sum S * (g/pi) / ((nu-nu0)^2 + g^2),  g = gamma_air * p
//
// Each line contributes only within WingHW half widths of its center.
func AbsorptionCoefficient(lines []tables.Line, g Grid, c Conditions) (Spectrum, error) {
	c = c.WithDefaults()
	if err := c.validate(); err != nil {
		return Spectrum{}, err
	}
	nu, err := g.Points()
	if err != nil {
		return Spectrum{}, err
	}

	k := make([]float64, len(nu))
	for _, l := range lines {
		gamma := l.GammaAir * c.Pressure
		if gamma <= 0 {
			continue
		}
		wing := c.WingHW * gamma
		lo, hi := gridRange(g, l.Nu-wing, l.Nu+wing, len(nu))
		for i := lo; i < hi; i++ {
			d := nu[i] - l.Nu
			k[i] += l.SW * (gamma / math.Pi) / (d*d + gamma*gamma)
		}
	}
	return Spectrum{Nu: nu, Value: k}, nil
}

// Transmittance returns exp(-k * n * L) where n is the number density at
// the given pressure.
func Transmittance(lines []tables.Line, g Grid, c Conditions) (Spectrum, error) {
	c = c.WithDefaults()
	k, err := AbsorptionCoefficient(lines, g, c)
	if err != nil {
		return Spectrum{}, err
	}
	column := c.Pressure * LoschmidtRef * c.PathLength
	out := make([]float64, len(k.Value))
	for i, v := range k.Value {
		out[i] = math.Exp(-v * column)
	}
	return Spectrum{Nu: k.Nu, Value: out}, nil
}

// gridRange returns the index interval [lo, hi) of grid points within
// [from, to].
func gridRange(g Grid, from, to float64, n int) (int, int) {
	lo := int(math.Ceil((from - g.NuMin) / g.Step))
	hi := int(math.Floor((to-g.NuMin)/g.Step)) + 1
	return max(lo, 0), min(hi, n)
}
