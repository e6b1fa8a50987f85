// Package epa implements the US EPA PM2.5 correction curve for low-cost
// optical sensors. The correction compensates for humidity-driven
// overcounting by blending the raw PM2.5 reading with relative humidity
// across five concentration bands.
//
// The coefficients reproduce EPA's published correction exactly and are not
// tunable. The function is pure and bit-for-bit reproducible.
package epa

import (
	"math"

	"airsense/internal/types"
)

// Band breakpoints in raw µg/m³. Between bands 1-2 and 3-4 the correction
// blends linearly so output stays continuous across the boundary.
const (
	bandLow       = 30.0
	bandLowBlend  = 50.0
	bandHigh      = 210.0
	bandHighBlend = 260.0
)

// CorrectPM25 applies the EPA correction for the location's data source.
//
// Sources outside the correction-required set pass the raw value through
// unmodified. A nil pm25 (and, for correctable sources, a nil rhum) yields
// nil, signalling "cannot correct, treat as missing". A raw reading of
// exactly 0 is returned as 0: clean air is never corrected upward.
//
// The corrected value is rounded to one decimal and floored at 0.
func CorrectPM25(source types.DataSource, pm25, rhum *float64) *float64 {
	if pm25 == nil {
		return nil
	}
	if !source.RequiresEPACorrection() {
		v := *pm25
		return &v
	}
	if rhum == nil {
		return nil
	}

	raw, rh := *pm25, *rhum
	if raw == 0 {
		zero := 0.0
		return &zero
	}

	var corrected float64
	switch {
	case raw < bandLow:
		corrected = 0.524*raw - 0.0862*rh + 5.75

	case raw < bandLowBlend:
		// Linear blend between the low-band (0.524) and mid-band (0.786)
		// slopes over raw in [30, 50).
		w := raw/20 - 3.0/2.0
		corrected = (0.786*w+0.524*(1-w))*raw - 0.0862*rh + 5.75

	case raw < bandHigh:
		corrected = 0.786*raw - 0.0862*rh + 5.75

	case raw < bandHighBlend:
		// Blend between the mid-band linear form and the high-band
		// quadratic form over raw in [210, 260).
		w := raw/50 - 21.0/5.0
		corrected = (0.69*w+0.786*(1-w))*raw -
			0.0862*rh*(1-w) +
			2.966*w +
			5.75*(1-w) +
			8.84e-4*raw*raw*w

	default:
		corrected = 2.966 + 0.69*raw + 8.84e-4*raw*raw
	}

	corrected = math.Round(corrected*10) / 10
	if corrected < 0 {
		corrected = 0
	}
	return &corrected
}
