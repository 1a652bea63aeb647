package audio

import "math"

// LevelRangeDB is the dynamic range mapped onto [0, 1] by [Level]. A signal
// at -90 dBFS or quieter reads 0; full scale reads 1.
const LevelRangeDB = 90.0

// RMS returns the root-mean-square amplitude of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Level converts the loudness of samples into a normalised [0, 1] value: the
// RMS amplitude is expressed in decibels relative to full scale and linearly
// rescaled from a [LevelRangeDB] window. Samples that make the RMS
// non-finite (NaN or ±Inf) read as silence.
func Level(samples []float32) float64 {
	rms := RMS(samples)
	if !(rms > 0) || math.IsInf(rms, 0) {
		return 0
	}
	db := 20 * math.Log10(rms)
	lvl := (db + LevelRangeDB) / LevelRangeDB
	switch {
	case lvl < 0:
		return 0
	case lvl > 1:
		return 1
	}
	return lvl
}
