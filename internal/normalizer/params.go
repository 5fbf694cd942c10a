package normalizer

import (
	"fmt"
	"strings"
)

const (
	TruePeakCeiling     = -1.5
	LoudnessRangeTarget = 11.0
	SilenceThreshold    = "-50dB"
	SilenceMinDuration  = 0.3
	PeakLimit           = 0.9
)

// Params selects the filters applied by Normalize. A zero TargetLoudnessLUFS
// or FadeDuration disables that filter.
type Params struct {
	TargetLoudnessLUFS float64 `json:"targetLoudnessLUFS"`
	PeakNormalization  bool    `json:"peakNormalization"`
	RemoveSilence      bool    `json:"removeSilence"`
	FadeDuration       float64 `json:"fadeDuration"`
}

func DefaultParams() Params {
	return Params{
		TargetLoudnessLUFS: -16,
		PeakNormalization:  true,
		RemoveSilence:      true,
		FadeDuration:       0.1,
	}
}

// Variant is a stable tag identifying the output these params produce. It is
// used as the cache variant.
func (p Params) Variant() string {
	parts := []string{fmt.Sprintf("lufs%.1f", p.TargetLoudnessLUFS)}
	if p.RemoveSilence {
		parts = append(parts, "trim")
	}
	if p.PeakNormalization {
		parts = append(parts, "peak")
	}
	if p.FadeDuration > 0 {
		parts = append(parts, fmt.Sprintf("fade%.2f", p.FadeDuration))
	}
	return strings.Join(parts, "-")
}

// FilterChain builds the ffmpeg -af argument. Order is fixed: loudness,
// silence trim, peak limit, fade. An empty string means nothing to do.
func FilterChain(p Params) string {
	var filters []string
	if p.TargetLoudnessLUFS != 0 {
		filters = append(filters, fmt.Sprintf("loudnorm=I=%.1f:TP=%.1f:LRA=%.1f",
			p.TargetLoudnessLUFS, TruePeakCeiling, LoudnessRangeTarget))
	}
	if p.RemoveSilence {
		filters = append(filters, fmt.Sprintf(
			"silenceremove=start_periods=1:start_duration=%.1f:start_threshold=%s:stop_periods=-1:stop_duration=%.1f:stop_threshold=%s",
			SilenceMinDuration, SilenceThreshold, SilenceMinDuration, SilenceThreshold))
	}
	if p.PeakNormalization {
		filters = append(filters, fmt.Sprintf("alimiter=limit=%.2f", PeakLimit))
	}
	if p.FadeDuration > 0 {
		// fade-out is applied as a fade-in on the reversed stream so the
		// source duration does not need to be known
		filters = append(filters,
			fmt.Sprintf("afade=t=in:st=0:d=%.2f", p.FadeDuration),
			"areverse",
			fmt.Sprintf("afade=t=in:st=0:d=%.2f", p.FadeDuration),
			"areverse")
	}
	return strings.Join(filters, ",")
}
