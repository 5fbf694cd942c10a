package audio

// QualityReport carries EBU R128 oriented measurements. Measured is false
// when the values are DefaultQualityProfile rather than an analysis result.
// DynamicRange is the peak to loudness ratio in dB. SignalToNoise is nil
// when the analysis could not estimate it.
type QualityReport struct {
	IntegratedLoudness float64  `json:"integratedLoudness"`
	TruePeak           float64  `json:"truePeak"`
	LoudnessRange      float64  `json:"loudnessRange"`
	DynamicRange       float64  `json:"dynamicRange"`
	SignalToNoise      *float64 `json:"signalToNoise,omitempty"`
	Measured           bool     `json:"measured"`
}

// DefaultQualityProfile is reported when no analysis could be performed. The
// numbers are broadcast reference targets, not measurements.
func DefaultQualityProfile() QualityReport {
	snr := 60.0
	return QualityReport{
		IntegratedLoudness: -23,
		TruePeak:           -1,
		LoudnessRange:      7,
		DynamicRange:       12,
		SignalToNoise:      &snr,
		Measured:           false,
	}
}
