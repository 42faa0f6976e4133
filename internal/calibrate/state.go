// Package calibrate owns the global calibration loop and its persisted
// state: the length-scale and silence-compensation factors learned across
// runs so each new run starts close to optimal.
package calibrate

// IterationRecord captures the measurements of one full calibration pass.
type IterationRecord struct {
	Iteration      int     `yaml:"iteration"`
	LengthScale    float64 `yaml:"length_scale"`
	Precision      float64 `yaml:"precision"`
	VoicedFraction float64 `yaml:"voiced_fraction"`
	MeanVolumeDB   float64 `yaml:"mean_volume_db"`
}

// State is the calibration loop's mutable state. The loop is its only
// writer; segment processing reads GlobalLengthScale for initial estimates.
type State struct {
	GlobalLengthScale   float64           `yaml:"global_length_scale"`
	SilenceCompensation float64           `yaml:"silence_compensation"`
	DynamicBoostDB      float64           `yaml:"dynamic_boost_db"`
	History             []IterationRecord `yaml:"history,omitempty"`
}

// DefaultState is the neutral starting point for a directory with no cache.
func DefaultState() State {
	return State{GlobalLengthScale: 1.0, SilenceCompensation: 1.0, DynamicBoostDB: 0}
}

// sanitize clamps persisted values that may have been hand-edited or damaged
// into workable ranges.
func (s *State) sanitize() {
	if s.GlobalLengthScale < 0.75 || s.GlobalLengthScale > 1.35 {
		s.GlobalLengthScale = 1.0
	}
	if s.SilenceCompensation < 0.5 || s.SilenceCompensation > 1.2 {
		s.SilenceCompensation = 1.0
	}
	if s.DynamicBoostDB < 0 || s.DynamicBoostDB > 9 {
		s.DynamicBoostDB = 0
	}
}
