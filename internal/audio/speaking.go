package audio

// SpeakingDetector classifies frames as speaking or not and reports edges.
type SpeakingDetector struct {
	threshold float64
	speaking  bool
}

func NewSpeakingDetector(threshold float64) *SpeakingDetector {
	return &SpeakingDetector{threshold: threshold}
}

// Observe returns the current status and whether it changed on this frame.
func (d *SpeakingDetector) Observe(rms float64) (speaking, changed bool) {
	now := rms > d.threshold
	changed = now != d.speaking
	d.speaking = now
	return now, changed
}

func (d *SpeakingDetector) Speaking() bool {
	return d.speaking
}

// Clear forces the status to not speaking and reports whether it changed.
func (d *SpeakingDetector) Clear() bool {
	was := d.speaking
	d.speaking = false
	return was
}
