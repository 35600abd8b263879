package vad

// State is the detector's position in its segment lifecycle.
type State int

const (
	Idle State = iota
	Listening
	SpeechDetected
	Finalizing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case SpeechDetected:
		return "speech_detected"
	case Finalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

type event int

const (
	evStart event = iota
	evStop
	evVoice
	evSilenceTimeout
	evEmitted
	evEmittedStopped
	evTrackEnded
)

// transition is the only place state changes are decided. Events that do
// not apply to the current state leave it unchanged.
func transition(s State, e event) State {
	switch e {
	case evTrackEnded:
		return Idle
	case evStop:
		if s == SpeechDetected {
			return Finalizing
		}
		return Idle
	}

	switch s {
	case Idle:
		if e == evStart {
			return Listening
		}
	case Listening:
		if e == evVoice {
			return SpeechDetected
		}
	case SpeechDetected:
		if e == evSilenceTimeout {
			return Finalizing
		}
	case Finalizing:
		switch e {
		case evEmitted:
			return Listening
		case evEmittedStopped:
			return Idle
		}
	}
	return s
}
