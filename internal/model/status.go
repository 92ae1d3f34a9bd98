package model

import "strings"

// Rank orders the non-terminal progression sending < sent < delivered < read.
// Failed has no rank; ok is false for it and for unknown statuses.
func (s Status) Rank() (rank int, ok bool) {
	switch s {
	case Sending:
		return -1, true
	case Sent:
		return 0, true
	case Delivered:
		return 1, true
	case Read:
		return 2, true
	}
	return 0, false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == Read || s == Failed
}

// CanTransition reports whether a message in status from may move to status to.
// Applying the same status twice, or a lower-ranked one, is never allowed, which
// makes repeated or reordered delivery reports harmless.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == Failed {
		return true
	}
	fr, ok := from.Rank()
	if !ok {
		return false
	}
	tr, ok := to.Rank()
	if !ok {
		return false
	}
	return tr > fr
}

// supportedAudioMimes are the audio containers WhatsApp accepts as voice/audio.
var supportedAudioMimes = map[string]struct{}{
	"audio/aac":  {},
	"audio/mp4":  {},
	"audio/mpeg": {},
	"audio/amr":  {},
	"audio/ogg":  {},
}

// DeliveryKind maps the composed kind to the kind sent to the provider.
// Recordings in a codec the provider does not accept as audio (browser
// webm/wav captures) go out as documents.
func DeliveryKind(kind Kind, mime string) Kind {
	if kind != KindAudio {
		return kind
	}
	base := strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(base, ';'); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	if base == "" {
		return kind
	}
	if _, ok := supportedAudioMimes[base]; ok {
		return kind
	}
	return KindDocument
}
