package player

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// LoopMode controls what happens to a track that finished playing.
type LoopMode int

const (
	LoopOff   LoopMode = iota // Finished tracks are discarded
	LoopTrack                 // The finished track is replayed
	LoopQueue                 // The finished track is appended to the queue
)

// String returns the string representation of the loop mode.
func (m LoopMode) String() string {
	switch m {
	case LoopOff:
		return "off"
	case LoopTrack:
		return "track"
	case LoopQueue:
		return "queue"
	default:
		return "unknown"
	}
}

// ParseLoopMode parses "off", "track" or "queue".
func ParseLoopMode(s string) (LoopMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off", "none":
		return LoopOff, nil
	case "track":
		return LoopTrack, nil
	case "queue":
		return LoopQueue, nil
	default:
		return LoopOff, errors.Newf("unknown loop mode: %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m LoopMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *LoopMode) UnmarshalText(text []byte) error {
	mode, err := ParseLoopMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}
