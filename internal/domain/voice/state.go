// Package voice provides the voice connection state assembled from host platform fragments.
package voice

import "github.com/disgoorg/snowflake/v2"

// State holds the voice credentials a node needs to join a voice channel.
// The host platform delivers them in two independent updates and in any order.
type State struct {
	Token     string       // Voice server token
	Endpoint  string       // Voice server endpoint
	SessionID string       // Voice session id of the client user
	ChannelID snowflake.ID // Connected channel, 0 when not in a channel
}

// Complete reports whether token, endpoint and session id have all been received.
func (s State) Complete() bool {
	return s.Token != "" && s.Endpoint != "" && s.SessionID != ""
}

// MergeServer applies a voice-server update and reports whether anything changed.
func (s *State) MergeServer(token, endpoint string) bool {
	changed := false
	if token != "" && token != s.Token {
		s.Token = token
		changed = true
	}
	if endpoint != "" && endpoint != s.Endpoint {
		s.Endpoint = endpoint
		changed = true
	}
	return changed
}

// MergeState applies a voice-state update and reports whether anything changed.
// A zero channel means the client left the channel; the session id is kept so a
// rejoin only has to deliver the server fragment again.
func (s *State) MergeState(sessionID string, channelID snowflake.ID) bool {
	changed := false
	if sessionID != "" && sessionID != s.SessionID {
		s.SessionID = sessionID
		changed = true
	}
	if channelID != s.ChannelID {
		s.ChannelID = channelID
		changed = true
	}
	return changed
}

// Reset clears all fragments.
func (s *State) Reset() {
	*s = State{}
}
