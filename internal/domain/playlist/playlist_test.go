package playlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfo_HasSelection(t *testing.T) {
	tests := []struct {
		name     string
		info     Info
		total    int
		expected bool
	}{
		{name: "no selection", info: Info{SelectedTrack: -1}, total: 3, expected: false},
		{name: "first track", info: Info{SelectedTrack: 0}, total: 3, expected: true},
		{name: "last track", info: Info{SelectedTrack: 2}, total: 3, expected: true},
		{name: "out of range", info: Info{SelectedTrack: 3}, total: 3, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.info.HasSelection(tt.total))
		})
	}
}
