package player

import (
	"math/rand/v2"

	"github.com/osa030/voxlink/internal/domain/track"
)

// Enqueue appends tracks to the queue and returns the new queue length.
func (p *Player) Enqueue(tracks ...track.Track) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, tracks...)
	return len(p.queue)
}

// Remove removes the track at index i. It returns false if i is out of range.
func (p *Player) Remove(i int) (track.Track, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.queue) {
		return track.Track{}, false
	}
	t := p.queue[i]
	p.queue = append(p.queue[:i], p.queue[i+1:]...)
	return t, true
}

// Move moves the track at index from to index to. It returns false if either is out of range.
func (p *Player) Move(from, to int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.queue)
	if from < 0 || from >= n || to < 0 || to >= n {
		return false
	}
	if from == to {
		return true
	}
	t := p.queue[from]
	p.queue = append(p.queue[:from], p.queue[from+1:]...)
	p.queue = append(p.queue[:to], append([]track.Track{t}, p.queue[to:]...)...)
	return true
}

// Clear empties the queue and returns the number of removed tracks.
func (p *Player) Clear() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.queue)
	p.queue = nil
	return n
}

// Shuffle randomly permutes the queue.
func (p *Player) Shuffle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	rand.Shuffle(len(p.queue), func(i, j int) {
		p.queue[i], p.queue[j] = p.queue[j], p.queue[i]
	})
}

// Queue returns a copy of the queued tracks.
func (p *Player) Queue() []track.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]track.Track(nil), p.queue...)
}

// QueueLen returns the number of queued tracks.
func (p *Player) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
