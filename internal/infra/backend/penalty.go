package backend

import "math"

const (
	playerPenalty        = 1.0
	playingPlayerPenalty = 2.0
	cpuPenalty           = 100.0
	memoryThreshold      = 0.8
	memoryPenalty        = 500.0
	deficitFramePenalty  = 2.0
	nulledFramePenalty   = 1.0
)

// Penalty scores a load report; lower is better.
// Memory only counts above 80% of reservable memory.
func Penalty(s *Stats) float64 {
	if s == nil {
		return math.Inf(1)
	}

	p := float64(s.Players)*playerPenalty + float64(s.PlayingPlayers)*playingPlayerPenalty

	cores := s.CPU.Cores
	if cores < 1 {
		cores = 1
	}
	p += s.CPU.SystemLoad / float64(cores) * cpuPenalty

	if s.Memory.Reservable > 0 {
		usage := float64(s.Memory.Used) / float64(s.Memory.Reservable)
		if usage > memoryThreshold {
			p += (usage - memoryThreshold) * memoryPenalty
		}
	}

	if s.FrameStats != nil {
		p += float64(s.FrameStats.Deficit)*deficitFramePenalty + float64(s.FrameStats.Nulled)*nulledFramePenalty
	}

	return p
}
