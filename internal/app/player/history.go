package player

// pushBounded appends v and drops the oldest entries beyond limit.
func pushBounded[T any](s []T, v T, limit int) []T {
	s = append(s, v)
	if limit > 0 && len(s) > limit {
		n := copy(s, s[len(s)-limit:])
		s = s[:n]
	}
	return s
}
