package app

// Elect picks the participant responsible for group progression: the
// lexicographically smallest identifier. ok is false for an empty set.
func Elect(ids []string) (leader string, ok bool) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if !ok || id < leader {
			leader = id
			ok = true
		}
	}
	return leader, ok
}
