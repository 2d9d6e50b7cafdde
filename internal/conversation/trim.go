package conversation

// DefaultMaxTurns is the history cap applied when none is configured.
const DefaultMaxTurns = 20

// PairTrimmer evicts the oldest user/assistant pair until the history fits
// within Max turns.
type PairTrimmer struct {
	Max int
}

// Trim returns turns with whole pairs removed from the front while the
// length exceeds Max. A non-positive Max disables trimming. The returned
// slice shares its backing array with the input.
func (t PairTrimmer) Trim(turns []Turn) []Turn {
	if t.Max <= 0 {
		return turns
	}
	for len(turns) > t.Max {
		n := 2
		if len(turns) < n {
			n = len(turns)
		}
		turns = turns[n:]
	}
	return turns
}
