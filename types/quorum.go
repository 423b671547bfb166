package types

// MajorityThreshold is floor(total*2/3). A tally reaching it is a majority.
func MajorityThreshold(total int64) int64 {
	return total * 2 / 3
}

// HasMajority applies the finality rule. A zero total can never finalize.
func HasMajority(tally, total int64) bool {
	if total <= 0 {
		return false
	}
	return tally >= MajorityThreshold(total)
}
