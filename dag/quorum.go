package dag

// NumFaulty returns the maximum number of Byzantine scribes tolerated among n.
func NumFaulty(n int) int {
	if n <= 0 {
		return 0
	}
	return (n - 1) / 3
}

// QuorumThreshold returns 2f+1 for n participating scribes, and 0 when n is 0.
func QuorumThreshold(n int) int {
	if n <= 0 {
		return 0
	}
	return 2*NumFaulty(n) + 1
}

// SupportThreshold returns ceil(2n/3), the number of supporting vertices a
// coin-elected leader needs before it is accepted.
func SupportThreshold(n int) int {
	if n <= 0 {
		return 0
	}
	return (2*n + 2) / 3
}

// LinkThreshold returns n - SupportThreshold(n) + 1: a causal history holding
// that many votes for one leader proves that no other leader of the same
// wave reached SupportThreshold votes.
func LinkThreshold(n int) int {
	if n <= 0 {
		return 0
	}
	return n - SupportThreshold(n) + 1
}
