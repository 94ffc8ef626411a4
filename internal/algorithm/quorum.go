package algorithm

// QuorumCalculator calculates quorum requirements
type QuorumCalculator struct{}

// NewQuorumCalculator creates a new quorum calculator
func NewQuorumCalculator() *QuorumCalculator {
	return &QuorumCalculator{}
}

// CalculateQuorum returns the majority of totalReplicas
func (q *QuorumCalculator) CalculateQuorum(totalReplicas int) int {
	if totalReplicas <= 0 {
		return 0
	}
	return (totalReplicas / 2) + 1
}

// RequiredAcks returns the acknowledgements a shard write needs.
// override > 0 wins; otherwise a majority of leader+followers.
func (q *QuorumCalculator) RequiredAcks(override, followerCount int) int {
	if override > 0 {
		return override
	}
	return q.CalculateQuorum(followerCount + 1)
}

// IsQuorumReached checks if quorum is reached
func (q *QuorumCalculator) IsQuorumReached(acks, required int) bool {
	return acks >= required
}
