package router

// AdmissionPolicy decides whether a call estimated at tokens/cost fits a budget
// given what has already been used this period.
type AdmissionPolicy interface {
	Admit(b Budget, used Usage, tokens int64, cost float64) bool
}

// EstimateGate rejects a call when used plus the estimate would exceed a limit.
type EstimateGate struct{}

func (EstimateGate) Admit(b Budget, used Usage, tokens int64, cost float64) bool {
	if b.MaxTokens != nil && (*b.MaxTokens <= 0 || used.Tokens+tokens > *b.MaxTokens) {
		return false
	}
	if b.MaxCost != nil && (*b.MaxCost <= 0 || used.Cost+cost > *b.MaxCost) {
		return false
	}
	return true
}

// UsedGate only rejects once a limit has been reached, letting the last call
// overshoot.
type UsedGate struct{}

func (UsedGate) Admit(b Budget, used Usage, _ int64, _ float64) bool {
	if b.MaxTokens != nil && used.Tokens >= *b.MaxTokens {
		return false
	}
	if b.MaxCost != nil && used.Cost >= *b.MaxCost {
		return false
	}
	return true
}
