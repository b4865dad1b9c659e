package model

// IntentStatus is the lifecycle state of an OrderIntent.
type IntentStatus string

const (
	IntentPending     IntentStatus = "PENDING"
	IntentOrderPlaced IntentStatus = "ORDER_PLACED"
	IntentOrderFailed IntentStatus = "ORDER_FAILED"
)

// Error messages stored on failed intents.
const (
	ErrMsgMissingExchangeOrder = "MISSING_EXCHANGE_ORDER"
	ErrMsgRetryExhausted       = "RETRY_EXHAUSTED"
)

// intentTransitions lists the legal moves. ORDER_PLACED -> ORDER_FAILED is
// only taken by reconciliation when no exchange order ever materialized.
var intentTransitions = map[IntentStatus][]IntentStatus{
	IntentPending:     {IntentOrderPlaced, IntentOrderFailed},
	IntentOrderPlaced: {IntentOrderFailed},
	IntentOrderFailed: nil,
}

// Valid reports whether s is a known status.
func (s IntentStatus) Valid() bool {
	_, ok := intentTransitions[s]
	return ok
}

// Terminal reports whether no further transition can leave s.
func (s IntentStatus) Terminal() bool {
	return s == IntentOrderFailed
}

// Transition checks moving from s to next.
//
// It returns changed=true when the move must be applied. Re-applying the
// current status, or any move out of a terminal status, is a no-op
// (changed=false, nil error). Anything else off the table is
// ErrInvalidTransition.
func (s IntentStatus) Transition(next IntentStatus) (changed bool, err error) {
	if !s.Valid() || !next.Valid() {
		return false, ErrInvalidTransition
	}
	if s == next || s.Terminal() {
		return false, nil
	}
	for _, allowed := range intentTransitions[s] {
		if allowed == next {
			return true, nil
		}
	}
	// PLACED -> PENDING and similar regressions.
	return false, ErrInvalidTransition
}

// Open reports whether the intent has not reached ORDER_FAILED.
func (s IntentStatus) Open() bool {
	return s == IntentPending || s == IntentOrderPlaced
}
