package workflows

// StateMachine enforces status transitions against a fixed table
type StateMachine struct {
	allowedTransitions map[string][]string
}

// NewStateMachine creates a new state machine with allowed transitions.
// States listed with no outgoing transitions are terminal.
func NewStateMachine(transitions map[string][]string) *StateMachine {
	allowed := make(map[string][]string, len(transitions))
	for from, to := range transitions {
		allowed[from] = append([]string(nil), to...)
	}
	return &StateMachine{allowedTransitions: allowed}
}

// CanTransition checks if a status transition is allowed
func (sm *StateMachine) CanTransition(from, to string) bool {
	allowed, exists := sm.allowedTransitions[from]
	if !exists {
		return false
	}
	for _, allowedTo := range allowed {
		if allowedTo == to {
			return true
		}
	}
	return false
}

// GetAllowedTransitions returns the allowed next statuses for a given status
func (sm *StateMachine) GetAllowedTransitions(from string) []string {
	allowed, exists := sm.allowedTransitions[from]
	if !exists {
		return []string{}
	}
	return append([]string(nil), allowed...)
}

// IsKnown reports whether the status appears in the table
func (sm *StateMachine) IsKnown(status string) bool {
	_, exists := sm.allowedTransitions[status]
	return exists
}

// IsTerminal reports whether a known status has no outgoing transitions
func (sm *StateMachine) IsTerminal(status string) bool {
	allowed, exists := sm.allowedTransitions[status]
	return exists && len(allowed) == 0
}
