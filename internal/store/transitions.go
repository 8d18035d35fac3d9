package store

import "swiftpost/queue-service/internal/models"

const (
	ActionAssign   = "assign"
	ActionComplete = "complete"
)

var transitionMap = map[string][]string{
	ActionAssign:   {models.StatusWaiting},
	ActionComplete: {models.StatusServing},
}

// ValidTransition reports whether a token in fromStatus may undergo action.
// Both store implementations consult this before mutating a token.
func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}
