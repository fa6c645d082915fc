package shared

import "fmt"

// PropagationLockKey builds the redis key guarding one session's propagation run.
func PropagationLockKey(sessionID string) string {
	return fmt.Sprintf("sharepool:session:%s:propagation:lock", sessionID)
}

