package store

import "fmt"

// Key families for the durable KV. Memory events and cost entries use
// per-item keys under their family prefix so a prefix scan returns them in
// id order (event ids are ULIDs, so key order is append order).

func RunMemoryEventsPrefix(runID string) string {
	return fmt.Sprintf("run:%s:memory:events:", runID)
}

func RunMemoryEventKey(runID, eventID string) string {
	return RunMemoryEventsPrefix(runID) + eventID
}

func RunMemorySnapshotKey(runID string) string {
	return fmt.Sprintf("run:%s:memory:snapshot", runID)
}

func RunMemoryIdempotencyKey(runID, key string) string {
	return fmt.Sprintf("run:%s:memory:idempotency:%s", runID, key)
}

func RunCheckpointPrefix(runID string) string {
	return fmt.Sprintf("run:%s:memory:checkpoint:", runID)
}

// RunCheckpointKey zero-pads the sequence so lexical key order equals
// numeric sequence order.
func RunCheckpointKey(runID string, sequence int) string {
	return fmt.Sprintf("%s%08d", RunCheckpointPrefix(runID), sequence)
}

func SessionMemoryEventsPrefix(sessionID string) string {
	return fmt.Sprintf("session:%s:memory:events:", sessionID)
}

func SessionMemoryEventKey(sessionID, eventID string) string {
	return SessionMemoryEventsPrefix(sessionID) + eventID
}

func SessionMemorySnapshotKey(sessionID string) string {
	return fmt.Sprintf("session:%s:memory:snapshot", sessionID)
}

func SessionMemoryIdempotencyKey(sessionID, key string) string {
	return fmt.Sprintf("session:%s:memory:idempotency:%s", sessionID, key)
}

func RunCostPrefix(runID string) string {
	return fmt.Sprintf("run:%s:cost:", runID)
}

func RunCostKey(runID, entryID string) string {
	return RunCostPrefix(runID) + entryID
}

func SessionCostPrefix(sessionID string) string {
	return fmt.Sprintf("session:%s:cost:", sessionID)
}

func SessionCostKey(sessionID, entryID string) string {
	return SessionCostPrefix(sessionID) + entryID
}
