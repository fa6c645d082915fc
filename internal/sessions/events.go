package sessions

// PeriodSyncedEvent is the payload published after a period sync commits.
type PeriodSyncedEvent struct {
	SessionID       string            `json:"session_id"`
	Period          string            `json:"period"`
	TotalAmount     string            `json:"total_amount"`
	Allocations     []AllocationEvent `json:"allocations"`
	Created         int               `json:"created"`
	Updated         int               `json:"updated"`
	Skipped         int               `json:"skipped"`
	Failed          int               `json:"failed"`
	FallbackApplied bool              `json:"fallback_applied"`
}

// AllocationEvent is one share inside PeriodSyncedEvent.
type AllocationEvent struct {
	AllocationID  string `json:"allocation_id"`
	ParticipantID string `json:"participant_id"`
	Percentage    int    `json:"percentage"`
	Amount        string `json:"amount"`
	Status        string `json:"status"`
}

// NewPeriodSyncedEvent builds the event from a summary.
func NewPeriodSyncedEvent(summary SyncSummary) PeriodSyncedEvent {
	evt := PeriodSyncedEvent{
		SessionID:       summary.SessionID.String(),
		Period:          summary.Period.String(),
		TotalAmount:     summary.TotalAmount.StringFixed(2),
		Allocations:     make([]AllocationEvent, len(summary.Allocations)),
		Created:         summary.Created,
		Updated:         summary.Updated,
		Skipped:         summary.Skipped,
		Failed:          summary.Failed,
		FallbackApplied: summary.FallbackApplied,
	}
	for i, a := range summary.Allocations {
		evt.Allocations[i] = AllocationEvent{
			AllocationID:  a.ID.String(),
			ParticipantID: a.ParticipantID,
			Percentage:    a.Percentage,
			Amount:        a.Amount.StringFixed(2),
			Status:        string(a.Status),
		}
	}
	return evt
}
