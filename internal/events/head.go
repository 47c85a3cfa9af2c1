package events

// insertDecision is what the head resolver does with a freshly inserted event.
type insertDecision int

const (
	// decisionPromote makes the new event the head and activates it.
	decisionPromote insertDecision = iota + 1
	// decisionActivate activates the new event and leaves the head where it is.
	decisionActivate
)

// timelineEntry is the slice of an event the partition planner needs.
type timelineEntry struct {
	ID             string `gorm:"column:id"`
	IsActive       bool   `gorm:"column:is_active"`
	CreatedAtNanos int64  `gorm:"column:created_at_ns"`
}

// partitionPlan lists the ids whose activation flag must flip.
type partitionPlan struct {
	reactivate []string
	deactivate []string
}

// decideOnInsert promotes the incoming event when there is no head or when it is strictly
// newer than the head. A backfilled event (same or older timestamp) is only activated.
//
// The backfill branch does not reconcile other events against the unmoved head, so a
// timeline that was rewound keeps its inactive tail.
func decideOnInsert(head *Event, incomingCreatedAtNanos int64) insertDecision {
	if head == nil {
		return decisionPromote
	}
	if incomingCreatedAtNanos <= head.CreatedAtNanos {
		return decisionActivate
	}
	return decisionPromote
}

// planTimeTravel partitions the timeline around a target timestamp: inactive events at or
// before it come back, active events after it go away. A nil target deactivates everything.
func planTimeTravel(timeline []timelineEntry, targetCreatedAtNanos *int64) partitionPlan {
	plan := partitionPlan{reactivate: make([]string, 0), deactivate: make([]string, 0)}
	for _, entry := range timeline {
		if targetCreatedAtNanos == nil {
			if entry.IsActive {
				plan.deactivate = append(plan.deactivate, entry.ID)
			}
			continue
		}
		switch {
		case !entry.IsActive && entry.CreatedAtNanos <= *targetCreatedAtNanos:
			plan.reactivate = append(plan.reactivate, entry.ID)
		case entry.IsActive && entry.CreatedAtNanos > *targetCreatedAtNanos:
			plan.deactivate = append(plan.deactivate, entry.ID)
		}
	}
	return plan
}

// dedupeIDs drops repeated ids while keeping first-seen order.
func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	return unique
}

// invalidIDs returns the requested ids that are missing from found or belong to another project.
func invalidIDs(requested []string, found map[string]timelineOwner, projectID string) []string {
	invalid := make([]string, 0)
	for _, id := range requested {
		owner, ok := found[id]
		if !ok || owner.ProjectID != projectID {
			invalid = append(invalid, id)
		}
	}
	return invalid
}

// timelineOwner is the slice of an event the batch validation gate needs.
type timelineOwner struct {
	ID        string `gorm:"column:id"`
	ProjectID string `gorm:"column:project_id"`
	IsActive  bool   `gorm:"column:is_active"`
}
