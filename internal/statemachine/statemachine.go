// Package statemachine implements the pure evaluation lifecycle transition
// function. It has no I/O and no dependencies beyond the domain package: the
// storage-projection worker is the only caller, and it is the only component
// allowed to persist the result of Next.
package statemachine

import "github.com/evalplane/evalplane/internal/domain"

// Action describes a side effect the caller should perform after a transition.
type Action string

// Actions the projection worker may need to perform alongside a state write.
const (
	ActionNone         Action = ""
	ActionPersist      Action = "persist"
	ActionIgnoreStale  Action = "ignore_stale"
	ActionFlagAnomaly  Action = "flag_anomaly"
)

// transitions maps the current status and an incoming event kind to the next
// status. Entries absent from this table are invalid transitions.
var transitions = map[domain.Status]map[domain.EventKind]domain.Status{
	domain.StatusSubmitted: {
		domain.EventQueued:    domain.StatusQueued,
		domain.EventCancelled: domain.StatusCancelled,
		domain.EventFailed:    domain.StatusFailed,
		domain.EventDLQ:       domain.StatusFailed,
	},
	domain.StatusQueued: {
		domain.EventProvisioning: domain.StatusProvisioning,
		domain.EventCancelled:    domain.StatusCancelled,
		domain.EventFailed:       domain.StatusFailed,
		domain.EventDLQ:          domain.StatusFailed,
	},
	domain.StatusProvisioning: {
		domain.EventRunning:   domain.StatusRunning,
		domain.EventCancelled: domain.StatusCancelled,
		domain.EventFailed:    domain.StatusFailed,
		domain.EventTimeout:   domain.StatusTimeout,
		domain.EventDLQ:       domain.StatusFailed,
	},
	domain.StatusRunning: {
		domain.EventCompleted: domain.StatusCompleted,
		domain.EventFailed:    domain.StatusFailed,
		domain.EventTimeout:   domain.StatusTimeout,
		domain.EventCancelled: domain.StatusCancelled,
		domain.EventDLQ:       domain.StatusFailed,
	},
}

// Next computes the evaluation's next status given its current status and an
// incoming event kind. It enforces two invariants:
//
//   - Monotonicity: a terminal current status never changes (first terminal
//     event to arrive wins; later ones are flagged as anomalies, not applied).
//   - Table-only moves: an event with no entry in the current status's row,
//     including one that would move the record backwards (e.g. a redelivered
//     queued event once running), leaves the status unchanged and is flagged
//     as an anomaly. Every table entry moves forward in precedence, so the
//     ActionIgnoreStale branch is not reached with the current table.
func Next(current domain.Status, kind domain.EventKind) (domain.Status, Action) {
	if current.Terminal() {
		return current, ActionFlagAnomaly
	}

	row, ok := transitions[current]
	if !ok {
		return current, ActionFlagAnomaly
	}
	next, ok := row[kind]
	if !ok {
		return current, ActionFlagAnomaly
	}
	if next.Precedence() < current.Precedence() {
		return current, ActionIgnoreStale
	}
	return next, ActionPersist
}

// EventKindForStatus returns the canonical event kind published when an
// evaluation transitions into the given status, or "" for an unknown status.
func EventKindForStatus(s domain.Status) domain.EventKind {
	switch s {
	case domain.StatusSubmitted:
		return domain.EventSubmitted
	case domain.StatusQueued:
		return domain.EventQueued
	case domain.StatusProvisioning:
		return domain.EventProvisioning
	case domain.StatusRunning:
		return domain.EventRunning
	case domain.StatusCompleted:
		return domain.EventCompleted
	case domain.StatusFailed:
		return domain.EventFailed
	case domain.StatusTimeout:
		return domain.EventTimeout
	case domain.StatusCancelled:
		return domain.EventCancelled
	default:
		return ""
	}
}
