package statemachine

import (
	"testing"

	"github.com/evalplane/evalplane/internal/domain"
)

func TestNext_HappyPath(t *testing.T) {
	cases := []struct {
		current domain.Status
		kind    domain.EventKind
		want    domain.Status
	}{
		{domain.StatusSubmitted, domain.EventQueued, domain.StatusQueued},
		{domain.StatusQueued, domain.EventProvisioning, domain.StatusProvisioning},
		{domain.StatusProvisioning, domain.EventRunning, domain.StatusRunning},
		{domain.StatusRunning, domain.EventCompleted, domain.StatusCompleted},
	}
	for _, c := range cases {
		got, action := Next(c.current, c.kind)
		if got != c.want {
			t.Fatalf("Next(%s, %s) = %s, want %s", c.current, c.kind, got, c.want)
		}
		if action != ActionPersist {
			t.Fatalf("Next(%s, %s) action = %s, want persist", c.current, c.kind, action)
		}
	}
}

func TestNext_DLQAlwaysFails(t *testing.T) {
	for _, current := range []domain.Status{
		domain.StatusSubmitted, domain.StatusQueued, domain.StatusProvisioning, domain.StatusRunning,
	} {
		got, action := Next(current, domain.EventDLQ)
		if got != domain.StatusFailed {
			t.Fatalf("Next(%s, dlq) = %s, want failed", current, got)
		}
		if action != ActionPersist {
			t.Fatalf("Next(%s, dlq) action = %s, want persist", current, action)
		}
	}
}

func TestNext_TerminalIsSticky(t *testing.T) {
	for _, current := range []domain.Status{
		domain.StatusCompleted, domain.StatusFailed, domain.StatusTimeout, domain.StatusCancelled,
	} {
		got, action := Next(current, domain.EventRunning)
		if got != current {
			t.Fatalf("Next(%s, running) = %s, want unchanged", current, got)
		}
		if action != ActionFlagAnomaly {
			t.Fatalf("Next(%s, running) action = %s, want flag_anomaly", current, action)
		}
	}
}

func TestNext_UnknownEventForStatusIsAnomaly(t *testing.T) {
	got, action := Next(domain.StatusSubmitted, domain.EventRunning)
	if got != domain.StatusSubmitted {
		t.Fatalf("got %s, want unchanged", got)
	}
	if action != ActionFlagAnomaly {
		t.Fatalf("action = %s, want flag_anomaly", action)
	}
}

func TestNext_EventNotValidForCurrentStatusIsAnomaly(t *testing.T) {
	// A redelivered queued event arriving once the evaluation is already
	// running is not a valid transition out of the running row at all, so
	// it is flagged rather than silently dropped.
	got, action := Next(domain.StatusRunning, domain.EventQueued)
	if got != domain.StatusRunning {
		t.Fatalf("got %s, want unchanged", got)
	}
	if action != ActionFlagAnomaly {
		t.Fatalf("action = %s, want flag_anomaly", action)
	}
}

func TestEventKindForStatus(t *testing.T) {
	cases := map[domain.Status]domain.EventKind{
		domain.StatusSubmitted:    domain.EventSubmitted,
		domain.StatusQueued:       domain.EventQueued,
		domain.StatusProvisioning: domain.EventProvisioning,
		domain.StatusRunning:      domain.EventRunning,
		domain.StatusCompleted:    domain.EventCompleted,
		domain.StatusFailed:       domain.EventFailed,
		domain.StatusTimeout:      domain.EventTimeout,
		domain.StatusCancelled:    domain.EventCancelled,
	}
	for status, want := range cases {
		if got := EventKindForStatus(status); got != want {
			t.Fatalf("EventKindForStatus(%s) = %s, want %s", status, got, want)
		}
	}
	if got := EventKindForStatus(domain.Status("bogus")); got != "" {
		t.Fatalf("EventKindForStatus(bogus) = %s, want empty", got)
	}
}
