package stats

import (
	"errors"
	"testing"
)

func TestCollector(t *testing.T) {
	c := NewCollector()

	c.Apply(Event{Stage: StageInbox, Type: EventTypeFetched})
	c.Apply(Event{Stage: StageInbox, Type: EventTypeFetched})
	c.Apply(Event{Stage: StageFilter, Type: EventTypeRejected})
	c.Apply(Event{Stage: StageFilter, Type: EventTypeDuplicate})
	c.Apply(Event{Stage: StageExtract, Type: EventTypeExtracted})
	c.Apply(Event{Stage: StageDispatch, Type: EventTypeDispatched})
	c.Apply(Event{Type: EventTypeError, Err: errors.New("boom")})

	s := c.Snapshot()
	if s.Fetched != 2 || s.Rejected != 1 || s.Duplicates != 1 {
		t.Errorf("summary = %+v", s)
	}
	if s.Extracted != 1 || s.Dispatched != 1 {
		t.Errorf("summary = %+v", s)
	}
	if s.Errors != 1 || s.LastError == nil {
		t.Errorf("errors = %d, lastError = %v", s.Errors, s.LastError)
	}
}

func TestSummary_LogAttrs(t *testing.T) {
	s := Summary{Fetched: 3, Dispatched: 1}

	attrs := s.LogAttrs()
	if len(attrs)%2 != 0 {
		t.Fatalf("attrs length %d is odd", len(attrs))
	}

	s.LastError = errors.New("boom")
	withErr := s.LogAttrs()
	if len(withErr) != len(attrs)+2 {
		t.Errorf("lastError attr not appended: %d vs %d", len(withErr), len(attrs))
	}
}
