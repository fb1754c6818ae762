package stats

import "sync"

type Stage string

const (
	StageInbox    Stage = "inbox"
	StageFilter   Stage = "filter"
	StageExtract  Stage = "extract"
	StageDispatch Stage = "dispatch"
	StageState    Stage = "state"
)

type EventType string

const (
	EventTypeFetched          EventType = "fetched"
	EventTypeRejected         EventType = "rejected"
	EventTypeDuplicate        EventType = "duplicate"
	EventTypeSkipped          EventType = "skipped"
	EventTypeExtracted        EventType = "extracted"
	EventTypeDispatched       EventType = "dispatched"
	EventTypeDryRunDispatched EventType = "dry_run_dispatched"
	EventTypeError            EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Err       error
	Detail    string
}

type Summary struct {
	Fetched    int
	Rejected   int
	Duplicates int
	Skipped    int
	Extracted  int
	Dispatched int
	DryRun     int
	Errors     int
	LastError  error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"fetched", s.Fetched,
		"rejected", s.Rejected,
		"duplicates", s.Duplicates,
		"skipped", s.Skipped,
		"extracted", s.Extracted,
		"dispatched", s.Dispatched,
		"dryRunDispatched", s.DryRun,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Collector accumulates run accounting. The pipeline is sequential, but
// the collector stays safe for concurrent use so callers never have to
// care.
type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeFetched:
		c.summary.Fetched++
	case EventTypeRejected:
		c.summary.Rejected++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeExtracted:
		c.summary.Extracted++
	case EventTypeDispatched:
		c.summary.Dispatched++
	case EventTypeDryRunDispatched:
		c.summary.DryRun++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}
