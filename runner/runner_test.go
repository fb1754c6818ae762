package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/plmops/eco-todo-sync/config"
	"github.com/plmops/eco-todo-sync/duetime"
	"github.com/plmops/eco-todo-sync/model"
	"github.com/plmops/eco-todo-sync/state"
)

type fakeFetcher struct {
	raws [][]byte
}

func (f *fakeFetcher) Fetch(ctx context.Context) [][]byte { return f.raws }

type ecoCall struct {
	fields  model.Fields
	userIDs []string
}

type generalCall struct {
	subject   string
	lines     []string
	userIDs   []string
	dueMillis int64
}

type fakeDispatcher struct {
	ecoErr   error
	ecoCalls []ecoCall

	generalErr   error
	generalCalls []generalCall
}

func (f *fakeDispatcher) CreateEcoTask(ctx context.Context, fields model.Fields, userIDs []string) error {
	f.ecoCalls = append(f.ecoCalls, ecoCall{fields: fields, userIDs: userIDs})
	return f.ecoErr
}

func (f *fakeDispatcher) CreateGeneralTask(ctx context.Context, subject string, lines []string, userIDs []string, dueMillis int64) error {
	f.generalCalls = append(f.generalCalls, generalCall{subject: subject, lines: lines, userIDs: userIDs, dueMillis: dueMillis})
	return f.generalErr
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Recipients: config.Recipients{
			EcoTodoUserIDs:   []string{"u1", "u2"},
			ErrorTodoUserIDs: []string{"admin"},
		},
		StateDir:     t.TempDir(),
		Keyword:      "ECO审批流程",
		DueWeeks:     1,
		DueHour:      18,
		ErrorDueHour: 18,
	}
}

func newTestRunner(t *testing.T, cfg config.Config, f *fakeFetcher, d *fakeDispatcher) *Runner {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r := New(cfg, logger)
	r.fetcher = f
	r.dispatcher = d
	r.sleep = func(time.Duration) {}
	r.now = func() time.Time {
		return time.Date(2026, 8, 20, 12, 0, 0, 0, time.Local)
	}
	return r
}

func ecoMail(messageID string) []byte {
	lines := []string{
		"Subject: [ECO审批流程]变更通知",
		"Date: Mon, 10 Aug 2026 09:00:00 +0800",
		"Message-ID: " + messageID,
		"Content-Type: text/plain; charset=utf-8",
		"",
		"ecn编码: E-100",
		"ecn名称: Widget",
		"产品名称: 路由器",
		"工作负责人: 张三",
	}
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func TestRun_DispatchesAndPersists(t *testing.T) {
	cfg := testConfig(t)
	f := &fakeFetcher{raws: [][]byte{ecoMail("<abc123>")}}
	d := &fakeDispatcher{}
	r := newTestRunner(t, cfg, f, d)

	r.Run(context.Background())

	if len(d.ecoCalls) != 1 {
		t.Fatalf("CreateEcoTask called %d times, want 1", len(d.ecoCalls))
	}
	call := d.ecoCalls[0]
	if call.fields.Body[model.FieldECNIndex] != "E-100" {
		t.Errorf("ecn index = %q, want E-100", call.fields.Body[model.FieldECNIndex])
	}
	if len(call.userIDs) != 2 {
		t.Errorf("userIDs = %v, want the eco group", call.userIDs)
	}
	if len(d.generalCalls) != 0 {
		t.Errorf("escalation fired on a clean run: %v", d.generalCalls)
	}

	registry, err := state.Open(cfg.StateDir)
	if err != nil {
		t.Fatal(err)
	}
	if !registry.Contains("<abc123>") {
		t.Error("registry missing <abc123> after run")
	}
}

func TestRun_SecondRunIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	f := &fakeFetcher{raws: [][]byte{ecoMail("<abc123>")}}

	first := &fakeDispatcher{}
	newTestRunner(t, cfg, f, first).Run(context.Background())

	second := &fakeDispatcher{}
	newTestRunner(t, cfg, f, second).Run(context.Background())

	if len(second.ecoCalls) != 0 {
		t.Errorf("second run dispatched %d tasks, want 0", len(second.ecoCalls))
	}
	if len(second.generalCalls) != 0 {
		t.Errorf("second run escalated: %v", second.generalCalls)
	}
}

func TestRun_NoMail(t *testing.T) {
	cfg := testConfig(t)
	d := &fakeDispatcher{}
	r := newTestRunner(t, cfg, &fakeFetcher{}, d)

	r.Run(context.Background())

	if len(d.ecoCalls) != 0 || len(d.generalCalls) != 0 {
		t.Errorf("dispatched on empty fetch: eco=%v general=%v", d.ecoCalls, d.generalCalls)
	}
}

func TestRun_DispatchFailureEscalates(t *testing.T) {
	cfg := testConfig(t)
	f := &fakeFetcher{raws: [][]byte{ecoMail("<abc123>")}}
	d := &fakeDispatcher{ecoErr: errors.New("token unavailable")}
	r := newTestRunner(t, cfg, f, d)

	r.Run(context.Background())

	if len(d.generalCalls) != 1 {
		t.Fatalf("escalation called %d times, want 1", len(d.generalCalls))
	}
	call := d.generalCalls[0]
	if call.subject != errorSubject {
		t.Errorf("subject = %q, want %q", call.subject, errorSubject)
	}
	if len(call.userIDs) != 1 || call.userIDs[0] != "admin" {
		t.Errorf("userIDs = %v, want error group", call.userIDs)
	}
	found := false
	for _, line := range call.lines {
		if strings.Contains(line, "token unavailable") {
			found = true
		}
	}
	if !found {
		t.Errorf("lines = %v, want failure cause included", call.lines)
	}
	wantDue := duetime.NextCutoff(r.now(), cfg.ErrorDueHour, cfg.ErrorDueMinute, cfg.ErrorDueSecond)
	if call.dueMillis != wantDue {
		t.Errorf("dueMillis = %d, want %d", call.dueMillis, wantDue)
	}

	// The failed message stays unmarked so the next run retries it.
	registry, err := state.Open(cfg.StateDir)
	if err != nil {
		t.Fatal(err)
	}
	if registry.Contains("<abc123>") {
		t.Error("registry contains <abc123> despite dispatch failure")
	}
}

func TestRun_EscalationFailureIsSwallowed(t *testing.T) {
	cfg := testConfig(t)
	f := &fakeFetcher{raws: [][]byte{ecoMail("<abc123>")}}
	d := &fakeDispatcher{
		ecoErr:     errors.New("token unavailable"),
		generalErr: errors.New("dingtalk down"),
	}
	r := newTestRunner(t, cfg, f, d)

	// Must not panic or block; both failures end up in the logs only.
	r.Run(context.Background())

	if len(d.generalCalls) != 1 {
		t.Errorf("escalation called %d times, want 1", len(d.generalCalls))
	}
}

func TestRun_DryRunSkipsPersist(t *testing.T) {
	cfg := testConfig(t)
	cfg.DryRun = true
	f := &fakeFetcher{raws: [][]byte{ecoMail("<abc123>")}}
	d := &fakeDispatcher{}
	r := newTestRunner(t, cfg, f, d)

	r.Run(context.Background())

	if len(d.ecoCalls) != 1 {
		t.Fatalf("CreateEcoTask called %d times, want 1", len(d.ecoCalls))
	}

	registry, err := state.Open(cfg.StateDir)
	if err != nil {
		t.Fatal(err)
	}
	if registry.Contains("<abc123>") {
		t.Error("dry run persisted the registry")
	}
}

func TestRun_KeywordMismatchSkipped(t *testing.T) {
	raw := []byte(strings.Join([]string{
		"Subject: 每周例会纪要",
		"Date: Mon, 10 Aug 2026 09:00:00 +0800",
		"Message-ID: <meeting1>",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"无关内容",
	}, "\r\n") + "\r\n")

	cfg := testConfig(t)
	d := &fakeDispatcher{}
	r := newTestRunner(t, cfg, &fakeFetcher{raws: [][]byte{raw}}, d)

	r.Run(context.Background())

	if len(d.ecoCalls) != 0 {
		t.Errorf("dispatched %d tasks for off-topic mail, want 0", len(d.ecoCalls))
	}

	summary := r.collector.Snapshot()
	if summary.Rejected != 1 {
		t.Errorf("rejected = %d, want 1", summary.Rejected)
	}
}

func TestRun_CollectorCountsDispatch(t *testing.T) {
	cfg := testConfig(t)
	f := &fakeFetcher{raws: [][]byte{ecoMail("<abc123>"), ecoMail("<def456>")}}
	d := &fakeDispatcher{}
	r := newTestRunner(t, cfg, f, d)

	r.Run(context.Background())

	summary := r.collector.Snapshot()
	if summary.Fetched != 2 {
		t.Errorf("fetched = %d, want 2", summary.Fetched)
	}
	if summary.Extracted != 2 {
		t.Errorf("extracted = %d, want 2", summary.Extracted)
	}
	if summary.Dispatched != 2 {
		t.Errorf("dispatched = %d, want 2", summary.Dispatched)
	}
	if summary.Errors != 0 {
		t.Errorf("errors = %d, want 0", summary.Errors)
	}
}
