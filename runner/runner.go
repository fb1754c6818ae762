package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/plmops/eco-todo-sync/config"
	"github.com/plmops/eco-todo-sync/dingtalk"
	"github.com/plmops/eco-todo-sync/duetime"
	"github.com/plmops/eco-todo-sync/inbox"
	"github.com/plmops/eco-todo-sync/mailparse"
	"github.com/plmops/eco-todo-sync/model"
	"github.com/plmops/eco-todo-sync/state"
	"github.com/plmops/eco-todo-sync/stats"
)

const (
	errorSubject     = "ECO自动创建代办-错误"
	errorDescription = "在处理邮件时发生错误，请及时处理。"
)

type fetcher interface {
	Fetch(ctx context.Context) [][]byte
}

type dispatcher interface {
	CreateEcoTask(ctx context.Context, fields model.Fields, userIDs []string) error
	CreateGeneralTask(ctx context.Context, subject string, lines []string, userIDs []string, dueMillis int64) error
}

// Runner sequences one sync pass: fetch, filter, extract, dispatch,
// persist. Failures past the fetch stage are escalated as a general todo
// to the error recipients; the process itself always finishes the run.
type Runner struct {
	cfg        config.Config
	logger     *slog.Logger
	fetcher    fetcher
	dispatcher dispatcher
	registry   *state.Registry
	calc       duetime.Calculator
	collector  *stats.Collector

	sleep func(time.Duration)
	now   func() time.Time
}

func New(cfg config.Config, logger *slog.Logger) *Runner {
	calc := duetime.Calculator{
		CreateOffsetMonths: cfg.CreateOffsetMonths,
		CreateOffsetDays:   cfg.CreateOffsetDays,
		DueWeeks:           cfg.DueWeeks,
		Hour:               cfg.DueHour,
		Minute:             cfg.DueMinute,
		Second:             cfg.DueSecond,
	}

	f := inbox.New(inbox.Options{
		Host:               cfg.IMAPHost,
		Port:               cfg.IMAPPort,
		Address:            cfg.MailAddress,
		Password:           cfg.MailPassword,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		CreateOffsetMonths: cfg.CreateOffsetMonths,
		CreateOffsetDays:   cfg.CreateOffsetDays,
		SearchWindowDays:   cfg.SearchWindowDays,
	}, logger)

	client := dingtalk.NewClient(cfg.ClientID, cfg.ClientSecret)

	return &Runner{
		cfg:        cfg,
		logger:     logger,
		fetcher:    f,
		dispatcher: dingtalk.NewDispatcher(client, calc, cfg.DryRun, logger),
		calc:       calc,
		collector:  stats.NewCollector(),
		sleep:      time.Sleep,
		now:        time.Now,
	}
}

// Run executes one sync pass and never lets a failure escape as a hard
// error: any pipeline failure is routed to the escalation todo and
// reported through logs. The trailing delay runs unconditionally so a
// supervisor cannot restart the process in a tight loop.
func (r *Runner) Run(ctx context.Context) {
	started := r.now()
	logger := r.logger.With("runID", uuid.NewString())

	if err := r.sync(ctx, logger); err != nil {
		r.collector.Apply(stats.Event{Type: stats.EventTypeError, Err: err})
		logger.Error("sync failed", "err", err)
		r.escalate(ctx, logger, err)
	}

	summary := r.collector.Snapshot()
	logger.Info("run finished", append(summary.LogAttrs(), "duration", time.Since(started))...)

	r.sleep(r.cfg.ExitDelay)
}

func (r *Runner) sync(ctx context.Context, logger *slog.Logger) error {
	// The registry is loaded at run start so a failure here escalates
	// like any other pipeline failure.
	registry, err := state.Open(r.cfg.StateDir)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	r.registry = registry

	raws := r.fetcher.Fetch(ctx)

	// An empty result is either a quiet window or an exhausted fetch
	// retry; the two are indistinguishable here.
	if len(raws) == 0 {
		logger.Info("no mail fetched")
		return nil
	}

	snapshot := r.registry.Snapshot()

	var candidates []*mailparse.Message
	for _, raw := range raws {
		r.collector.Apply(stats.Event{Stage: stats.StageInbox, Type: stats.EventTypeFetched})

		msg, err := mailparse.Parse(raw)
		if err != nil {
			return fmt.Errorf("parse message: %w", err)
		}

		switch reason := mailparse.FilterReason(msg, snapshot, r.calc, r.cfg.Keyword, r.now()); reason {
		case mailparse.ReasonNone:
			candidates = append(candidates, msg)
		case mailparse.ReasonAlreadyProcessed:
			r.collector.Apply(stats.Event{Stage: stats.StageFilter, Type: stats.EventTypeDuplicate, MessageID: msg.MessageID})
			logger.Debug("message already processed", "messageID", msg.MessageID)
		default:
			r.collector.Apply(stats.Event{Stage: stats.StageFilter, Type: stats.EventTypeRejected, MessageID: msg.MessageID, Detail: string(reason)})
			logger.Debug("message rejected", "messageID", msg.MessageID, "reason", reason)
		}
	}

	if len(candidates) == 0 {
		logger.Info("no new mail")
		return nil
	}

	for _, msg := range candidates {
		fields := mailparse.Extract(msg)
		if fields.MessageID == "" {
			// Intentional per-message skip, not a pipeline failure.
			r.collector.Apply(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeSkipped})
			logger.Warn("message has no Message-ID after extraction, skipping", "subject", fields.Subject)
			continue
		}

		r.collector.Apply(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeExtracted, MessageID: fields.MessageID})

		if err := r.dispatcher.CreateEcoTask(ctx, fields, r.cfg.Recipients.EcoTodoUserIDs); err != nil {
			return fmt.Errorf("dispatch %s: %w", fields.MessageID, err)
		}

		eventType := stats.EventTypeDispatched
		if r.cfg.DryRun {
			eventType = stats.EventTypeDryRunDispatched
		}
		r.collector.Apply(stats.Event{Stage: stats.StageDispatch, Type: eventType, MessageID: fields.MessageID})
		logger.Info("todo dispatched",
			"messageID", fields.MessageID,
			"ecnIndex", fields.Body[model.FieldECNIndex],
			"recipients", len(r.cfg.Recipients.EcoTodoUserIDs))

		r.registry.Mark(fields.MessageID, r.now())
	}

	if r.cfg.DryRun {
		logger.Info("dry run, registry not persisted", "marked", r.registry.Len())
		return nil
	}

	if err := r.registry.Save(); err != nil {
		return fmt.Errorf("persist registry: %w", err)
	}

	return nil
}

// escalate creates one general todo for the error recipients, due at the
// next daily cutoff. Escalation is best effort: its own failure is only
// logged, there is no secondary channel.
func (r *Runner) escalate(ctx context.Context, logger *slog.Logger, cause error) {
	now := r.now()
	dueMillis := duetime.NextCutoff(now, r.cfg.ErrorDueHour, r.cfg.ErrorDueMinute, r.cfg.ErrorDueSecond)
	lines := []string{
		errorDescription,
		fmt.Sprintf("错误详情: %s", cause),
		fmt.Sprintf("时间: %s", now.Format(state.TimeFormat)),
	}

	err := r.dispatcher.CreateGeneralTask(ctx, errorSubject, lines, r.cfg.Recipients.ErrorTodoUserIDs, dueMillis)
	if err != nil {
		logger.Error("escalation todo failed", "err", err)
		return
	}

	logger.Info("escalation todo created", "cause", cause.Error())
}
