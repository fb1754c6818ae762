package dingtalk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/plmops/eco-todo-sync/duetime"
	"github.com/plmops/eco-todo-sync/model"
)

// retryDelay spaces the single extra attempt for token fetches, union ID
// lookups and todo creation, to stay under DingTalk's rate limits.
const retryDelay = time.Second

const (
	placeholderNoIndex   = "无编号"
	placeholderNoContent = "无内容"
)

var ErrEmptyToken = errors.New("access token is empty")

// API is the slice of the DingTalk client the dispatcher consumes.
type API interface {
	AccessToken(ctx context.Context) (string, error)
	UnionID(ctx context.Context, token, userID string) (string, error)
	CreateTodo(ctx context.Context, token string, task model.TaskRequest) error
}

// Dispatcher turns extracted fields into todo tasks, one per recipient.
type Dispatcher struct {
	api    API
	calc   duetime.Calculator
	dryRun bool
	logger *slog.Logger

	sleep func(time.Duration)
	now   func() time.Time
}

func NewDispatcher(api API, calc duetime.Calculator, dryRun bool, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		api:    api,
		calc:   calc,
		dryRun: dryRun,
		logger: logger,
		sleep:  time.Sleep,
		now:    time.Now,
	}
}

// CreateEcoTask creates one import-reminder todo per recipient from the
// extracted fields. All recipients get the same subject, description and
// due time; each task is scoped to its own recipient. Recipients whose
// union ID cannot be resolved are skipped and reported together after the
// resolvable ones have been served.
func (d *Dispatcher) CreateEcoTask(ctx context.Context, fields model.Fields, userIDs []string) error {
	index := placeholderNoIndex
	if v, ok := fields.Body[model.FieldECNIndex]; ok {
		index = strings.TrimSpace(v)
	}

	subject := fmt.Sprintf("海外ECO%s导入提醒", index)
	description := fieldsDescription(fields.Body)
	dueMillis := d.calc.DueTime(fields.SentAt, d.now())

	return d.create(ctx, subject, description, userIDs, dueMillis)
}

// CreateGeneralTask creates one todo per recipient with a caller-supplied
// line list and due time. Used for error escalation notifications.
func (d *Dispatcher) CreateGeneralTask(ctx context.Context, subject string, lines []string, userIDs []string, dueMillis int64) error {
	return d.create(ctx, subject, linesDescription(lines), userIDs, dueMillis)
}

func (d *Dispatcher) create(ctx context.Context, subject, description string, userIDs []string, dueMillis int64) error {
	if len(userIDs) == 0 {
		return errors.New("no recipients configured")
	}

	if d.dryRun {
		for _, userID := range userIDs {
			d.logger.Info("dry-run todo",
				"subject", subject, "userID", userID, "dueMillis", dueMillis)
		}
		return nil
	}

	token, err := d.token(ctx)
	if err != nil {
		return err
	}

	unionIDs, failedIDs := d.resolveUnionIDs(ctx, token, userIDs)
	if len(unionIDs) == 0 {
		return fmt.Errorf("no recipient union IDs resolved, failed user IDs: %s", strings.Join(failedIDs, " "))
	}

	for _, unionID := range unionIDs {
		task := model.TaskRequest{
			Subject:     subject,
			Description: description,
			UnionID:     unionID,
			DueMillis:   dueMillis,
		}
		if err := d.createTodo(ctx, token, task); err != nil {
			return err
		}
		d.logger.Debug("todo created", "subject", subject, "unionID", unionID)
	}

	if len(failedIDs) > 0 {
		return fmt.Errorf("union id resolution failed for user IDs: %s", strings.Join(failedIDs, " "))
	}

	return nil
}

// token fetches a fresh app access token, retrying once after a flat
// delay. An empty or failing token is fatal for the run.
func (d *Dispatcher) token(ctx context.Context) (string, error) {
	token, err := d.api.AccessToken(ctx)
	if err == nil && token == "" {
		err = ErrEmptyToken
	}
	if err == nil {
		return token, nil
	}

	d.logger.Warn("access token fetch failed, retrying", "err", err)
	d.sleep(retryDelay)

	token, err = d.api.AccessToken(ctx)
	if err != nil {
		return "", fmt.Errorf("get access token: %w", err)
	}
	if token == "" {
		return "", fmt.Errorf("get access token: %w", ErrEmptyToken)
	}
	return token, nil
}

// resolveUnionIDs resolves every recipient, retrying each failure once
// after a flat delay. Failures are collected instead of aborting so the
// resolvable recipients still get their tasks.
func (d *Dispatcher) resolveUnionIDs(ctx context.Context, token string, userIDs []string) (unionIDs, failedIDs []string) {
	for _, userID := range userIDs {
		unionID, err := d.api.UnionID(ctx, token, userID)
		if err != nil {
			d.logger.Warn("union id lookup failed, retrying", "userID", userID, "err", err)
			d.sleep(retryDelay)
			unionID, err = d.api.UnionID(ctx, token, userID)
		}
		if err != nil {
			d.logger.Error("union id lookup failed", "userID", userID, "err", err)
			failedIDs = append(failedIDs, userID)
			continue
		}
		unionIDs = append(unionIDs, unionID)
	}
	return unionIDs, failedIDs
}

// createTodo attempts one task creation with a single retry. A second
// failure aborts the whole run.
func (d *Dispatcher) createTodo(ctx context.Context, token string, task model.TaskRequest) error {
	err := d.api.CreateTodo(ctx, token, task)
	if err == nil {
		return nil
	}

	d.logger.Warn("todo creation failed, retrying", "unionID", task.UnionID, "err", err)
	d.sleep(retryDelay)

	if err := d.api.CreateTodo(ctx, token, task); err != nil {
		return fmt.Errorf("create todo: %w", err)
	}
	return nil
}

// fieldsDescription renders the business fields one per line in the fixed
// field order, defaulting missing or blank fields to a placeholder.
func fieldsDescription(body map[string]string) string {
	var b strings.Builder
	for _, field := range model.BodyFields {
		value := strings.TrimSpace(body[field])
		if value == "" {
			value = placeholderNoContent
		}
		fmt.Fprintf(&b, "%s：%s\n", field, value)
	}
	return b.String()
}

// linesDescription renders a plain line list as bullets.
func linesDescription(lines []string) string {
	var b strings.Builder
	for _, line := range lines {
		fmt.Fprintf(&b, "- %s\n", line)
	}
	return b.String()
}
