package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/skein/pkg/notifier"
)

// journalWriteTimeout bounds each write so a locked database cannot stall
// event delivery.
const journalWriteTimeout = 5 * time.Second

// Journal records action and plan events into a Store. It is a notifier
// subscriber: events arrive in publication order on the notifier's delivery
// goroutine, so a run row always exists before its target results.
type Journal struct {
	store  Store
	logger zerolog.Logger
}

// NewJournal creates a journal writing to store.
func NewJournal(store Store, logger zerolog.Logger) *Journal {
	return &Journal{
		store:  store,
		logger: logger.With().Str("component", "journal").Logger(),
	}
}

// Attach subscribes the journal to n and returns the unsubscribe function.
func (j *Journal) Attach(n *notifier.Notifier) func() {
	return n.Subscribe(j.Record, notifier.FilterByType(
		notifier.EventActionStart,
		notifier.EventNodeResult,
		notifier.EventActionFinish,
		notifier.EventPlanStart,
		notifier.EventPlanFinish,
	))
}

// Record writes one event. Failures are logged and never returned: the
// journal must not change the outcome of the action it observes.
func (j *Journal) Record(event notifier.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()

	var err error
	switch event.Type {
	case notifier.EventActionStart:
		err = j.actionStart(ctx, event)
	case notifier.EventNodeResult:
		err = j.nodeResult(ctx, event)
	case notifier.EventActionFinish:
		err = j.actionFinish(ctx, event)
	case notifier.EventPlanStart:
		err = j.store.CreatePlanRun(ctx, &PlanRun{
			ID:        event.RunID,
			Name:      event.Plan,
			Status:    RunStatusRunning,
			StartedAt: event.Timestamp,
		})
	case notifier.EventPlanFinish:
		err = j.planFinish(ctx, event)
	default:
		return
	}

	if err != nil {
		j.logger.Error().
			Err(err).
			Str("type", string(event.Type)).
			Str("run_id", event.RunID).
			Msg("Failed to journal event")
	}
}

func (j *Journal) actionStart(ctx context.Context, event notifier.Event) error {
	run := &Run{
		ID:          event.RunID,
		Action:      event.Action,
		Object:      event.Object,
		Status:      RunStatusRunning,
		TargetCount: event.Count,
		StartedAt:   event.Timestamp,
	}
	if event.PlanID != "" {
		planID := event.PlanID
		run.PlanID = &planID
	}
	return j.store.CreateRun(ctx, run)
}

func (j *Journal) nodeResult(ctx context.Context, event notifier.Event) error {
	res := event.Result
	if res == nil {
		return nil
	}

	value, err := json.Marshal(res.Value())
	if err != nil {
		j.logger.Warn().Err(err).Str("target", event.TargetName()).Msg("Result value is not JSON encodable")
		value = []byte("{}")
	}

	record := &TargetResult{
		RunID:     event.RunID,
		Target:    event.TargetName(),
		Status:    string(res.Status()),
		Value:     string(value),
		CreatedAt: event.Timestamp,
	}
	if rerr := res.Err(); rerr != nil {
		kind := string(rerr.Kind)
		message := rerr.Error()
		record.Kind = &kind
		record.Message = &message
	}
	return j.store.RecordResult(ctx, record)
}

func (j *Journal) actionFinish(ctx context.Context, event notifier.Event) error {
	succeeded, failed := 0, 0
	if event.Results != nil {
		succeeded = event.Results.OKSet().Count()
		failed = event.Results.ErrorSet().Count()
	}

	status := RunStatusSuccess
	if failed > 0 {
		status = RunStatusFailure
	}
	return j.store.CompleteRun(ctx, event.RunID, status, succeeded, failed)
}

func (j *Journal) planFinish(ctx context.Context, event notifier.Event) error {
	status := RunStatusSuccess
	if s, ok := event.Data["status"].(string); ok && s == string(RunStatusFailure) {
		status = RunStatusFailure
	}

	var errMsg *string
	if msg, ok := event.Data["error"].(string); ok && msg != "" {
		errMsg = &msg
	}
	return j.store.CompletePlanRun(ctx, event.RunID, status, errMsg)
}
