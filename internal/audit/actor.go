package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/strata/internal/log"
	"github.com/cuemby/strata/internal/metrics"
	"github.com/cuemby/strata/internal/schema"
	"github.com/cuemby/strata/internal/txstore"
)

// Actor is the single writer for the audit_log and user_actions tables.
// Reads bypass the mailbox entirely: Store is stateless and safe for
// concurrent readers, so only writes need to funnel through one goroutine.
type Actor struct {
	store   *txstore.Store
	mailbox chan logJob
	stopCh  chan struct{}
}

type logJob struct {
	event  *Event
	action *UserAction
}

// NewActor starts the audit actor's mailbox loop over store.
func NewActor(store *txstore.Store) *Actor {
	a := &Actor{store: store, mailbox: make(chan logJob, 256), stopCh: make(chan struct{})}
	go a.run()
	return a
}

// Stop drains no further messages and exits the actor's goroutine.
func (a *Actor) Stop() { close(a.stopCh) }

func (a *Actor) run() {
	logger := log.WithActor("audit")
	logger.Info().Msg("audit actor started")
	for {
		select {
		case j := <-a.mailbox:
			metrics.ActorMailboxDepth.WithLabelValues("audit").Set(float64(len(a.mailbox)))
			a.handle(j)
		case <-a.stopCh:
			logger.Info().Msg("audit actor stopped")
			return
		}
	}
}

func (a *Actor) handle(j logJob) {
	ctx := context.Background()
	logger := log.WithActor("audit")
	if j.event != nil {
		metrics.ActorMessagesTotal.WithLabelValues("audit", "log_event").Inc()
		if _, err := a.store.Append(ctx, schema.TableAuditLog, schema.Batch{eventToRow(*j.event)}); err != nil {
			logger.Error().Err(err).Str("action", string(j.event.Action)).Msg("failed to append audit event")
		}
	}
	if j.action != nil {
		metrics.ActorMessagesTotal.WithLabelValues("audit", "log_action").Inc()
		if _, err := a.store.Append(ctx, schema.TableUserActions, schema.Batch{actionToRow(*j.action)}); err != nil {
			logger.Error().Err(err).Str("action_type", string(j.action.ActionType)).Msg("failed to append user action")
		}
	}
}

// Log enqueues an audit event (and, when the action is billable, a matching
// user_actions row) without waiting for it to land. The caller's request
// path never blocks on the table log's commit-retry loop.
func (a *Actor) Log(userID, username string, action ActionType, resource, detail, ipAddress string) {
	event := &Event{
		EventID:   uuid.NewString(),
		UserID:    userID,
		Username:  username,
		Action:    action,
		Resource:  resource,
		Detail:    detail,
		IPAddress: ipAddress,
		Timestamp: time.Now(),
	}
	job := logJob{event: event}
	if action.IsBillable() {
		job.action = &UserAction{
			ActionID:   uuid.NewString(),
			Timestamp:  event.Timestamp,
			UserID:     userID,
			ActionType: action,
		}
	}
	select {
	case a.mailbox <- job:
	default:
		log.WithActor("audit").Warn().Str("action", string(action)).Msg("audit mailbox full, dropping event")
	}
}

// LogUsage is Log's richer counterpart for billable dataset operations that
// carry row counts and compute time (§ supplemented features).
func (a *Actor) LogUsage(userID, sessionTokenHash string, action ActionType, labName, datasetName string, rowCount int64, computeMS float64) {
	job := logJob{
		action: &UserAction{
			ActionID:         uuid.NewString(),
			Timestamp:        time.Now(),
			UserID:           userID,
			SessionTokenHash: sessionTokenHash,
			ActionType:       action,
			LabName:          labName,
			DatasetName:      datasetName,
			RowCount:         rowCount,
			ComputeTimeMS:    computeMS,
		},
	}
	select {
	case a.mailbox <- job:
	default:
		log.WithActor("audit").Warn().Str("action_type", string(action)).Msg("audit mailbox full, dropping usage record")
	}
}

// GetUserActivity returns a user's most recent audit events, newest first.
func (a *Actor) GetUserActivity(ctx context.Context, userID string, limit int) ([]Event, error) {
	rows, err := a.store.Query(ctx, schema.TableAuditLog, fmt.Sprintf("user_id = '%s'", userID))
	if err != nil {
		return nil, err
	}
	events := rowsToEvents(rows)
	sortEventsDesc(events)
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// GetRecentEvents returns the most recent audit events across all users.
func (a *Actor) GetRecentEvents(ctx context.Context, limit int) ([]Event, error) {
	rows, err := a.store.Scan(ctx, schema.TableAuditLog)
	if err != nil {
		return nil, err
	}
	events := rowsToEvents(rows)
	sortEventsDesc(events)
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// BillingSummary aggregates one user's billable usage from user_actions over
// the date_partition range [start, end] (§4.4 "groups by action_kind over a
// date partition range"). It consults ActionType.IsBillable() exclusively,
// so this can never drift from what the taxonomy itself says is billable.
func (a *Actor) BillingSummary(ctx context.Context, userID string, start, end time.Time) (BillingSummary, error) {
	where := fmt.Sprintf("user_id = '%s' AND date_partition >= '%s' AND date_partition <= '%s'",
		userID, start.Format("2006-01-02"), end.Format("2006-01-02"))
	rows, err := a.store.Query(ctx, schema.TableUserActions, where)
	if err != nil {
		return BillingSummary{}, err
	}
	summary := BillingSummary{UserID: userID, PeriodStart: start, PeriodEnd: end, ByAction: map[ActionType]int64{}}
	for _, row := range rows {
		ua := rowToAction(row)
		if !ua.ActionType.IsBillable() {
			continue
		}
		summary.BillableActions++
		summary.TotalRows += ua.RowCount
		summary.TotalComputeMS += ua.ComputeTimeMS
		summary.ByAction[ua.ActionType]++
	}
	return summary, nil
}

func sortEventsDesc(events []Event) {
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j].Timestamp.After(events[j-1].Timestamp); j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}

func eventToRow(e Event) schema.Row {
	return schema.Row{
		"event_id":       e.EventID,
		"user_id":        e.UserID,
		"username":       e.Username,
		"action":         string(e.Action),
		"resource":       nilIfEmpty(e.Resource),
		"detail":         nilIfEmpty(e.Detail),
		"ip_address":     nilIfEmpty(e.IPAddress),
		"timestamp":      e.Timestamp.Format(time.RFC3339Nano),
		"date_partition": e.Timestamp.Format("2006-01-02"),
	}
}

func rowToEvent(row schema.Row) Event {
	e := Event{
		EventID:   str(row["event_id"]),
		UserID:    str(row["user_id"]),
		Username:  str(row["username"]),
		Action:    ActionType(str(row["action"])),
		Resource:  str(row["resource"]),
		Detail:    str(row["detail"]),
		IPAddress: str(row["ip_address"]),
	}
	if t, ok := parseTime(row["timestamp"]); ok {
		e.Timestamp = t
	}
	return e
}

func rowsToEvents(rows schema.Batch) []Event {
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToEvent(r))
	}
	return out
}

func actionToRow(ua UserAction) schema.Row {
	row := schema.Row{
		"action_id":      ua.ActionID,
		"timestamp":      ua.Timestamp.Format(time.RFC3339Nano),
		"user_id":        ua.UserID,
		"action_type":    string(ua.ActionType),
		"date_partition": ua.Timestamp.Format("2006-01-02"),
	}
	if ua.SessionTokenHash != "" {
		row["session_token_hash"] = ua.SessionTokenHash
	}
	if ua.LabName != "" {
		row["lab_name"] = ua.LabName
	}
	if ua.DatasetName != "" {
		row["dataset_name"] = ua.DatasetName
	}
	if ua.RowCount != 0 {
		row["row_count"] = ua.RowCount
	}
	if ua.ComputeTimeMS != 0 {
		row["compute_time_ms"] = ua.ComputeTimeMS
	}
	return row
}

func rowToAction(row schema.Row) UserAction {
	ua := UserAction{
		ActionID:         str(row["action_id"]),
		UserID:           str(row["user_id"]),
		SessionTokenHash: str(row["session_token_hash"]),
		ActionType:       ActionType(str(row["action_type"])),
		LabName:          str(row["lab_name"]),
		DatasetName:      str(row["dataset_name"]),
		RowCount:         int64Of(row["row_count"]),
		ComputeTimeMS:    float64Of(row["compute_time_ms"]),
	}
	if t, ok := parseTime(row["timestamp"]); ok {
		ua.Timestamp = t
	}
	return ua
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func int64Of(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func float64Of(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func parseTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
