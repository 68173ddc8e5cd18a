// Package audit implements the append-only activity and billing ledger as
// a single-writer actor (§4.4): Log is fire-and-forget from the caller's
// perspective (the actor owns when it actually lands), while the read
// operations run synchronously against the live table.
package audit

import "time"

// ActionType is the closed taxonomy of things audit.Log records. Billing
// derives entirely from IsBillable() below — there is exactly one place
// that decides whether a kind counts toward usage, so the billing summary
// and the activity feed can never disagree about what's billable.
type ActionType string

const (
	ActionLogin              ActionType = "login"
	ActionLogout             ActionType = "logout"
	ActionRegister           ActionType = "register"
	ActionPasswordChange     ActionType = "password_change"
	ActionUserApproved       ActionType = "user_approved"
	ActionUserRejected       ActionType = "user_rejected"
	ActionUserDeleted        ActionType = "user_deleted"
	ActionQueryExecuted      ActionType = "query_executed"
	ActionDataUpload         ActionType = "data_upload"
	ActionDataExport         ActionType = "data_export"
	ActionStrategyCreated    ActionType = "strategy_created"
	ActionStrategyUpdated    ActionType = "strategy_updated"
	ActionStrategyDeleted    ActionType = "strategy_deleted"
	ActionBacktestRun        ActionType = "backtest_run"
	ActionLiveTradeStart     ActionType = "live_trade_start"
	ActionLiveTradeStop      ActionType = "live_trade_stop"
	ActionAdminAction        ActionType = "admin_action"
	ActionConfigChange       ActionType = "config_change"
	ActionSubscriptionChange ActionType = "subscription_change"
	ActionPaymentReceived    ActionType = "payment_received"
)

// ParseActionType parses the on-the-wire string form of an ActionType,
// falling back to ActionAdminAction for anything unrecognized so a bad or
// stale value never fails a read path.
func ParseActionType(s string) ActionType {
	switch ActionType(s) {
	case ActionLogin, ActionLogout, ActionRegister, ActionPasswordChange,
		ActionUserApproved, ActionUserRejected, ActionUserDeleted,
		ActionQueryExecuted, ActionDataUpload, ActionDataExport,
		ActionStrategyCreated, ActionStrategyUpdated, ActionStrategyDeleted,
		ActionBacktestRun, ActionLiveTradeStart, ActionLiveTradeStop,
		ActionAdminAction, ActionConfigChange,
		ActionSubscriptionChange, ActionPaymentReceived:
		return ActionType(s)
	default:
		return ActionAdminAction
	}
}

// IsBillable reports whether a kind counts toward a user's usage.
//
// This is the single definition billing consults. Nothing else in this
// package is allowed to keep its own list of "which actions bill" — the
// alternative is exactly how a summary could drift from what
// GetRecentEvents shows for the same user.
func (t ActionType) IsBillable() bool {
	switch t {
	case ActionQueryExecuted, ActionDataUpload, ActionDataExport, ActionBacktestRun, ActionLiveTradeStart:
		return true
	default:
		return false
	}
}

// Event is one row of the audit_log table.
type Event struct {
	EventID   string
	UserID    string
	Username  string
	Action    ActionType
	Resource  string
	Detail    string
	IPAddress string
	Timestamp time.Time
}

// UserAction is one row of the user_actions table — the finer-grained,
// billing-relevant ledger (row counts, compute time) behind the summary
// BillingSummary aggregates.
type UserAction struct {
	ActionID         string
	Timestamp        time.Time
	UserID           string
	SessionTokenHash string
	ActionType       ActionType
	LabName          string
	DatasetName      string
	RowCount         int64
	ComputeTimeMS    float64
}

// BillingSummary is the aggregated usage for one user over a date_partition
// range [PeriodStart, PeriodEnd] (§4.4 "groups by action_kind over a date
// partition range").
type BillingSummary struct {
	UserID          string
	PeriodStart     time.Time
	PeriodEnd       time.Time
	BillableActions int64
	TotalRows       int64
	TotalComputeMS  float64
	ByAction        map[ActionType]int64
}
