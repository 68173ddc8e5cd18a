package schema

// Table name constants, grounded on schema.rs's TABLE_* constants.
const (
	TableUsers       = "users"
	TableSessions    = "sessions"
	TableAuditLog    = "audit_log"
	TableUserActions = "user_actions"
)

// UsersSchema is the schema of the users table: no partition columns.
func UsersSchema() Schema {
	return Schema{Columns: []Column{
		{Name: "user_id", Type: TypeString},
		{Name: "username", Type: TypeString},
		{Name: "email", Type: TypeString},
		{Name: "password_hash", Type: TypeString},
		{Name: "role", Type: TypeString},
		{Name: "subscription_tier", Type: TypeString, Nullable: true},
		{Name: "first_name", Type: TypeString, Nullable: true},
		{Name: "last_name", Type: TypeString, Nullable: true},
		{Name: "is_active", Type: TypeBool},
		{Name: "created_at", Type: TypeString},
		{Name: "last_login", Type: TypeString, Nullable: true},
	}}
}

// SessionsSchema is the schema of the sessions table: no partition columns.
// The session token itself is never stored, only its hash (§4.4).
func SessionsSchema() Schema {
	return Schema{Columns: []Column{
		{Name: "token_hash", Type: TypeString},
		{Name: "user_id", Type: TypeString},
		{Name: "username", Type: TypeString},
		{Name: "role", Type: TypeString},
		{Name: "created_at", Type: TypeString},
		{Name: "expires_at", Type: TypeString},
		{Name: "is_revoked", Type: TypeBool},
	}}
}

// AuditLogSchema is the schema of the audit_log table, partitioned by
// date_partition for cheap retention and date-ranged billing queries.
func AuditLogSchema() Schema {
	return Schema{
		Columns: []Column{
			{Name: "event_id", Type: TypeString},
			{Name: "user_id", Type: TypeString},
			{Name: "username", Type: TypeString},
			{Name: "action", Type: TypeString},
			{Name: "resource", Type: TypeString, Nullable: true},
			{Name: "detail", Type: TypeString, Nullable: true},
			{Name: "ip_address", Type: TypeString, Nullable: true},
			{Name: "timestamp", Type: TypeString},
			{Name: "date_partition", Type: TypeString},
		},
		PartitionColumns: []string{"date_partition"},
	}
}

// UserActionsSchema is the schema of the user_actions table, partitioned by
// date_partition.
func UserActionsSchema() Schema {
	return Schema{
		Columns: []Column{
			{Name: "action_id", Type: TypeString},
			{Name: "timestamp", Type: TypeString},
			{Name: "user_id", Type: TypeString},
			{Name: "session_token_hash", Type: TypeString, Nullable: true},
			{Name: "action_type", Type: TypeString},
			{Name: "lab_name", Type: TypeString, Nullable: true},
			{Name: "dataset_name", Type: TypeString, Nullable: true},
			{Name: "row_count", Type: TypeInt64, Nullable: true},
			{Name: "compute_time_ms", Type: TypeFloat64, Nullable: true},
			{Name: "date_partition", Type: TypeString},
		},
		PartitionColumns: []string{"date_partition"},
	}
}

// AllTables bundles every concrete domain table definition, used by the
// maintenance scheduler's compact/cluster/vacuum fan-out.
func AllTables() []TableDefinition {
	return []TableDefinition{
		{Name: TableUsers, Schema: UsersSchema()},
		{Name: TableSessions, Schema: SessionsSchema()},
		{Name: TableAuditLog, Schema: AuditLogSchema()},
		{Name: TableUserActions, Schema: UserActionsSchema()},
	}
}

// SessionZOrderColumns is the default clustering key for the sessions table.
func SessionZOrderColumns() []string { return []string{"user_id"} }

// AuditZOrderColumns is the default clustering key for the audit_log table.
func AuditZOrderColumns() []string { return []string{"user_id", "action"} }

// UserActionsZOrderColumns is the default clustering key for user_actions.
func UserActionsZOrderColumns() []string { return []string{"user_id", "action_type"} }
