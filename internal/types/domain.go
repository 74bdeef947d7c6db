package types

import (
	"time"
)

// Agency is the tenant boundary. Every job, workflow, account, and execution
// belongs to exactly one agency; there is no cross-agency visibility.
type Agency struct {
	ID           string     `json:"id" db:"id"`
	Name         string     `json:"name" db:"name"`
	BillingEmail string     `json:"billing_email" db:"billing_email"`
	// Delinquent agencies may read everything but cannot trigger executions
	// (402 payment_required on POST /executions).
	Delinquent bool       `json:"delinquent" db:"delinquent"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt  *time.Time `json:"-" db:"deleted_at"`
}

// SnapAccount is a managed Snapchat identity within an agency's pool.
// The three rate fields are recomputed by the compute_statistics operation
// and consumed as-is by the lead-scoring selector.
type SnapAccount struct {
	ID       string        `json:"id" db:"id"`
	AgencyID string        `json:"agency_id" db:"agency_id"`
	Username string        `json:"username" db:"username"`
	Status   AccountStatus `json:"status" db:"status"`
	Tags     []string      `json:"tags" db:"tags"`
	Source   string        `json:"source" db:"source"`
	ProxyID  string        `json:"proxy_id,omitempty" db:"proxy_id"`

	RejectingRate    float64 `json:"rejecting_rate" db:"rejecting_rate"`
	ConversationRate float64 `json:"conversation_rate" db:"conversation_rate"`
	ConversionRate   float64 `json:"conversion_rate" db:"conversion_rate"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// FilterPredicate selects which accounts a job or manual execution applies to.
// Explicit account IDs, when present, override the other three dimensions
// entirely (selection from the console grid wins over saved filters).
type FilterPredicate struct {
	Statuses   []AccountStatus `json:"statuses,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Sources    []string        `json:"sources,omitempty"`
	AccountIDs []string        `json:"account_ids,omitempty"`
}

// Empty reports whether the predicate matches nothing: no explicit IDs and
// no status/tag/source dimension set.
func (p FilterPredicate) Empty() bool {
	return len(p.AccountIDs) == 0 &&
		len(p.Statuses) == 0 &&
		len(p.Tags) == 0 &&
		len(p.Sources) == 0
}

// Job binds a cron trigger, a filter predicate, and a typed operation
// configuration. The scheduler fires ACTIVE jobs at each cron instant;
// FirstExecutionTime is a one-shot hint consumed on its first firing and
// cleared so it can never cause a second immediate trigger.
type Job struct {
	ID             string           `json:"id" db:"id"`
	AgencyID       string           `json:"agency_id" db:"agency_id"`
	Name           string           `json:"name" db:"name"`
	Type           OperationType    `json:"type" db:"type"`
	CronExpression string           `json:"cron_expression" db:"cron_expression"`
	Filter         FilterPredicate  `json:"filter" db:"filter"`
	Configuration  JobConfiguration `json:"configuration" db:"configuration"`
	Status         JobStatus        `json:"status" db:"status"`

	FirstExecutionTime *time.Time `json:"first_execution_time,omitempty" db:"first_execution_time"`
	// NextRunAt is maintained by the scheduler; nil means not yet computed.
	NextRunAt *time.Time `json:"next_run_at,omitempty" db:"next_run_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// WorkflowStep mutates account state day_offset days after enrollment.
type WorkflowStep struct {
	// DayOffset bounds are enforced by the step validator, which reports the
	// offending step's index; the tag only requires presence.
	DayOffset   int            `json:"day_offset" validate:"required"`
	ActionType  WorkflowAction `json:"action_type" validate:"required,oneof=CHANGE_STATUS ADD_TAG REMOVE_TAG"`
	ActionValue string         `json:"action_value" validate:"required,max=100"`
}

// WorkflowSteps is the ordered step list, stored as a JSONB column.
// Storage preserves authoring order; execution sorts by day_offset.
type WorkflowSteps []WorkflowStep

// Workflow is an ordered sequence of day-offset steps applied per account
// from the account's enrollment date.
type Workflow struct {
	ID          string        `json:"id" db:"id"`
	AgencyID    string        `json:"agency_id" db:"agency_id"`
	Name        string        `json:"name" db:"name"`
	Description string        `json:"description,omitempty" db:"description"`
	Status      JobStatus     `json:"status" db:"status"`
	Steps       WorkflowSteps `json:"steps" db:"steps"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
}

// WorkflowEnrollment tracks a single account's progress through a workflow.
// LastExecutedStep is an index into the workflow's step list; -1 means no
// step has executed yet. The cursor only ever advances.
type WorkflowEnrollment struct {
	WorkflowID       string    `json:"workflow_id" db:"workflow_id"`
	AccountID        string    `json:"snap_account_id" db:"snap_account_id"`
	EnrolledAt       time.Time `json:"enrolled_at" db:"enrolled_at"`
	LastExecutedStep int       `json:"last_executed_step" db:"last_executed_step"`
}

// Execution is one concrete run of an operation against a set of accounts,
// triggered either by a job firing or manually through the API.
// Configuration is an immutable snapshot taken at trigger time: later edits
// to the originating job never alter a historical execution.
type Execution struct {
	ID          string           `json:"id" db:"id"`
	AgencyID    string           `json:"agency_id" db:"agency_id"`
	Type        OperationType    `json:"type" db:"type"`
	Status      ExecutionStatus  `json:"status" db:"status"`
	TriggeredBy string           `json:"triggered_by" db:"triggered_by"`
	Configuration JobConfiguration `json:"configuration" db:"configuration"`

	StartTime time.Time  `json:"start_time" db:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty" db:"end_time"`

	// Hydrated on detail reads; not a column.
	AccountExecutions []*AccountExecution `json:"account_executions,omitempty" db:"-"`
	// JobName is joined for list views when TriggeredBy is a job ID.
	JobName string `json:"job_name,omitempty" db:"-"`
}

// AccountExecution is the per-account outcome within an Execution. Result
// shape varies by operation type (added_users, rejected_count, conversations).
type AccountExecution struct {
	ID          string          `json:"id" db:"id"`
	ExecutionID string          `json:"execution_id" db:"execution_id"`
	AccountID   string          `json:"snap_account_id" db:"snap_account_id"`
	Status      ExecutionStatus `json:"status" db:"status"`
	StartTime   time.Time       `json:"start_time" db:"start_time"`
	EndTime     *time.Time      `json:"end_time,omitempty" db:"end_time"`
	Result      ResultMap       `json:"result,omitempty" db:"result"`
	Message     string          `json:"message,omitempty" db:"message"`
}

// ResultMap is the free-form per-account result payload, stored as JSONB.
type ResultMap map[string]any

// Lead is a candidate produced by generate_leads for later consumption.
type Lead struct {
	ID         string     `json:"id" db:"id"`
	AgencyID   string     `json:"agency_id" db:"agency_id"`
	AccountID  string     `json:"snap_account_id" db:"snap_account_id"`
	Status     LeadStatus `json:"status" db:"status"`
	Score      float64    `json:"score" db:"score"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty" db:"consumed_at"`
}

// APIToken is an agency-scoped bearer credential. Only the bcrypt hash is
// stored; the prefix supports log-friendly identification.
type APIToken struct {
	ID          string     `json:"id" db:"id"`
	AgencyID    string     `json:"agency_id" db:"agency_id"`
	TokenPrefix string     `json:"token_prefix" db:"token_prefix"`
	TokenHash   string     `json:"-" db:"token_hash"`
	Name        string     `json:"name" db:"name"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	RevokedAt   *time.Time `json:"-" db:"revoked_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// ExecutionMessage is the SQS payload sent from the scheduler (or the manual
// trigger endpoint) to the execution worker. The worker re-reads the
// Execution row for the configuration snapshot; the message carries only
// routing data so that a redelivery cannot diverge from the stored snapshot.
type ExecutionMessage struct {
	ExecutionID string        `json:"execution_id"`
	AgencyID    string        `json:"agency_id"`
	Type        OperationType `json:"type"`
	TraceID     string        `json:"trace_id"`
	TriggeredBy string        `json:"triggered_by"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
}

// AgencyStatistics is the aggregate recomputed by compute_statistics.
type AgencyStatistics struct {
	AgencyID            string                `json:"agency_id" db:"agency_id"`
	TotalAccounts       int                   `json:"total_accounts" db:"total_accounts"`
	AccountsByStatus    map[AccountStatus]int `json:"accounts_by_status" db:"accounts_by_status"`
	AvgRejectingRate    float64               `json:"avg_rejecting_rate" db:"avg_rejecting_rate"`
	AvgConversationRate float64               `json:"avg_conversation_rate" db:"avg_conversation_rate"`
	AvgConversionRate   float64               `json:"avg_conversion_rate" db:"avg_conversion_rate"`
	PendingLeads        int                   `json:"pending_leads" db:"pending_leads"`
	ComputedAt          time.Time             `json:"computed_at" db:"computed_at"`
}
