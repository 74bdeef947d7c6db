package types

// AccountStatus represents the lifecycle state of a managed Snapchat account.
type AccountStatus string

const (
	AccountRecentlyIngested AccountStatus = "RECENTLY_INGESTED"
	AccountGoodStanding     AccountStatus = "GOOD_STANDING"
	AccountLocked           AccountStatus = "LOCKED"
	AccountCaptcha          AccountStatus = "CAPTCHA"
	AccountTerminated       AccountStatus = "TERMINATED"
)

// KnownAccountStatuses is the authoritative set of account lifecycle states.
// Workflow CHANGE_STATUS actions and filter predicates validate against it.
var KnownAccountStatuses = []AccountStatus{
	AccountRecentlyIngested,
	AccountGoodStanding,
	AccountLocked,
	AccountCaptcha,
	AccountTerminated,
}

// JobStatus represents the lifecycle state of a Job or Workflow.
type JobStatus string

const (
	StatusActive  JobStatus = "ACTIVE"
	StatusStopped JobStatus = "STOPPED"
)

// Toggled returns the opposite lifecycle state.
func (s JobStatus) Toggled() JobStatus {
	if s == StatusActive {
		return StatusStopped
	}
	return StatusActive
}

// OperationType identifies the kind of account operation a Job or a manual
// Execution performs. Each type has its own configuration variant; see
// opconfig.go for the field contracts.
type OperationType string

const (
	OpQuickAdds            OperationType = "quick_adds"
	OpQuickAddsTopAccounts OperationType = "quick_adds_top_accounts"
	OpSendToUser           OperationType = "send_to_user"
	OpCheckConversations   OperationType = "check_conversations"
	OpStatusCheck          OperationType = "status_check"
	OpComputeStatistics    OperationType = "compute_statistics"
	OpGenerateLeads        OperationType = "generate_leads"
	OpConsumeLeads         OperationType = "consume_leads"
	OpSetBitmoji           OperationType = "set_bitmoji"
	OpChangeBitmoji        OperationType = "change_bitmoji"
)

// KnownOperationTypes lists every valid operation type. Validators and the
// executions list filter check membership against it.
var KnownOperationTypes = []OperationType{
	OpQuickAdds,
	OpQuickAddsTopAccounts,
	OpSendToUser,
	OpCheckConversations,
	OpStatusCheck,
	OpComputeStatistics,
	OpGenerateLeads,
	OpConsumeLeads,
	OpSetBitmoji,
	OpChangeBitmoji,
}

// IsKnownOperationType reports whether t is one of the defined operation types.
func IsKnownOperationType(t OperationType) bool {
	for _, known := range KnownOperationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// WorkflowAction identifies the mutation a workflow step applies to an account.
type WorkflowAction string

const (
	ActionChangeStatus WorkflowAction = "CHANGE_STATUS"
	ActionAddTag       WorkflowAction = "ADD_TAG"
	ActionRemoveTag    WorkflowAction = "REMOVE_TAG"
)

// ExecutionStatus represents the lifecycle state of an Execution or a
// per-account AccountExecution.
type ExecutionStatus string

const (
	ExecStarted    ExecutionStatus = "STARTED"
	ExecInProgress ExecutionStatus = "IN_PROGRESS"
	ExecDone       ExecutionStatus = "DONE"
	ExecFailure    ExecutionStatus = "FAILURE"
)

// Terminal reports whether the status is a final state.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecDone || s == ExecFailure
}

// LeadStatus represents the lifecycle state of a generated lead.
type LeadStatus string

const (
	LeadPending  LeadStatus = "PENDING"
	LeadConsumed LeadStatus = "CONSUMED"
)

// TriggeredByManual is the sentinel value for Execution.TriggeredBy when an
// execution was requested through the API rather than by a job firing.
const TriggeredByManual = "manual"

// Workflow step bounds. A step fires N days after the account's enrollment
// into the workflow; offsets outside [1, 90] are rejected at authoring time.
const (
	MinStepDayOffset = 1
	MaxStepDayOffset = 90
)

// WeightSumEpsilon is the tolerance for the generate_leads weight-sum check.
// The weights are authored as decimals (0.4 + 0.4 + 0.2); exact IEEE754
// equality would reject valid triples, so the sum must satisfy |sum-1| <= eps.
const WeightSumEpsilon = 1e-9
