package domain

// Bucket is the fixed control classification.
type Bucket string

const (
	BucketShariahGovernance  Bucket = "shariah-governance"
	BucketRegulatoryLegal    Bucket = "regulatory-legal"
	BucketRiskManagement     Bucket = "risk-management"
	BucketFinancialReporting Bucket = "financial-reporting"
	BucketAuditAssurance     Bucket = "audit-assurance"
)

// Buckets lists every bucket in catalog presentation order.
var Buckets = []Bucket{
	BucketShariahGovernance,
	BucketRegulatoryLegal,
	BucketRiskManagement,
	BucketFinancialReporting,
	BucketAuditAssurance,
}

// Metric is a control's measurable target.
type Metric struct {
	Type   string `json:"type" yaml:"type"`
	Target string `json:"target" yaml:"target"`
}

// Control is an immutable catalog entry. Controls never mutate after catalog
// load; the catalog is versioned as a whole.
type Control struct {
	ID               string   `json:"id" yaml:"id"`
	Bucket           Bucket   `json:"bucket" yaml:"bucket"`
	Name             string   `json:"name" yaml:"name"`
	RuleSource       string   `json:"rule_source" yaml:"rule_source"`
	Automatable      bool     `json:"automatable" yaml:"automatable"`
	Verifiable       bool     `json:"verifiable" yaml:"verifiable"`
	RequiredEvidence []string `json:"required_evidence" yaml:"required_evidence"`
	Metric           Metric   `json:"metric" yaml:"metric"`
	Baseline         bool     `json:"baseline" yaml:"baseline"`
	Predicate        string   `json:"predicate,omitempty" yaml:"predicate,omitempty"`
	TriggerField     string   `json:"trigger_field,omitempty" yaml:"trigger_field,omitempty"`
}

// Priority of an obligation.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Source cites where an obligation comes from.
type Source struct {
	Regulator string `json:"regulator" yaml:"regulator"`
	Document  string `json:"document" yaml:"document"`
	Section   string `json:"section" yaml:"section"`
	URL       string `json:"url,omitempty" yaml:"url,omitempty"`
}

// Obligation is a single regulatory requirement. After unification,
// Applicability records every regulator that independently imposes it.
type Obligation struct {
	ID               string   `json:"id" yaml:"id"`
	Title            string   `json:"title" yaml:"title"`
	RequirementText  string   `json:"requirement_text" yaml:"requirement_text"`
	Category         string   `json:"category" yaml:"category"`
	Priority         Priority `json:"priority" yaml:"priority"`
	SimilarityKey    string   `json:"similarity_key" yaml:"similarity_key"`
	Applicability    []string `json:"applicability" yaml:"applicability"`
	Source           Source   `json:"source" yaml:"source"`
	RelatedControls  []string `json:"related_controls" yaml:"related_controls"`
	EvidenceRequired []string `json:"evidence_required" yaml:"evidence_required"`
}

// Conflict records a unification decision between obligations that differ in
// strictness for the same subject.
type Conflict struct {
	SimilarityKey       string   `json:"similarity_key"`
	ObligationIDs       []string `json:"obligation_ids"`
	WinningObligationID string   `json:"winning_obligation_id"`
	WinningRegulator    string   `json:"winning_regulator"`
	Rationale           string   `json:"rationale"`
}

// DealConfiguration is the immutable input of a pipeline run. Reconfiguring
// requires a new run.
type DealConfiguration struct {
	DealID             string   `json:"deal_id"`
	Jurisdiction       string   `json:"jurisdiction"`
	Regulators         []string `json:"regulators"`
	ProductType        string   `json:"product_type,omitempty"`
	AccountingStandard string   `json:"accounting_standard,omitempty"`
	Sustainability     string   `json:"sustainability,omitempty" enum:"none,green,esg-linked"`
	GovernanceMaturity string   `json:"governance_maturity,omitempty" enum:"ssb_only,ssb_plus_audit,full_review"`
	InternalAudit      bool     `json:"internal_audit,omitempty"`
	ExternalAudit      bool     `json:"external_audit,omitempty"`
	CounterpartyRisk   string   `json:"counterparty_risk,omitempty" enum:"low,medium,high"`
	Complexity         string   `json:"complexity,omitempty" enum:"simple,moderate,complex"`
	CrossBorder        string   `json:"cross_border,omitempty" enum:"none,gcc,international"`
}

// Risk is derived per run; it is not part of the static catalog.
type Risk struct {
	ID                  string `json:"id"`
	Title               string `json:"title"`
	Description         string `json:"description"`
	Likelihood          string `json:"likelihood" enum:"low,medium,high"`
	Impact              string `json:"impact" enum:"low,medium,high"`
	ObligationID        string `json:"obligation_id"`
	MitigationControlID string `json:"mitigation_control_id,omitempty"`
}

// ActivatedControl is the per-run disposition of one catalog control.
// Inactive controls are retained with Activated=false and an empty reason.
type ActivatedControl struct {
	ControlID string `json:"control_id"`
	Bucket    Bucket `json:"bucket"`
	Activated bool   `json:"activated"`
	Reason    string `json:"reason,omitempty"`
}

// Phase statuses.
const (
	PhasePending   = "pending"
	PhaseRunning   = "running"
	PhaseCompleted = "completed"
	PhaseFailed    = "failed"
	PhaseSkipped   = "skipped"
)

// QualityCheck is an advisory metric attached to a phase.
type QualityCheck struct {
	Name   string  `json:"name"`
	Passed bool    `json:"passed"`
	Score  float64 `json:"score"`
	Detail string  `json:"detail,omitempty"`
}

// HITL gate statuses.
const (
	GatePending  = "pending"
	GateApproved = "approved"
	GateRejected = "rejected"
	GateSkipped  = "skipped"
)

// HITLGate is a human approval checkpoint on a phase. A gate blocks
// advancement until approved or skipped by policy.
type HITLGate struct {
	Status          string  `json:"status" enum:"pending,approved,rejected,skipped"`
	Approver        *string `json:"approver,omitempty"`
	ApprovedAt      *string `json:"approved_at,omitempty" format:"date-time"`
	Feedback        *string `json:"feedback,omitempty"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
}

// PhaseError captures a phase's internal error verbatim.
type PhaseError struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Phase is one pipeline step. Input and output are JSON snapshots deep-copied
// at write time; they are immutable once the phase completes or fails.
type Phase struct {
	ID            string         `json:"id"`
	RunID         string         `json:"run_id"`
	Seq           int            `json:"seq"`
	Name          string         `json:"name"`
	Status        string         `json:"status" enum:"pending,running,completed,failed,skipped"`
	StartedAt     *string        `json:"started_at,omitempty" format:"date-time"`
	CompletedAt   *string        `json:"completed_at,omitempty" format:"date-time"`
	InputJSON     *string        `json:"input_json,omitempty"`
	OutputJSON    *string        `json:"output_json,omitempty"`
	QualityChecks []QualityCheck `json:"quality_checks,omitempty"`
	Gate          *HITLGate      `json:"gate,omitempty"`
	Warnings      []string       `json:"warnings,omitempty"`
	Error         *PhaseError    `json:"error,omitempty"`
}

// WorkflowExecution statuses.
const (
	RunRunning     = "running"
	RunCompleted   = "completed"
	RunFailed      = "failed"
	RunPendingHITL = "pending_hitl"
	RunCancelled   = "cancelled"
)

// WorkflowExecution is the aggregate run. It transitions only forward: a
// failed run is preserved for audit and must be re-submitted as a new run.
type WorkflowExecution struct {
	ID             string         `json:"id"`
	DeskID         string         `json:"desk_id"`
	DealID         string         `json:"deal_id"`
	Status         string         `json:"status" enum:"running,completed,failed,pending_hitl,cancelled"`
	CatalogVersion string         `json:"catalog_version"`
	ConfigJSON     string         `json:"config_json"`
	Phases         []Phase        `json:"phases,omitempty"`
	OutputsJSON    *string        `json:"outputs_json,omitempty"`
	OverallQuality []QualityCheck `json:"overall_quality,omitempty"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
}

// Task is generated at the Publisher phase.
type Task struct {
	ID        string   `json:"id"`
	RunID     string   `json:"run_id"`
	Title     string   `json:"title"`
	Category  string   `json:"category"`
	Priority  Priority `json:"priority"`
	Status    string   `json:"status" enum:"open,in_progress,done"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

// TaskLineage traces a task back to its regulatory source. Append-only,
// keyed by task id.
type TaskLineage struct {
	TaskID       string `json:"task_id"`
	RunID        string `json:"run_id"`
	ObligationID string `json:"obligation_id"`
	ControlID    string `json:"control_id"`
	RiskID       string `json:"risk_id,omitempty"`
	PhaseID      string `json:"phase_id"`
	RecordedAt   string `json:"recorded_at" format:"date-time"`
}

// Event is one entry of the append-only audit log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates service callers. A key with a desk id is only valid
// for that desk; an unscoped key authenticates against any desk.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	DeskID    string `json:"desk_id,omitempty"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
