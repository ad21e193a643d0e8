package domain

import (
	"encoding/json"
	"time"
)

// TimestampLayout is fixed-width so stored timestamps sort lexically.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Timestamp formats t in UTC using TimestampLayout.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

type RunStatus string

const (
	RunQueued            RunStatus = "QUEUED"
	RunRunning           RunStatus = "RUNNING"
	RunWaitingCheckpoint RunStatus = "WAITING_CHECKPOINT"
	RunFailed            RunStatus = "FAILED"
	RunCanceled          RunStatus = "CANCELED"
	RunSucceeded         RunStatus = "SUCCEEDED"
)

// Terminal reports whether no further transitions are expected for the run.
func (s RunStatus) Terminal() bool {
	return s == RunFailed || s == RunCanceled || s == RunSucceeded
}

// Active statuses count toward the single-active-run rule.
func (s RunStatus) Active() bool {
	return s == RunQueued || s == RunRunning || s == RunWaitingCheckpoint
}

type IterationStatus string

const (
	IterationPending  IterationStatus = "PENDING"
	IterationRunning  IterationStatus = "RUNNING"
	IterationGated    IterationStatus = "GATED"
	IterationMerged   IterationStatus = "MERGED"
	IterationDeployed IterationStatus = "DEPLOYED"
	IterationFailed   IterationStatus = "FAILED"
)

// Done reports whether the iteration no longer needs execution.
func (s IterationStatus) Done() bool {
	return s == IterationMerged || s == IterationDeployed
}

type EventType string

const (
	EventRunStatus       EventType = "run_status"
	EventIterationStatus EventType = "iteration_status"
	EventAgentTask       EventType = "agent_task"
	EventQualityGate     EventType = "quality_gate"
	EventDeployStatus    EventType = "deploy_status"
	EventError           EventType = "error"
	EventInfo            EventType = "info"
)

// EventTypes lists every event type in a stable order.
var EventTypes = []EventType{
	EventRunStatus, EventIterationStatus, EventAgentTask, EventQualityGate,
	EventDeployStatus, EventError, EventInfo,
}

type GateType string

const (
	GateBuild    GateType = "BUILD"
	GateUnit     GateType = "UNIT"
	GateBDD      GateType = "BDD"
	GateReview   GateType = "REVIEW"
	GateSecurity GateType = "SECURITY"
)

type PlanKind string

const (
	PlanBusiness  PlanKind = "business"
	PlanTechnical PlanKind = "technical"
	PlanUX        PlanKind = "ux"
)

// RequiredPlans must all exist before a run can start.
var RequiredPlans = []PlanKind{PlanBusiness, PlanTechnical, PlanUX}

type Project struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ProjectPlan struct {
	ProjectID string          `json:"project_id"`
	Kind      PlanKind        `json:"kind"`
	Content   json.RawMessage `json:"content"`
	UpdatedAt string          `json:"updated_at" format:"date-time"`
}

type DevelopmentRun struct {
	ID               string    `json:"id"`
	ProjectID        string    `json:"project_id"`
	Status           RunStatus `json:"status"`
	CurrentIteration int       `json:"current_iteration"`
	TotalIterations  int       `json:"total_iterations"`
	ErrorSummary     *string   `json:"error_summary,omitempty"`
	CreatedAt        string    `json:"created_at" format:"date-time"`
	StartedAt        *string   `json:"started_at,omitempty" format:"date-time"`
	UpdatedAt        string    `json:"updated_at" format:"date-time"`
	FinishedAt       *string   `json:"finished_at,omitempty" format:"date-time"`
}

type IterationScope struct {
	Goals       []string `json:"goals"`
	FeatureTags []string `json:"featureTags"`
	Risks       []string `json:"risks"`
}

type IterationRun struct {
	ID          string              `json:"id"`
	RunID       string              `json:"run_id"`
	Index       int                 `json:"index"`
	Name        string              `json:"name"`
	Slug        string              `json:"slug"`
	Scope       IterationScope      `json:"scope"`
	GherkinPath string              `json:"gherkin_path"`
	Status      IterationStatus     `json:"status"`
	DeployURL   *string             `json:"deploy_url,omitempty"`
	Gates       []QualityGateResult `json:"gates,omitempty"`
	CreatedAt   string              `json:"created_at" format:"date-time"`
	UpdatedAt   string              `json:"updated_at" format:"date-time"`
}

type QualityGateResult struct {
	ID          string          `json:"id"`
	IterationID string          `json:"iteration_id"`
	GateType    GateType        `json:"gate_type"`
	Passed      bool            `json:"passed"`
	DurationMs  int64           `json:"duration_ms"`
	LogsRef     *string         `json:"logs_ref,omitempty"`
	Report      json.RawMessage `json:"report,omitempty"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
}

// DevelopmentEvent is one entry of a run's append-only log. (RunID, Sequence) is unique.
type DevelopmentEvent struct {
	ID          int64           `json:"id"`
	RunID       string          `json:"run_id"`
	Sequence    int64           `json:"sequence"`
	EventType   EventType       `json:"event_type"`
	IterationID *string         `json:"iteration_id,omitempty"`
	Message     *string         `json:"message,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
}

type ComplexityFactor struct {
	Name     string  `json:"name"`
	Score    float64 `json:"score"`
	MaxScore float64 `json:"maxScore"`
	Detail   string  `json:"detail"`
}

// Assessment is the approved complexity assessment captured at run creation.
type Assessment struct {
	ComplexityScore       float64            `json:"complexityScore"`
	ComplexityLevel       string             `json:"complexityLevel"`
	RecommendedIterations float64            `json:"recommendedIterations"`
	Factors               []ComplexityFactor `json:"factors"`
}

type IterationPlanItem struct {
	Index       int            `json:"index"`
	Name        string         `json:"name"`
	Slug        string         `json:"slug"`
	Scope       IterationScope `json:"scope"`
	GherkinPath string         `json:"gherkinPath"`
}

// ApprovedPlan is immutable once a run has been created from it.
type ApprovedPlan struct {
	Assessment Assessment          `json:"assessment"`
	Iterations []IterationPlanItem `json:"iterations"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
