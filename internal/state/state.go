package state

import "time"

// SnapshotVersion is stamped into every persisted run snapshot so future
// schema changes can migrate old rows instead of misreading them.
const SnapshotVersion = 1

// Role identifies which seat an actor fills in a run.
type Role string

const (
	RoleBuilder   Role = "builder"
	RoleReviewer  Role = "reviewer"
	RoleDecompose Role = "decompose"
)

// Status is a run's terminal state. The empty string means the run is
// still in flight.
type Status string

const (
	StatusApproved  Status = "approved"
	StatusFailed    Status = "failed"
	StatusEscalated Status = "escalated"
	StatusCancelled Status = "cancelled"
)

// Entry is one record in a run's conversation log.
type Entry struct {
	Role     string `json:"role"`
	Action   string `json:"action,omitempty"`
	Agent    string `json:"agent,omitempty"`
	Output   string `json:"output,omitempty"`
	Decision string `json:"decision,omitempty"`
	Feedback string `json:"feedback,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Elapsed  int    `json:"elapsed,omitempty"`
}

// Run is the accumulated state of one build-review-decide cycle.
//
// Conversation is the single append-only field: entries are only ever
// appended, never reordered or removed. Every other field is
// last-write-wins when a Delta is applied.
type Run struct {
	Version          int             `json:"version"`
	RunID            string          `json:"run_id"`
	ParentID         string          `json:"parent_id,omitempty"`
	Requirement      string          `json:"requirement"`
	SkillID          string          `json:"skill_id"`
	DoneCriteria     []string        `json:"done_criteria"`
	Context          string          `json:"context,omitempty"` // earlier-subtask summaries, set once at start
	TimeoutSec       int             `json:"timeout_sec"`
	RetryBudget      int             `json:"retry_budget"`
	RetryCount       int             `json:"retry_count"`
	BuilderID        string          `json:"builder_id,omitempty"`
	ReviewerID       string          `json:"reviewer_id,omitempty"`
	BuilderExplicit  string          `json:"builder_explicit,omitempty"`
	ReviewerExplicit string          `json:"reviewer_explicit,omitempty"`
	BuilderOutput    *BuilderOutput  `json:"builder_output,omitempty"`
	ReviewerOutput   *ReviewerOutput `json:"reviewer_output,omitempty"`
	CurrentRole      Role            `json:"current_role,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	CreatedAt        time.Time       `json:"created_at"`
	Conversation     []Entry         `json:"conversation"`
	Error            string          `json:"error,omitempty"`
	FinalStatus      Status          `json:"final_status,omitempty"`
}

// Terminal reports whether the run has reached a final status. Once
// terminal, no further node may execute for this run.
func (r *Run) Terminal() bool {
	return r.FinalStatus != ""
}

// Delta is the partial state update a single node returns.
//
// Merge contract: Conversation entries are appended to the run's log.
// Every other field overwrites the run's value when set; a zero-valued
// field is left untouched. No node ever needs to reset a field to its
// zero value — errors, terminal status and role transitions are one-way.
type Delta struct {
	Conversation   []Entry
	BuilderID      string
	ReviewerID     string
	BuilderOutput  *BuilderOutput
	ReviewerOutput *ReviewerOutput
	CurrentRole    Role
	StartedAt      time.Time
	RetryCount     int
	Error          string
	FinalStatus    Status
}

// Apply merges a node's partial update into the run.
func (r *Run) Apply(d Delta) {
	r.Conversation = append(r.Conversation, d.Conversation...)
	if d.BuilderID != "" {
		r.BuilderID = d.BuilderID
	}
	if d.ReviewerID != "" {
		r.ReviewerID = d.ReviewerID
	}
	if d.BuilderOutput != nil {
		r.BuilderOutput = d.BuilderOutput
	}
	if d.ReviewerOutput != nil {
		r.ReviewerOutput = d.ReviewerOutput
	}
	if d.CurrentRole != "" {
		r.CurrentRole = d.CurrentRole
	}
	if !d.StartedAt.IsZero() {
		r.StartedAt = d.StartedAt
	}
	if d.RetryCount != 0 {
		r.RetryCount = d.RetryCount
	}
	if d.Error != "" {
		r.Error = d.Error
	}
	if d.FinalStatus != "" {
		r.FinalStatus = d.FinalStatus
	}
}
