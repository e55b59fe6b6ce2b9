package domain

// Stage is one discrete phase of the delivery pipeline.
type Stage string

const (
	StageBriefings    Stage = "briefings"
	StageReady        Stage = "ready"
	StageTesting      Stage = "testing"
	StageImplementing Stage = "implementing"
	StageReview       Stage = "review"
	StageProbing      Stage = "probing"
	StageDone         Stage = "done"
	StageBlocked      Stage = "blocked"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{
	StageBriefings, StageReady, StageTesting, StageImplementing,
	StageReview, StageProbing, StageDone, StageBlocked,
}

// ActiveStages are the stages where an agent is expected to hold a claim.
var ActiveStages = []Stage{StageTesting, StageImplementing, StageReview, StageProbing}

// IsActive reports whether the stage is an in-flight working stage.
func (s Stage) IsActive() bool {
	switch s {
	case StageTesting, StageImplementing, StageReview, StageProbing:
		return true
	}
	return false
}

// IsClaimable reports whether an agent may take a claim in this stage.
func (s Stage) IsClaimable() bool {
	return s == StageReady || s.IsActive()
}

// Valid reports whether s is a known stage name.
func (s Stage) Valid() bool {
	switch s {
	case StageBriefings, StageReady, StageTesting, StageImplementing,
		StageReview, StageProbing, StageDone, StageBlocked:
		return true
	}
	return false
}

type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// WorkItem is a unit of work moving through the pipeline stages.
type WorkItem struct {
	ID             string   `json:"id"`
	ProjectID      string   `json:"project_id"`
	MissionID      *string  `json:"mission_id,omitempty"`
	Seq            int      `json:"seq"`
	Title          string   `json:"title"`
	Kind           string   `json:"kind" enum:"feature,bug,enhancement,task"`
	Stage          Stage    `json:"stage" enum:"briefings,ready,testing,implementing,review,probing,done,blocked"`
	AssignedAgent  *string  `json:"assigned_agent,omitempty"`
	RejectionCount int      `json:"rejection_count"`
	DependsOn      []string `json:"depends_on,omitempty"`
	ConflictGroup  *string  `json:"conflict_group,omitempty"`
	TestPath       *string  `json:"test_path,omitempty"`
	ImplPath       *string  `json:"impl_path,omitempty"`
	TypesPath      *string  `json:"types_path,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
	CompletedAt    *string  `json:"completed_at,omitempty" format:"date-time"`
	ArchivedAt     *string  `json:"archived_at,omitempty" format:"date-time"`
}

// AgentClaim is an exclusive lock of one agent on one work item.
type AgentClaim struct {
	ItemID    string `json:"item_id"`
	Agent     string `json:"agent"`
	ClaimedAt string `json:"claimed_at" format:"date-time"`
}

// Mission is the umbrella execution context for one end-to-end run.
type Mission struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Name        string  `json:"name"`
	State       string  `json:"state" enum:"initializing,prechecking,running,failed,completed"`
	SpecPath    *string `json:"spec_path,omitempty"`
	StartedAt   string  `json:"started_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	ArchivedAt  *string `json:"archived_at,omitempty" format:"date-time"`
}

// Rejection is one append-only entry in an item's rejection history.
type Rejection struct {
	ID        int64   `json:"id"`
	ItemID    string  `json:"item_id"`
	Reason    string  `json:"reason"`
	Diagnosis *string `json:"diagnosis,omitempty"`
	Agent     *string `json:"agent,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// ActivityEntry is one append-only, strictly increasing-id log record.
type ActivityEntry struct {
	ID        int64   `json:"id"`
	ProjectID string  `json:"project_id"`
	MissionID *string `json:"mission_id,omitempty"`
	Actor     string  `json:"actor"`
	Message   string  `json:"message"`
	Severity  string  `json:"severity" enum:"info,warn,error"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}
