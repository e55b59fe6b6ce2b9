package server

import (
	"github.com/queso/the-ai-team-plugin-sub002/internal/domain"
	"github.com/queso/the-ai-team-plugin-sub002/internal/waves"
)

// Request payloads

type CreateItemRequest struct {
	ID            *string  `json:"id,omitempty"`
	Title         string   `json:"title"`
	Kind          string   `json:"kind,omitempty" enum:"feature,bug,enhancement,task"`
	DependsOn     []string `json:"depends_on,omitempty"`
	ConflictGroup *string  `json:"conflict_group,omitempty"`
}

type MoveItemRequest struct {
	To    string  `json:"to" enum:"briefings,ready,testing,implementing,review,probing,done,blocked"`
	Agent *string `json:"agent,omitempty"`
}

type RejectItemRequest struct {
	Reason    string  `json:"reason"`
	Agent     *string `json:"agent,omitempty"`
	Diagnosis *string `json:"diagnosis,omitempty"`
}

type StartMissionRequest struct {
	Name     string  `json:"name"`
	SpecPath *string `json:"spec_path,omitempty"`
}

type AdvanceMissionRequest struct {
	State string `json:"state" enum:"prechecking,running,failed,completed"`
}

// Response payloads

type ItemResponse struct {
	ID             string   `json:"id"`
	ProjectID      string   `json:"project_id"`
	MissionID      *string  `json:"mission_id,omitempty"`
	Title          string   `json:"title"`
	Kind           string   `json:"kind" enum:"feature,bug,enhancement,task"`
	Stage          string   `json:"stage" enum:"briefings,ready,testing,implementing,review,probing,done,blocked"`
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
}

type ItemDetailResponse struct {
	ItemResponse
	Rejections []RejectionResponse `json:"rejections,omitempty"`
}

type RejectionResponse struct {
	ID        int64   `json:"id"`
	Reason    string  `json:"reason"`
	Diagnosis *string `json:"diagnosis,omitempty"`
	Agent     *string `json:"agent,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type ItemListResponse struct {
	Items []ItemResponse `json:"items"`
}

type MoveResponse struct {
	Item             ItemResponse `json:"item"`
	FinalReviewReady bool         `json:"final_review_ready"`
}

type ClaimResponse struct {
	ItemID    string `json:"item_id"`
	Agent     string `json:"agent"`
	ClaimedAt string `json:"claimed_at" format:"date-time"`
}

type ReleaseResponse struct {
	Released bool   `json:"released"`
	Agent    string `json:"agent"`
}

type RejectResponse struct {
	Item           ItemResponse `json:"item"`
	RejectionCount int          `json:"rejection_count"`
	MovedTo        string       `json:"moved_to" enum:"ready,blocked"`
	Escalate       bool         `json:"escalate"`
}

type WavesResponse struct {
	Cycles           [][]string       `json:"cycles"`
	Depths           map[string]int   `json:"depths"`
	Waves            map[int][]string `json:"waves"`
	Ready            []string         `json:"ready"`
	FinalReviewReady bool             `json:"final_review_ready"`
}

type MissionResponse struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Name        string  `json:"name"`
	State       string  `json:"state" enum:"initializing,prechecking,running,failed,completed"`
	SpecPath    *string `json:"spec_path,omitempty"`
	StartedAt   string  `json:"started_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	ArchivedAt  *string `json:"archived_at,omitempty" format:"date-time"`
}

type CurrentMissionResponse struct {
	Mission *MissionResponse `json:"mission"`
}

type ArchiveMissionResponse struct {
	Mission   MissionResponse `json:"mission"`
	ItemCount int             `json:"item_count"`
}

type ActivityResponse struct {
	ID        int64   `json:"id"`
	MissionID *string `json:"mission_id,omitempty"`
	Actor     string  `json:"actor"`
	Message   string  `json:"message"`
	Severity  string  `json:"severity" enum:"info,warn,error"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type ActivityListResponse struct {
	Items      []ActivityResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type StatusResponse struct {
	ProjectID string           `json:"project_id"`
	Stages    map[string]int   `json:"stages"`
	InFlight  int              `json:"in_flight"`
	WIPLimit  int              `json:"wip_limit"`
	Mission   *MissionResponse `json:"mission,omitempty"`
}

// Mappers

func itemResponse(it domain.WorkItem) ItemResponse {
	return ItemResponse{
		ID:             it.ID,
		ProjectID:      it.ProjectID,
		MissionID:      it.MissionID,
		Title:          it.Title,
		Kind:           it.Kind,
		Stage:          string(it.Stage),
		AssignedAgent:  it.AssignedAgent,
		RejectionCount: it.RejectionCount,
		DependsOn:      it.DependsOn,
		ConflictGroup:  it.ConflictGroup,
		TestPath:       it.TestPath,
		ImplPath:       it.ImplPath,
		TypesPath:      it.TypesPath,
		CreatedAt:      it.CreatedAt,
		UpdatedAt:      it.UpdatedAt,
		CompletedAt:    it.CompletedAt,
	}
}

func mapItems(items []domain.WorkItem) []ItemResponse {
	res := make([]ItemResponse, 0, len(items))
	for _, it := range items {
		res = append(res, itemResponse(it))
	}
	return res
}

func rejectionResponse(r domain.Rejection) RejectionResponse {
	return RejectionResponse{
		ID:        r.ID,
		Reason:    r.Reason,
		Diagnosis: r.Diagnosis,
		Agent:     r.Agent,
		CreatedAt: r.CreatedAt,
	}
}

func missionResponse(m domain.Mission) MissionResponse {
	return MissionResponse{
		ID:          m.ID,
		ProjectID:   m.ProjectID,
		Name:        m.Name,
		State:       m.State,
		SpecPath:    m.SpecPath,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
		ArchivedAt:  m.ArchivedAt,
	}
}

func activityResponse(e domain.ActivityEntry) ActivityResponse {
	return ActivityResponse{
		ID:        e.ID,
		MissionID: e.MissionID,
		Actor:     e.Actor,
		Message:   e.Message,
		Severity:  e.Severity,
		CreatedAt: e.CreatedAt,
	}
}

func wavesResponse(r waves.Resolution, finalReview bool) WavesResponse {
	resp := WavesResponse{
		Cycles:           r.Cycles,
		Depths:           r.Depths,
		Waves:            r.Waves,
		Ready:            r.Ready,
		FinalReviewReady: finalReview,
	}
	if resp.Cycles == nil {
		resp.Cycles = [][]string{}
	}
	if resp.Ready == nil {
		resp.Ready = []string{}
	}
	return resp
}
