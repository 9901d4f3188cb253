package server

import (
	"mizan/internal/domain"
	"mizan/internal/lineage"
)

// Request/response shapes for the HTTP API. Domain structs already carry the
// JSON tags the API exposes; the wrappers exist so list endpoints can attach
// paging cursors without leaking storage concerns.

type submitRunRequest struct {
	DeskID string                   `json:"desk_id"`
	Deal   domain.DealConfiguration `json:"deal"`
}

type runResponse struct {
	Run domain.WorkflowExecution `json:"run"`
}

type runListResponse struct {
	Runs       []domain.WorkflowExecution `json:"runs"`
	NextCursor string                     `json:"next_cursor,omitempty"`
}

type gateDecisionRequest struct {
	Approve  bool   `json:"approve"`
	Feedback string `json:"feedback,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type catalogResponse struct {
	Version  string           `json:"version"`
	Controls []domain.Control `json:"controls"`
}

type controlResponse struct {
	Control domain.Control `json:"control"`
}

type activatedControlsResponse struct {
	RunID          string                    `json:"run_id"`
	CatalogVersion string                    `json:"catalog_version"`
	Controls       []domain.ActivatedControl `json:"controls"`
}

type taskListResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type lineageResponse struct {
	Chain lineage.Chain `json:"chain"`
}

type runLineageResponse struct {
	Chains []lineage.Chain `json:"chains"`
}

type eventListResponse struct {
	Events []domain.Event `json:"events"`
}

type feedImportRequest struct {
	PayloadYAML string `json:"payload_yaml"`
}

type feedImportResponse struct {
	Regulator string `json:"regulator"`
}
