package server

import (
	"encoding/json"

	"expectline/internal/domain"
	"expectline/internal/engine"
)

// Request payloads

type ObservationRequest struct {
	SourceType     string  `json:"source_type,omitempty"`
	SourceName     string  `json:"source_name,omitempty"`
	SourcePlatform string  `json:"source_platform,omitempty"`
	Score          float64 `json:"score" minimum:"0"`
	Result         string  `json:"result,omitempty"`
}

func (r ObservationRequest) observation(sourceID string) engine.Observation {
	return engine.Observation{
		SourceID:       sourceID,
		SourceType:     r.SourceType,
		SourceName:     r.SourceName,
		SourcePlatform: r.SourcePlatform,
		Score:          r.Score,
		Result:         r.Result,
	}
}

type BulkObservationItem struct {
	ExpectationID string `json:"expectation_id"`
	SourceID      string `json:"source_id"`
	ObservationRequest
}

type BulkObservationRequest struct {
	Items []BulkObservationItem `json:"items" minItems:"1"`
}

type VerdictRequest struct {
	// Source labels the grader; the authenticated actor when empty.
	Source string  `json:"source,omitempty"`
	Score  float64 `json:"score" minimum:"0"`
}

type SweepRequest struct {
	Type          string `json:"type,omitempty" enum:"DETECTION,PREVENTION,VULNERABILITY,MANUAL"`
	CutoffMinutes int    `json:"cutoff_minutes,omitempty" minimum:"0"`
	SourceID      string `json:"source_id,omitempty"`
}

type SignatureRequest struct {
	Kind string `json:"kind" enum:"start,end"`
	At   string `json:"at,omitempty" format:"date-time"`
}

// Responses

type ExpectationResponse struct {
	domain.Expectation
	Role  string `json:"role,omitempty" enum:"AGENT,ASSET,ASSET_GROUP,PLAYER,TEAM"`
	Label string `json:"label"`
}

type expectationList struct {
	Items []ExpectationResponse `json:"items"`
}

type paginatedExpectations struct {
	Items      []ExpectationResponse `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type sweepResponse struct {
	Reports []engine.SweepReport `json:"reports"`
}

type signatureList struct {
	Items []domain.Signature `json:"items"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	InjectID   string         `json:"inject_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func expectationResponse(e domain.Expectation) ExpectationResponse {
	if e.Results == nil {
		e.Results = []domain.Result{}
	}
	resp := ExpectationResponse{
		Expectation: e,
		Label:       engine.ResultLabel(e.Type, e.Score, e.ExpectedScore),
	}
	if role, err := engine.RoleOf(e); err == nil {
		resp.Role = string(role)
	}
	return resp
}

func mapExpectations(items []domain.Expectation) []ExpectationResponse {
	out := make([]ExpectationResponse, 0, len(items))
	for _, e := range items {
		out = append(out, expectationResponse(e))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		InjectID:   e.InjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}
