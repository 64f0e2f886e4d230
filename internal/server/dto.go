package server

import (
	"storyline/internal/capability"
	"storyline/internal/domain"
	"storyline/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	Name        string `json:"name"`
	RepoURL     string `json:"repo_url,omitempty"`
	Description string `json:"description,omitempty"`
}

type CreateStoryRequest struct {
	Title    string `json:"title,omitempty"`
	RawInput string `json:"raw_input"`
}

type RollbackRequest struct {
	Mode string `json:"mode" enum:"iterate,restart"`
}

type CapabilityOverrideRequest struct {
	Provider string            `json:"provider,omitempty"`
	Settings map[string]string `json:"settings,omitempty"`
	Disabled bool              `json:"disabled,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	RepoURL     string `json:"repo_url,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type StoryResponse struct {
	ID                   string `json:"id"`
	ProjectID            string `json:"project_id"`
	Title                string `json:"title"`
	Stage                string `json:"stage" enum:"preparing,clarifying,planning,designing,coding,verifying,done"`
	RawInput             string `json:"raw_input"`
	Requirement          string `json:"requirement,omitempty"`
	ClarificationNotes   string `json:"clarification_notes,omitempty"`
	ConfirmedRequirement string `json:"confirmed_requirement,omitempty"`
	Plan                 string `json:"plan,omitempty"`
	TasksJSON            string `json:"tasks_json,omitempty"`
	Design               string `json:"design,omitempty"`
	CreatedAt            string `json:"created_at" format:"date-time"`
	UpdatedAt            string `json:"updated_at" format:"date-time"`
}

type RoundResponse struct {
	ID          string  `json:"id"`
	StoryID     string  `json:"story_id"`
	Number      int     `json:"number"`
	Type        string  `json:"type" enum:"initial,iterate,restart"`
	Status      string  `json:"status" enum:"active,closed"`
	BranchName  string  `json:"branch_name,omitempty"`
	CloseReason *string `json:"close_reason,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ClosedAt    *string `json:"closed_at,omitempty" format:"date-time"`
}

type MessageResponse struct {
	Seq     int64  `json:"seq"`
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	TS      string `json:"ts" format:"date-time"`
}

type PullRequestResponse struct {
	ID        string `json:"id"`
	RoundID   string `json:"round_id"`
	Number    int    `json:"number"`
	URL       string `json:"url,omitempty"`
	Status    string `json:"status" enum:"open,closed,merged"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type AdvanceResponse struct {
	Story      StoryResponse `json:"story"`
	Background bool          `json:"background"`
	TaskName   string        `json:"task_name,omitempty"`
	Warnings   []string      `json:"warnings,omitempty"`
}

type StopResponse struct {
	Stopped bool `json:"stopped"`
}

type CapabilityOverrideResponse struct {
	ProjectID  string            `json:"project_id"`
	Capability string            `json:"capability"`
	Provider   string            `json:"provider"`
	Settings   map[string]string `json:"settings,omitempty"`
	Disabled   bool              `json:"disabled,omitempty"`
	UpdatedAt  string            `json:"updated_at" format:"date-time"`
}

type HealthResponse struct {
	Capability string `json:"capability"`
	Healthy    bool   `json:"healthy"`
	Message    string `json:"message,omitempty"`
	LatencyMS  int64  `json:"latency_ms"`
	CheckedAt  string `json:"checked_at" format:"date-time"`
}

type PreflightCheckResponse struct {
	Capability string          `json:"capability"`
	Provider   string          `json:"provider,omitempty"`
	Required   bool            `json:"required"`
	Health     *HealthResponse `json:"health,omitempty"`
	Problem    string          `json:"problem,omitempty"`
}

type PreflightResponse struct {
	OK       bool                     `json:"ok"`
	Errors   []string                 `json:"errors,omitempty"`
	Warnings []string                 `json:"warnings,omitempty"`
	Checks   []PreflightCheckResponse `json:"checks"`
}

// Mappers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		RepoURL:     p.RepoURL,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func storyResponse(s domain.Story) StoryResponse {
	return StoryResponse{
		ID:                   s.ID,
		ProjectID:            s.ProjectID,
		Title:                s.Title,
		Stage:                string(s.Stage),
		RawInput:             s.RawInput,
		Requirement:          s.Requirement,
		ClarificationNotes:   s.ClarificationNotes,
		ConfirmedRequirement: s.ConfirmedRequirement,
		Plan:                 s.Plan,
		TasksJSON:            s.TasksJSON,
		Design:               s.Design,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
}

func mapStories(items []domain.Story) []StoryResponse {
	res := make([]StoryResponse, 0, len(items))
	for _, s := range items {
		res = append(res, storyResponse(s))
	}
	return res
}

func roundResponse(rd domain.Round) RoundResponse {
	return RoundResponse{
		ID:          rd.ID,
		StoryID:     rd.StoryID,
		Number:      rd.Number,
		Type:        rd.Type,
		Status:      rd.Status,
		BranchName:  rd.BranchName,
		CloseReason: rd.CloseReason,
		CreatedAt:   rd.CreatedAt,
		ClosedAt:    rd.ClosedAt,
	}
}

func mapRounds(items []domain.Round) []RoundResponse {
	res := make([]RoundResponse, 0, len(items))
	for _, rd := range items {
		res = append(res, roundResponse(rd))
	}
	return res
}

func messageResponse(m domain.RoundMessage) MessageResponse {
	return MessageResponse{Seq: m.Seq, Type: m.Type, Content: m.Content, TS: m.TS}
}

func mapMessages(items []domain.RoundMessage) []MessageResponse {
	res := make([]MessageResponse, 0, len(items))
	for _, m := range items {
		res = append(res, messageResponse(m))
	}
	return res
}

func mapPullRequests(items []domain.PullRequest) []PullRequestResponse {
	res := make([]PullRequestResponse, 0, len(items))
	for _, pr := range items {
		res = append(res, PullRequestResponse{
			ID:        pr.ID,
			RoundID:   pr.RoundID,
			Number:    pr.Number,
			URL:       pr.URL,
			Status:    pr.Status,
			CreatedAt: pr.CreatedAt,
		})
	}
	return res
}

func advanceResponse(res engine.AdvanceResult) AdvanceResponse {
	return AdvanceResponse{
		Story:      storyResponse(res.Story),
		Background: res.Background,
		TaskName:   res.TaskName,
		Warnings:   res.Warnings,
	}
}

func overrideResponse(ov domain.CapabilityOverride) CapabilityOverrideResponse {
	return CapabilityOverrideResponse{
		ProjectID:  ov.ProjectID,
		Capability: ov.Capability,
		Provider:   ov.Provider,
		Settings:   ov.Settings,
		Disabled:   ov.Disabled,
		UpdatedAt:  ov.UpdatedAt,
	}
}

func mapOverrides(items []domain.CapabilityOverride) []CapabilityOverrideResponse {
	res := make([]CapabilityOverrideResponse, 0, len(items))
	for _, ov := range items {
		res = append(res, overrideResponse(ov))
	}
	return res
}

func healthResponse(capName string, h domain.HealthStatus) HealthResponse {
	return HealthResponse{
		Capability: capName,
		Healthy:    h.Healthy,
		Message:    h.Message,
		LatencyMS:  h.LatencyMS,
		CheckedAt:  h.CheckedAt,
	}
}

func preflightResponse(r capability.Report) PreflightResponse {
	resp := PreflightResponse{
		OK:       r.OK(),
		Errors:   r.Errors,
		Warnings: r.Warnings,
		Checks:   []PreflightCheckResponse{},
	}
	for _, c := range r.Checks {
		check := PreflightCheckResponse{
			Capability: string(c.Capability),
			Provider:   c.Provider,
			Required:   c.Required,
			Problem:    c.Problem,
		}
		if c.Health != nil {
			h := healthResponse(string(c.Capability), *c.Health)
			check.Health = &h
		}
		resp.Checks = append(resp.Checks, check)
	}
	return resp
}
