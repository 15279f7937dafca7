package handler

import "auditlog/internal/ingest/models"

type CreatedResponse struct {
	ID string `json:"_id"`
}

type ValidationErrorResponse struct {
	Error   string                   `json:"error"`
	Details []models.ValidationError `json:"details"`
}

type LogsResponse struct {
	Page  int                 `json:"page"`
	Limit int                 `json:"limit"`
	Total int64               `json:"total"`
	Logs  []models.AuditEvent `json:"logs"`
}

type DeadLettersResponse struct {
	Page        int                       `json:"page"`
	Limit       int                       `json:"limit"`
	Total       int64                     `json:"total"`
	DeadLetters []models.DeadLetterRecord `json:"deadLetters"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse lists each dependency check with "ok" or its error.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func toLogsResponse(p models.Pagination, page models.Page[models.AuditEvent]) LogsResponse {
	logs := page.Items
	if logs == nil {
		logs = []models.AuditEvent{}
	}
	return LogsResponse{Page: p.Page, Limit: p.Limit, Total: page.Total, Logs: logs}
}

func toDeadLettersResponse(p models.Pagination, page models.Page[models.DeadLetterRecord]) DeadLettersResponse {
	records := page.Items
	if records == nil {
		records = []models.DeadLetterRecord{}
	}
	return DeadLettersResponse{Page: p.Page, Limit: p.Limit, Total: page.Total, DeadLetters: records}
}
