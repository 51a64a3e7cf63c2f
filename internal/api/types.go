package api

import "codemode-runtime/internal/facade"

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	Code    string         `json:"code"`
	Options facade.Options `json:"options"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Backend  string `json:"backend"`
	Store    bool   `json:"store"`
	Database bool   `json:"database"`
	Uptime   string `json:"uptime"`
}
