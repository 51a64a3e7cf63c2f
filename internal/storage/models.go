package storage

import "time"

// Execution is one audited snippet run. Only redacted text is stored.
type Execution struct {
	ID             string     `json:"id" db:"id"`
	CodeHash       string     `json:"code_hash" db:"code_hash"`
	Backend        string     `json:"backend" db:"backend"`
	Success        bool       `json:"success" db:"success"`
	ErrorCode      string     `json:"error,omitempty" db:"error_code"`
	ExitCode       *int       `json:"exit_code" db:"exit_code"`
	Stdout         string     `json:"stdout" db:"stdout"`
	Stderr         string     `json:"stderr" db:"stderr"`
	DurationMS     int64      `json:"duration_ms" db:"duration_ms"`
	Redactions     int        `json:"redactions" db:"redactions"`
	SecurityEvents int        `json:"security_events" db:"security_events"`
	WorkingDir     string     `json:"working_directory" db:"working_dir"`
	RequestIP      string     `json:"request_ip,omitempty" db:"request_ip"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	Backend   string
	ErrorCode string
	Limit     int
	Offset    int
}
