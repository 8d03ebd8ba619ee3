package domain

// Task is the unit of work tracked by the engine. Timestamps are RFC3339
// strings in UTC, matching the on-disk record format.
type Task struct {
	ID                   string  `json:"id"`
	Type                 string  `json:"type" enum:"email,file_arrival,approval_required,manual"`
	Status               string  `json:"status" enum:"pending,in_progress,awaiting_approval,completed,failed"`
	Priority             string  `json:"priority" enum:"low,medium,high,critical"`
	Department           *string `json:"department,omitempty"`
	ApprovalRequired     bool    `json:"approval_required"`
	Approved             bool    `json:"approved"`
	RequiresManualReview bool    `json:"requires_manual_review"`
	RetryCount           int     `json:"retry_count"`
	ConfidenceScore      float64 `json:"confidence_score"`
	RiskFactor           float64 `json:"risk_factor"`
	OriginalStatus       *string `json:"original_status,omitempty"`
	ExpiresAt            *string `json:"expires_at,omitempty" format:"date-time"`
	FailureReason        *string `json:"failure_reason,omitempty"`
	Content              string  `json:"content,omitempty"`
	Version              int64   `json:"version"`
	CreatedAt            string  `json:"created_at" format:"date-time"`
	UpdatedAt            string  `json:"updated_at" format:"date-time"`
	CompletedAt          *string `json:"completed_at,omitempty" format:"date-time"`
}

// Claim is a time-bounded ownership token a worker must hold before
// mutating a task.
type Claim struct {
	TaskID     string `json:"task_id"`
	OwnerID    string `json:"owner_id"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

// TrustRecord is the per-department trust and autonomy state.
type TrustRecord struct {
	Department    string  `json:"department"`
	TrustScore    float64 `json:"trust_score"`
	AutonomyLevel string  `json:"autonomy_level" enum:"observe,recommend,execute,self_direct"`
	TaskCount     int     `json:"task_count"`
	SuccessCount  int     `json:"success_count"`
	Version       int64   `json:"version"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

// LedgerEntry is an immutable audit record of one engine decision.
type LedgerEntry struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Day        string `json:"day"`
	Type       string `json:"type"`
	TaskID     string `json:"task_id,omitempty"`
	Department string `json:"department,omitempty"`
	ActorID    string `json:"actor_id"`
	Reason     string `json:"reason,omitempty"`
	Payload    string `json:"payload_json"`
}
