package model

import "time"

type ToolType string

const (
	ToolTranscode      ToolType = "transcode"
	ToolTranscribe     ToolType = "transcribe"
	ToolTextToSpeech   ToolType = "text_to_speech"
	ToolStemSeparation ToolType = "stem_separation"
	ToolNoiseReduction ToolType = "noise_reduction"
)

var validToolType = map[ToolType]struct{}{
	ToolTranscode:      {},
	ToolTranscribe:     {},
	ToolTextToSpeech:   {},
	ToolStemSeparation: {},
	ToolNoiseReduction: {},
}

func IsValidToolType(t string) bool {
	_, ok := validToolType[ToolType(t)]
	return ok
}

// Lane is the compute class a job is dispatched through.
type Lane string

const (
	LaneCPU Lane = "cpu"
	LaneGPU Lane = "gpu"
)

func IsValidLane(l string) bool {
	return Lane(l) == LaneCPU || Lane(l) == LaneGPU
}

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

type Requirements struct {
	RequiresCPU bool `msgpack:"requires_cpu" json:"requiresCpu"`
	RequiresGPU bool `msgpack:"requires_gpu" json:"requiresGpu"`
}

// Lane returns the lane a job with these requirements is queued on.
func (r Requirements) Lane() Lane {
	if r.RequiresGPU {
		return LaneGPU
	}
	return LaneCPU
}

// Job is the record held in the job store while a job is in flight.
type Job struct {
	ID              string            `msgpack:"id" json:"id"`
	UserID          string            `msgpack:"user_id" json:"userId"`
	ToolType        ToolType          `msgpack:"tool_type" json:"toolType"`
	Requirements    Requirements      `msgpack:"requirements" json:"requirements"`
	Status          JobStatus         `msgpack:"status" json:"status"`
	Progress        int               `msgpack:"progress" json:"progress"`
	ProgressMessage string            `msgpack:"progress_message" json:"progressMessage,omitempty"`
	InputFile       string            `msgpack:"input_file" json:"inputFile,omitempty"`
	Params          map[string]string `msgpack:"params" json:"params,omitempty"`
	FileSizeBytes   int64             `msgpack:"file_size_bytes" json:"fileSizeBytes,omitempty"`
	DurationSeconds float64           `msgpack:"duration_seconds" json:"durationSeconds,omitempty"`
	CostEstimate    int64             `msgpack:"cost_estimate" json:"costEstimate"`
	CostActual      int64             `msgpack:"cost_actual" json:"costActual"`
	ReservedCredits int64             `msgpack:"reserved_credits" json:"reservedCredits"`
	IdempotencyKey  string            `msgpack:"idempotency_key" json:"idempotencyKey,omitempty"`
	ErrorMessage    string            `msgpack:"error_message" json:"errorMessage,omitempty"`
	OutputFiles     []string          `msgpack:"output_files" json:"outputFiles,omitempty"`
	CreatedAt       time.Time         `msgpack:"created_at" json:"createdAt"`
	StartedAt       *time.Time        `msgpack:"started_at" json:"startedAt,omitempty"`
	CompletedAt     *time.Time        `msgpack:"completed_at" json:"completedAt,omitempty"`
	UpdatedAt       time.Time         `msgpack:"updated_at" json:"updatedAt"`
}

// JobRequest is the incoming submission payload.
type JobRequest struct {
	UserID          string            `json:"userId"`
	ToolType        string            `json:"toolType"`
	Requirements    Requirements      `json:"requirements"`
	IdempotencyKey  string            `json:"idempotencyKey"`
	InputFile       string            `json:"inputFile"`
	FileSizeBytes   int64             `json:"fileSizeBytes"`
	DurationSeconds float64           `json:"durationSeconds"`
	Params          map[string]string `json:"params,omitempty"`
}

// JobResult is what a tool processor hands back on success.
type JobResult struct {
	OutputURL   string   `json:"outputUrl"`
	OutputFiles []string `json:"outputFiles,omitempty"`
	CostActual  int64    `json:"costActual,omitempty"`
}

type Wallet struct {
	UserID          string    `db:"user_id" json:"userId"`
	BalanceCredits  int64     `db:"balance_credits" json:"balanceCredits"`
	ReservedCredits int64     `db:"reserved_credits" json:"reservedCredits"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time `db:"updated_at" json:"updatedAt"`
}

func (w Wallet) Available() int64 {
	return w.BalanceCredits - w.ReservedCredits
}

type TransactionType string

const (
	TransactionCredit TransactionType = "credit"
	TransactionDebit  TransactionType = "debit"
)

const (
	ReferenceJob     = "job"
	ReferenceVoucher = "voucher"
)

type WalletTransaction struct {
	ID            string          `db:"id" json:"id"`
	UserID        string          `db:"user_id" json:"userId"`
	Type          TransactionType `db:"type" json:"type"`
	Amount        int64           `db:"amount" json:"amount"`
	BalanceAfter  int64           `db:"balance_after" json:"balanceAfter"`
	Reason        string          `db:"reason" json:"reason"`
	ReferenceType string          `db:"reference_type" json:"referenceType,omitempty"`
	ReferenceID   string          `db:"reference_id" json:"referenceId,omitempty"`
	AdminID       string          `db:"admin_id" json:"adminId,omitempty"`
	Note          string          `db:"note" json:"note,omitempty"`
	ReceiptURL    string          `db:"receipt_url" json:"receiptUrl,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
}

type VoucherType string

const (
	VoucherCredits VoucherType = "credits"
)

type Voucher struct {
	ID         string      `db:"id" json:"id"`
	Code       string      `db:"code" json:"code"`
	Type       VoucherType `db:"type" json:"type"`
	Value      int64       `db:"value" json:"value"`
	Active     bool        `db:"active" json:"active"`
	ValidFrom  *time.Time  `db:"valid_from" json:"validFrom,omitempty"`
	ValidUntil *time.Time  `db:"valid_until" json:"validUntil,omitempty"`
	MaxUses    *int        `db:"max_uses" json:"maxUses,omitempty"`
	UsedCount  int         `db:"used_count" json:"usedCount"`
	CreatedAt  time.Time   `db:"created_at" json:"createdAt"`
}

type VoucherUsage struct {
	VoucherID string    `db:"voucher_id" json:"voucherId"`
	UserID    string    `db:"user_id" json:"userId"`
	UsedAt    time.Time `db:"used_at" json:"usedAt"`
}

type FleetStatus string

const (
	FleetStopped  FleetStatus = "stopped"
	FleetStarting FleetStatus = "starting"
	FleetRunning  FleetStatus = "running"
	FleetStopping FleetStatus = "stopping"
)

// FleetHeartbeat is written periodically by GPU pollers.
type FleetHeartbeat struct {
	WorkerID   string    `msgpack:"worker_id" json:"workerId"`
	ActiveJobs int       `msgpack:"active_jobs" json:"activeJobs"`
	At         time.Time `msgpack:"at" json:"at"`
}
