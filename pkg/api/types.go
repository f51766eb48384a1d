package api

// Wire types for the GLIN backend. The backend owns this contract; field
// names here must track its JSON exactly.

import (
	"time"

	"github.com/google/uuid"
)

// HardwareInfo describes the machine a provider registers with.
type HardwareInfo struct {
	GPUModel          string  `json:"gpu_model"`
	GPUCount          int     `json:"gpu_count"`
	VRAMGb            int     `json:"vram_gb"`
	ComputeCapability float32 `json:"compute_capability"`
	CPUModel          string  `json:"cpu_model"`
	CPUCores          int     `json:"cpu_cores"`
	RAMGb             int     `json:"ram_gb"`
	BandwidthMbps     int     `json:"bandwidth_mbps"`
	OS                string  `json:"os"`
	DriverVersion     string  `json:"driver_version"`
	CUDAVersion       string  `json:"cuda_version,omitempty"`
}

type RegisterProviderRequest struct {
	Name            string       `json:"name"`
	WalletAddress   string       `json:"wallet_address"`
	HardwareInfo    HardwareInfo `json:"hardware_info"`
	MinPricePerHour int64        `json:"min_price_per_hour"`
}

type RegisterProviderResponse struct {
	Provider Provider `json:"provider"`
	APIKey   string   `json:"api_key"`
	Token    string   `json:"token"`
}

type Provider struct {
	ID                  uuid.UUID `json:"id"`
	Name                string    `json:"name"`
	WalletAddress       string    `json:"wallet_address"`
	ReputationScore     float64   `json:"reputation_score"`
	TotalTasksCompleted int       `json:"total_tasks_completed"`
	TotalTokensEarned   int64     `json:"total_tokens_earned"`
	Status              string    `json:"status"`
	LastHeartbeat       time.Time `json:"last_heartbeat"`
	CreatedAt           time.Time `json:"created_at"`
}

// TaskInfo is one entry of the assigned-task poll response.
type TaskInfo struct {
	ID               uuid.UUID `json:"id"`
	Name             string    `json:"name"`
	Status           string    `json:"status"`
	BatchStart       int       `json:"batch_start"`
	BatchEnd         int       `json:"batch_end"`
	AssignmentStatus string    `json:"assignment_status"`
	ModelCID         string    `json:"model_cid"`
	DatasetURL       string    `json:"dataset_url"`
	Epochs           int       `json:"epochs"`
	BatchSize        int       `json:"batch_size"`
	LearningRate     float64   `json:"learning_rate"`
}

// ProviderHeartbeat is the periodic liveness report. CurrentTasks is a
// point-in-time snapshot of the active task set.
type ProviderHeartbeat struct {
	ProviderID      uuid.UUID   `json:"provider_id"`
	CurrentTasks    []uuid.UUID `json:"current_task_ids"`
	CPUUsage        float32     `json:"cpu_usage"`
	GPUUsage        float32     `json:"gpu_usage"`
	MemoryUsage     float32     `json:"memory_usage"`
	Temperature     float32     `json:"temperature"`
	AvailableVRAMGb float32     `json:"available_vram_gb"`
}

type GradientMetrics struct {
	Loss                 float64 `json:"loss"`
	Accuracy             float64 `json:"accuracy"`
	TrainingDurationSecs uint64  `json:"training_duration_secs"`
	CompressionMethod    string  `json:"compression_method"`
}

type SubmitGradientRequest struct {
	TaskID      uuid.UUID       `json:"task_id"`
	ProviderID  uuid.UUID       `json:"provider_id"`
	GradientCID string          `json:"gradient_cid"`
	Metrics     GradientMetrics `json:"metrics"`
}
