package domain

import "time"

type QueryState string

const (
	QueryStateProcessing QueryState = "processing"
	QueryStateCompleted  QueryState = "completed"
)

type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// QueryStatus tracks a patient's most recent document query run.
type QueryStatus struct {
	State    QueryState `json:"status"`
	Progress Progress   `json:"progress"`
}

func (s QueryStatus) IsProcessing() bool {
	return s.State == QueryStateProcessing
}

// UsageEvent is emitted once per completed document query run.
type UsageEvent struct {
	TenantID string `json:"cxId"`
	EntityID string `json:"entityId"`
	APIType  string `json:"apiType"`
}

const APITypeMedical = "medical"

// DocumentSyncLimits bounds one document synchronization run.
type DocumentSyncLimits struct {
	ChunkSize         int
	DownloadJitterMax time.Duration
	ChunkDelayMax     time.Duration
	// JitterMinFraction is the lowest share of a max delay a jittered
	// sleep may take.
	JitterMinFraction float64
	NotifyTimeout     time.Duration
	Sandbox           bool
}
