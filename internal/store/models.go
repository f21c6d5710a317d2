package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status tracks a suggestion through its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether the status is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the status ends a processing attempt.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Source tags where a suggestion came from.
type Source string

const (
	SourceUser       Source = "user"
	SourceAutonomous Source = "autonomous"
)

// Suggestion is a candidate investment awaiting or having undergone processing.
type Suggestion struct {
	ID          string `json:"id"`
	Address     string `json:"address"`
	Symbol      string `json:"symbol,omitempty"`
	Name        string `json:"name,omitempty"`
	CreatorID   string `json:"creatorId,omitempty"`
	CreatorName string `json:"creatorName,omitempty"`

	// Market snapshot at analysis time. Nil means the metric was unavailable,
	// which is meaningful and distinct from zero.
	PriceUSD  *decimal.Decimal `json:"priceUsd,omitempty"`
	Volume24h *decimal.Decimal `json:"volume24h,omitempty"`

	Reason             string           `json:"reason"`
	Confidence         float64          `json:"confidence"`
	SuggestedAmountUSD *decimal.Decimal `json:"suggestedAmountUsd,omitempty"`

	Source      Source    `json:"source"`
	SubmitterID string    `json:"submitterId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`

	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Outcome fields, populated only on terminal transitions.
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	ProposalID   string     `json:"proposalId,omitempty"`
	TxHash       string     `json:"txHash,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// Candidate carries the caller-supplied fields of a new suggestion. Identity,
// timestamps, and lifecycle state are assigned by the repository.
type Candidate struct {
	Address            string
	Symbol             string
	Name               string
	CreatorID          string
	CreatorName        string
	PriceUSD           *decimal.Decimal
	Volume24h          *decimal.Decimal
	Reason             string
	Confidence         float64
	SuggestedAmountUSD *decimal.Decimal
	Source             Source
	SubmitterID        string
}

// Outcome holds the write-once fields recorded on a terminal transition.
type Outcome struct {
	ProposalID   string
	TxHash       string
	ErrorMessage string
}

// Stats counts suggestions per lifecycle state.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Total sums all states.
func (s Stats) Total() int {
	return s.Pending + s.Processing + s.Completed + s.Failed
}
