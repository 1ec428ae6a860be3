// Package council runs the three-stage multi-model deliberation: every
// member decides independently, members rank each other's anonymized
// decisions, and a chairman synthesizes the final call. The full
// transcript rides along in the decision context.
package council

import (
	"time"

	"github.com/quantfold/agentsim/internal/llm"
)

// ContextKey is the decision context field carrying the transcript
const ContextKey = "council_deliberation"

// Stage names used in logs and metrics
const (
	StageIndependent = "stage1"
	StageRanking     = "stage2"
	StageSynthesis   = "stage3"
)

// StageOneResponse is one member's independent decision
type StageOneResponse struct {
	Label    string        `json:"label"`
	Model    string        `json:"model"`
	Raw      string        `json:"raw"`
	Decision *llm.Decision `json:"decision"`
}

// StageTwoResponse is one member's peer ranking. Ranking holds labels
// best-first; it is empty when the trailing FINAL RANKING section could
// not be parsed.
type StageTwoResponse struct {
	Model   string   `json:"model"`
	Raw     string   `json:"raw"`
	Ranking []string `json:"ranking"`
}

// AggregateRank is a label's Borda-style standing: its decision's
// average position across all parsed rankings, lower is better.
type AggregateRank struct {
	Label       string  `json:"label"`
	Model       string  `json:"model"`
	AverageRank float64 `json:"average_rank"`
	Votes       int     `json:"votes"`
}

// ChairmanRecord documents the synthesis stage
type ChairmanRecord struct {
	Model string `json:"model"`
	Raw   string `json:"raw,omitempty"`
	Error string `json:"error,omitempty"`
}

// Deliberation is the transcript attached to the final decision
type Deliberation struct {
	Stage1            []StageOneResponse `json:"stage1"`
	Stage2            []StageTwoResponse `json:"stage2"`
	LabelModels       map[string]string  `json:"label_models"`
	AggregateRankings []AggregateRank    `json:"aggregate_rankings"`
	Chairman          *ChairmanRecord    `json:"chairman,omitempty"`
	StartedAt         time.Time          `json:"started_at"`
	CompletedAt       time.Time          `json:"completed_at"`
}
