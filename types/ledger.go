package types

import "time"

// UsageRow is an immutable record written on every completed dispatch
// attempt, success or failure (§3 Usage Row).
type UsageRow struct {
	ID                string    `json:"id" gorm:"column:id;primaryKey"`
	Timestamp         time.Time `json:"timestamp" gorm:"column:timestamp;index"`
	Provider          string    `json:"provider" gorm:"column:provider;index"`
	Model             string    `json:"model" gorm:"column:model;index"`
	UserID            string    `json:"userId,omitempty" gorm:"column:user_id;index"`
	InputTokens       int       `json:"inputTokens" gorm:"column:input_tokens"`
	OutputTokens      int       `json:"outputTokens" gorm:"column:output_tokens"`
	ReasoningTokens   int       `json:"reasoningTokens" gorm:"column:reasoning_tokens"`
	CachedInputTokens int       `json:"cachedInputTokens" gorm:"column:cached_input_tokens"`
	TotalTokens       int       `json:"totalTokens" gorm:"column:total_tokens"`
	Cost              float64   `json:"cost" gorm:"column:cost"`
	LatencyMs         int64     `json:"latencyMs" gorm:"column:latency_ms"`
	Success           bool      `json:"success" gorm:"column:success"`
	Cache             bool      `json:"cache" gorm:"column:cache"`
}

// TableName pins the GORM table name.
func (UsageRow) TableName() string { return "usage_rows" }

// BudgetScope names the scope a BudgetRecord tracks (§3 Budget Record).
type BudgetScope string

const (
	ScopeDaily   BudgetScope = "daily"
	ScopeMonthly BudgetScope = "monthly"
	ScopeUser    BudgetScope = "user"
)

// BudgetRecord tracks spend against a configured limit for one scope.
type BudgetRecord struct {
	ID         string      `json:"id" gorm:"column:id;primaryKey"`
	Scope      BudgetScope `json:"scope" gorm:"column:scope;index"`
	ScopeKey   string      `json:"scopeKey" gorm:"column:scope_key;index"` // e.g. user id for ScopeUser, else ""
	Limit      *float64    `json:"limit,omitempty" gorm:"column:limit_value"`
	Used       float64     `json:"used" gorm:"column:used"`
	Exceeded   bool        `json:"exceeded" gorm:"column:exceeded"`
	Alerted    bool        `json:"alerted" gorm:"column:alerted"`
	PeriodFrom time.Time   `json:"periodFrom" gorm:"column:period_from"`
}

// TableName pins the GORM table name.
func (BudgetRecord) TableName() string { return "budget_records" }

// UtilizationRatio returns Used/Limit, or 0 if unlimited.
func (b BudgetRecord) UtilizationRatio() float64 {
	if b.Limit == nil || *b.Limit <= 0 {
		return 0
	}
	return b.Used / *b.Limit
}
