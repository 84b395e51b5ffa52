// Package ledger implements the durable token/cost usage ledger with budget
// enforcement, alerting, aggregation, retention and export (§4.3).
package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmcore/mediator/internal/database"
	"github.com/llmcore/mediator/types"
)

// Config tunes budget limits and alerting for one Ledger.
type Config struct {
	AlertThreshold float64 // default 0.8 (§4.3)
	DailyLimit     *float64
	MonthlyLimit   *float64
	DefaultUserLimit *float64
	RetentionDays  int // default 90 (§4.3 Retention)
}

func (c Config) withDefaults() Config {
	if c.AlertThreshold <= 0 {
		c.AlertThreshold = 0.8
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 90
	}
	return c
}

// Ledger is the C3 token/cost ledger.
type Ledger struct {
	pool      *database.PoolManager
	priceBook *PriceBook
	config    Config
	override  *OverrideVerifier
	logger    *zap.Logger

	OnEvent func(name string, fields map[string]any)
}

// New creates a Ledger backed by pool.
func New(pool *database.PoolManager, priceBook *PriceBook, config Config, override *OverrideVerifier, logger *zap.Logger) *Ledger {
	return &Ledger{
		pool:      pool,
		priceBook: priceBook,
		config:    config.withDefaults(),
		override:  override,
		logger:    logger.With(zap.String("component", "ledger")),
	}
}

// AutoMigrate ensures the usage_rows and budget_records tables exist.
func (l *Ledger) AutoMigrate() error {
	return l.pool.DB().AutoMigrate(&types.UsageRow{}, &types.BudgetRecord{})
}

func (l *Ledger) emit(name string, fields map[string]any) {
	if l.OnEvent != nil {
		l.OnEvent(name, fields)
	}
}

// Record persists usage row exactly once per completed dispatch attempt,
// then runs budget enforcement. Persistence failure is logged and
// surfaced as a non-fatal LedgerError event; it does not roll back the
// dispatch (§4.3).
func (l *Ledger) Record(ctx context.Context, row types.UsageRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now()
	}
	row.TotalTokens = row.InputTokens + row.OutputTokens + row.ReasoningTokens

	if err := l.pool.DB().WithContext(ctx).Create(&row).Error; err != nil {
		l.logger.Error("failed to persist usage row", zap.Error(err))
		l.emit("ledger:error", map[string]any{"error": err.Error()})
		return fmt.Errorf("ledger: record usage: %w", err)
	}

	l.enforceBudgets(ctx, row)
	return nil
}

// enforceBudgets updates running totals for every configured scope and
// fires budget-warning/budget-exceeded events on threshold crossings.
func (l *Ledger) enforceBudgets(ctx context.Context, row types.UsageRow) {
	now := time.Now()

	if l.config.DailyLimit != nil {
		l.updateScope(ctx, types.ScopeDaily, "", l.config.DailyLimit, row.Cost, startOfDay(now))
	}
	if l.config.MonthlyLimit != nil {
		l.updateScope(ctx, types.ScopeMonthly, "", l.config.MonthlyLimit, row.Cost, startOfMonth(now))
	}
	if row.UserID != "" && l.config.DefaultUserLimit != nil {
		l.updateScope(ctx, types.ScopeUser, row.UserID, l.config.DefaultUserLimit, row.Cost, startOfMonth(now))
	}
}

func (l *Ledger) updateScope(ctx context.Context, scope types.BudgetScope, scopeKey string, limit *float64, delta float64, periodFrom time.Time) {
	var rec types.BudgetRecord
	err := l.pool.DB().WithContext(ctx).
		Where("scope = ? AND scope_key = ?", scope, scopeKey).
		First(&rec).Error

	if err == gorm.ErrRecordNotFound {
		rec = types.BudgetRecord{
			ID:         uuid.NewString(),
			Scope:      scope,
			ScopeKey:   scopeKey,
			Limit:      limit,
			PeriodFrom: periodFrom,
		}
	} else if err != nil {
		l.logger.Warn("failed to load budget record", zap.Error(err))
		return
	}

	// Lifecycle: resets clear exceeded/alerted when a new period starts.
	if rec.PeriodFrom.Before(periodFrom) {
		rec.Used = 0
		rec.Exceeded = false
		rec.Alerted = false
		rec.PeriodFrom = periodFrom
	}

	rec.Limit = limit
	rec.Used += delta
	ratio := rec.UtilizationRatio()

	if ratio >= l.config.AlertThreshold && !rec.Alerted {
		rec.Alerted = true
		l.emit("budget:warning", map[string]any{"scope": scope, "scopeKey": scopeKey, "ratio": ratio})
	}
	if ratio >= 1.0 && !rec.Exceeded {
		rec.Exceeded = true
		l.emit("budget:exceeded", map[string]any{"scope": scope, "scopeKey": scopeKey, "ratio": ratio})
	}

	if err := l.pool.DB().WithContext(ctx).Save(&rec).Error; err != nil {
		l.logger.Warn("failed to persist budget record", zap.Error(err))
	}
}

// CheckExceeded reports whether scope/scopeKey's budget is currently
// exceeded. The dispatcher consults this before admitting a request
// (§4.3); override bypasses it if ok is a validated override token.
func (l *Ledger) CheckExceeded(ctx context.Context, scope types.BudgetScope, scopeKey string, overrideToken string) (exceeded bool, err error) {
	if overrideToken != "" && l.override != nil {
		if ok, verr := l.override.Verify(overrideToken, scope, scopeKey); ok {
			return false, nil
		} else if verr != nil {
			l.logger.Debug("budget override token rejected", zap.Error(verr))
		}
	}

	var rec types.BudgetRecord
	err = l.pool.DB().WithContext(ctx).Where("scope = ? AND scope_key = ?", scope, scopeKey).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Exceeded, nil
}

// CheckBudgets reports whether any of the ledger's configured budget scopes
// (daily, monthly, per-user) is currently exceeded, giving callers a single
// pre-admission check across every scope that applies to userID. It returns
// the first exceeded scope found, checked in daily, monthly, user order.
// overrideToken is forwarded to CheckExceeded for each scope, so a token
// scoped to one of them bypasses only that scope.
func (l *Ledger) CheckBudgets(ctx context.Context, userID, overrideToken string) (exceeded bool, scope types.BudgetScope, err error) {
	if l.config.DailyLimit != nil {
		ex, err := l.CheckExceeded(ctx, types.ScopeDaily, "", overrideToken)
		if err != nil {
			return false, "", err
		}
		if ex {
			return true, types.ScopeDaily, nil
		}
	}
	if l.config.MonthlyLimit != nil {
		ex, err := l.CheckExceeded(ctx, types.ScopeMonthly, "", overrideToken)
		if err != nil {
			return false, "", err
		}
		if ex {
			return true, types.ScopeMonthly, nil
		}
	}
	if userID != "" && l.config.DefaultUserLimit != nil {
		ex, err := l.CheckExceeded(ctx, types.ScopeUser, userID, overrideToken)
		if err != nil {
			return false, "", err
		}
		if ex {
			return true, types.ScopeUser, nil
		}
	}
	return false, "", nil
}

// Aggregate is the result of UsageByPeriod.
type Aggregate struct {
	Total      types.UsageRow // only token/cost fields are meaningful
	ByProvider map[string]float64
	ByModel    map[string]float64
	ByUser     map[string]float64
}

// UsageByPeriod scans only indexed columns (timestamp) for rows in
// [from, to) and aggregates totals (§4.3 Aggregation reads).
func (l *Ledger) UsageByPeriod(ctx context.Context, from, to time.Time) (Aggregate, error) {
	var rows []types.UsageRow
	err := l.pool.DB().WithContext(ctx).
		Where("timestamp >= ? AND timestamp < ?", from, to).
		Find(&rows).Error
	if err != nil {
		return Aggregate{}, err
	}

	agg := Aggregate{ByProvider: map[string]float64{}, ByModel: map[string]float64{}, ByUser: map[string]float64{}}
	for _, r := range rows {
		agg.Total.InputTokens += r.InputTokens
		agg.Total.OutputTokens += r.OutputTokens
		agg.Total.ReasoningTokens += r.ReasoningTokens
		agg.Total.TotalTokens += r.TotalTokens
		agg.Total.Cost += r.Cost
		agg.ByProvider[r.Provider] += r.Cost
		agg.ByModel[r.Model] += r.Cost
		if r.UserID != "" {
			agg.ByUser[r.UserID] += r.Cost
		}
	}
	return agg, nil
}

// ProviderComparison is a per-provider rollup for [from, to).
type ProviderComparison struct {
	Provider     string
	RequestCount int64
	TotalCost    float64
	TotalTokens  int64
	SuccessRate  float64
}

// ProviderComparison aggregates success rate, cost and volume per provider.
func (l *Ledger) ProviderComparison(ctx context.Context, from, to time.Time) ([]ProviderComparison, error) {
	var rows []types.UsageRow
	err := l.pool.DB().WithContext(ctx).
		Where("timestamp >= ? AND timestamp < ?", from, to).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	byProvider := map[string]*ProviderComparison{}
	successes := map[string]int64{}
	for _, r := range rows {
		pc, ok := byProvider[r.Provider]
		if !ok {
			pc = &ProviderComparison{Provider: r.Provider}
			byProvider[r.Provider] = pc
		}
		pc.RequestCount++
		pc.TotalCost += r.Cost
		pc.TotalTokens += int64(r.TotalTokens)
		if r.Success {
			successes[r.Provider]++
		}
	}

	out := make([]ProviderComparison, 0, len(byProvider))
	for name, pc := range byProvider {
		if pc.RequestCount > 0 {
			pc.SuccessRate = float64(successes[name]) / float64(pc.RequestCount)
		}
		out = append(out, *pc)
	}
	return out, nil
}

// BudgetStatus returns every tracked budget record.
func (l *Ledger) BudgetStatus(ctx context.Context) ([]types.BudgetRecord, error) {
	var recs []types.BudgetRecord
	err := l.pool.DB().WithContext(ctx).Find(&recs).Error
	return recs, err
}

// ExportFormat names a supported export encoding.
type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportCSV  ExportFormat = "csv"
)

// Export dumps raw usage rows in [from, to) in the requested format.
func (l *Ledger) Export(ctx context.Context, from, to time.Time, format ExportFormat) ([]byte, error) {
	var rows []types.UsageRow
	err := l.pool.DB().WithContext(ctx).
		Where("timestamp >= ? AND timestamp < ?", from, to).
		Order("timestamp ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	switch format {
	case ExportCSV:
		return exportCSV(rows)
	default:
		return json.Marshal(rows)
	}
}

func exportCSV(rows []types.UsageRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{"id", "timestamp", "provider", "model", "userId", "inputTokens", "outputTokens", "reasoningTokens", "cachedInputTokens", "totalTokens", "cost", "latencyMs", "success", "cache"}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, r := range rows {
		record := []string{
			r.ID,
			r.Timestamp.Format(time.RFC3339),
			r.Provider,
			r.Model,
			r.UserID,
			strconv.Itoa(r.InputTokens),
			strconv.Itoa(r.OutputTokens),
			strconv.Itoa(r.ReasoningTokens),
			strconv.Itoa(r.CachedInputTokens),
			strconv.Itoa(r.TotalTokens),
			strconv.FormatFloat(r.Cost, 'f', -1, 64),
			strconv.FormatInt(r.LatencyMs, 10),
			strconv.FormatBool(r.Success),
			strconv.FormatBool(r.Cache),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RetentionHorizon returns the cutoff time before which rows are eligible
// for archival/deletion.
func (l *Ledger) RetentionHorizon(now time.Time) time.Time {
	return now.AddDate(0, 0, -l.config.RetentionDays)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}
