package ledger

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"

	"github.com/llmcore/mediator/types"
)

// Archiver copies usage rows past the retention horizon to a Mongo
// collection before they are deleted from the ledger store, so the
// periodic maintenance pass does not silently discard history.
type Archiver struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewArchiver creates an Archiver writing to collection.
func NewArchiver(collection *mongo.Collection, logger *zap.Logger) *Archiver {
	return &Archiver{collection: collection, logger: logger.With(zap.String("component", "ledger_archive"))}
}

// RunRetention archives and deletes every row with timestamp before
// horizon. Rows are archived in batches so a single run never holds the
// whole backlog in memory.
func (l *Ledger) RunRetention(ctx context.Context, archiver *Archiver) (archived, deleted int64, err error) {
	horizon := l.RetentionHorizon(time.Now())
	const batchSize = 500

	for {
		var batch []types.UsageRow
		if err := l.pool.DB().WithContext(ctx).
			Where("timestamp < ?", horizon).
			Limit(batchSize).
			Find(&batch).Error; err != nil {
			return archived, deleted, err
		}
		if len(batch) == 0 {
			break
		}

		if archiver != nil {
			if err := archiver.archive(ctx, batch); err != nil {
				l.logger.Warn("archive batch failed, skipping delete for this batch", zap.Error(err))
				break
			}
		}

		ids := make([]string, len(batch))
		for i, r := range batch {
			ids[i] = r.ID
		}
		res := l.pool.DB().WithContext(ctx).Where("id IN ?", ids).Delete(&types.UsageRow{})
		if res.Error != nil {
			return archived, deleted, res.Error
		}

		if archiver != nil {
			archived += int64(len(batch))
		}
		deleted += res.RowsAffected

		if len(batch) < batchSize {
			break
		}
	}

	return archived, deleted, nil
}

func (a *Archiver) archive(ctx context.Context, rows []types.UsageRow) error {
	docs := make([]any, len(rows))
	for i, r := range rows {
		docs[i] = r
	}
	_, err := a.collection.InsertMany(ctx, docs)
	return err
}

// RetentionScheduler runs a Ledger's retention sweep on a fixed interval
// until stopped, the same ticker-loop shape as HealthChecker. A failed
// sweep is logged and retried on the next tick rather than aborting the
// loop.
type RetentionScheduler struct {
	ledger   *Ledger
	archiver *Archiver
	interval time.Duration
	logger   *zap.Logger
	stopCh   chan struct{}
}

// NewRetentionScheduler builds a scheduler for l. archiver may be nil, in
// which case expired rows are deleted without being copied anywhere first.
// interval defaults to 24h if unset.
func NewRetentionScheduler(l *Ledger, archiver *Archiver, interval time.Duration, logger *zap.Logger) *RetentionScheduler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &RetentionScheduler{
		ledger:   l,
		archiver: archiver,
		interval: interval,
		logger:   logger.With(zap.String("component", "ledger_retention")),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (s *RetentionScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// Stop halts the sweep loop. Safe to call at most once.
func (s *RetentionScheduler) Stop() {
	close(s.stopCh)
}

func (s *RetentionScheduler) runOnce(ctx context.Context) {
	archived, deleted, err := s.ledger.RunRetention(ctx, s.archiver)
	if err != nil {
		s.logger.Warn("retention sweep failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		s.logger.Info("retention sweep completed", zap.Int64("archived", archived), zap.Int64("deleted", deleted))
	}
}
