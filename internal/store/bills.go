package store

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/paperbill/billscan/internal/bill"
	"github.com/paperbill/billscan/internal/logging"
)

// DefaultMaxBillsPerUser is the rolling-window cap on stored bills per user.
const DefaultMaxBillsPerUser = 50

// BillRecord is one extracted bill, deduplicated per (user, message id).
type BillRecord struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	UserID     string    `gorm:"uniqueIndex:idx_user_message;index:idx_user_ingested,priority:1"`
	MessageID  string    `gorm:"uniqueIndex:idx_user_message"`
	Type       bill.Type `gorm:"type:text"`
	Amount     float64
	IssueDate  time.Time
	Confidence float64
	IngestedAt time.Time `gorm:"index:idx_user_ingested,priority:2"`
}

// BillStore is the bounded per-user bill history.
type BillStore struct {
	db         *gorm.DB
	maxPerUser int
	now        func() time.Time
	logger     *slog.Logger
}

// BillStoreOption customizes a BillStore.
type BillStoreOption func(*BillStore)

// WithMaxBillsPerUser overrides the retention cap.
func WithMaxBillsPerUser(n int) BillStoreOption {
	return func(s *BillStore) { s.maxPerUser = n }
}

// WithBillClock overrides the time source, for tests.
func WithBillClock(now func() time.Time) BillStoreOption {
	return func(s *BillStore) { s.now = now }
}

// NewBillStore creates a bill store backed by db.
func NewBillStore(db *gorm.DB, logger *slog.Logger, opts ...BillStoreOption) *BillStore {
	s := &BillStore{
		db:         db,
		maxPerUser: DefaultMaxBillsPerUser,
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UpsertBills inserts or overwrites one record per (user, message id) and
// then evicts beyond the cap. Re-ingesting the same source message is
// idempotent: the last write's values win, including a changed confidence.
func (s *BillStore) UpsertBills(ctx context.Context, userID string, bills []bill.Extracted) error {
	if len(bills) == 0 {
		return nil
	}

	ingestedAt := s.now()
	for _, b := range bills {
		rec := BillRecord{
			UserID:     userID,
			MessageID:  b.MessageID,
			Type:       b.Type,
			Amount:     b.Amount,
			IssueDate:  b.IssueDate,
			Confidence: b.Confidence,
			IngestedAt: ingestedAt,
		}
		err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "message_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"type", "amount", "issue_date", "confidence", "ingested_at",
			}),
		}).Create(&rec).Error
		if err != nil {
			return &StorageError{Op: "bill upsert", Err: err}
		}
	}

	s.logger.Info("bills persisted",
		logging.UserHash(userID),
		slog.Int("count", len(bills)))

	return s.Evict(ctx, userID)
}

// Evict deletes the oldest-by-ingested_at records until the user is back at
// the cap. Invoked automatically after every upsert batch.
func (s *BillStore) Evict(ctx context.Context, userID string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&BillRecord{}).
		Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return &StorageError{Op: "bill count", Err: err}
	}
	excess := count - int64(s.maxPerUser)
	if excess <= 0 {
		return nil
	}

	var victims []uint
	if err := s.db.WithContext(ctx).Model(&BillRecord{}).
		Where("user_id = ?", userID).
		Order("ingested_at ASC, id ASC").
		Limit(int(excess)).
		Pluck("id", &victims).Error; err != nil {
		return &StorageError{Op: "bill evict select", Err: err}
	}
	if err := s.db.WithContext(ctx).Delete(&BillRecord{}, victims).Error; err != nil {
		return &StorageError{Op: "bill evict delete", Err: err}
	}

	s.logger.Info("evicted old bills",
		logging.UserHash(userID),
		slog.Int64("evicted", excess))
	return nil
}

// RecentBills returns the user's bills ingested within the last daysBack
// days, newest ingestion first. The cutoff is on ingestion time rather than
// issue date: the query answers "what did we learn recently", matching the
// summary the user just triggered.
func (s *BillStore) RecentBills(ctx context.Context, userID string, daysBack int) ([]BillRecord, error) {
	cutoff := s.now().AddDate(0, 0, -daysBack)
	var recs []BillRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND ingested_at >= ?", userID, cutoff).
		Order("ingested_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, &StorageError{Op: "bill query", Err: err}
	}
	return recs, nil
}
