package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/currency-check/internal/logging"
)

// Outcome values stored in VerdictLog.Outcome.
const (
	OutcomeOK              = "ok"
	OutcomeProcessFailed   = "process_failed"
	OutcomeMalformedOutput = "malformed_output"
	OutcomeBusy            = "busy"
)

// VerdictLog is one analyzed upload. The image itself is never stored.
type VerdictLog struct {
	ID           uint      `gorm:"primaryKey"`
	RequestID    string    `gorm:"column:request_id;uniqueIndex;size:64"`
	OriginalName string    `gorm:"column:original_name;size:255"`
	SizeBytes    int64     `gorm:"column:size_bytes"`
	Outcome      string    `gorm:"column:outcome;size:32;index"`
	IsReal       bool      `gorm:"column:is_real"`
	Confidence   float64   `gorm:"column:confidence"`
	Payload      string    `gorm:"column:payload;type:text"`
	DurationMs   int64     `gorm:"column:duration_ms"`
	CreatedAt    time.Time `gorm:"column:created_at;index"`
}

// TableName overrides the default table name.
func (VerdictLog) TableName() string {
	return "verdict_logs"
}

// MetricsAggregation holds the raw aggregates used for the metrics summary.
type MetricsAggregation struct {
	TotalCount                 int64
	SuccessCount               int64
	RealCount                  int64
	FakeCount                  int64
	AverageConfidence          float64
	AverageProcessingLatencyMs float64
}

// VerdictRepository persists verdict logs through gorm.
type VerdictRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewVerdictRepository creates a new repository instance.
func NewVerdictRepository(db *gorm.DB, logger *zap.Logger) *VerdictRepository {
	return &VerdictRepository{
		db:             db,
		logger:         logger.Named("verdict_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *VerdictRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&VerdictLog{})
}

// SaveLog persists a verdict log entry, retrying transient failures.
func (r *VerdictRepository) SaveLog(ctx context.Context, log *VerdictLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves the log for a request.
func (r *VerdictRepository) FindByRequestID(ctx context.Context, requestID string) (*VerdictLog, error) {
	var log VerdictLog
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics computes totals and averages across all logs.
func (r *VerdictRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalCount                 int64
		SuccessCount               int64
		RealCount                  int64
		FakeCount                  int64
		AverageConfidence          *float64
		AverageProcessingLatencyMs *float64
	}

	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&VerdictLog{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) AS success_count,
				COALESCE(SUM(CASE WHEN outcome = ? AND is_real THEN 1 ELSE 0 END), 0) AS real_count,
				COALESCE(SUM(CASE WHEN outcome = ? AND NOT is_real THEN 1 ELSE 0 END), 0) AS fake_count,
				AVG(CASE WHEN outcome = ? THEN confidence END) AS average_confidence,
				AVG(duration_ms) AS average_processing_latency_ms`,
				OutcomeOK, OutcomeOK, OutcomeOK, OutcomeOK).
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}

	agg := &MetricsAggregation{
		TotalCount:   row.TotalCount,
		SuccessCount: row.SuccessCount,
		RealCount:    row.RealCount,
		FakeCount:    row.FakeCount,
	}
	if row.AverageConfidence != nil {
		agg.AverageConfidence = *row.AverageConfidence
	}
	if row.AverageProcessingLatencyMs != nil {
		agg.AverageProcessingLatencyMs = *row.AverageProcessingLatencyMs
	}
	return agg, nil
}

func (r *VerdictRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > r.maxBackoff {
				backoff = r.maxBackoff
			}
		}

		err = fn()
		if err == nil {
			return nil
		}
		if !logging.IsTransient(err) {
			break
		}
		opLogger.Warn("transient database error, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return logging.NewOperationError(operation, requestID, err)
}
