package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/currency-check/internal/analysis"
	"github.com/example/currency-check/internal/logging"
	"github.com/example/currency-check/internal/repository"
	"github.com/example/currency-check/internal/upload"
)

var (
	// ErrHistoryDisabled is returned by history-backed queries when no database is configured.
	ErrHistoryDisabled = errors.New("history disabled")
	// ErrResultNotFound is returned when a request ID is unknown to both cache and history.
	ErrResultNotFound = errors.New("result not found")
)

const recordTimeout = 5 * time.Second

// Receiver stores an uploaded file for the duration of a request.
type Receiver interface {
	Save(file *multipart.FileHeader) (*upload.Artifact, error)
}

// Admission bounds the number of concurrent analyzer runs.
type Admission interface {
	Acquire(ctx context.Context) (func(), error)
}

// HistoryRepository defines the persistence operations needed by the use case.
type HistoryRepository interface {
	SaveLog(ctx context.Context, log *repository.VerdictLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.VerdictLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Options carries the optional collaborators of CheckUseCase.
type Options struct {
	// History records every outcome when set.
	History HistoryRepository
	// Cache keeps successful verdicts for CacheTTL when set.
	Cache    ResultCache
	CacheTTL time.Duration
}

// CheckUseCase runs the upload → analyze → extract pipeline for one request.
type CheckUseCase struct {
	receiver       Receiver
	gate           Admission
	analyzer       analysis.Analyzer
	extractor      *analysis.Extractor
	opts           Options
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// ResultRecord is a previously computed outcome looked up by request ID.
type ResultRecord struct {
	RequestID string          `json:"request_id"`
	Outcome   string          `json:"outcome"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewCheckUseCase constructs a new use case instance.
func NewCheckUseCase(receiver Receiver, gate Admission, analyzer analysis.Analyzer, extractor *analysis.Extractor, logger *zap.Logger, opts Options) *CheckUseCase {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	return &CheckUseCase{
		receiver:       receiver,
		gate:           gate,
		analyzer:       analyzer,
		extractor:      extractor,
		opts:           opts,
		logger:         logger.Named("check_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// CheckCurrency stores the upload, runs the analyzer on it and returns the
// verdict. The request ID is returned on every path, including failures.
func (uc *CheckUseCase) CheckCurrency(ctx context.Context, file *multipart.FileHeader) (string, *analysis.Verdict, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.check_currency", requestID)

	if file == nil {
		return requestID, nil, upload.ErrMissingInput
	}

	artifact, err := uc.receiver.Save(file)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.save_upload", requestID, err)
		opLogger.Error("failed to store upload", zap.Error(wrapped))
		return requestID, nil, wrapped
	}
	defer func() {
		if err := artifact.Remove(); err != nil {
			opLogger.Warn("failed to remove upload", zap.String("path", artifact.TemporaryPath), zap.Error(err))
		}
	}()
	opLogger = opLogger.With(zap.String("original_name", artifact.OriginalName), zap.Int64("size_bytes", artifact.SizeBytes))

	start := time.Now()
	release, err := uc.gate.Acquire(ctx)
	if err != nil {
		opLogger.Warn("analyzer admission refused", zap.Error(err))
		if errors.Is(err, analysis.ErrServiceBusy) {
			uc.record(ctx, requestID, artifact, repository.OutcomeBusy, nil, time.Since(start))
			return requestID, nil, err
		}
		uc.record(ctx, requestID, artifact, repository.OutcomeProcessFailed, nil, time.Since(start))
		return requestID, nil, &analysis.ProcessError{Reason: analysis.ReasonCanceled, ExitCode: -1, Err: err}
	}
	defer release()

	invocation, err := uc.analyzer.Analyze(ctx, artifact.TemporaryPath)
	elapsed := time.Since(start)
	if err != nil {
		fields := []zap.Field{zap.Error(err), zap.Duration("elapsed", elapsed)}
		var procErr *analysis.ProcessError
		if errors.As(err, &procErr) {
			fields = append(fields,
				zap.String("reason", string(procErr.Reason)),
				zap.Int("exit_code", procErr.ExitCode),
				zap.ByteString("stderr", procErr.Stderr),
			)
		}
		opLogger.Error("analysis process failed", fields...)
		uc.record(ctx, requestID, artifact, repository.OutcomeProcessFailed, nil, elapsed)
		return requestID, nil, err
	}

	verdict, err := uc.extractor.Extract(invocation.Stdout)
	if err != nil {
		opLogger.Error("invalid analysis output",
			zap.Error(err),
			zap.ByteString("stdout", invocation.Stdout),
			zap.ByteString("stderr", invocation.Stderr),
		)
		uc.record(ctx, requestID, artifact, repository.OutcomeMalformedOutput, nil, elapsed)
		return requestID, nil, err
	}

	opLogger.Info("currency analyzed",
		zap.Bool("is_real", verdict.IsReal),
		zap.Float64("confidence", verdict.Confidence),
		zap.Duration("elapsed", elapsed),
	)
	uc.record(ctx, requestID, artifact, repository.OutcomeOK, verdict, elapsed)
	return requestID, verdict, nil
}

// record writes the outcome to history and cache. Failures are logged and
// never change the caller's result.
func (uc *CheckUseCase) record(ctx context.Context, requestID string, artifact *upload.Artifact, outcome string, verdict *analysis.Verdict, elapsed time.Duration) {
	if uc.opts.History == nil && uc.opts.Cache == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	opLogger := logging.WithOperation(uc.logger, "usecase.record", requestID)

	log := &repository.VerdictLog{
		RequestID:    requestID,
		OriginalName: artifact.OriginalName,
		SizeBytes:    artifact.SizeBytes,
		Outcome:      outcome,
		DurationMs:   elapsed.Milliseconds(),
		CreatedAt:    time.Now().UTC(),
	}
	if verdict != nil {
		payload, err := json.Marshal(verdict)
		if err != nil {
			opLogger.Error("failed to serialize verdict", zap.Error(err))
			return
		}
		log.IsReal = verdict.IsReal
		log.Confidence = verdict.Confidence
		log.Payload = string(payload)
	}

	if uc.opts.History != nil {
		if err := uc.opts.History.SaveLog(ctx, log); err != nil {
			opLogger.Error("failed to persist verdict log", zap.Error(err))
		}
	}

	if uc.opts.Cache == nil || verdict == nil {
		return
	}
	record := recordFromLog(log)
	if err := uc.retryCache(ctx, requestID, "cache.store_result", func() error {
		return uc.opts.Cache.Store(ctx, record, uc.opts.CacheTTL)
	}); err != nil {
		opLogger.Error("failed to cache verdict", zap.Error(err))
	}
}

// GetResult returns a cached outcome or loads it from history.
func (uc *CheckUseCase) GetResult(ctx context.Context, requestID string) (*ResultRecord, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	if uc.opts.Cache != nil {
		var cached *ResultRecord
		err := uc.retryCache(ctx, requestID, "cache.load_result", func() error {
			var loadErr error
			cached, loadErr = uc.opts.Cache.Load(ctx, requestID)
			return loadErr
		})
		switch {
		case err == nil:
			return cached, nil
		case !errors.Is(err, ErrCacheMiss):
			opLogger.Warn("failed to read cache, falling back to history", zap.Error(err))
		}
	}

	if uc.opts.History == nil {
		return nil, ErrResultNotFound
	}
	log, err := uc.opts.History.FindByRequestID(ctx, requestID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrResultNotFound
		}
		return nil, err
	}
	return recordFromLog(log), nil
}

func recordFromLog(log *repository.VerdictLog) *ResultRecord {
	record := &ResultRecord{
		RequestID: log.RequestID,
		Outcome:   log.Outcome,
		CreatedAt: log.CreatedAt,
	}
	if log.Payload != "" {
		record.Result = json.RawMessage(log.Payload)
	}
	return record
}

// retryCache runs fn until it succeeds, reports a miss, or fails with a
// non-transient error. Delays double from initialBackoff up to maxBackoff.
func (uc *CheckUseCase) retryCache(ctx context.Context, requestID, operation string, fn func() error) error {
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	delay := uc.initialBackoff
	for attempt := 1; ; attempt++ {
		err := fn()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrCacheMiss):
			return err
		case attempt >= uc.retryAttempts || !logging.IsTransient(err):
			opLogger.Error("cache operation failed", zap.Error(err), zap.Int("attempt", attempt))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient cache error, retrying", zap.Error(err), zap.Int("attempt", attempt), zap.Duration("delay", delay))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return logging.NewOperationError(operation, requestID, ctx.Err())
		case <-timer.C:
		}
		delay = min(delay*2, uc.maxBackoff)
	}
}
