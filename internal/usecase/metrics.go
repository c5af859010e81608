package usecase

import "context"

// MetricsSummary represents aggregated verdict insights.
type MetricsSummary struct {
	TotalRequests              int64   `json:"total_requests"`
	SuccessfulRequests         int64   `json:"successful_requests"`
	SuccessRate                float64 `json:"success_rate"`
	RealCount                  int64   `json:"real_count"`
	FakeCount                  int64   `json:"fake_count"`
	AverageConfidence          float64 `json:"average_confidence"`
	AverageProcessingLatencyMs float64 `json:"average_processing_latency_ms"`
}

// GetMetricsSummary aggregates verdict metrics from persisted logs.
func (uc *CheckUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.opts.History == nil {
		return nil, ErrHistoryDisabled
	}

	aggregation, err := uc.opts.History.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:              aggregation.TotalCount,
		SuccessfulRequests:         aggregation.SuccessCount,
		RealCount:                  aggregation.RealCount,
		FakeCount:                  aggregation.FakeCount,
		AverageConfidence:          aggregation.AverageConfidence,
		AverageProcessingLatencyMs: aggregation.AverageProcessingLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
