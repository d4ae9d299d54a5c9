package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all application metrics
type Metrics struct {
	RequestCounter      metric.Int64Counter
	RequestDuration     metric.Float64Histogram
	PagesExtracted      metric.Int64Counter
	ExtractionDuration  metric.Float64Histogram
	SearchDuration      metric.Float64Histogram
	EmbeddingBatches    metric.Int64Counter
	CircuitBreakerState metric.Int64Counter
}

// InitMetrics initializes all application metrics
func InitMetrics() (*Metrics, error) {
	meter := otel.Meter("textbook-knowledge-engine")

	requestCounter, err := meter.Int64Counter(
		"http.requests.total",
		metric.WithDescription("Total HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"http.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	pagesExtracted, err := meter.Int64Counter(
		"extraction.pages.total",
		metric.WithDescription("Total pages extracted, by confidence tier"),
	)
	if err != nil {
		return nil, err
	}

	extractionDuration, err := meter.Float64Histogram(
		"extraction.batch.duration",
		metric.WithDescription("Extraction batch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	searchDuration, err := meter.Float64Histogram(
		"search.duration",
		metric.WithDescription("Semantic search duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	embeddingBatches, err := meter.Int64Counter(
		"embedding.batches.total",
		metric.WithDescription("Total embedding batches submitted"),
	)
	if err != nil {
		return nil, err
	}

	circuitBreakerState, err := meter.Int64Counter(
		"circuit_breaker.state_changes",
		metric.WithDescription("Circuit breaker state changes"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		RequestCounter:      requestCounter,
		RequestDuration:     requestDuration,
		PagesExtracted:      pagesExtracted,
		ExtractionDuration:  extractionDuration,
		SearchDuration:      searchDuration,
		EmbeddingBatches:    embeddingBatches,
		CircuitBreakerState: circuitBreakerState,
	}, nil
}

// RecordRequest records HTTP request metrics
func (m *Metrics) RecordRequest(method, path, status string, duration float64) {
	attrs := []attribute.KeyValue{
		attribute.String("http.method", method),
		attribute.String("http.path", path),
		attribute.String("http.status", status),
	}

	m.RequestCounter.Add(context.Background(), 1, metric.WithAttributes(attrs...))
	m.RequestDuration.Record(context.Background(), duration, metric.WithAttributes(attrs...))
}

// RecordPageExtracted records one extracted page with its confidence tier
func (m *Metrics) RecordPageExtracted(confidence, method string) {
	attrs := []attribute.KeyValue{
		attribute.String("extraction.confidence", confidence),
		attribute.String("extraction.method", method),
	}

	m.PagesExtracted.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// RecordExtractionBatch records a batch invocation's duration
func (m *Metrics) RecordExtractionBatch(duration float64, status string) {
	attrs := []attribute.KeyValue{
		attribute.String("extraction.status", status),
	}

	m.ExtractionDuration.Record(context.Background(), duration, metric.WithAttributes(attrs...))
}

// RecordSearch records semantic search metrics
func (m *Metrics) RecordSearch(duration float64, resultCount int) {
	attrs := []attribute.KeyValue{
		attribute.Int("search.results", resultCount),
	}

	m.SearchDuration.Record(context.Background(), duration, metric.WithAttributes(attrs...))
}

// RecordEmbeddingBatch records one embedding batch submission
func (m *Metrics) RecordEmbeddingBatch(size int, failed int) {
	attrs := []attribute.KeyValue{
		attribute.Int("embedding.batch_size", size),
		attribute.Int("embedding.failed_items", failed),
	}

	m.EmbeddingBatches.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// RecordCircuitBreakerState records circuit breaker state changes
func (m *Metrics) RecordCircuitBreakerState(service, state string) {
	attrs := []attribute.KeyValue{
		attribute.String("service", service),
		attribute.String("state", state),
	}

	m.CircuitBreakerState.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}
