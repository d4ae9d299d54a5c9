package ai

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	"textbook-knowledge-engine/internal/config"

	genai "github.com/google/generative-ai-go/genai"
)

// GeminiClient wraps the vision extraction capability with a circuit breaker
// and a client-side rate limiter tuned to the account tier.
type GeminiClient struct {
	client          *genai.Client
	breaker         *gobreaker.CircuitBreaker
	rateLimiter     *rate.Limiter
	extractionModel string
	tier            string
}

type RateLimits struct {
	RPM int // Requests per minute
	RPD int // Requests per day
}

func NewGeminiClient(cfg *config.Config) (*GeminiClient, error) {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GeminiAPIKey))
	if err != nil {
		return nil, err
	}

	// Configure rate limits based on tier
	limits := getRateLimits(cfg.GeminiTier)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "GeminiVision",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	// RPM limit with some buffer
	rateLimiter := rate.NewLimiter(rate.Limit(float64(limits.RPM)*0.9/60.0), limits.RPM/10)

	return &GeminiClient{
		client:          client,
		breaker:         breaker,
		rateLimiter:     rateLimiter,
		extractionModel: cfg.ExtractionModel,
		tier:            cfg.GeminiTier,
	}, nil
}

func getRateLimits(tier string) RateLimits {
	switch tier {
	case "free":
		return RateLimits{RPM: 10, RPD: 250}
	case "tier1":
		return RateLimits{RPM: 1000, RPD: 10000}
	case "tier2":
		return RateLimits{RPM: 2000, RPD: 50000}
	default:
		return RateLimits{RPM: 10, RPD: 250}
	}
}

// UploadDocument pushes the source blob to the Files API so individual pages
// can be addressed without re-sending the bytes on every call. The returned
// name must be passed to DeleteDocument once extraction finishes.
func (gc *GeminiClient) UploadDocument(ctx context.Context, content []byte) (uri string, name string, err error) {
	file, err := gc.client.UploadFile(ctx, "", bytes.NewReader(content), &genai.UploadFileOptions{
		MIMEType: "application/pdf",
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to upload document: %w", classifyError(err))
	}

	return file.URI, file.Name, nil
}

// DeleteDocument removes a previously uploaded blob.
func (gc *GeminiClient) DeleteDocument(ctx context.Context, name string) error {
	return gc.client.DeleteFile(ctx, name)
}

// ExtractPage runs one extraction pass scoped to a single page of the
// uploaded document. Errors come back classified: rate-limit-class errors
// are retryable, everything else is terminal.
func (gc *GeminiClient) ExtractPage(ctx context.Context, uri string, page int, prompt string, temperature float32) (string, error) {
	tracer := otel.Tracer("gemini-vision")
	ctx, span := tracer.Start(ctx, "gemini.extract_page")
	defer span.End()

	span.SetAttributes(
		attribute.Int("extraction.page", page),
		attribute.Float64("extraction.temperature", float64(temperature)),
		attribute.String("gemini.model", gc.extractionModel),
	)

	// Rate limiter wait
	if err := gc.rateLimiter.Wait(ctx); err != nil {
		span.SetAttributes(attribute.Bool("gemini.rate_limited", true))
		return "", err
	}

	// Circuit breaker execution
	result, err := gc.breaker.Execute(func() (interface{}, error) {
		model := gc.client.GenerativeModel(gc.extractionModel)
		model.SetTemperature(temperature)
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(prompt)},
		}

		resp, err := model.GenerateContent(ctx,
			genai.FileData{URI: uri},
			genai.Text(fmt.Sprintf("Process ONLY page %d of the attached document.", page)),
		)
		if err != nil {
			return nil, err
		}

		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
			return nil, fmt.Errorf("no text extracted for page %d", page)
		}

		extracted := ""
		for _, part := range resp.Candidates[0].Content.Parts {
			if textPart, ok := part.(genai.Text); ok {
				extracted += string(textPart)
			}
		}

		return extracted, nil
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			span.SetAttributes(attribute.Bool("gemini.circuit_breaker_open", true))
			// Treat an open breaker like a rate limit: the caller should
			// back off and retry rather than fail the page permanently.
			return "", &RateLimitError{Err: err}
		}
		span.SetAttributes(attribute.Bool("gemini.error", true))
		return "", classifyError(err)
	}

	text := result.(string)
	span.SetAttributes(attribute.Int("extraction.chars", len(text)))
	return text, nil
}

// Close the client
func (gc *GeminiClient) Close() error {
	if gc.client != nil {
		return gc.client.Close()
	}
	return nil
}
