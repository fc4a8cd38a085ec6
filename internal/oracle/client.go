package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/custodian-project/custodian/internal/core"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Request is the payload sent to the external classifier.
type Request struct {
	DecodedPayload string     `json:"decoded_payload"`
	ActorContext   core.Actor `json:"actor_context"`
}

// Verdict is the classifier's raw response, schema-validated before use.
type Verdict struct {
	IsAntiForensics bool    `json:"is_anti_forensics"`
	Confidence      float64 `json:"confidence"`
	Category        string  `json:"category"`
	Severity        string  `json:"severity"`
	Explanation     string  `json:"explanation,omitempty"`
}

// Analyzer is the narrow contract for the external classification service.
// It is untrusted: implementations may be slow, unavailable, or return
// garbage, and the gateway treats all three the same way.
type Analyzer interface {
	Analyze(ctx context.Context, req *Request) (*Verdict, error)
}

// HTTPClient calls an HTTP classification endpoint. All calls run inside a
// circuit breaker so a dead oracle stops costing a timeout per event.
type HTTPClient struct {
	url        string
	apiKey     string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	logger     zerolog.Logger
}

// NewHTTPClient creates a client for the given endpoint. timeout bounds the
// full request including body read.
func NewHTTPClient(url, apiKey string, timeout time.Duration, logger zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		url:        url,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "ClassifierAPI",
			MaxRequests: 3,
			Interval:    10 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		}),
		logger: logger.With().Str("component", "oracle_client").Logger(),
	}
}

// Analyze posts the request and returns the validated verdict. Errors map
// onto the taxonomy: deadline hits become ErrOracleTimeout, transport and
// breaker failures become ErrOracleUnavailable, and any response failing
// schema validation becomes ErrOracleSchemaInvalid.
func (c *HTTPClient) Analyze(ctx context.Context, req *Request) (*Verdict, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling oracle request: %w", err)
	}

	result, cbErr := c.cb.Execute(func() (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, core.ErrOracleTimeout
			}
			return nil, fmt.Errorf("%w: %v", core.ErrOracleUnavailable, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("%w: reading response: %v", core.ErrOracleUnavailable, err)
		}

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: status %d", core.ErrOracleUnavailable, resp.StatusCode)
		}

		verdict, err := ParseVerdict(respBody)
		if err != nil {
			return nil, err
		}
		return verdict, nil
	})

	if cbErr != nil {
		if errors.Is(cbErr, gobreaker.ErrOpenState) || errors.Is(cbErr, gobreaker.ErrTooManyRequests) {
			c.logger.Debug().Msg("circuit breaker open, oracle skipped")
			return nil, fmt.Errorf("%w: circuit open", core.ErrOracleUnavailable)
		}
		return nil, cbErr
	}

	return result.(*Verdict), nil
}
