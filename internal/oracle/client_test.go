package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/custodian-project/custodian/internal/core"
	"github.com/rs/zerolog"
)

func TestHTTPClient_ValidResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"is_anti_forensics": true, "confidence": 0.92, "category": "log_clearing", "severity": "CRITICAL"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "test-key", 2*time.Second, zerolog.Nop())
	verdict, err := c.Analyze(context.Background(), &Request{DecodedPayload: "wevtutil cl Security"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !verdict.IsAntiForensics || verdict.Category != "log_clearing" {
		t.Errorf("unexpected verdict: %+v", verdict)
	}

	cls := verdict.ToClassification()
	if cls.Source != core.SourceOracle || cls.Severity != core.SeverityCritical {
		t.Errorf("unexpected classification: %+v", cls)
	}
}

func TestHTTPClient_ConfidenceOutOfRange_SchemaInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"is_anti_forensics": true, "confidence": 1.7, "category": "log_clearing", "severity": "HIGH"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", 2*time.Second, zerolog.Nop())
	_, err := c.Analyze(context.Background(), &Request{DecodedPayload: "x"})
	if !errors.Is(err, core.ErrOracleSchemaInvalid) {
		t.Errorf("expected schema invalid for out-of-range confidence, got %v", err)
	}
}

func TestHTTPClient_UnknownCategory_SchemaInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"is_anti_forensics": true, "confidence": 0.5, "category": "novel_badness", "severity": "HIGH"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", 2*time.Second, zerolog.Nop())
	_, err := c.Analyze(context.Background(), &Request{DecodedPayload: "x"})
	if !errors.Is(err, core.ErrOracleSchemaInvalid) {
		t.Errorf("expected schema invalid for unknown category, got %v", err)
	}
}

func TestHTTPClient_MissingField_SchemaInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"is_anti_forensics": true, "confidence": 0.5}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", 2*time.Second, zerolog.Nop())
	_, err := c.Analyze(context.Background(), &Request{DecodedPayload: "x"})
	if !errors.Is(err, core.ErrOracleSchemaInvalid) {
		t.Errorf("expected schema invalid for missing fields, got %v", err)
	}
}

func TestHTTPClient_ServerError_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", 2*time.Second, zerolog.Nop())
	_, err := c.Analyze(context.Background(), &Request{DecodedPayload: "x"})
	if !errors.Is(err, core.ErrOracleUnavailable) {
		t.Errorf("expected unavailable for HTTP 500, got %v", err)
	}
}

func TestHTTPClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", 2*time.Second, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Analyze(ctx, &Request{DecodedPayload: "x"})
	if !errors.Is(err, core.ErrOracleTimeout) {
		t.Errorf("expected timeout error, got %v", err)
	}
}

func TestParseVerdict_BenignAccepted(t *testing.T) {
	verdict, err := ParseVerdict([]byte(`{"is_anti_forensics": false, "confidence": 0.99, "category": "benign", "severity": "LOW"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cls := verdict.ToClassification()
	if cls.IsThreat {
		t.Error("benign verdict should not flag a threat")
	}
	if cls.Category != core.CategoryBenign {
		t.Errorf("expected benign category, got %s", cls.Category)
	}
}
