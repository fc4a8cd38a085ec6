package detect

import (
	"strings"

	"github.com/custodian-project/custodian/internal/core"
	"github.com/rs/zerolog"
)

// Matcher tests payloads against the ordered threat signature table after
// running the bounded decode chain. It is the sub-millisecond local tier:
// it never blocks and never calls out.
type Matcher struct {
	signatures []Signature
	worthAsk   []string
	logger     zerolog.Logger

	// Confidence assigned to local verdicts. A decoded match is slightly
	// less certain than a plaintext one.
	plainConfidence   float64
	decodedConfidence float64
}

// NewMatcher creates a Matcher with the built-in signature table.
func NewMatcher(logger zerolog.Logger) *Matcher {
	return &Matcher{
		signatures:        compileSignatures(),
		worthAsk:          worthAskingKeywords,
		logger:            logger.With().Str("component", "pattern_matcher").Logger(),
		plainConfidence:   0.95,
		decodedConfidence: 0.90,
	}
}

// Result is the outcome of local matching for one payload.
type Result struct {
	// Classification is nil when no signature matched.
	Classification *core.Classification
	// Decoded carries the decode chain output; Best() is the payload the
	// oracle and the cache fingerprint use.
	Decoded *DecodeResult
	// AskOracle is set when no signature matched but the payload hit the
	// broader worth-asking tier.
	AskOracle bool
}

// Classify decodes the payload and tests every candidate against the
// signature table in order. The first matching signature wins. A match
// found only in a decoded candidate escalates severity one level, since
// obfuscation is itself a signal.
func (m *Matcher) Classify(payload string) *Result {
	decoded := Decode(payload)
	if decoded.LimitHit {
		m.logger.Debug().Str("payload", truncate(payload, 80)).Msg("decode depth limit hit, matching partial candidates")
	}

	for i, candidate := range decoded.Candidates {
		for _, sig := range m.signatures {
			if !sig.Regex.MatchString(candidate) {
				continue
			}
			viaDecode := i > 0
			severity := sig.Severity
			confidence := m.plainConfidence
			if viaDecode {
				severity = severity.Escalate()
				confidence = m.decodedConfidence
			}
			m.logger.Debug().
				Str("rule", sig.Name).
				Str("category", string(sig.Category)).
				Bool("via_decode", viaDecode).
				Msg("signature match")
			return &Result{
				Classification: &core.Classification{
					IsThreat:   true,
					Category:   sig.Category,
					Severity:   severity,
					Confidence: confidence,
					Source:     core.SourcePatternMatch,
					Rule:       sig.Name,
					Decoded:    viaDecode,
				},
				Decoded: decoded,
			}
		}
	}

	return &Result{
		Decoded:   decoded,
		AskOracle: m.worthAsking(decoded.Candidates),
	}
}

// worthAsking is the cheap second tier that keeps oracle volume down:
// only payloads touching a suspicious keyword earn an oracle call.
func (m *Matcher) worthAsking(candidates []string) bool {
	for _, candidate := range candidates {
		lower := strings.ToLower(candidate)
		for _, kw := range m.worthAsk {
			if strings.Contains(lower, kw) {
				return true
			}
		}
	}
	return false
}

// FallbackVerdict derives the local heuristic verdict used when the oracle
// is unavailable, rate limited, or answers garbage. Lower confidence,
// distinct source, never cached.
func (m *Matcher) FallbackVerdict(decoded *DecodeResult) *core.Classification {
	severity := core.SeverityMedium
	if decoded.Obfuscated() {
		severity = core.SeverityHigh
	}
	return &core.Classification{
		IsThreat:   true,
		Category:   core.CategoryUnknown,
		Severity:   severity,
		Confidence: 0.4,
		Source:     core.SourceFallback,
		Decoded:    decoded.Obfuscated(),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
