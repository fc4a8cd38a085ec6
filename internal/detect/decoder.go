package detect

import (
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
)

// ---------------------------------------------------------------------------
// decoder.go — obfuscation-aware payload decoding.
//
// Attackers hide anti-forensics commands behind base64 (powershell -enc),
// hex blobs, URL escapes, and string concatenation. Each decoder produces
// candidate plaintexts that are matched alongside the original payload.
// Decoding is bounded to a fixed depth so a nested-encoding payload cannot
// turn the matcher into a CPU sink.
// ---------------------------------------------------------------------------

// MaxDecodeDepth caps recursive decode passes over one payload.
const MaxDecodeDepth = 3

// Decode technique names, recorded so obfuscation itself can be treated as
// a signal downstream.
const (
	TechniqueBase64 = "base64"
	TechniqueHex    = "hex"
	TechniqueURL    = "url_encoding"
	TechniqueConcat = "concatenation"
)

// DecodeResult holds everything the decode chain produced for one payload.
type DecodeResult struct {
	// Candidates always starts with the original payload, followed by
	// decoded forms in discovery order.
	Candidates []string
	// Techniques lists the decoders that produced at least one candidate.
	Techniques []string
	// LimitHit is set when another decode pass was possible but the depth
	// cap stopped it. Matching continues against what was decoded so far.
	LimitHit bool
}

// Obfuscated reports whether any decoding technique applied.
func (r *DecodeResult) Obfuscated() bool {
	return len(r.Techniques) > 0
}

// Best returns the deepest decoded candidate, or the original payload when
// nothing decoded. This is what the cache fingerprint and the oracle see.
func (r *DecodeResult) Best() string {
	return r.Candidates[len(r.Candidates)-1]
}

var (
	base64Token = regexp.MustCompile(`[A-Za-z0-9+/=]{16,}`)
	hexToken    = regexp.MustCompile(`(?:0x)?[0-9a-fA-F]{16,}`)
)

// Decode runs the decoder chain over payload. Decoders apply in a fixed
// priority order (base64, hex, URL, concatenation); each pass feeds the
// next until nothing new appears or the depth cap is reached.
func Decode(payload string) *DecodeResult {
	result := &DecodeResult{Candidates: []string{payload}}
	seen := map[string]bool{payload: true}

	frontier := []string{payload}
	for depth := 0; depth < MaxDecodeDepth; depth++ {
		var next []string
		for _, candidate := range frontier {
			for _, d := range decoders {
				for _, decoded := range d.fn(candidate) {
					if decoded == "" || seen[decoded] {
						continue
					}
					seen[decoded] = true
					result.Candidates = append(result.Candidates, decoded)
					result.Techniques = appendUnique(result.Techniques, d.name)
					next = append(next, decoded)
				}
			}
		}
		if len(next) == 0 {
			return result
		}
		frontier = next
	}

	// Frontier still had output when the loop ended: one more pass might
	// have decoded further.
	for _, candidate := range frontier {
		for _, d := range decoders {
			if len(d.fn(candidate)) > 0 {
				result.LimitHit = true
				return result
			}
		}
	}
	return result
}

type decoder struct {
	name string
	fn   func(string) []string
}

// Fixed priority order.
var decoders = []decoder{
	{TechniqueBase64, decodeBase64},
	{TechniqueHex, decodeHex},
	{TechniqueURL, decodeURL},
	{TechniqueConcat, decodeConcat},
}

// decodeBase64 decodes base64-looking tokens. PowerShell -EncodedCommand
// payloads are UTF-16LE under the base64, so interleaved NULs are stripped
// after decoding.
func decodeBase64(s string) []string {
	var out []string
	for _, token := range base64Token.FindAllString(s, 4) {
		raw, err := base64.StdEncoding.DecodeString(token)
		if err != nil {
			if raw, err = base64.RawStdEncoding.DecodeString(token); err != nil {
				continue
			}
		}
		text := stripUTF16(raw)
		if mostlyPrintable(text) && text != token {
			out = append(out, text)
		}
	}
	return out
}

func decodeHex(s string) []string {
	var out []string
	for _, token := range hexToken.FindAllString(s, 4) {
		trimmed := strings.TrimPrefix(token, "0x")
		if len(trimmed)%2 != 0 {
			continue
		}
		raw, err := hex.DecodeString(trimmed)
		if err != nil {
			continue
		}
		text := string(raw)
		if mostlyPrintable(text) {
			out = append(out, text)
		}
	}
	return out
}

func decodeURL(s string) []string {
	if !strings.Contains(s, "%") {
		return nil
	}
	decoded, err := url.QueryUnescape(s)
	if err != nil || decoded == s {
		return nil
	}
	return []string{decoded}
}

// decodeConcat joins shell/PowerShell string concatenation and caret
// obfuscation: "wev"+"tutil", 'wev'+'tutil', we^vtutil.
func decodeConcat(s string) []string {
	joined := s
	for _, sep := range []string{`"+"`, `'+'`, `"&"`, `'&'`} {
		joined = strings.ReplaceAll(joined, sep, "")
	}
	joined = strings.ReplaceAll(joined, "^", "")
	if joined == s {
		return nil
	}
	return []string{joined}
}

// stripUTF16 collapses UTF-16LE output to ASCII when the decoded bytes have
// the telltale zero-byte interleave.
func stripUTF16(raw []byte) string {
	if len(raw) < 4 {
		return string(raw)
	}
	zeros := 0
	for i := 1; i < len(raw); i += 2 {
		if raw[i] == 0 {
			zeros++
		}
	}
	if zeros*2 < len(raw)/2 {
		return string(raw)
	}
	var b strings.Builder
	for i := 0; i < len(raw); i += 2 {
		b.WriteByte(raw[i])
	}
	return b.String()
}

func mostlyPrintable(s string) bool {
	if s == "" {
		return false
	}
	printable := 0
	for _, r := range s {
		if r >= 0x20 && r < 0x7f || r == '\n' || r == '\t' {
			printable++
		}
	}
	return printable*10 >= len(s)*9
}

func appendUnique(list []string, v string) []string {
	for _, item := range list {
		if item == v {
			return list
		}
	}
	return append(list, v)
}
