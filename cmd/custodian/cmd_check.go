package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/custodian-project/custodian/internal/detect"
	"github.com/rs/zerolog"
)

// cmdCheck classifies a payload with the local tier only and prints the
// verdict. Useful for signature debugging and triage scripting.
func cmdCheck(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: custodian check PAYLOAD")
		os.Exit(1)
	}
	payload := strings.Join(args, " ")

	matcher := detect.NewMatcher(zerolog.Nop())
	res := matcher.Classify(payload)

	out := map[string]interface{}{
		"payload": payload,
	}
	switch {
	case res.Classification != nil:
		out["verdict"] = res.Classification
	case res.AskOracle:
		out["verdict"] = "ambiguous"
		out["note"] = "no signature match, would be escalated to the oracle"
	default:
		out["verdict"] = "benign"
	}
	if res.Decoded != nil && res.Decoded.Obfuscated() {
		out["decoded_candidates"] = res.Decoded.Candidates[1:]
		out["techniques"] = res.Decoded.Techniques
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(data))

	if res.Classification != nil {
		os.Exit(2) // threat detected
	}
}
