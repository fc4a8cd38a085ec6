package oracle

import (
	"encoding/json"
	"fmt"

	"github.com/custodian-project/custodian/internal/core"
	"github.com/xeipuuv/gojsonschema"
)

// verdictSchema is the contract the external classifier must honor. A
// response missing a required field, or with confidence outside [0,1], or
// with an unknown category or severity, is treated as an oracle failure
// and never propagated.
const verdictSchema = `{
	"type": "object",
	"required": ["is_anti_forensics", "confidence", "category", "severity"],
	"properties": {
		"is_anti_forensics": {"type": "boolean"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"category": {
			"type": "string",
			"enum": [
				"benign",
				"log_clearing",
				"shadow_copy_deletion",
				"secure_deletion",
				"credential_access",
				"history_clearing",
				"boot_config",
				"timestomping",
				"unknown"
			]
		},
		"severity": {"type": "string", "enum": ["LOW", "MEDIUM", "HIGH", "CRITICAL"]},
		"explanation": {"type": "string"}
	}
}`

var compiledSchema = gojsonschema.NewStringLoader(verdictSchema)

// ParseVerdict validates raw against the verdict schema and unmarshals it.
// Any validation failure returns ErrOracleSchemaInvalid.
func ParseVerdict(raw []byte) (*Verdict, error) {
	result, err := gojsonschema.Validate(compiledSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrOracleSchemaInvalid, err)
	}
	if !result.Valid() {
		detail := ""
		if errs := result.Errors(); len(errs) > 0 {
			detail = errs[0].String()
		}
		return nil, fmt.Errorf("%w: %s", core.ErrOracleSchemaInvalid, detail)
	}

	var verdict Verdict
	if err := json.Unmarshal(raw, &verdict); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrOracleSchemaInvalid, err)
	}
	return &verdict, nil
}

// ToClassification converts a validated verdict into the pipeline's
// Classification type.
func (v *Verdict) ToClassification() *core.Classification {
	return &core.Classification{
		IsThreat:   v.IsAntiForensics,
		Category:   core.ThreatCategory(v.Category),
		Severity:   core.ParseSeverity(v.Severity),
		Confidence: v.Confidence,
		Source:     core.SourceOracle,
	}
}
