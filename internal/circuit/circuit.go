// Package circuit validates submissions before they reach the job table.
package circuit

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"quiqcl-server/internal/apperr"
	"quiqcl-server/internal/models"
)

const schemaURL = "https://quiqcl.local/schema/submission.json"

//go:embed submission.schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func submissionSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(schemaURL)
	})
	return schema, schemaErr
}

// ParseSubmission checks payload against the submission schema and decodes it.
// Every failure is a MalformedMessage.
func ParseSubmission(payload []byte) (models.Submission, error) {
	s, err := submissionSchema()
	if err != nil {
		return models.Submission{}, err
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return models.Submission{}, apperr.Wrap(apperr.MalformedMessage, err, "submission is not JSON")
	}
	if err := s.Validate(doc); err != nil {
		return models.Submission{}, apperr.Wrap(apperr.MalformedMessage, err, "submission does not match schema")
	}
	var sub models.Submission
	if err := json.Unmarshal(payload, &sub); err != nil {
		return models.Submission{}, apperr.Wrap(apperr.MalformedMessage, err, "decode submission")
	}
	return sub, nil
}

// ValidateStrict applies the producer-side rules: only basis operations, and
// at least one measurement.
func ValidateStrict(c models.Circuit) error {
	basis := make(map[string]bool, len(models.BasisOps))
	for _, op := range models.BasisOps {
		basis[op] = true
	}
	for i, layer := range c.Layers {
		for _, g := range layer {
			if !basis[g.Op] {
				return apperr.Newf(apperr.UnsupportedGate, "layer %d: operation %s outside of basis %v", i, g.Op, models.BasisOps)
			}
		}
	}
	if n := c.NumMeasurements(); n < 1 {
		return fmt.Errorf("circuit must have at least one measurement, but %d are given", n)
	}
	return nil
}
