package jwt

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ShapeValidator checks the structure of claims
type ShapeValidator interface {
	// ValidateShape returns issues found, or empty list if claims are valid
	ValidateShape(claims Claims) []Issue
}

// ShapeFunc is an adapter to allow the use of ordinary functions as ShapeValidator
type ShapeFunc func(claims Claims) []Issue

// ValidateShape implements ShapeValidator
func (f ShapeFunc) ValidateShape(claims Claims) []Issue {
	return f(claims)
}

// JSONSchema is ShapeValidator backed by JSON Schema (draft 2020-12)
type JSONSchema struct {
	schema *jsonschema.Schema
}

// NewJSONSchema compiles the schema
func NewJSONSchema(schemaJSON []byte) (*JSONSchema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("claims.json", strings.NewReader(string(schemaJSON))); err != nil {
		return nil, WrapError(KindBadConfig, err, "failed to add schema resource")
	}

	schema, err := compiler.Compile("claims.json")
	if err != nil {
		return nil, WrapError(KindBadConfig, err, "failed to compile schema")
	}

	return &JSONSchema{schema: schema}, nil
}

// ValidateShape implements ShapeValidator
func (s *JSONSchema) ValidateShape(claims Claims) []Issue {
	var data any
	raw, err := json.Marshal(claims)
	if err == nil {
		err = json.Unmarshal(raw, &data)
	}
	if err != nil {
		return []Issue{{Message: errors.WithMessage(err, "unable to encode claims").Error()}}
	}

	err = s.schema.Validate(data)
	if err == nil {
		return nil
	}

	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		return validationIssues(verr)
	}
	return []Issue{{Message: err.Error()}}
}

// validationIssues returns leaf errors with dotted paths,
// e.g. "#/address/city" -> "address.city"
func validationIssues(err *jsonschema.ValidationError) []Issue {
	if len(err.Causes) == 0 {
		path := strings.TrimPrefix(err.InstanceLocation, "#")
		path = strings.TrimPrefix(path, "/")
		path = strings.ReplaceAll(path, "/", ".")
		return []Issue{{Path: path, Message: err.Message}}
	}

	var issues []Issue
	for _, cause := range err.Causes {
		issues = append(issues, validationIssues(cause)...)
	}
	return issues
}
