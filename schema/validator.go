package schema

import (
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ErrInvalidMessage is matched by every *ValidationError
var ErrInvalidMessage = errors.New("schema: invalid message")

// Violation is a single schema rule broken by a message
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ValidationError reports a message that does not conform to its schema.
// Field, Message and Code describe the first violation; Violations lists all of them.
type ValidationError struct {
	Kind       string      `json:"kind"`
	Field      string      `json:"field"`
	Message    string      `json:"message"`
	Code       string      `json:"code"`
	Violations []Violation `json:"violations,omitempty"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s: %s", v.Field, v.Message))
	}
	if len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	return fmt.Sprintf("invalid %s: %s", e.Kind, strings.Join(parts, "; "))
}

// Unwrap lets errors.Is match ErrInvalidMessage
func (e *ValidationError) Unwrap() error {
	return ErrInvalidMessage
}

// Validator checks commands and responses against the embedded JSON schemas
type Validator struct {
	command  *gojsonschema.Schema
	response *gojsonschema.Schema
}

// NewValidator compiles the embedded command and response schemas
func NewValidator() (*Validator, error) {
	command, err := loadSchema("schemas/command.schema.json")
	if err != nil {
		return nil, err
	}
	response, err := loadSchema("schemas/response.schema.json")
	if err != nil {
		return nil, err
	}
	return &Validator{command: command, response: response}, nil
}

func loadSchema(name string) (*gojsonschema.Schema, error) {
	raw, err := schemaFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema %s: %w", name, err)
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	return compiled, nil
}

// ValidateCommand validates a decoded command. The method is matched case-insensitively;
// raw itself is not modified.
func (v *Validator) ValidateCommand(raw map[string]any) error {
	if raw == nil {
		return &ValidationError{
			Kind:    "command",
			Field:   "(root)",
			Message: "command must be a JSON object",
			Code:    "invalid_type",
		}
	}

	doc := raw
	if method, ok := raw["method"].(string); ok && method != strings.ToUpper(method) {
		doc = make(map[string]any, len(raw))
		for k, val := range raw {
			doc[k] = val
		}
		doc["method"] = strings.ToUpper(method)
	}
	return validate(v.command, "command", gojsonschema.NewGoLoader(doc))
}

// ValidateResponse validates a response value, either a decoded JSON object or a
// contracts.Response
func (v *Validator) ValidateResponse(resp any) error {
	return validate(v.response, "response", gojsonschema.NewGoLoader(resp))
}

func validate(s *gojsonschema.Schema, kind string, doc gojsonschema.JSONLoader) error {
	result, err := s.Validate(doc)
	if err != nil {
		return &ValidationError{
			Kind:    kind,
			Field:   "(root)",
			Message: err.Error(),
			Code:    "unreadable",
		}
	}
	if result.Valid() {
		return nil
	}

	violations := make([]Violation, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, Violation{
			Field:   fieldOf(desc),
			Message: desc.Description(),
			Code:    desc.Type(),
		})
	}
	sort.SliceStable(violations, func(i, j int) bool {
		return violations[i].Field < violations[j].Field
	})

	first := violations[0]
	return &ValidationError{
		Kind:       kind,
		Field:      first.Field,
		Message:    first.Message,
		Code:       first.Code,
		Violations: violations,
	}
}

// fieldOf names the offending property; required-property errors are reported
// against the parent, so the missing property is taken from the details.
func fieldOf(desc gojsonschema.ResultError) string {
	if desc.Type() == "required" {
		if property, ok := desc.Details()["property"].(string); ok {
			return property
		}
	}
	return desc.Field()
}
