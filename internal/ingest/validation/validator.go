// Package validation checks raw audit events against the event schema. Both
// entry points (HTTP and the queue consumer) go through the same Validator so
// they cannot drift apart.
package validation

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"auditlog/internal/ingest/models"
)

//go:embed schema/audit_event.json
var auditEventSchema string

const schemaURL = "audit_event.json"

// RequiredFields must be present and non-empty on every event.
var RequiredFields = []string{"timestamp", "service", "eventType", "userId"}

// Validator is immutable after New and safe for concurrent use.
type Validator struct {
	schema *jsonschema.Schema
}

// New compiles the embedded schema.
func New() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	if err := c.AddResource(schemaURL, strings.NewReader(auditEventSchema)); err != nil {
		return nil, fmt.Errorf("load audit event schema: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile audit event schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate runs the presence check and then the structural schema. A field
// reported as missing is not reported again by the schema.
func (v *Validator) Validate(raw models.RawEvent) models.ValidationResult {
	var errs []models.ValidationError
	missing := make(map[string]bool)

	for _, field := range RequiredFields {
		if isBlank(raw[field]) {
			missing[field] = true
			errs = append(errs, models.ValidationError{
				Field:   field,
				Rule:    "required",
				Message: fmt.Sprintf("%s is required", field),
			})
		}
	}

	if err := v.schema.Validate(map[string]any(raw)); err != nil {
		var ve *jsonschema.ValidationError
		if !errors.As(err, &ve) {
			errs = append(errs, models.ValidationError{Rule: "schema", Message: err.Error()})
		} else {
			for _, leaf := range leaves(ve) {
				field := fieldPath(leaf.InstanceLocation)
				if missing[topLevel(field)] {
					continue
				}
				errs = append(errs, models.ValidationError{
					Field:   field,
					Rule:    rule(leaf.KeywordLocation),
					Message: leaf.Message,
				})
			}
		}
	}

	if ts, ok := raw["timestamp"].(string); ok && !missing["timestamp"] && !hasField(errs, "timestamp") {
		if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
			errs = append(errs, models.ValidationError{
				Field:   "timestamp",
				Rule:    "format",
				Message: fmt.Sprintf("%q is not a valid RFC 3339 date-time", ts),
			})
		}
	}

	errs = append(errs, keyViolations("", map[string]any(raw))...)

	if len(errs) == 0 {
		return models.ValidationResult{Valid: true}
	}
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return models.ValidationResult{Valid: false, Errors: errs}
}

// ToEvent converts a raw event that passed Validate into its typed form.
func (v *Validator) ToEvent(raw models.RawEvent) (models.AuditEvent, error) {
	return ToEvent(raw)
}

// ToEvent is the package-level form of Validator.ToEvent; conversion does not
// depend on the compiled schema.
func ToEvent(raw models.RawEvent) (models.AuditEvent, error) {
	tsRaw, _ := raw["timestamp"].(string)
	ts, err := time.Parse(time.RFC3339Nano, tsRaw)
	if err != nil {
		return models.AuditEvent{}, fmt.Errorf("parse timestamp: %w", err)
	}
	event := models.AuditEvent{
		Timestamp: ts.UTC(),
		Service:   stringField(raw, "service"),
		EventType: stringField(raw, "eventType"),
		UserID:    stringField(raw, "userId"),
	}
	if payload, ok := raw["payload"].(map[string]any); ok {
		event.Payload = payload
	}
	return event, nil
}

func stringField(raw models.RawEvent, key string) string {
	s, _ := raw[key].(string)
	return s
}

func hasField(errs []models.ValidationError, field string) bool {
	for _, e := range errs {
		if topLevel(e.Field) == field {
			return true
		}
	}
	return false
}

func isBlank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}

// keyViolations reports object keys containing NUL at any depth. BSON cannot
// encode them, so such an event would fail the same way on every write.
func keyViolations(path string, v any) []models.ValidationError {
	var errs []models.ValidationError
	switch val := v.(type) {
	case map[string]any:
		for key, child := range val {
			field := key
			if path != "" {
				field = path + "." + key
			}
			if strings.ContainsRune(key, 0) {
				errs = append(errs, models.ValidationError{
					Field:   strings.ReplaceAll(field, "\x00", `\u0000`),
					Rule:    "propertyNames",
					Message: "object keys must not contain NUL characters",
				})
				continue
			}
			errs = append(errs, keyViolations(field, child)...)
		}
	case []any:
		for i, child := range val {
			errs = append(errs, keyViolations(fmt.Sprintf("%s.%d", path, i), child)...)
		}
	}
	return errs
}

func leaves(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}

// fieldPath turns a JSON pointer ("/payload/amount") into "payload.amount".
func fieldPath(pointer string) string {
	return strings.ReplaceAll(strings.TrimPrefix(pointer, "/"), "/", ".")
}

func topLevel(field string) string {
	head, _, _ := strings.Cut(field, ".")
	return head
}

func rule(keywordLocation string) string {
	if i := strings.LastIndex(keywordLocation, "/"); i >= 0 {
		return keywordLocation[i+1:]
	}
	return keywordLocation
}
