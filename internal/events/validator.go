package events

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	MinBatchSize  = 1
	MaxBatchSize  = 100
	MaxBodyBytes  = 100 * 1024
	maxErrorType  = 100
	sessionIDLen  = 16
	countryLength = 2
)

// piiFieldNames is the forbidden-name set checked case-insensitively against
// every top-level key and every "parameters" subkey. Presence of any of these
// rejects the whole batch, regardless of where in the schema it appears.
var piiFieldNames = map[string]bool{
	"latitude": true, "longitude": true, "lat": true, "lon": true,
	"location": true, "address": true, "city": true, "street": true,
	"zip": true, "zipcode": true, "postal_code": true,
	"user_id": true, "userid": true, "user": true, "username": true,
	"email": true, "phone": true,
	"ip": true, "ip_address": true, "ipaddress": true,
	"name": true, "first_name": true, "last_name": true,
	"firstname": true, "lastname": true,
	"ssn": true, "social_security": true,
}

// minimalFields are the fields every analytics level permits.
var minimalFields = map[string]bool{
	"version": true, "tool": true, "status": true,
	"timestamp_hour": true, "analytics_level": true,
}

// standardFields adds the performance-related fields standard+ levels permit.
var standardFields = map[string]bool{
	"response_time_ms": true, "service": true, "cache_hit": true,
	"retry_count": true, "country": true, "error_type": true,
}

// detailedFields adds the session-related fields only the detailed level permits.
var detailedFields = map[string]bool{
	"parameters": true, "session_id": true, "sequence_number": true,
}

// ValidationError pairs a batch index with a human-readable reason.
type ValidationError struct {
	Index int
	Field string
	Msg   string
}

func (e ValidationError) String() string {
	if e.Field == "" {
		return fmt.Sprintf("event[%d]: %s", e.Index, e.Msg)
	}

	return fmt.Sprintf("event[%d].%s: %s", e.Index, e.Field, e.Msg)
}

// Validator parses and validates an ingestion request body. It is stateless
// and holds no data between calls; ValidateBatch performs a single parse of
// the body with no side effects.
type Validator struct{}

// NewValidator returns a ready-to-use Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// batchEnvelope is the wire shape of an ingestion request body.
type batchEnvelope struct {
	Events []json.RawMessage `json:"events"`
}

// ValidateBatch parses body and validates every event in it. It returns the
// decoded events only when the batch is fully valid; any failure rejects the
// whole batch (no partial acceptance), matching the at-least-once contract
// that an accepted batch is either wholly queued or wholly rejected.
func (v *Validator) ValidateBatch(body []byte) ([]Event, []string) {
	if len(body) > MaxBodyBytes {
		return nil, []string{fmt.Sprintf("request body exceeds %d bytes", MaxBodyBytes)}
	}

	var envelope batchEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, []string{"malformed request body: " + err.Error()}
	}

	if len(envelope.Events) < MinBatchSize || len(envelope.Events) > MaxBatchSize {
		return nil, []string{
			fmt.Sprintf("events must contain between %d and %d entries, got %d",
				MinBatchSize, MaxBatchSize, len(envelope.Events)),
		}
	}

	var errs []string

	events := make([]Event, 0, len(envelope.Events))

	for i, raw := range envelope.Events {
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			errs = append(errs, ValidationError{Index: i, Msg: "not a JSON object: " + err.Error()}.String())
			continue
		}

		if err := checkPII(i, fields); err != "" {
			errs = append(errs, err)
			continue
		}

		event, fieldErrs := validateEvent(i, fields)
		if len(fieldErrs) > 0 {
			errs = append(errs, fieldErrs...)
			continue
		}

		events = append(events, event)
	}

	if len(errs) > 0 {
		return nil, errs
	}

	return events, nil
}

// checkPII walks the top-level keys and any "parameters" subkeys looking for
// a forbidden field name. PII rejection runs before any schema check so that
// a schema-stripping validator never silently discards a PII key.
func checkPII(index int, fields map[string]any) string {
	for key := range fields {
		if piiFieldNames[strings.ToLower(key)] {
			return ValidationError{Index: index, Field: key, Msg: "forbidden PII field"}.String()
		}
	}

	if params, ok := fields["parameters"].(map[string]any); ok {
		for key := range params {
			if piiFieldNames[strings.ToLower(key)] {
				return ValidationError{
					Index: index, Field: "parameters." + key, Msg: "forbidden PII field",
				}.String()
			}
		}
	}

	return ""
}

func validateEvent(index int, fields map[string]any) (Event, []string) {
	var errs []string

	level := AnalyticsLevel(stringField(fields, "analytics_level"))

	allowed, ok := allowedFieldsFor(level)
	if !ok {
		return Event{}, []string{
			ValidationError{Index: index, Field: "analytics_level", Msg: "unknown analytics level"}.String(),
		}
	}

	for key := range fields {
		if !allowed[key] {
			errs = append(errs, ValidationError{
				Index: index, Field: key, Msg: "field not permitted at this analytics level",
			}.String())
		}
	}

	event := Event{
		Version:        stringField(fields, "version"),
		Tool:           stringField(fields, "tool"),
		Status:         Status(stringField(fields, "status")),
		AnalyticsLevel: level,
	}

	if event.Version == "" {
		errs = append(errs, ValidationError{Index: index, Field: "version", Msg: "required"}.String())
	}

	if !Tools[event.Tool] {
		errs = append(errs, ValidationError{Index: index, Field: "tool", Msg: "unknown tool"}.String())
	}

	if event.Status != StatusSuccess && event.Status != StatusError {
		errs = append(errs, ValidationError{Index: index, Field: "status", Msg: "must be success or error"}.String())
	}

	ts, err := parseHourAligned(stringField(fields, "timestamp_hour"))
	if err != nil {
		errs = append(errs, ValidationError{Index: index, Field: "timestamp_hour", Msg: err.Error()}.String())
	} else {
		event.TimestampHour = ts
	}

	if level == LevelStandard || level == LevelDetailed {
		errs = append(errs, populateStandardFields(index, fields, &event)...)
	}

	if level == LevelDetailed {
		errs = append(errs, populateDetailedFields(index, fields, &event)...)
	}

	if event.Status == StatusError && level != LevelMinimal {
		if event.ErrorType == nil || strings.TrimSpace(*event.ErrorType) == "" {
			errs = append(errs, ValidationError{
				Index: index, Field: "error_type", Msg: "required for error events above minimal level",
			}.String())
		}
	}

	return event, errs
}

func populateStandardFields(index int, fields map[string]any, event *Event) []string {
	var errs []string

	if raw, present := fields["response_time_ms"]; present {
		n, ok := numberField(raw)
		if !ok || n < 0 || n > 120000 {
			errs = append(errs, ValidationError{
				Index: index, Field: "response_time_ms", Msg: "must be an integer in [0, 120000]",
			}.String())
		} else {
			v := int(n)
			event.ResponseTimeMs = &v
		}
	}

	if raw, present := fields["service"]; present {
		s, _ := raw.(string)
		if s != string(ServiceNOAA) && s != string(ServiceOpenMeteo) {
			errs = append(errs, ValidationError{Index: index, Field: "service", Msg: "must be noaa or openmeteo"}.String())
		} else {
			event.Service = &s
		}
	}

	if raw, present := fields["cache_hit"]; present {
		b, ok := raw.(bool)
		if !ok {
			errs = append(errs, ValidationError{Index: index, Field: "cache_hit", Msg: "must be a boolean"}.String())
		} else {
			event.CacheHit = &b
		}
	}

	if raw, present := fields["retry_count"]; present {
		n, ok := numberField(raw)
		if !ok || n < 0 || n > 10 {
			errs = append(errs, ValidationError{
				Index: index, Field: "retry_count", Msg: "must be an integer in [0, 10]",
			}.String())
		} else {
			v := int(n)
			event.RetryCount = &v
		}
	}

	if raw, present := fields["country"]; present {
		s, _ := raw.(string)
		if !isAlpha2(s) {
			errs = append(errs, ValidationError{
				Index: index, Field: "country", Msg: "must be an ISO 3166-1 alpha-2 code",
			}.String())
		} else {
			event.Country = &s
		}
	}

	if raw, present := fields["error_type"]; present {
		s, _ := raw.(string)
		if len(s) > maxErrorType {
			errs = append(errs, ValidationError{
				Index: index, Field: "error_type", Msg: "must be at most 100 characters",
			}.String())
		} else {
			event.ErrorType = &s
		}
	}

	return errs
}

func populateDetailedFields(index int, fields map[string]any, event *Event) []string {
	var errs []string

	if raw, present := fields["parameters"]; present {
		m, ok := raw.(map[string]any)
		if !ok {
			errs = append(errs, ValidationError{Index: index, Field: "parameters", Msg: "must be an object"}.String())
		} else {
			event.Parameters = m
		}
	}

	if raw, present := fields["session_id"]; present {
		s, _ := raw.(string)
		if len(s) != sessionIDLen {
			errs = append(errs, ValidationError{
				Index: index, Field: "session_id", Msg: "must be a 16-character opaque string",
			}.String())
		} else {
			event.SessionID = &s
		}
	}

	if raw, present := fields["sequence_number"]; present {
		n, ok := numberField(raw)
		if !ok || n < 0 {
			errs = append(errs, ValidationError{
				Index: index, Field: "sequence_number", Msg: "must be a non-negative integer",
			}.String())
		} else {
			v := int64(n)
			event.SequenceNumber = &v
		}
	}

	return errs
}

func allowedFieldsFor(level AnalyticsLevel) (map[string]bool, bool) {
	switch level {
	case LevelMinimal:
		return union(minimalFields), true
	case LevelStandard:
		return union(minimalFields, standardFields), true
	case LevelDetailed:
		return union(minimalFields, standardFields, detailedFields), true
	default:
		return nil, false
	}
}

func union(sets ...map[string]bool) map[string]bool {
	out := make(map[string]bool)

	for _, set := range sets {
		for k := range set {
			out[k] = true
		}
	}

	return out
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}

func numberField(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, v == math.Trunc(v)
	case json.Number:
		f, err := v.Float64()
		return f, err == nil && f == math.Trunc(f)
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil && f == math.Trunc(f)
	default:
		return 0, false
	}
}

func isAlpha2(s string) bool {
	if len(s) != countryLength {
		return false
	}

	for _, r := range s {
		if r < 'A' || r > 'Z' {
			if r < 'a' || r > 'z' {
				return false
			}
		}
	}

	return true
}

// parseHourAligned parses an RFC3339 instant and rejects anything with a
// non-zero minute, second, or nanosecond component.
func parseHourAligned(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("must be an RFC3339 instant: %w", err)
	}

	if t.Minute() != 0 || t.Second() != 0 || t.Nanosecond() != 0 {
		return time.Time{}, fmt.Errorf("must be hour-aligned (minute=second=nanosecond=0)")
	}

	return t.UTC(), nil
}
