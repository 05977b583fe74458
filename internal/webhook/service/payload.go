// Package service implements the completion-webhook pipeline: signature
// verification, payload validation, the idempotency guard, the report
// state updater and the audit logger, in that order.
package service

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/skillsight/reporthooks/internal/report"
)

// Kind distinguishes the inbound endpoints. Each report kind has its own
// endpoint; the kind is recorded as the webhook_type in bookkeeping and
// audit rows.
type Kind string

const (
	// KindReport is the preliminary-report completion webhook.
	KindReport Kind = "report"
	// KindFinal is the final-report variant; it additionally stamps
	// completion metadata.
	KindFinal Kind = "final"
	// KindDynamic is the dynamic-questionnaire variant.
	KindDynamic Kind = "dynamic"
)

// CompletionPayload is the body of a completion webhook.
type CompletionPayload struct {
	JobID            string         `json:"job_id" validate:"required"`
	ReportID         string         `json:"report_id" validate:"required"`
	ReportType       string         `json:"report_type"`
	ResearchReport   string         `json:"research_report"`
	ResearchStatus   string         `json:"research_status" validate:"omitempty,oneof=completed failed"`
	ResearchMetadata map[string]any `json:"research_metadata,omitempty"`
	Error            string         `json:"error,omitempty"`
	FinalData        map[string]any `json:"final_data,omitempty"`
}

// ErrBadJSON marks a body that does not parse at all, as opposed to one
// that parses but fails validation. Both are terminal 400s, but they are
// distinct errors.
var ErrBadJSON = errors.New("invalid JSON body")

// ValidationError reports a payload that parsed but is not acceptable.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func newValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

var validate = validator.New()

// ParsePayload decodes and validates a completion payload for the given
// kind, returning the payload and the physical table it targets. The
// dynamic-questionnaire endpoint does not require a report type and
// defaults to its own table; the other endpoints require one, and an
// unknown type is a hard error with no table resolved.
func ParsePayload(kind Kind, raw []byte) (*CompletionPayload, string, error) {
	var payload CompletionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, "", ErrBadJSON
	}

	if err := validate.Struct(&payload); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return nil, "", newValidationError("invalid payload: field %s %s",
				fieldErrs[0].Field(), describeTag(fieldErrs[0]))
		}
		return nil, "", newValidationError("invalid payload")
	}

	if kind == KindDynamic && payload.ReportType == "" {
		return &payload, report.TableQuestionnaire, nil
	}
	if payload.ReportType == "" {
		return nil, "", newValidationError("invalid payload: field report_type is required")
	}

	table, err := report.TableForType(payload.ReportType)
	if err != nil {
		return nil, "", newValidationError("%s", err.Error())
	}
	return &payload, table, nil
}

func describeTag(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + e.Param()
	default:
		return "is invalid"
	}
}
