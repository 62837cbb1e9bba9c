package questions

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/clinique-saint-luc/patientbff/internal/config"
	"github.com/clinique-saint-luc/patientbff/model"
)

// Field error codes.
const (
	CodeRequired = "REQUIRED"
	CodeTooLong  = "TOO_LONG"
	CodeInvalid  = "INVALID_VALUE"
)

// SchemaChecker validates a draft against the question service's published
// request schema.
type SchemaChecker interface {
	CheckDraft(draft model.QuestionDraft) []model.FieldError
}

// Validator checks question drafts before they reach the workflow.
type Validator struct {
	types            []string
	maxObjectLength  int
	maxContentLength int
	schema           SchemaChecker
}

// NewValidator creates a Validator from configuration. schema may be nil.
func NewValidator(cfg config.QuestionsConfig, schema SchemaChecker) *Validator {
	return &Validator{
		types:            cfg.Types,
		maxObjectLength:  cfg.MaxObjectLength,
		maxContentLength: cfg.MaxContentLength,
		schema:           schema,
	}
}

// Types returns the accepted question types.
func (v *Validator) Types() []string {
	return slices.Clone(v.types)
}

// Validate trims the draft and checks it. It returns the normalized draft and
// the field errors found, nil when the draft is acceptable.
func (v *Validator) Validate(draft model.QuestionDraft) (model.QuestionDraft, []model.FieldError) {
	draft.Object = strings.TrimSpace(draft.Object)
	draft.Content = strings.TrimSpace(draft.Content)
	draft.Type = strings.TrimSpace(draft.Type)

	var errs []model.FieldError

	if draft.Object == "" {
		errs = append(errs, required("object"))
	} else if v.maxObjectLength > 0 && utf8.RuneCountInString(draft.Object) > v.maxObjectLength {
		errs = append(errs, tooLong("object", v.maxObjectLength))
	}

	if draft.Content == "" {
		errs = append(errs, required("content"))
	} else if v.maxContentLength > 0 && utf8.RuneCountInString(draft.Content) > v.maxContentLength {
		errs = append(errs, tooLong("content", v.maxContentLength))
	}

	switch {
	case draft.Type == "":
		errs = append(errs, required("type"))
	case len(v.types) > 0 && !slices.Contains(v.types, draft.Type):
		errs = append(errs, model.FieldError{
			Field:   "type",
			Code:    CodeInvalid,
			Message: fmt.Sprintf("type must be one of: %s", strings.Join(v.types, ", ")),
		})
	}

	if v.schema != nil {
		errs = appendMissing(errs, v.schema.CheckDraft(draft))
	}

	if len(errs) == 0 {
		return draft, nil
	}
	return draft, errs
}

func required(field string) model.FieldError {
	return model.FieldError{Field: field, Code: CodeRequired, Message: field + " is required"}
}

func tooLong(field string, limit int) model.FieldError {
	return model.FieldError{
		Field:   field,
		Code:    CodeTooLong,
		Message: fmt.Sprintf("%s must be at most %d characters", field, limit),
	}
}

// appendMissing adds schema errors for fields not already reported.
func appendMissing(errs, extra []model.FieldError) []model.FieldError {
	for _, e := range extra {
		dup := slices.ContainsFunc(errs, func(have model.FieldError) bool {
			return have.Field == e.Field
		})
		if !dup {
			errs = append(errs, e)
		}
	}
	return errs
}
