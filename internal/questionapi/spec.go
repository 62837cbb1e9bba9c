package questionapi

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/clinique-saint-luc/patientbff/model"
)

// Operation IDs the client depends on.
const (
	OperationCreateQuestion     = "createQuestion"
	OperationGetRecentQuestions = "getRecentQuestions"
)

// Operation is a resolved question service endpoint.
type Operation struct {
	ID     string
	Method string
	Path   string

	// Required lists the top-level request body fields the service
	// declares as required. Empty for operations without a JSON body.
	Required []string
}

// Operations maps operation IDs to endpoints, either from the service's
// OpenAPI document or from the built-in routes.
type Operations struct {
	ops       map[string]Operation
	serverURL string
	fromSpec  bool
}

// DefaultOperations returns the routes used when no OpenAPI document is
// configured.
func DefaultOperations() *Operations {
	return &Operations{
		ops: map[string]Operation{
			OperationCreateQuestion: {
				ID:     OperationCreateQuestion,
				Method: http.MethodPost,
				Path:   "/questions",
			},
			OperationGetRecentQuestions: {
				ID:     OperationGetRecentQuestions,
				Method: http.MethodGet,
				Path:   "/questions/recent",
			},
		},
	}
}

// LoadOperations parses and validates the OpenAPI document at path and
// resolves the operations the client needs. Both operations must be present.
func LoadOperations(ctx context.Context, path string) (*Operations, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("questionapi: loading %s: %w", path, err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("questionapi: validating %s: %w", path, err)
	}

	ops := &Operations{ops: make(map[string]Operation), fromSpec: true}
	if len(doc.Servers) > 0 {
		ops.serverURL = doc.Servers[0].URL
	}

	for p, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			if op.OperationID != OperationCreateQuestion && op.OperationID != OperationGetRecentQuestions {
				continue
			}
			ops.ops[op.OperationID] = Operation{
				ID:       op.OperationID,
				Method:   strings.ToUpper(method),
				Path:     p,
				Required: requiredBodyFields(op),
			}
		}
	}

	for _, id := range []string{OperationCreateQuestion, OperationGetRecentQuestions} {
		if _, ok := ops.ops[id]; !ok {
			return nil, fmt.Errorf("questionapi: %s does not define operation %q", path, id)
		}
	}
	return ops, nil
}

func requiredBodyFields(op *openapi3.Operation) []string {
	if op.RequestBody == nil || op.RequestBody.Value == nil {
		return nil
	}
	ct := op.RequestBody.Value.Content.Get("application/json")
	if ct == nil || ct.Schema == nil || ct.Schema.Value == nil {
		return nil
	}
	return slices.Clone(ct.Schema.Value.Required)
}

// Get returns the operation with the given ID.
func (o *Operations) Get(id string) (Operation, bool) {
	op, ok := o.ops[id]
	return op, ok
}

// Count returns the number of resolved operations.
func (o *Operations) Count() int {
	return len(o.ops)
}

// ServerURL returns the first server URL declared by the document, or "".
func (o *Operations) ServerURL() string {
	return o.serverURL
}

// FromSpec reports whether the operations were resolved from a document.
func (o *Operations) FromSpec() bool {
	return o.fromSpec
}

// CheckDraft reports required request fields that the draft leaves empty.
func (o *Operations) CheckDraft(draft model.QuestionDraft) []model.FieldError {
	op, ok := o.ops[OperationCreateQuestion]
	if !ok {
		return nil
	}
	values := map[string]string{
		"object":  draft.Object,
		"content": draft.Content,
		"type":    draft.Type,
	}
	var errs []model.FieldError
	for _, field := range op.Required {
		if strings.TrimSpace(values[field]) == "" {
			errs = append(errs, model.FieldError{
				Field:   field,
				Code:    "REQUIRED",
				Message: fmt.Sprintf("%s is required", field),
			})
		}
	}
	return errs
}
