package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/clinique-saint-luc/patientbff/internal/observability"
	"github.com/clinique-saint-luc/patientbff/internal/questions"
	"github.com/clinique-saint-luc/patientbff/model"
)

const maxBodyBytes = 64 << 10

// IdempotencyKeyHeader carries the client-chosen key of a question submission.
const IdempotencyKeyHeader = "X-Idempotency-Key"

// SessionManager gives handlers the workflow of the caller's session.
// session.Manager implements it.
type SessionManager interface {
	SessionResolver
	Workflow(ctx context.Context, id string) (*questions.Workflow, error)
	End(ctx context.Context, id string) error
}

// RecentPages serves the recent questions listing. recent.Provider
// implements it.
type RecentPages interface {
	Page(ctx context.Context, page int) (model.RecentQuestionsPage, bool, error)
	Invalidate()
}

type totalPagesBody struct {
	TotalPages *int `json:"totalPages"`
}

type currentPageBody struct {
	Page *int `json:"page"`
}

type recentResponse struct {
	Questions  []model.Question `json:"questions"`
	TotalPages int              `json:"totalPages"`
	Page       int              `json:"page"`
	Meta       map[string]any   `json:"meta"`
}

func handleTabs(tabs []model.Tab) http.HandlerFunc {
	body := map[string]any{"tabs": tabs}
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, body)
	}
}

// sessionWorkflow returns the workflow of the request's session, writing the
// error response itself when it cannot.
func sessionWorkflow(w http.ResponseWriter, r *http.Request, sessions SessionManager) (*questions.Workflow, *model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil || rctx.SessionID == "" {
		writeRequestError(w, r, model.NewBadRequestError("missing session"))
		return nil, nil, false
	}
	wf, err := sessions.Workflow(r.Context(), rctx.SessionID)
	if err != nil {
		observability.LoggerFrom(r.Context(), zap.NewNop()).Error("session unavailable", zap.Error(err))
		writeRequestError(w, r, model.NewInternalError())
		return nil, nil, false
	}
	return wf, rctx, true
}

func handleGetState(sessions SessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wf, _, ok := sessionWorkflow(w, r, sessions)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, wf.Snapshot())
	}
}

func handleSubmitQuestion(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wf, rctx, ok := sessionWorkflow(w, r, deps.Sessions)
		if !ok {
			return
		}

		var draft model.QuestionDraft
		if err := decodeBody(w, r, &draft); err != nil {
			writeRequestError(w, r, err)
			return
		}

		if deps.Validator != nil {
			cleaned, fieldErrs := deps.Validator.Validate(draft)
			if len(fieldErrs) > 0 {
				for _, fe := range fieldErrs {
					deps.Metrics.RecordValidationFailure(fe.Field)
				}
				writeRequestError(w, r, model.NewValidationError(fieldErrs))
				return
			}
			draft = cleaned
		}

		submit := func(ctx context.Context) (model.Question, error) {
			return wf.SubmitQuestion(ctx, draft)
		}

		var (
			q        model.Question
			replayed bool
			err      error
		)
		key := r.Header.Get(IdempotencyKeyHeader)
		if key != "" && deps.Idempotency != nil {
			q, replayed, err = deps.Idempotency.Submit(r.Context(), rctx.SessionID, key, draft, submit)
		} else {
			q, err = submit(r.Context())
		}
		if err != nil {
			writeRequestError(w, r, err)
			return
		}

		if replayed {
			deps.Metrics.RecordIdempotentReplay()
			w.Header().Set("Idempotent-Replayed", "true")
		} else if deps.Recent != nil {
			deps.Recent.Invalidate()
		}
		WriteJSON(w, http.StatusCreated, q)
	}
}

func handleFetchTotalPages(sessions SessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wf, _, ok := sessionWorkflow(w, r, sessions)
		if !ok {
			return
		}
		total, err := wf.FetchTotalPages(r.Context())
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]int{"totalPages": total})
	}
}

func handleSetCurrentPage(sessions SessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wf, _, ok := sessionWorkflow(w, r, sessions)
		if !ok {
			return
		}
		var body currentPageBody
		if err := decodeBody(w, r, &body); err != nil {
			writeRequestError(w, r, err)
			return
		}
		if body.Page == nil {
			writeRequestError(w, r, fieldError("page", "REQUIRED", "page is required"))
			return
		}
		if *body.Page < 1 {
			writeRequestError(w, r, fieldError("page", "OUT_OF_RANGE", "page must be at least 1"))
			return
		}
		wf.SetCurrentPage(*body.Page)
		WriteJSON(w, http.StatusOK, wf.Snapshot())
	}
}

func handleSetTotalPages(sessions SessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wf, _, ok := sessionWorkflow(w, r, sessions)
		if !ok {
			return
		}
		var body totalPagesBody
		if err := decodeBody(w, r, &body); err != nil {
			writeRequestError(w, r, err)
			return
		}
		if body.TotalPages == nil {
			writeRequestError(w, r, fieldError("totalPages", "REQUIRED", "totalPages is required"))
			return
		}
		if *body.TotalPages < 0 {
			writeRequestError(w, r, fieldError("totalPages", "OUT_OF_RANGE", "totalPages must not be negative"))
			return
		}
		wf.SetTotalPages(*body.TotalPages)
		WriteJSON(w, http.StatusOK, wf.Snapshot())
	}
}

func handleRecentQuestions(pages RecentPages) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := 1
		if v := r.URL.Query().Get("page"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeRequestError(w, r, model.NewBadRequestError("page must be a positive integer"))
				return
			}
			page = n
		}

		result, cached, err := pages.Page(r.Context(), page)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, recentResponse{
			Questions:  result.Questions,
			TotalPages: result.TotalPages,
			Page:       page,
			Meta:       map[string]any{"cached": cached},
		})
	}
}

func handleEndSession(sessions SessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil || rctx.SessionID == "" {
			writeRequestError(w, r, model.NewBadRequestError("missing session"))
			return
		}
		if err := sessions.End(r.Context(), rctx.SessionID); err != nil {
			observability.LoggerFrom(r.Context(), zap.NewNop()).Error("session end failed", zap.Error(err))
			writeRequestError(w, r, model.NewInternalError())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// decodeBody decodes a bounded JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return model.NewBadRequestError("request body too large")
		}
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

func fieldError(field, code, msg string) error {
	return model.NewValidationError([]model.FieldError{{Field: field, Code: code, Message: msg}})
}
