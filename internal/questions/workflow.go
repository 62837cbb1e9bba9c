// Package questions holds the question workflow of a patient session: the
// list of submitted questions, the status of the latest submission, and the
// pagination cursor of the recent questions listing.
package questions

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/clinique-saint-luc/patientbff/internal/observability"
	"github.com/clinique-saint-luc/patientbff/model"
)

// Operation names reported in OperationFailure and metrics.
const (
	OpSubmitQuestion  = "submitQuestion"
	OpFetchTotalPages = "fetchTotalPages"
)

// QuestionAPI is the remote question service as seen by the workflow.
// Implementations read caller identity from the context.
type QuestionAPI interface {
	CreateQuestion(ctx context.Context, draft model.QuestionDraft) (model.Question, error)
	GetRecentQuestions(ctx context.Context, page int) (model.RecentQuestionsPage, error)
}

// Storage is the shared copy of a workflow's state. Workflows on several
// replicas may be backed by the same Storage.
type Storage interface {
	// Load returns the stored state. found is false when nothing is stored.
	Load(ctx context.Context) (state model.WorkflowState, found bool, err error)

	// Save stores next, whose Version is one above the state it was derived
	// from. It fails with ErrStale when the stored state has moved on, and
	// with ErrDetached when the state must no longer be written.
	Save(ctx context.Context, next model.WorkflowState) error
}

var (
	ErrStale    = errors.New("stored workflow state is newer")
	ErrDetached = errors.New("workflow detached from storage")
)

// maxCommitAttempts bounds the reload and reapply rounds of one mutation.
const maxCommitAttempts = 5

// Recorder receives operation outcomes. observability.Metrics implements it.
type Recorder interface {
	RecordQuestionOperation(op, outcome string, duration time.Duration)
}

// Workflow is the question workflow state of one session. All mutations are
// serialized; remote calls run outside the lock, so concurrent submissions
// overwrite each other's status and error in completion order.
type Workflow struct {
	api      QuestionAPI
	recorder Recorder

	mu       sync.Mutex
	state    model.WorkflowState
	storage  Storage
	detached bool
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithRecorder sets the outcome recorder.
func WithRecorder(r Recorder) Option {
	return func(w *Workflow) {
		w.recorder = r
	}
}

// WithState starts the workflow from a previously saved state instead of the
// initial one.
func WithState(s model.WorkflowState) Option {
	return func(w *Workflow) {
		w.state = s.Clone()
	}
}

// WithStorage writes every mutation through s. When another writer got there
// first, the workflow reloads the stored state and applies its change again.
func WithStorage(s Storage) Option {
	return func(w *Workflow) {
		w.storage = s
	}
}

// NewWorkflow creates a workflow in its initial state.
func NewWorkflow(api QuestionAPI, tabs []model.Tab, opts ...Option) *Workflow {
	w := &Workflow{
		api:   api,
		state: model.NewWorkflowState(tabs),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.state.Questions == nil {
		w.state.Questions = []model.Question{}
	}
	if !w.state.Status.Valid() {
		w.state.Status = model.StatusIdle
	}
	return w
}

// Refresh adopts the stored state when it is newer than the local one. It
// returns false once the workflow no longer belongs to a live session: it was
// detached, or its saved state has disappeared from storage.
func (w *Workflow) Refresh(ctx context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.detached {
		return false, nil
	}
	if w.storage == nil {
		return true, nil
	}

	stored, found, err := w.storage.Load(ctx)
	if err != nil {
		return true, err
	}
	if !found {
		return w.state.Version == 0, nil
	}
	if stored.Version > w.state.Version {
		w.adopt(stored)
	}
	return true, nil
}

// Snapshot returns a copy of the current state.
func (w *Workflow) Snapshot() model.WorkflowState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.Clone()
}

// SubmitQuestion creates a question through the question service. The status
// moves to loading before the call; on success the returned question is
// appended and the status is succeeded, on failure the status is failed and
// the error message recorded, leaving the questions untouched.
func (w *Workflow) SubmitQuestion(ctx context.Context, draft model.QuestionDraft) (model.Question, error) {
	ctx, span := observability.StartSpan(ctx, "questions.submit",
		observability.AttrOperation.String(OpSubmitQuestion),
		attribute.String("question.type", draft.Type),
	)
	start := time.Now()

	w.mutate(func(s *model.WorkflowState) {
		s.Status = model.StatusLoading
		s.Error = nil
	})

	q, err := w.api.CreateQuestion(ctx, draft)
	if err != nil {
		failure := model.NewOperationFailure(OpSubmitQuestion, err)
		w.mutate(func(s *model.WorkflowState) {
			msg := failure.Message
			s.Status = model.StatusFailed
			s.Error = &msg
		})
		w.record(OpSubmitQuestion, "failed", start)
		observability.EndSpanWithError(span, failure)
		return model.Question{}, failure
	}

	w.mutate(func(s *model.WorkflowState) {
		s.Questions = append(s.Questions, q)
		s.Status = model.StatusSucceeded
		s.Error = nil
	})
	w.record(OpSubmitQuestion, "succeeded", start)
	span.SetAttributes(attribute.String("question.id", q.ID))
	observability.EndSpanWithError(span, nil)
	return q, nil
}

// FetchTotalPages reads the total page count of the recent questions listing
// by requesting its first page. The fetched questions are discarded. On
// failure totalPages keeps its previous value. The submission status and
// error are not affected either way.
func (w *Workflow) FetchTotalPages(ctx context.Context) (int, error) {
	ctx, span := observability.StartSpan(ctx, "questions.fetch_total_pages",
		observability.AttrOperation.String(OpFetchTotalPages),
	)
	start := time.Now()

	page, err := w.api.GetRecentQuestions(ctx, 1)
	if err != nil {
		failure := model.NewOperationFailure(OpFetchTotalPages, err)
		w.record(OpFetchTotalPages, "failed", start)
		observability.EndSpanWithError(span, failure)
		return 0, failure
	}

	total := page.TotalPages
	w.mutate(func(s *model.WorkflowState) {
		s.TotalPages = &total
	})
	w.record(OpFetchTotalPages, "succeeded", start)
	span.SetAttributes(attribute.Int("questions.total_pages", total))
	observability.EndSpanWithError(span, nil)
	return total, nil
}

// SetCurrentPage assigns the current page. Bounds are the caller's concern.
func (w *Workflow) SetCurrentPage(page int) {
	w.mutate(func(s *model.WorkflowState) {
		s.CurrentPage = &page
	})
}

// SetTotalPages overrides the total page count outside the fetch flow.
func (w *Workflow) SetTotalPages(n int) {
	w.mutate(func(s *model.WorkflowState) {
		s.TotalPages = &n
	})
}

// mutate applies fn under the lock and bumps the version. With storage, the
// new state is saved before it becomes visible; a stale write reloads the
// stored state and applies fn on top of it. Save failures other than
// staleness leave the change local.
func (w *Workflow) mutate(fn func(*model.WorkflowState)) {
	w.mu.Lock()
	defer w.mu.Unlock()

	next := w.apply(fn)
	for attempt := 1; w.storage != nil && !w.detached; attempt++ {
		ctx := context.Background()
		err := w.storage.Save(ctx, next)
		if errors.Is(err, ErrDetached) {
			w.detached = true
		}
		if !errors.Is(err, ErrStale) || attempt == maxCommitAttempts {
			break
		}

		stored, found, err := w.storage.Load(ctx)
		if err != nil {
			break
		}
		if !found && w.state.Version > 0 {
			// The session was ended or expired under us.
			w.detached = true
			break
		}
		if found {
			w.adopt(stored)
		}
		next = w.apply(fn)
	}
	w.state = next
}

func (w *Workflow) apply(fn func(*model.WorkflowState)) model.WorkflowState {
	next := w.state.Clone()
	fn(&next)
	next.Version = w.state.Version + 1
	return next
}

func (w *Workflow) adopt(s model.WorkflowState) {
	w.state = s.Clone()
	if w.state.Questions == nil {
		w.state.Questions = []model.Question{}
	}
	if !w.state.Status.Valid() {
		w.state.Status = model.StatusIdle
	}
}

func (w *Workflow) record(op, outcome string, start time.Time) {
	if w.recorder != nil {
		w.recorder.RecordQuestionOperation(op, outcome, time.Since(start))
	}
}
