package model

import "time"

// Question is a patient question as stored by the question service. The ID
// and creation time are assigned by the service.
type Question struct {
	ID        string    `json:"id"`
	Object    string    `json:"object"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
}

// QuestionDraft is the payload of a question submission.
type QuestionDraft struct {
	Object  string `json:"object"`
	Content string `json:"content"`
	Type    string `json:"type"`
}

// RecentQuestionsPage is one page of the recent questions listing together
// with the pagination metadata reported by the question service.
type RecentQuestionsPage struct {
	Questions  []Question `json:"questions"`
	TotalPages int        `json:"totalPages"`
}

// Tab is a static navigation descriptor for the question area.
type Tab struct {
	Name string `json:"name"`
	Link string `json:"link"`
}

// DefaultTabs returns the navigation tabs shown in the question area.
func DefaultTabs() []Tab {
	return []Tab{
		{Name: "Mes Questions", Link: "my"},
		{Name: "Questions les plus récentes", Link: "recents"},
		{Name: "Ajouter une question", Link: "ajouter"},
	}
}

// WorkflowStatus is the status of the most recent question submission.
type WorkflowStatus string

// Workflow statuses.
const (
	StatusIdle      WorkflowStatus = "idle"
	StatusLoading   WorkflowStatus = "loading"
	StatusSucceeded WorkflowStatus = "succeeded"
	StatusFailed    WorkflowStatus = "failed"
)

// Valid reports whether s is a known status.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case StatusIdle, StatusLoading, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// WorkflowState is the question workflow state of one session as observed by
// the presentation layer. Optional fields are nil until set.
type WorkflowState struct {
	Questions   []Question     `json:"questions"`
	Status      WorkflowStatus `json:"status"`
	Error       *string        `json:"error"`
	TotalPages  *int           `json:"totalPages"`
	CurrentPage *int           `json:"currentPage"`
	Tabs        []Tab          `json:"tabs"`

	// Version increases on every mutation. Stores use it to discard stale
	// snapshots that arrive out of order.
	Version int64 `json:"version"`
}

// NewWorkflowState returns the initial state of a session.
func NewWorkflowState(tabs []Tab) WorkflowState {
	if tabs == nil {
		tabs = DefaultTabs()
	}
	return WorkflowState{
		Questions: []Question{},
		Status:    StatusIdle,
		Tabs:      append([]Tab(nil), tabs...),
	}
}

// ErrorMessage returns the recorded error message, or "" if none.
func (s WorkflowState) ErrorMessage() string {
	if s.Error == nil {
		return ""
	}
	return *s.Error
}

// Clone returns a deep copy of the state.
func (s WorkflowState) Clone() WorkflowState {
	out := s
	out.Questions = append(make([]Question, 0, len(s.Questions)), s.Questions...)
	out.Tabs = append([]Tab(nil), s.Tabs...)
	if s.Error != nil {
		v := *s.Error
		out.Error = &v
	}
	if s.TotalPages != nil {
		v := *s.TotalPages
		out.TotalPages = &v
	}
	if s.CurrentPage != nil {
		v := *s.CurrentPage
		out.CurrentPage = &v
	}
	return out
}
