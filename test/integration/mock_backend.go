package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// Question service operation IDs, matching the client's operation names.
const (
	opCreateQuestion     = "createQuestion"
	opGetRecentQuestions = "getRecentQuestions"
)

// MockQuestionService simulates the remote question service. Responses are
// queued per operation; the last one repeats once the queue is drained.
// Every received request is recorded.
type MockQuestionService struct {
	server *httptest.Server

	mu        sync.Mutex
	responses map[string][]*mockResponse
	received  map[string][]*RecordedRequest
}

// RecordedRequest captures a request received by the mock service.
type RecordedRequest struct {
	Method      string
	Path        string
	QueryParams map[string]string
	Headers     http.Header
	Body        map[string]any
	ReceivedAt  time.Time
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

// OperationMock configures the responses of one operation.
type OperationMock struct {
	svc  *MockQuestionService
	opID string
}

func newMockQuestionService(t *testing.T) *MockQuestionService {
	t.Helper()

	m := &MockQuestionService{
		responses: make(map[string][]*mockResponse),
		received:  make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /questions", m.handle(opCreateQuestion))
	mux.HandleFunc("GET /questions/recent", m.handle(opGetRecentQuestions))

	m.server = httptest.NewServer(mux)
	t.Cleanup(m.server.Close)
	return m
}

// URL returns the base URL of the mock service.
func (m *MockQuestionService) URL() string {
	return m.server.URL
}

// OnOperation returns a builder for the named operation.
func (m *MockQuestionService) OnOperation(opID string) *OperationMock {
	return &OperationMock{svc: m, opID: opID}
}

// RespondWith queues a response with the given status and JSON body.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	om.svc.add(om.opID, &mockResponse{status: status, body: body})
	return om
}

// RespondWithError queues an error answer carrying message.
func (om *OperationMock) RespondWithError(status int, message string) *OperationMock {
	return om.RespondWith(status, map[string]any{"message": message})
}

// RespondWithDelay queues a response sent after delay.
func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	om.svc.add(om.opID, &mockResponse{status: status, body: body, delay: delay})
	return om
}

// RespondWithConnectionError queues a dropped connection.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	om.svc.add(om.opID, &mockResponse{connError: true})
	return om
}

func (m *MockQuestionService) add(opID string, resp *mockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[opID] = append(m.responses[opID], resp)
}

func (m *MockQuestionService) next(opID string) *mockResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue := m.responses[opID]
	switch len(queue) {
	case 0:
		return nil
	case 1:
		return queue[0]
	}
	m.responses[opID] = queue[1:]
	return queue[0]
}

func (m *MockQuestionService) handle(opID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &RecordedRequest{
			Method:      r.Method,
			Path:        r.URL.Path,
			QueryParams: make(map[string]string),
			Headers:     r.Header.Clone(),
			ReceivedAt:  time.Now(),
		}
		for key, values := range r.URL.Query() {
			if len(values) > 0 {
				rec.QueryParams[key] = values[0]
			}
		}
		if body, _ := io.ReadAll(r.Body); len(body) > 0 {
			json.Unmarshal(body, &rec.Body)
		}

		m.mu.Lock()
		m.received[opID] = append(m.received[opID], rec)
		m.mu.Unlock()

		resp := m.next(opID)
		if resp == nil {
			w.WriteHeader(http.StatusNotImplemented)
			return
		}
		if resp.connError {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, _ := hj.Hijack(); conn != nil {
					conn.Close()
				}
			}
			return
		}
		if resp.delay > 0 {
			select {
			case <-time.After(resp.delay):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		if resp.body != nil {
			json.NewEncoder(w).Encode(resp.body)
		}
	}
}

// AssertCalled verifies the number of calls received by an operation.
func (m *MockQuestionService) AssertCalled(t *testing.T, opID string, want int) {
	t.Helper()
	if got := len(m.AllRequests(opID)); got != want {
		t.Errorf("question service: %s called %d times, want %d", opID, got, want)
	}
}

// LastRequest returns the last request received by an operation, or nil.
func (m *MockQuestionService) LastRequest(opID string) *RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	reqs := m.received[opID]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// AllRequests returns a copy of the requests received by an operation.
func (m *MockQuestionService) AllRequests(opID string) []*RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*RecordedRequest(nil), m.received[opID]...)
}

// ResetOperation clears queued responses and recorded requests of one
// operation.
func (m *MockQuestionService) ResetOperation(opID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.responses, opID)
	delete(m.received, opID)
}

// QuestionFixture returns a question as the service would store it.
func QuestionFixture(id, object string) map[string]any {
	return map[string]any{
		"id":        id,
		"object":    object,
		"content":   "Contenu de la question",
		"type":      "consultation",
		"createdAt": "2026-03-01T09:00:00Z",
	}
}

// RecentPageFixture returns a recent questions page.
func RecentPageFixture(totalPages int, questions ...map[string]any) map[string]any {
	if questions == nil {
		questions = []map[string]any{}
	}
	return map[string]any{
		"questions":  questions,
		"totalPages": totalPages,
	}
}
