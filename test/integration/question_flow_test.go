package integration

import (
	"context"
	"net/http"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/clinique-saint-luc/patientbff/model"
)

func stateOf(t *testing.T, h *TestHarness, token string) model.WorkflowState {
	t.Helper()
	var s model.WorkflowState
	h.AssertJSON(t, h.GET("/api/questions/state", token), http.StatusOK, &s)
	return s
}

func TestQuestionFlow_SubmitAndReadState(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(PatientClaims())

	h.Backend().OnOperation(opCreateQuestion).RespondWith(http.StatusCreated, QuestionFixture("q-100", "Douleur au genou"))

	var q model.Question
	h.AssertJSON(t, h.POST("/api/questions", DraftFixture("Douleur au genou"), token), http.StatusCreated, &q)
	if q.ID != "q-100" {
		t.Errorf("question ID = %q, want q-100", q.ID)
	}

	got := h.Backend().LastRequest(opCreateQuestion)
	if got == nil {
		t.Fatal("question service was not called")
	}
	if got.Body["object"] != "Douleur au genou" || got.Body["type"] != "consultation" {
		t.Errorf("forwarded body = %v", got.Body)
	}

	s := stateOf(t, h, token)
	if s.Status != model.StatusSucceeded || s.Error != nil {
		t.Errorf("status = %q error = %v, want succeeded without error", s.Status, s.Error)
	}
	if len(s.Questions) != 1 || s.Questions[0].ID != "q-100" {
		t.Errorf("questions = %v, want [q-100]", s.Questions)
	}
}

func TestQuestionFlow_FailureKeepsQuestions(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(PatientClaims())

	h.Backend().OnOperation(opCreateQuestion).
		RespondWith(http.StatusCreated, QuestionFixture("q-1", "Première")).
		RespondWithError(http.StatusBadRequest, "Objet déjà utilisé")

	h.AssertStatus(t, h.POST("/api/questions", DraftFixture("Première"), token), http.StatusCreated)

	var env struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, h.POST("/api/questions", DraftFixture("Seconde"), token), http.StatusBadGateway, &env)
	if env.Error.Code != model.ErrOperationFailed || env.Error.Message != "Objet déjà utilisé" {
		t.Errorf("error = %+v, want OPERATION_FAILED with the service message", env.Error)
	}

	s := stateOf(t, h, token)
	if s.Status != model.StatusFailed || s.ErrorMessage() != "Objet déjà utilisé" {
		t.Errorf("status = %q error = %q", s.Status, s.ErrorMessage())
	}
	if len(s.Questions) != 1 {
		t.Errorf("questions = %d, want the earlier question kept", len(s.Questions))
	}
}

func TestQuestionFlow_RetryAfterFailureClearsError(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(PatientClaims())

	h.Backend().OnOperation(opCreateQuestion).
		RespondWithError(http.StatusBadRequest, "Contenu refusé").
		RespondWith(http.StatusCreated, QuestionFixture("q-2", "Nouvelle"))

	h.AssertStatus(t, h.POST("/api/questions", DraftFixture("Nouvelle"), token), http.StatusBadGateway)
	h.AssertStatus(t, h.POST("/api/questions", DraftFixture("Nouvelle"), token), http.StatusCreated)

	s := stateOf(t, h, token)
	if s.Status != model.StatusSucceeded || s.Error != nil {
		t.Errorf("status = %q error = %v, want succeeded and cleared", s.Status, s.Error)
	}
}

func TestQuestionFlow_FetchTotalPagesAndPaginate(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(PatientClaims())

	h.Backend().OnOperation(opGetRecentQuestions).RespondWith(http.StatusOK, RecentPageFixture(7, QuestionFixture("r-1", "Horaires")))

	var total map[string]int
	h.AssertJSON(t, h.POST("/api/questions/total-pages/fetch", nil, token), http.StatusOK, &total)
	if total["totalPages"] != 7 {
		t.Errorf("totalPages = %d, want 7", total["totalPages"])
	}
	if got := h.Backend().LastRequest(opGetRecentQuestions).QueryParams["page"]; got != "1" {
		t.Errorf("page query = %q, want 1", got)
	}

	var s model.WorkflowState
	h.AssertJSON(t, h.PUT("/api/questions/pagination/current-page", map[string]int{"page": 4}, token), http.StatusOK, &s)
	if s.CurrentPage == nil || *s.CurrentPage != 4 {
		t.Errorf("currentPage = %v, want 4", s.CurrentPage)
	}
	if s.TotalPages == nil || *s.TotalPages != 7 {
		t.Errorf("totalPages = %v, want 7", s.TotalPages)
	}
	if s.Status != model.StatusIdle {
		t.Errorf("status = %q, want idle", s.Status)
	}
}

func TestQuestionFlow_RecentListing(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(PatientClaims())

	h.Backend().OnOperation(opGetRecentQuestions).RespondWith(http.StatusOK, RecentPageFixture(3, QuestionFixture("r-9", "Parking")))

	var body struct {
		Questions  []model.Question `json:"questions"`
		TotalPages int              `json:"totalPages"`
		Page       int              `json:"page"`
	}
	h.AssertJSON(t, h.GET("/api/questions/recent?page=2", token), http.StatusOK, &body)
	if len(body.Questions) != 1 || body.Questions[0].ID != "r-9" || body.TotalPages != 3 || body.Page != 2 {
		t.Errorf("body = %+v", body)
	}
	if got := h.Backend().LastRequest(opGetRecentQuestions).QueryParams["page"]; got != "2" {
		t.Errorf("page query = %q, want 2", got)
	}

	h.AssertStatus(t, h.GET("/api/questions/recent?page=2", token), http.StatusOK)
	h.Backend().AssertCalled(t, opGetRecentQuestions, 1)
}

func TestQuestionFlow_IdempotentSubmission(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(PatientClaims())
	h.Backend().OnOperation(opCreateQuestion).RespondWith(http.StatusCreated, QuestionFixture("q-7", "Ordonnance"))

	headers := map[string]string{"X-Idempotency-Key": "form-submit-1"}
	for i := 0; i < 3; i++ {
		resp := h.Do(http.MethodPost, "/api/questions", DraftFixture("Ordonnance"), token, headers)
		if i > 0 && resp.Header.Get("Idempotent-Replayed") != "true" {
			t.Errorf("attempt %d: missing Idempotent-Replayed header", i)
		}
		h.AssertStatus(t, resp, http.StatusCreated)
	}
	h.Backend().AssertCalled(t, opCreateQuestion, 1)

	if s := stateOf(t, h, token); len(s.Questions) != 1 {
		t.Errorf("questions = %d, want 1", len(s.Questions))
	}
}

func TestQuestionFlow_SessionSurvivesReplicaSwitch(t *testing.T) {
	mr := miniredis.RunT(t)
	first := NewTestHarness(t, WithRedisSessions(mr))
	second := NewTestHarness(t, WithRedisSessions(mr), WithBackend(first.Backend()))
	second.SessionID = first.SessionID

	token := first.GenerateToken(PatientClaims())
	first.Backend().OnOperation(opCreateQuestion).RespondWith(http.StatusCreated, QuestionFixture("q-r", "Réplique"))
	first.AssertStatus(t, first.POST("/api/questions", DraftFixture("Réplique"), token), http.StatusCreated)

	// second verifies tokens against its own issuer.
	s := stateOf(t, second, second.GenerateToken(PatientClaims()))
	if len(s.Questions) != 1 || s.Questions[0].ID != "q-r" {
		t.Errorf("questions on second replica = %v, want [q-r]", s.Questions)
	}
	if s.Status != model.StatusSucceeded {
		t.Errorf("status = %q, want succeeded", s.Status)
	}
}

func TestQuestionFlow_ReplicasSubmitInTurn(t *testing.T) {
	mr := miniredis.RunT(t)
	first := NewTestHarness(t, WithRedisSessions(mr))
	second := NewTestHarness(t, WithRedisSessions(mr), WithBackend(first.Backend()))
	second.SessionID = first.SessionID

	firstToken := first.GenerateToken(PatientClaims())
	secondToken := second.GenerateToken(PatientClaims())
	first.Backend().OnOperation(opCreateQuestion).
		RespondWith(http.StatusCreated, QuestionFixture("q-1", "Premier")).
		RespondWith(http.StatusCreated, QuestionFixture("q-2", "Second"))

	// The second replica caches the session before the first one writes.
	stateOf(t, second, secondToken)

	first.AssertStatus(t, first.POST("/api/questions", DraftFixture("Premier"), firstToken), http.StatusCreated)
	second.AssertStatus(t, second.POST("/api/questions", DraftFixture("Second"), secondToken), http.StatusCreated)

	stored, found, err := first.SessionStore.Load(context.Background(), first.SessionID)
	if err != nil || !found {
		t.Fatalf("Load = %v, %v", found, err)
	}
	var ids []string
	for _, q := range stored.Questions {
		ids = append(ids, q.ID)
	}
	if len(ids) != 2 || ids[0] != "q-1" || ids[1] != "q-2" {
		t.Errorf("stored questions = %v, want [q-1 q-2]", ids)
	}

	if s := stateOf(t, first, firstToken); len(s.Questions) != 2 {
		t.Errorf("first replica sees %d questions, want 2", len(s.Questions))
	}
}

func TestQuestionFlow_EndSessionStartsFresh(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(PatientClaims())
	h.Backend().OnOperation(opCreateQuestion).RespondWith(http.StatusCreated, QuestionFixture("q-3", "Fin"))

	h.AssertStatus(t, h.POST("/api/questions", DraftFixture("Fin"), token), http.StatusCreated)
	h.AssertStatus(t, h.Do(http.MethodDelete, "/api/questions/session", nil, token, nil), http.StatusNoContent)

	s := stateOf(t, h, token)
	if len(s.Questions) != 0 || s.Status != model.StatusIdle {
		t.Errorf("state = %+v, want fresh", s)
	}
}

func TestQuestionFlow_AnonymousSession(t *testing.T) {
	h := NewTestHarness(t, WithAnonymousAccess())
	h.Backend().OnOperation(opCreateQuestion).RespondWith(http.StatusCreated, QuestionFixture("q-a", "Anonyme"))

	h.AssertStatus(t, h.POST("/api/questions", DraftFixture("Anonyme"), ""), http.StatusCreated)
	if got := h.Backend().LastRequest(opCreateQuestion).Headers.Get("Authorization"); got != "" {
		t.Errorf("Authorization forwarded = %q, want none", got)
	}
}
