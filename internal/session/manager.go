package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/clinique-saint-luc/patientbff/internal/config"
	"github.com/clinique-saint-luc/patientbff/internal/observability"
	"github.com/clinique-saint-luc/patientbff/internal/questions"
	"github.com/clinique-saint-luc/patientbff/model"
)

const storeTimeout = 2 * time.Second

// Manager owns the live workflow of every session on this replica. Workflows
// are rebuilt from the Store on first use, checked against it on every later
// use, and write each state change through it.
type Manager struct {
	store Store
	api   questions.QuestionAPI
	tabs  []model.Tab

	ttl      time.Duration
	idle     time.Duration
	interval time.Duration
	header   string
	cookie   string

	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	live  map[string]*liveSession
	loads singleflight.Group
}

type liveSession struct {
	wf       *questions.Workflow
	storage  *sessionStorage
	lastUsed time.Time
}

// sessionStorage binds a workflow to its session in the Store.
type sessionStorage struct {
	m  *Manager
	id string

	mu    sync.Mutex
	ended bool
}

func (s *sessionStorage) Load(ctx context.Context) (model.WorkflowState, bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	state, found, err := s.m.store.Load(ctx, s.id)
	if err != nil {
		s.m.metrics.RecordSessionStoreError("load")
		return model.WorkflowState{}, false, fmt.Errorf("load session: %w", err)
	}
	return state, found, nil
}

// Save runs inside the workflow lock, so one workflow's states reach the
// store in mutation order. Nothing is written once the session has ended.
func (s *sessionStorage) Save(ctx context.Context, next model.WorkflowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return questions.ErrDetached
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	err := s.m.store.Save(ctx, s.id, next, s.m.ttl)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrVersionConflict):
		s.m.logger.Debug("session changed elsewhere, reloading",
			zap.String("session_id", s.id),
			zap.Int64("version", next.Version),
		)
		return fmt.Errorf("%w: %w", questions.ErrStale, err)
	}

	s.m.metrics.RecordSessionStoreError("save")
	s.m.logger.Warn("session save failed",
		zap.String("session_id", s.id),
		zap.Int64("version", next.Version),
		zap.Error(err),
	)
	return err
}

func (s *sessionStorage) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMetrics sets the Prometheus metrics. Workflows report their outcomes
// through it as well.
func WithMetrics(m *observability.Metrics) ManagerOption {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ManagerOption {
	return func(mgr *Manager) {
		mgr.logger = l
	}
}

// NewManager creates a session manager.
func NewManager(store Store, api questions.QuestionAPI, cfg config.SessionsConfig, tabs []model.Tab, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    store,
		api:      api,
		tabs:     tabs,
		ttl:      cfg.TTL,
		idle:     cfg.IdleEviction,
		interval: cfg.SweepInterval,
		header:   cfg.Header,
		cookie:   cfg.Cookie,
		logger:   zap.NewNop(),
		now:      time.Now,
		live:     make(map[string]*liveSession),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ttl <= 0 {
		m.ttl = 24 * time.Hour
	}
	if m.idle <= 0 || m.idle > m.ttl {
		m.idle = m.ttl
	}
	if m.interval <= 0 {
		m.interval = 5 * time.Minute
	}
	return m
}

// Resolve returns the session ID carried by the request, first from the
// session header then from the cookie. Malformed IDs are ignored. When none
// is usable a new ID is generated and created is true.
func (m *Manager) Resolve(r *http.Request) (id string, created bool) {
	if m.header != "" {
		if v := r.Header.Get(m.header); isValidID(v) {
			return v, false
		}
	}
	if m.cookie != "" {
		if c, err := r.Cookie(m.cookie); err == nil && isValidID(c.Value) {
			return c.Value, false
		}
	}
	return uuid.NewString(), true
}

func isValidID(v string) bool {
	if v == "" {
		return false
	}
	_, err := uuid.Parse(v)
	return err == nil
}

// SetCookie writes the session cookie and echoes the ID in the session
// header.
func (m *Manager) SetCookie(w http.ResponseWriter, r *http.Request, id string) {
	if m.header != "" {
		w.Header().Set(m.header, id)
	}
	if m.cookie == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(m.ttl.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https",
		SameSite: http.SameSiteLaxMode,
	})
}

// Workflow returns the live workflow of a session, loading its saved state or
// starting a fresh one. A cached workflow first catches up with the store, so
// changes made through other replicas are visible. Concurrent first uses of
// the same session share one load.
func (m *Manager) Workflow(ctx context.Context, id string) (*questions.Workflow, error) {
	if ls := m.touch(id); ls != nil {
		live, err := ls.wf.Refresh(ctx)
		if err != nil {
			m.logger.Warn("session refresh failed, serving cached state",
				zap.String("session_id", id),
				zap.Error(err),
			)
			return ls.wf, nil
		}
		if live {
			return ls.wf, nil
		}
		m.detach(id, ls)
	}

	v, err, _ := m.loads.Do(id, func() (any, error) {
		if ls := m.touch(id); ls != nil {
			return ls.wf, nil
		}

		storage := &sessionStorage{m: m, id: id}
		state, found, err := storage.Load(ctx)
		if err != nil {
			return nil, err
		}

		opts := []questions.Option{
			questions.WithRecorder(m.metrics),
			questions.WithStorage(storage),
		}
		if found {
			opts = append(opts, questions.WithState(state))
		}
		wf := questions.NewWorkflow(m.api, m.tabs, opts...)

		m.mu.Lock()
		m.live[id] = &liveSession{wf: wf, storage: storage, lastUsed: m.now()}
		active := len(m.live)
		m.mu.Unlock()
		m.metrics.SetSessionsActive(active)

		m.logger.Debug("session attached",
			zap.String("session_id", id),
			zap.Bool("restored", found),
		)
		return wf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*questions.Workflow), nil
}

func (m *Manager) touch(id string) *liveSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.live[id]
	if !ok {
		return nil
	}
	ls.lastUsed = m.now()
	return ls
}

// detach forgets a cached workflow whose session ended elsewhere.
func (m *Manager) detach(id string, ls *liveSession) {
	ls.storage.end()

	m.mu.Lock()
	if m.live[id] == ls {
		delete(m.live, id)
	}
	active := len(m.live)
	m.mu.Unlock()
	m.metrics.SetSessionsActive(active)

	m.logger.Debug("session gone from store, detached", zap.String("session_id", id))
}

// End discards a session, live and stored. Submissions still in flight on
// the ended workflow complete without writing to the store.
func (m *Manager) End(ctx context.Context, id string) error {
	m.mu.Lock()
	ls, ok := m.live[id]
	delete(m.live, id)
	active := len(m.live)
	m.mu.Unlock()
	m.metrics.SetSessionsActive(active)

	if ok {
		ls.storage.end()
	}

	if err := m.store.Delete(ctx, id); err != nil {
		m.metrics.RecordSessionStoreError("delete")
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Active returns the number of live workflows.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// EvictIdle drops live workflows unused since before now minus the idle
// timeout. Their state stays in the store.
func (m *Manager) EvictIdle(now time.Time) int {
	cutoff := now.Add(-m.idle)

	m.mu.Lock()
	evicted := 0
	for id, ls := range m.live {
		if ls.lastUsed.Before(cutoff) {
			delete(m.live, id)
			evicted++
		}
	}
	active := len(m.live)
	m.mu.Unlock()

	m.metrics.SetSessionsActive(active)
	m.metrics.RecordSessionEviction("idle", evicted)
	return evicted
}

// Sweep evicts idle workflows and removes expired sessions from the store.
func (m *Manager) Sweep(ctx context.Context) error {
	now := m.now()
	idle := m.EvictIdle(now)

	expired, err := m.store.Sweep(ctx, now)
	if err != nil {
		m.metrics.RecordSessionStoreError("sweep")
		return fmt.Errorf("sweep sessions: %w", err)
	}
	m.metrics.RecordSessionEviction("expired", expired)

	if idle > 0 || expired > 0 {
		m.logger.Info("session sweep",
			zap.Int("idle_evicted", idle),
			zap.Int("expired_removed", expired),
		)
	}
	return nil
}

// Run sweeps on the configured interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.logger.Error("session sweep failed", zap.Error(err))
			}
		}
	}
}
