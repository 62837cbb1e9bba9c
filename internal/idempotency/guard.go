package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/clinique-saint-luc/patientbff/model"
)

// MaxKeyLength bounds client-supplied keys.
const MaxKeyLength = 128

// Guard runs a submission at most once per session and key. Concurrent
// duplicates wait for the first one and share its result.
type Guard struct {
	store  Store
	ttl    time.Duration
	logger *zap.Logger
	group  singleflight.Group
}

// NewGuard creates a Guard over store. A nil logger disables logging.
func NewGuard(store Store, ttl time.Duration, logger *zap.Logger) *Guard {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{store: store, ttl: ttl, logger: logger}
}

// Store returns the underlying store.
func (g *Guard) Store() Store {
	return g.store
}

// Submit returns the question stored for (sessionID, key) when the same draft
// was already submitted, and otherwise calls submit and records its result.
// A reused key with a different draft is a conflict. Failed submissions are
// not recorded, so the client may retry with the same key.
func (g *Guard) Submit(
	ctx context.Context,
	sessionID, key string,
	draft model.QuestionDraft,
	submit func(context.Context) (model.Question, error),
) (q model.Question, replayed bool, err error) {
	if len(key) > MaxKeyLength || strings.TrimSpace(key) == "" {
		return model.Question{}, false, model.NewBadRequestError("invalid idempotency key")
	}

	storeKey := FormatKey(sessionID, key)
	hash := HashDraft(draft)

	type outcome struct {
		q        model.Question
		hash     string
		replayed bool
	}
	ran := false
	v, err, _ := g.group.Do(storeKey, func() (any, error) {
		ran = true
		cached, found, err := g.store.Check(ctx, storeKey, hash)
		if err != nil {
			return nil, err // Conflict (409) or store failure.
		}
		if found && cached != nil {
			return outcome{q: *cached, hash: hash, replayed: true}, nil
		}

		created, err := submit(ctx)
		if err != nil {
			return nil, err
		}
		if err := g.store.Store(ctx, storeKey, hash, created, g.ttl); err != nil {
			g.logger.Warn("idempotency store failed",
				zap.String("key", storeKey),
				zap.Error(err),
			)
		}
		return outcome{q: created, hash: hash}, nil
	})
	if err != nil {
		return model.Question{}, false, err
	}

	out := v.(outcome)
	if out.hash != hash {
		return model.Question{}, false, conflict(key)
	}
	// Callers that joined an in-flight submission receive its result.
	return out.q, out.replayed || !ran, nil
}

// HashDraft produces a deterministic hash of a draft. Fields are trimmed so
// whitespace differences do not count as a different question.
func HashDraft(d model.QuestionDraft) string {
	data, _ := json.Marshal(model.QuestionDraft{
		Object:  strings.TrimSpace(d.Object),
		Content: strings.TrimSpace(d.Content),
		Type:    strings.TrimSpace(d.Type),
	})
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
