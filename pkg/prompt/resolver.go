package prompt

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"parishai/pkg/domain"
	"parishai/pkg/store"
)

// Minimum length for a stored prompt to be trusted. Anything shorter
// is treated the same as a refusal pattern and skipped.
const minPromptLength = 20

// Stored values matching these fragments are model refusals that were
// mistakenly persisted as prompts; they must not poison the cache.
var refusalFragments = []string{
	"cannot access the file",
	"can't access the file",
	"unable to access",
	"i'm sorry",
	"i am sorry",
	"as an ai",
}

type cacheEntry struct {
	text    string
	expires time.Time
}

// Resolver resolves instruction text per content type with a TTL cache
// in front of the prompt store. Lookup order: cache, unit-qualified
// record, unqualified record, compiled-in default. Concurrent misses
// for the same key share one store fetch.
type Resolver struct {
	store  store.PromptStore
	logger *slog.Logger
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
	group singleflight.Group
}

func NewResolver(st store.PromptStore, logger *slog.Logger, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  st,
		logger: logger,
		ttl:    ttl,
		cache:  make(map[string]cacheEntry),
	}
}

// Resolve returns the instruction text for a content type, optionally
// unit-qualified. It never fails: store errors fall through to the
// compiled-in default with a log entry.
func (r *Resolver) Resolve(ctx context.Context, ct domain.ContentType, unitID string) string {
	key := cacheKey(ct, unitID)
	if text, ok := r.cached(key); ok {
		return text
	}

	v, _, _ := r.group.Do(key, func() (any, error) {
		return r.fetch(ctx, ct, unitID), nil
	})
	text := v.(string)
	r.put(key, text)
	return text
}

// Invalidate drops the cached entries for a content type so the next
// Resolve re-reads the store. Called after an admin prompt edit.
func (r *Resolver) Invalidate(ct domain.ContentType, unitID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, cacheKey(ct, unitID))
	if unitID != "" {
		// A unit edit may shadow or unshadow the base record.
		delete(r.cache, cacheKey(ct, ""))
	}
}

func (r *Resolver) fetch(ctx context.Context, ct domain.ContentType, unitID string) string {
	if unitID != "" {
		if text, ok := r.lookup(ctx, string(ct)+"."+unitID); ok {
			return text
		}
	}
	if text, ok := r.lookup(ctx, string(ct)); ok {
		return text
	}
	return DefaultText(ct)
}

func (r *Resolver) lookup(ctx context.Context, key string) (string, bool) {
	rec, ok, err := r.store.GetPrompt(ctx, key)
	if err != nil {
		r.logger.Warn("prompt lookup failed, falling back", "key", key, "error", err)
		return "", false
	}
	if !ok {
		return "", false
	}
	if !Usable(rec.Text) {
		r.logger.Warn("stored prompt rejected as unusable", "key", key)
		return "", false
	}
	return rec.Text, true
}

func (r *Resolver) cached(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[key]
	if !ok || time.Now().After(entry.expires) {
		return "", false
	}
	return entry.text, true
}

func (r *Resolver) put(key, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = cacheEntry{text: text, expires: time.Now().Add(r.ttl)}
}

// Usable reports whether a prompt text is safe to use: long enough and
// not matching a known refusal fragment.
func Usable(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < minPromptLength {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, frag := range refusalFragments {
		if strings.Contains(lower, frag) {
			return false
		}
	}
	return true
}

func cacheKey(ct domain.ContentType, unitID string) string {
	if unitID == "" {
		return string(ct)
	}
	return string(ct) + "." + unitID
}
