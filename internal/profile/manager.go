package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// ProfileStore defines the storage operations the Manager needs.
// Implemented by storage.Store.
type ProfileStore interface {
	SetProfileKey(ctx context.Context, owner, key, value string) error
	DeleteProfileKey(ctx context.Context, owner, key string) error
	GetAllProfileKeys(ctx context.Context, owner string) (map[string]string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type cacheEntry struct {
	profile  Profile
	cachedAt time.Time
}

// Manager provides cached, structured access to per-owner profiles stored
// in SQLite.
type Manager struct {
	store ProfileStore
	clock Clock
	ttl   time.Duration

	mu     sync.RWMutex
	cached map[string]cacheEntry
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store ProfileStore) *Manager {
	return NewManagerWithClock(store, realClock{}, 60*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store ProfileStore, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		store:  store,
		clock:  clock,
		ttl:    ttl,
		cached: make(map[string]cacheEntry),
	}
}

// GetProfile reads the owner's profile keys from storage (or cache) and
// assembles a structured Profile. Returns a zero-value Profile for an owner
// with no keys.
func (m *Manager) GetProfile(ctx context.Context, owner string) (Profile, error) {
	// Fast path: read lock for cache hit.
	m.mu.RLock()
	if e, ok := m.cached[owner]; ok && m.clock.Now().Before(e.cachedAt.Add(m.ttl)) {
		p := deepCopyProfile(&e.profile)
		m.mu.RUnlock()
		return p, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock.
	if e, ok := m.cached[owner]; ok && m.clock.Now().Before(e.cachedAt.Add(m.ttl)) {
		return deepCopyProfile(&e.profile), nil
	}

	keys, err := m.store.GetAllProfileKeys(ctx, owner)
	if err != nil {
		return Profile{}, fmt.Errorf("loading profile keys: %w", err)
	}

	p := buildProfile(keys)
	m.cached[owner] = cacheEntry{profile: p, cachedAt: m.clock.Now()}
	return deepCopyProfile(&p), nil
}

// SetField persists a profile key and invalidates the owner's cache entry.
// A nil value or empty string removes the key.
func (m *Manager) SetField(ctx context.Context, owner, key string, value any) error {
	if !KnownKey(key) {
		return fmt.Errorf("unknown profile key %q", key)
	}

	var str string
	switch v := value.(type) {
	case nil:
	case string:
		str = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshalling value for key %q: %w", key, err)
		}
		str = string(b)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if str == "" {
		err = m.store.DeleteProfileKey(ctx, owner, key)
	} else {
		err = m.store.SetProfileKey(ctx, owner, key, str)
	}
	if err != nil {
		return fmt.Errorf("setting profile key %q: %w", key, err)
	}

	delete(m.cached, owner)
	return nil
}

// Summary renders the owner's profile for the decision prompt. It is empty
// when nothing is configured.
func (m *Manager) Summary(ctx context.Context, owner string) (string, error) {
	p, err := m.GetProfile(ctx, owner)
	if err != nil {
		return "", fmt.Errorf("getting profile for summary: %w", err)
	}
	return summarize(p), nil
}

// maxSummaryChars caps the summary to stay under ~500 tokens (4 chars/token).
const maxSummaryChars = 2000

func summarize(p Profile) string {
	var parts []string

	var who []string
	if p.Identity.Name != "" {
		who = append(who, p.Identity.Name)
	}
	if p.Identity.Email != "" {
		who = append(who, "<"+p.Identity.Email+">")
	}
	if len(who) > 0 {
		line := "User: " + strings.Join(who, " ")
		if p.Identity.Role != "" {
			line += ", " + p.Identity.Role
		}
		parts = append(parts, line+".")
	} else if p.Identity.Role != "" {
		parts = append(parts, fmt.Sprintf("User: %s.", p.Identity.Role))
	}

	if p.Communication.Tone != "" {
		parts = append(parts, fmt.Sprintf("Reply tone: %s.", p.Communication.Tone))
	}
	if p.Communication.Signature != "" {
		parts = append(parts, fmt.Sprintf("Sign emails as: %s", p.Communication.Signature))
	}

	if len(p.PriorityContacts) > 0 {
		parts = append(parts, fmt.Sprintf("Priority contacts: %s.", strings.Join(p.PriorityContacts, ", ")))
	}

	// Sorted for deterministic output.
	if len(p.WorkingContext) > 0 {
		keys := make([]string, 0, len(p.WorkingContext))
		for k := range p.WorkingContext {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var ctxParts []string
		for _, k := range keys {
			ctxParts = append(ctxParts, fmt.Sprintf("%s: %s", k, p.WorkingContext[k]))
		}
		parts = append(parts, fmt.Sprintf("Working on: %s.", strings.Join(ctxParts, "; ")))
	}

	parts = append(parts, p.Preferences...)

	if len(parts) == 0 {
		return ""
	}

	summary := strings.Join(parts, "\n")
	if len(summary) > maxSummaryChars {
		// Ensure we don't split a multi-byte UTF-8 character.
		end := maxSummaryChars
		for end > 0 && !utf8.RuneStart(summary[end]) {
			end--
		}
		if idx := strings.LastIndexAny(summary[:end], " \n"); idx > 0 {
			summary = summary[:idx]
		} else {
			summary = summary[:end]
		}
	}
	return summary
}

func deepCopyProfile(p *Profile) Profile {
	if p == nil {
		return Profile{}
	}
	cp := *p

	if p.PriorityContacts != nil {
		cp.PriorityContacts = append([]string(nil), p.PriorityContacts...)
	}
	if p.Preferences != nil {
		cp.Preferences = append([]string(nil), p.Preferences...)
	}
	if p.WorkingContext != nil {
		cp.WorkingContext = make(map[string]string, len(p.WorkingContext))
		for k, v := range p.WorkingContext {
			cp.WorkingContext[k] = v
		}
	}
	return cp
}

// buildProfile assembles a Profile from flat key-value pairs.
// Keys use dot-notation for scalar fields; list/map values are stored as
// JSON arrays/objects.
func buildProfile(keys map[string]string) Profile {
	var p Profile

	p.Identity.Name = keys["identity.name"]
	p.Identity.Email = keys["identity.email"]
	p.Identity.Role = keys["identity.role"]
	p.Communication.Tone = keys["communication.tone"]
	p.Communication.Signature = keys["communication.signature"]

	unmarshalProfileKey(keys, "priority_contacts", &p.PriorityContacts)
	unmarshalProfileKey(keys, "working_context", &p.WorkingContext)
	unmarshalProfileKey(keys, "preferences", &p.Preferences)

	return p
}

// unmarshalProfileKey unmarshals a JSON value from keys into target, logging
// a warning if the value is present but malformed.
func unmarshalProfileKey(keys map[string]string, key string, target any) {
	v, ok := keys[key]
	if !ok {
		return
	}
	if err := json.Unmarshal([]byte(v), target); err != nil {
		slog.Warn("malformed profile key, skipping", "key", key, "error", err)
	}
}
