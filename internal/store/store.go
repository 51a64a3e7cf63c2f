// Package store persists session checkpoints and reusable skills. Both live
// in the same backend under separate namespaces, one record per key.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"
)

// Namespaces.
const (
	NamespaceSessions = "sessions"
	NamespaceSkills   = "skills"
)

var (
	// ErrNotFound is returned by backends for a missing key.
	ErrNotFound = errors.New("record not found")
	// ErrExists is returned by Backend.Create when the key is taken.
	ErrExists = errors.New("record already exists")

	ErrInvalidKey      = errors.New("invalid key")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrSkillNotFound   = errors.New("skill not found")
)

var keyRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateKey checks a session id or skill name.
func ValidateKey(key string) error {
	if !keyRe.MatchString(key) {
		return fmt.Errorf("%w: %q must match %s", ErrInvalidKey, key, keyRe.String())
	}
	return nil
}

// Backend is durable per-key storage. Writes to one key must not block
// writes to another.
type Backend interface {
	Get(ctx context.Context, ns, key string) ([]byte, error)
	Put(ctx context.Context, ns, key string, data []byte) error
	// Create stores data only if key is absent, returning ErrExists otherwise.
	Create(ctx context.Context, ns, key string, data []byte) error
	Delete(ctx context.Context, ns, key string) error
	// List returns the keys of ns in ascending order.
	List(ctx context.Context, ns string) ([]string, error)
	Close() error
}

// Session is a caller-addressed checkpoint.
type Session struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	State     map[string]any `json:"state"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SessionInfo is a Session without its state.
type SessionInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Skill is a named, persisted transformation snippet.
type Skill struct {
	Name        string    `json:"name"`
	Code        string    `json:"code"`
	Description string    `json:"description"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SkillInfo is a Skill without its code.
type SkillInfo struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store is the session and skill API on top of a Backend.
type Store struct {
	backend Backend
	now     func() time.Time
}

// New wraps backend.
func New(backend Backend) *Store {
	return &Store{backend: backend, now: func() time.Time { return time.Now().UTC() }}
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// CreateSession registers a new, empty session.
func (s *Store) CreateSession(ctx context.Context, id, name string) (*Session, error) {
	if err := ValidateKey(id); err != nil {
		return nil, err
	}
	now := s.now()
	sess := &Session{ID: id, Name: name, State: map[string]any{}, CreatedAt: now, UpdatedAt: now}
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("encoding session %s: %w", id, err)
	}
	if err := s.backend.Create(ctx, NamespaceSessions, id, data); err != nil {
		if errors.Is(err, ErrExists) {
			return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
		}
		return nil, fmt.Errorf("creating session %s: %w", id, err)
	}
	return sess, nil
}

// GetSession returns the full session record.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	if err := ValidateKey(id); err != nil {
		return nil, err
	}
	data, err := s.backend.Get(ctx, NamespaceSessions, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	if sess.State == nil {
		sess.State = map[string]any{}
	}
	return &sess, nil
}

// SaveState replaces the whole state of session id, creating the session if
// needed. No merging is done; callers load, modify and save.
func (s *Store) SaveState(ctx context.Context, id string, state map[string]any) error {
	if err := ValidateKey(id); err != nil {
		return err
	}
	if state == nil {
		state = map[string]any{}
	}
	now := s.now()
	sess := &Session{ID: id, State: state, CreatedAt: now, UpdatedAt: now}
	if prev, err := s.GetSession(ctx, id); err == nil {
		sess.Name = prev.Name
		sess.CreatedAt = prev.CreatedAt
	} else if !errors.Is(err, ErrSessionNotFound) {
		return err
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", id, err)
	}
	if err := s.backend.Put(ctx, NamespaceSessions, id, data); err != nil {
		return fmt.Errorf("saving session %s: %w", id, err)
	}
	return nil
}

// LoadState returns the state of session id, or an empty map if the session
// does not exist.
func (s *Store) LoadState(ctx context.Context, id string) (map[string]any, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	return sess.State, nil
}

// DeleteSession removes session id.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := ValidateKey(id); err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, NamespaceSessions, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

// ListSessions returns every session ordered by id.
func (s *Store) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	keys, err := s.backend.List(ctx, NamespaceSessions)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	out := make([]SessionInfo, 0, len(keys))
	for _, k := range keys {
		sess, err := s.GetSession(ctx, k)
		if err != nil {
			// Deleted between List and Get.
			if errors.Is(err, ErrSessionNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, SessionInfo{ID: sess.ID, Name: sess.Name, UpdatedAt: sess.UpdatedAt})
	}
	return out, nil
}

// SaveSkill stores a skill, replacing any existing skill with the same name.
func (s *Store) SaveSkill(ctx context.Context, name, code, description string) error {
	if err := ValidateKey(name); err != nil {
		return err
	}
	data, err := json.Marshal(Skill{Name: name, Code: code, Description: description, UpdatedAt: s.now()})
	if err != nil {
		return fmt.Errorf("encoding skill %s: %w", name, err)
	}
	if err := s.backend.Put(ctx, NamespaceSkills, name, data); err != nil {
		return fmt.Errorf("saving skill %s: %w", name, err)
	}
	return nil
}

// LoadSkill returns the skill called name.
func (s *Store) LoadSkill(ctx context.Context, name string) (*Skill, error) {
	if err := ValidateKey(name); err != nil {
		return nil, err
	}
	data, err := s.backend.Get(ctx, NamespaceSkills, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSkillNotFound, name)
		}
		return nil, fmt.Errorf("loading skill %s: %w", name, err)
	}
	var sk Skill
	if err := json.Unmarshal(data, &sk); err != nil {
		return nil, fmt.Errorf("decoding skill %s: %w", name, err)
	}
	return &sk, nil
}

// ListSkills returns every skill ordered by name.
func (s *Store) ListSkills(ctx context.Context) ([]SkillInfo, error) {
	keys, err := s.backend.List(ctx, NamespaceSkills)
	if err != nil {
		return nil, fmt.Errorf("listing skills: %w", err)
	}
	out := make([]SkillInfo, 0, len(keys))
	for _, k := range keys {
		sk, err := s.LoadSkill(ctx, k)
		if err != nil {
			if errors.Is(err, ErrSkillNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, SkillInfo{Name: sk.Name, Description: sk.Description, UpdatedAt: sk.UpdatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteSkill removes the skill called name.
func (s *Store) DeleteSkill(ctx context.Context, name string) error {
	if err := ValidateKey(name); err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, NamespaceSkills, name); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSkillNotFound, name)
		}
		return fmt.Errorf("deleting skill %s: %w", name, err)
	}
	return nil
}
