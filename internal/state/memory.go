package state

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Sagnnik/docker-mcp-bridge/internal/log"
)

// MemoryStore is an in-process Store guarded by a mutex. Entries expire by
// wall clock; expired entries are removed the next time they are read.
type MemoryStore struct {
	logger       log.Logger
	now          func() time.Time
	grantTTL     time.Duration
	interruptTTL time.Duration

	mu         sync.Mutex
	grants     map[string]map[string]grantEntry
	servers    map[string][]string
	interrupts map[string]*Interrupt
}

type grantEntry struct {
	tools     []string
	expiresAt time.Time
}

// MemoryOption adjusts a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithGrantTTL overrides the tenant grant TTL.
func WithGrantTTL(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.grantTTL = d }
}

// WithInterruptTTL overrides the interrupt TTL.
func WithInterruptTTL(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.interruptTTL = d }
}

// WithClock overrides the time source. Tests use this to advance time.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty in-memory store with default TTLs.
func NewMemoryStore(logger log.Logger, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		logger:       logger.With("component", "state"),
		now:          time.Now,
		grantTTL:     DefaultGrantTTL,
		interruptTTL: DefaultInterruptTTL,
		grants:       make(map[string]map[string]grantEntry),
		servers:      make(map[string][]string),
		interrupts:   make(map[string]*Interrupt),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) GrantTools(_ context.Context, tenantID, server string, tools []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byServer, ok := s.grants[tenantID]
	if !ok {
		byServer = make(map[string]grantEntry)
		s.grants[tenantID] = byServer
	}
	byServer[server] = grantEntry{
		tools:     slices.Clone(tools),
		expiresAt: s.now().Add(s.grantTTL),
	}
	return nil
}

func (s *MemoryStore) RevokeGrant(_ context.Context, tenantID, server string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byServer, ok := s.grants[tenantID]
	if !ok {
		return false, nil
	}
	entry, existed := byServer[server]
	if existed && s.now().After(entry.expiresAt) {
		existed = false
	}
	delete(byServer, server)
	return existed, nil
}

func (s *MemoryStore) ReplaceTools(_ context.Context, tenantID string, tools []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[tenantID] = map[string]grantEntry{
		"": {tools: slices.Clone(tools), expiresAt: s.now().Add(s.grantTTL)},
	}
	return nil
}

func (s *MemoryStore) GrantedTools(_ context.Context, tenantID string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{})
	byServer := s.grants[tenantID]
	now := s.now()
	for server, entry := range byServer {
		if now.After(entry.expiresAt) {
			delete(byServer, server)
			continue
		}
		for _, t := range entry.tools {
			out[t] = struct{}{}
		}
	}
	return out, nil
}

func (s *MemoryStore) TrackServer(_ context.Context, tenantID, server string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.servers[tenantID], server) {
		s.servers[tenantID] = append(s.servers[tenantID], server)
	}
	return nil
}

func (s *MemoryStore) UntrackServer(_ context.Context, tenantID, server string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.servers[tenantID]
	if i := slices.Index(list, server); i >= 0 {
		s.servers[tenantID] = slices.Delete(list, i, i+1)
	}
	return nil
}

func (s *MemoryStore) ActiveServers(_ context.Context, tenantID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.servers[tenantID]), nil
}

func (s *MemoryStore) Save(_ context.Context, it *Interrupt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *it
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	if stored.ExpiresAt.IsZero() {
		stored.ExpiresAt = s.now().Add(s.interruptTTL)
	}
	s.interrupts[stored.ID] = &stored
	s.logger.Debug("interrupt saved", "id", stored.ID, "kind", stored.Kind, "tenant", stored.TenantID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Interrupt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, err := s.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	copied := *it
	return &copied, nil
}

func (s *MemoryStore) Take(_ context.Context, id string) (*Interrupt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, err := s.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	delete(s.interrupts, id)
	return it, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.interrupts, id)
	return nil
}

// lookupLocked purges the entry when expired. Callers hold s.mu.
func (s *MemoryStore) lookupLocked(id string) (*Interrupt, error) {
	it, ok := s.interrupts[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.now().After(it.ExpiresAt) {
		delete(s.interrupts, id)
		return nil, ErrNotFound
	}
	return it, nil
}

var _ Store = (*MemoryStore)(nil)
