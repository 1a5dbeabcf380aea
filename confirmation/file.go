package confirmation

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-orchestration"
	"github.com/goliatone/go-orchestration/observability"
	"github.com/goliatone/go-orchestration/storage"
	"github.com/google/uuid"
)

// historyRetentionLimit bounds the resolved-confirmation history kept per
// tenant document. Pending entries are never evicted.
const historyRetentionLimit = 500

// FileStore keeps each tenant's confirmations in one JSON document with a
// pending list and a resolved history list. The mutex serializes
// resolution attempts, which is the single-resolution mechanism for this
// backend.
type FileStore struct {
	mu     sync.Mutex
	dir    string
	logger orchestration.Logger
	now    func() time.Time
}

type confirmationDocument struct {
	Pending []Confirmation `json:"pending"`
	History []Confirmation `json:"history"`
}

// FileStoreOption customizes a FileStore.
type FileStoreOption func(*FileStore)

// WithFileStoreLogger sets the store logger.
func WithFileStoreLogger(logger orchestration.Logger) FileStoreOption {
	return func(s *FileStore) { s.logger = logger }
}

// WithFileStoreClock overrides the clock, mainly for tests.
func WithFileStoreClock(now func() time.Time) FileStoreOption {
	return func(s *FileStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewFileStore opens (or creates) the confirmation directory.
func NewFileStore(dir string, opts ...FileStoreOption) (*FileStore, error) {
	s := &FileStore{
		dir: dir,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = orchestration.NormalizeLogger(s.logger)

	if err := storage.EnsureDir(dir); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) path(tenantID string) string {
	return filepath.Join(s.dir, "confirmations-"+tenantID+".json")
}

func (s *FileStore) load(tenantID string) (*confirmationDocument, error) {
	doc := &confirmationDocument{}
	if _, err := storage.ReadDocument(s.path(tenantID), doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *FileStore) save(tenantID string, doc *confirmationDocument) error {
	if doc.Pending == nil {
		doc.Pending = []Confirmation{}
	}
	if doc.History == nil {
		doc.History = []Confirmation{}
	}
	return storage.WriteDocument(s.path(tenantID), doc)
}

// Create stores a new pending confirmation.
func (s *FileStore) Create(_ context.Context, tenantID string, in CreateInput) (*Confirmation, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(tenantID)
	if err != nil {
		return nil, err
	}

	at := s.now()
	c := Confirmation{
		ConfirmationID:  uuid.NewString(),
		TenantID:        strings.TrimSpace(tenantID),
		Status:          StatusPending,
		ReasonCode:      strings.TrimSpace(in.ReasonCode),
		OwnerCommandRef: strings.TrimSpace(in.OwnerCommandRef),
		TaskPlanRef:     strings.TrimSpace(in.TaskPlanRef),
		RequestSnapshot: in.RequestSnapshot.Clone(),
		CreatedAt:       at,
		UpdatedAt:       at,
	}
	doc.Pending = append(doc.Pending, c)

	if err := s.save(c.TenantID, doc); err != nil {
		return nil, err
	}

	out := c.Clone()
	return &out, nil
}

// Get returns the confirmation from either list, or (nil, nil).
func (s *FileStore) Get(_ context.Context, tenantID, confirmationID string) (*Confirmation, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(tenantID)
	if err != nil {
		return nil, err
	}
	for _, list := range [][]Confirmation{doc.Pending, doc.History} {
		for _, c := range list {
			if c.ConfirmationID == confirmationID {
				out := c.Clone()
				return &out, nil
			}
		}
	}
	return nil, nil
}

// CountPending reports the pending backlog size.
func (s *FileStore) CountPending(_ context.Context, tenantID string) (int, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(tenantID)
	if err != nil {
		return 0, err
	}
	return len(doc.Pending), nil
}

// List merges pending and history, newest first.
func (s *FileStore) List(_ context.Context, tenantID string, f ListFilter) ([]Confirmation, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	limit := clampListLimit(f.Limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(tenantID)
	if err != nil {
		return nil, err
	}

	items := make([]Confirmation, 0, len(doc.Pending)+len(doc.History))
	for _, list := range [][]Confirmation{doc.Pending, doc.History} {
		for _, c := range list {
			if f.Status != "" && c.Status != f.Status {
				continue
			}
			items = append(items, c.Clone())
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Resolve applies the decision when the confirmation is still pending.
// Anything else, including a second resolution of the same id, yields
// (nil, nil) and leaves the stored record untouched.
func (s *FileStore) Resolve(_ context.Context, tenantID, confirmationID string, in ResolveInput) (*Confirmation, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(tenantID)
	if err != nil {
		return nil, err
	}

	for i := range doc.Pending {
		if doc.Pending[i].ConfirmationID != confirmationID {
			continue
		}

		c := doc.Pending[i]
		at := s.now()
		c.Status = in.Status
		c.UpdatedAt = at
		c.ResolvedAt = &at
		c.Resolution = &Resolution{
			Action:           strings.TrimSpace(in.Action),
			ActorSessionID:   strings.TrimSpace(in.ActorSessionID),
			ResolutionReason: strings.TrimSpace(in.ResolutionReason),
		}
		c.ModuleTask = in.ModuleTask.Clone()

		doc.Pending = append(doc.Pending[:i], doc.Pending[i+1:]...)
		doc.History = append([]Confirmation{c}, doc.History...)
		if len(doc.History) > historyRetentionLimit {
			doc.History = doc.History[:historyRetentionLimit]
		}

		if err := s.save(tenantID, doc); err != nil {
			return nil, err
		}

		observability.RecordConfirmationResolved(tenantID, string(in.Status))
		out := c.Clone()
		return &out, nil
	}
	return nil, nil
}
