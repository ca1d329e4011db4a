package service

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"readlater_sync/internal/domain"
)

// memStore is an in-memory LocalStore and TransactionManager with the same
// version and id semantics as the SQL store.
type memStore struct {
	mu   sync.Mutex
	rows map[string]*domain.Article

	failUpdate map[string]error
	failCreate map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		rows:       make(map[string]*domain.Article),
		failUpdate: make(map[string]error),
		failCreate: make(map[string]error),
	}
}

func (m *memStore) put(a *domain.Article) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := a.Clone()
	c.Tags = domain.NormalizeTags(c.Tags)
	m.rows[a.ID] = c
}

func (m *memStore) get(id string) (*domain.Article, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *memStore) QueryModified(context.Context) ([]domain.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Article
	for _, a := range m.rows {
		if a.IsModified {
			out = append(out, *a.Clone())
		}
	}
	slices.SortFunc(out, func(a, b domain.Article) int {
		if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (m *memStore) GetByID(_ context.Context, id string) (*domain.Article, error) {
	a, ok := m.get(id)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return a, nil
}

func (m *memStore) Create(_ context.Context, article *domain.Article) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failCreate[article.ID]; err != nil {
		return err
	}
	if _, ok := m.rows[article.ID]; ok {
		return fmt.Errorf("create %s: %w", article.ID, domain.ErrDuplicateID)
	}
	c := article.Clone()
	c.Tags = domain.NormalizeTags(c.Tags)
	m.rows[article.ID] = c
	return nil
}

func (m *memStore) Update(_ context.Context, id string, patch domain.ArticlePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failUpdate[id]; err != nil {
		return err
	}
	a, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	if patch.ExpectedUpdatedAt != nil && !a.UpdatedAt.Equal(*patch.ExpectedUpdatedAt) {
		return domain.ErrStaleWrite
	}
	patch.Apply(a)
	return nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

// WithTransaction restores the previous rows when fn fails.
func (m *memStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	snapshot := make(map[string]*domain.Article, len(m.rows))
	for id, a := range m.rows {
		snapshot[id] = a.Clone()
	}
	m.mu.Unlock()

	if err := fn(ctx); err != nil {
		m.mu.Lock()
		m.rows = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

type memSyncState struct {
	mu     sync.Mutex
	states map[string]domain.SyncState
}

func newMemSyncState() *memSyncState {
	return &memSyncState{states: make(map[string]domain.SyncState)}
}

func (m *memSyncState) Get(_ context.Context, storeID string) (*domain.SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[storeID]
	if !ok {
		return &domain.SyncState{StoreID: storeID}, nil
	}
	return &s, nil
}

func (m *memSyncState) Update(_ context.Context, state *domain.SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.StoreID] = *state
	return nil
}

func (m *memSyncState) checkpoint(storeID string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[storeID].LastSyncedAt
}

// fakeServer is an in-memory RemoteClient with its own clock. Deleted
// articles stay listed as tombstones.
type fakeServer struct {
	mu     sync.Mutex
	clock  time.Time
	nextID int
	rows   map[string]*domain.Article

	pingErr     error
	listErr     error
	failUpdate  map[string]error
	failCreate  map[string]error
	failDelete  map[string]error
	failContent map[string]error
	contents    map[string]string
	fixedIDs    []string

	onUpdate func(id string)
	onCreate func()
	onList   func()

	calls map[string]int
}

func newFakeServer(start time.Time) *fakeServer {
	return &fakeServer{
		clock:       start,
		rows:        make(map[string]*domain.Article),
		failUpdate:  make(map[string]error),
		failCreate:  make(map[string]error),
		failDelete:  make(map[string]error),
		failContent: make(map[string]error),
		contents:    make(map[string]string),
		calls:       make(map[string]int),
	}
}

func (f *fakeServer) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fakeServer) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeServer) writes() int {
	return f.callCount("create") + f.callCount("update") + f.callCount("delete")
}

// seed stores an article as if another device had created it.
func (f *fakeServer) seed(a domain.Article) domain.Article {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.UpdatedAt = f.tick()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = a.UpdatedAt
	}
	a.IsModified = false
	a.Tags = domain.NormalizeTags(a.Tags)
	f.rows[a.ID] = a.Clone()
	return a
}

// edit changes an article as if another device had updated it.
func (f *fakeServer) edit(id string, fn func(a *domain.Article)) domain.Article {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.rows[id]
	fn(a)
	a.UpdatedAt = f.tick()
	return *a.Clone()
}

func (f *fakeServer) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.rows[id]
	a.IsDeleted = true
	a.UpdatedAt = f.tick()
}

func (f *fakeServer) get(id string) (domain.Article, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[id]
	if !ok {
		return domain.Article{}, false
	}
	return *a.Clone(), true
}

func notFound() error {
	return &domain.RemoteError{StatusCode: 404, Err: domain.ErrRemoteNotFound}
}

func (f *fakeServer) ListChangedSince(ctx context.Context, since time.Time) ([]domain.Article, error) {
	if f.onList != nil {
		f.onList()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["list"]++
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.Article
	for _, a := range f.rows {
		if a.UpdatedAt.After(since) {
			c := a.Clone()
			c.Content = ""
			out = append(out, *c)
		}
	}
	slices.SortFunc(out, func(a, b domain.Article) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	return out, nil
}

func (f *fakeServer) CreateRemote(_ context.Context, article *domain.Article) (*domain.Article, error) {
	if f.onCreate != nil {
		f.onCreate()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["create"]++
	if err := f.failCreate[article.ID]; err != nil {
		return nil, err
	}

	var id string
	if len(f.fixedIDs) > 0 {
		id, f.fixedIDs = f.fixedIDs[0], f.fixedIDs[1:]
	} else {
		f.nextID++
		id = fmt.Sprintf("srv_%d", f.nextID)
	}

	now := f.tick()
	a := article.Clone()
	a.ID = id
	a.CreatedAt = now
	a.UpdatedAt = now
	a.SyncedAt = nil
	a.IsModified = false
	a.IsDeleted = false
	a.Tags = domain.NormalizeTags(a.Tags)
	f.rows[id] = a
	return a.Clone(), nil
}

func (f *fakeServer) UpdateRemote(_ context.Context, id string, fields domain.MutableFields) (*domain.Article, error) {
	if f.onUpdate != nil {
		f.onUpdate(id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["update"]++
	if err := f.failUpdate[id]; err != nil {
		return nil, err
	}
	a, ok := f.rows[id]
	if !ok || a.IsDeleted {
		return nil, notFound()
	}
	a.Title = fields.Title
	a.IsRead = fields.IsRead
	a.IsFavorite = fields.IsFavorite
	a.IsArchived = fields.IsArchived
	a.Tags = domain.NormalizeTags(fields.Tags)
	a.UpdatedAt = f.tick()
	return a.Clone(), nil
}

func (f *fakeServer) DeleteRemote(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["delete"]++
	if err := f.failDelete[id]; err != nil {
		return err
	}
	a, ok := f.rows[id]
	if !ok || a.IsDeleted {
		return notFound()
	}
	a.IsDeleted = true
	a.UpdatedAt = f.tick()
	return nil
}

func (f *fakeServer) FetchFullContent(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["content"]++
	if err := f.failContent[id]; err != nil {
		return "", err
	}
	content, ok := f.contents[id]
	if !ok {
		return "", notFound()
	}
	return content, nil
}

func (f *fakeServer) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ping"]++
	return f.pingErr
}

// recorder is an Observer that keeps every event.
type recorder struct {
	mu        sync.Mutex
	progress  []domain.Progress
	conflicts []domain.ConflictCase
	results   []domain.SyncResult
}

func (r *recorder) Progress(_ context.Context, p domain.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *recorder) Conflict(_ context.Context, c domain.ConflictCase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts = append(r.conflicts, c)
}

func (r *recorder) Completed(_ context.Context, res domain.SyncResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

// phases returns the distinct phases in the order they were entered.
func (r *recorder) phases() []domain.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Phase
	for _, p := range r.progress {
		if len(out) == 0 || out[len(out)-1] != p.Phase {
			out = append(out, p.Phase)
		}
	}
	return out
}

func (r *recorder) conflictIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make(map[string]struct{})
	for _, c := range r.conflicts {
		ids[c.ArticleID] = struct{}{}
	}
	return slices.Sorted(maps.Keys(ids))
}
