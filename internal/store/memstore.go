package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/domain"
)

// Memory is an in-process implementation of TaskStore, RunStore, and
// DLQStore. It backs unit tests and the single-node dev mode; the mutex gives
// it the same atomic transition semantics the postgres store gets from row
// locks.
type Memory struct {
	mu        sync.Mutex
	tasks     map[string]*domain.Task
	runs      map[string]*domain.PipelineRun
	dlq       map[string]*domain.DLQItem      // by item ID
	dlqByTask map[string]string               // task ID → item ID
	attempts  map[string][]domain.TaskAttempt

	// now is the clock; overridable in tests.
	now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:     make(map[string]*domain.Task),
		runs:      make(map[string]*domain.PipelineRun),
		dlq:       make(map[string]*domain.DLQItem),
		dlqByTask: make(map[string]string),
		attempts:  make(map[string][]domain.TaskAttempt),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the store's clock. Test helper.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// ─── TaskStore ───────────────────────────────────────────────────────────────

func (m *Memory) Insert(_ context.Context, task *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = copyTask(task)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return copyTask(t), nil
}

func (m *Memory) CompareAndSet(_ context.Context, id string, check Check, next domain.Status, mutate Mutate) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	if check != nil {
		if err := check(copyTask(t)); err != nil {
			return nil, err
		}
	}

	updated := copyTask(t)
	updated.Status = next
	if mutate != nil {
		mutate(updated)
	}
	updated.UpdatedAt = m.now()
	m.tasks[id] = updated
	return copyTask(updated), nil
}

func (m *Memory) CompareAndSetStatus(ctx context.Context, id string, expected, next domain.Status, mutate Mutate) (*domain.Task, error) {
	return m.CompareAndSet(ctx, id, ExpectStatus(id, expected), next, mutate)
}

func (m *Memory) FindReady(_ context.Context, limit int) ([]*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var ready []*domain.Task
	for _, t := range m.tasks {
		if t.Ready(now) {
			ready = append(ready, copyTask(t))
		}
	}
	// Expired-lease reclaims first, then created_at ascending.
	sort.Slice(ready, func(i, j int) bool {
		ri, rj := ready[i].LeaseExpired(now), ready[j].LeaseExpired(now)
		if ri != rj {
			return ri
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

func (m *Memory) ListByRun(_ context.Context, runID string) ([]*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tasks []*domain.Task
	for _, t := range m.tasks {
		if t.PipelineRunID == runID {
			tasks = append(tasks, copyTask(t))
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (m *Memory) CountByStatus(_ context.Context) (map[domain.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[domain.Status]int)
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (m *Memory) OldestQueuedAge(_ context.Context, now time.Time) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *time.Time
	for _, t := range m.tasks {
		if t.Status != domain.StatusQueued {
			continue
		}
		if oldest == nil || t.CreatedAt.Before(*oldest) {
			created := t.CreatedAt
			oldest = &created
		}
	}
	if oldest == nil {
		return 0, nil
	}
	return now.Sub(*oldest), nil
}

func (m *Memory) RecordAttempt(_ context.Context, taskID string, att domain.TaskAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[taskID] = append(m.attempts[taskID], att)
	return nil
}

func (m *Memory) ListAttempts(_ context.Context, taskID string) ([]domain.TaskAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	atts := make([]domain.TaskAttempt, len(m.attempts[taskID]))
	copy(atts, m.attempts[taskID])
	return atts, nil
}

// ─── RunStore ────────────────────────────────────────────────────────────────

func (m *Memory) InsertRun(_ context.Context, run *domain.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = copyRun(run)
	return nil
}

// InsertRunWithTasks writes the run and its tasks under one lock acquisition,
// matching the postgres store's transactional insert.
func (m *Memory) InsertRunWithTasks(_ context.Context, run *domain.PipelineRun, tasks []*domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = copyRun(run)
	for _, t := range tasks {
		m.tasks[t.ID] = copyTask(t)
	}
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*domain.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, &domain.RunNotFoundError{RunID: id}
	}
	return copyRun(r), nil
}

func (m *Memory) UpdateRunStatus(_ context.Context, id string, status domain.RunStatus, finishedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return &domain.RunNotFoundError{RunID: id}
	}
	r.Status = status
	r.FinishedAt = finishedAt
	return nil
}

func (m *Memory) ListRuns(_ context.Context, limit int) ([]*domain.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var runs []*domain.PipelineRun
	for _, r := range m.runs {
		runs = append(runs, copyRun(r))
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (m *Memory) ListUnfinishedRuns(_ context.Context, limit int) ([]*domain.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var runs []*domain.PipelineRun
	for _, r := range m.runs {
		if !r.Status.IsTerminal() {
			runs = append(runs, copyRun(r))
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// ─── DLQStore ────────────────────────────────────────────────────────────────

func (m *Memory) Upsert(_ context.Context, item *domain.DLQItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Keyed by task ID: recording the same task twice overwrites.
	if existingID, ok := m.dlqByTask[item.TaskID]; ok {
		stored := copyDLQItem(item)
		stored.ID = existingID
		m.dlq[existingID] = stored
		return nil
	}
	m.dlq[item.ID] = copyDLQItem(item)
	m.dlqByTask[item.TaskID] = item.ID
	return nil
}

func (m *Memory) GetDLQItem(_ context.Context, id string) (*domain.DLQItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.dlq[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return copyDLQItem(item), nil
}

func (m *Memory) List(_ context.Context, filter DLQFilter, limit, offset int) ([]*domain.DLQItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var items []*domain.DLQItem
	for _, item := range m.dlq {
		if filter.PipelineRunID != "" && item.PipelineRunID != filter.PipelineRunID {
			continue
		}
		if filter.TaskType != "" && item.TaskType != filter.TaskType {
			continue
		}
		items = append(items, copyDLQItem(item))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].DeadLetteredAt.After(items[j].DeadLetteredAt) })
	if offset >= len(items) {
		return nil, nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *Memory) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for id, item := range m.dlq {
		if item.DeadLetteredAt.Before(cutoff) {
			delete(m.dlq, id)
			delete(m.dlqByTask, item.TaskID)
			deleted++
		}
	}
	return deleted, nil
}

// ─── adapters ────────────────────────────────────────────────────────────────

// memRunStore and memDLQStore expose Memory under the RunStore/DLQStore
// method names, which differ from the TaskStore ones on the shared struct.
type memRunStore struct{ m *Memory }

// Runs returns the Memory store viewed as a RunStore.
func (m *Memory) Runs() RunStore { return &memRunStore{m: m} }

func (s *memRunStore) Insert(ctx context.Context, run *domain.PipelineRun) error {
	return s.m.InsertRun(ctx, run)
}
func (s *memRunStore) InsertWithTasks(ctx context.Context, run *domain.PipelineRun, tasks []*domain.Task) error {
	return s.m.InsertRunWithTasks(ctx, run, tasks)
}
func (s *memRunStore) Get(ctx context.Context, id string) (*domain.PipelineRun, error) {
	return s.m.GetRun(ctx, id)
}
func (s *memRunStore) UpdateStatus(ctx context.Context, id string, status domain.RunStatus, finishedAt *time.Time) error {
	return s.m.UpdateRunStatus(ctx, id, status, finishedAt)
}
func (s *memRunStore) List(ctx context.Context, limit int) ([]*domain.PipelineRun, error) {
	return s.m.ListRuns(ctx, limit)
}
func (s *memRunStore) ListUnfinished(ctx context.Context, limit int) ([]*domain.PipelineRun, error) {
	return s.m.ListUnfinishedRuns(ctx, limit)
}

type memDLQStore struct{ m *Memory }

// DLQ returns the Memory store viewed as a DLQStore.
func (m *Memory) DLQ() DLQStore { return &memDLQStore{m: m} }

func (s *memDLQStore) Upsert(ctx context.Context, item *domain.DLQItem) error {
	return s.m.Upsert(ctx, item)
}
func (s *memDLQStore) Get(ctx context.Context, id string) (*domain.DLQItem, error) {
	return s.m.GetDLQItem(ctx, id)
}
func (s *memDLQStore) List(ctx context.Context, filter DLQFilter, limit, offset int) ([]*domain.DLQItem, error) {
	return s.m.List(ctx, filter, limit, offset)
}
func (s *memDLQStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return s.m.DeleteOlderThan(ctx, cutoff)
}

func copyTask(t *domain.Task) *domain.Task {
	c := *t
	c.Payload = append([]byte(nil), t.Payload...)
	c.Result = append([]byte(nil), t.Result...)
	c.DependsOn = append([]string(nil), t.DependsOn...)
	if t.LeaseExpiry != nil {
		v := *t.LeaseExpiry
		c.LeaseExpiry = &v
	}
	if t.NextEligibleAt != nil {
		v := *t.NextEligibleAt
		c.NextEligibleAt = &v
	}
	if t.LastAttemptAt != nil {
		v := *t.LastAttemptAt
		c.LastAttemptAt = &v
	}
	if t.LastError != nil {
		v := *t.LastError
		c.LastError = &v
	}
	return &c
}

func copyRun(r *domain.PipelineRun) *domain.PipelineRun {
	c := *r
	c.TaskIDs = append([]string(nil), r.TaskIDs...)
	c.Params = append([]byte(nil), r.Params...)
	if r.FinishedAt != nil {
		v := *r.FinishedAt
		c.FinishedAt = &v
	}
	return &c
}

func copyDLQItem(i *domain.DLQItem) *domain.DLQItem {
	c := *i
	c.Payload = append([]byte(nil), i.Payload...)
	c.Attempts = append([]domain.TaskAttempt(nil), i.Attempts...)
	return &c
}
