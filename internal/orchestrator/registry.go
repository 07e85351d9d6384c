package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/example/navi/internal/models"
	"github.com/example/navi/internal/tools"
)

// taskRun is one live task. The loop goroutine is the only writer of task;
// writes take mu so that snapshots can be taken concurrently.
type taskRun struct {
	mu     sync.Mutex
	task   *models.Task
	cancel context.CancelFunc

	env       tools.Env
	history   []models.Message
	verifyCmd string
}

func (r *taskRun) update(fn func(t *models.Task)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.task)
	r.task.UpdatedAt = time.Now()
}

func (r *taskRun) snapshot() *models.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task.Clone()
}

// registry tracks running tasks and keeps a bounded archive of finished ones.
type registry struct {
	mu      sync.RWMutex
	active  map[string]*taskRun
	archive *lru.Cache[string, *models.Task]
}

func newRegistry(archiveSize int) *registry {
	if archiveSize <= 0 {
		archiveSize = 256
	}
	cache, err := lru.New[string, *models.Task](archiveSize)
	if err != nil {
		panic(err) // only for a non-positive size
	}
	return &registry{active: map[string]*taskRun{}, archive: cache}
}

func (r *registry) add(run *taskRun) {
	r.mu.Lock()
	r.active[run.task.ID] = run
	r.mu.Unlock()
}

// finish moves a task from the active set to the archive.
func (r *registry) finish(run *taskRun) {
	snap := run.snapshot()
	r.mu.Lock()
	delete(r.active, snap.ID)
	r.archive.Add(snap.ID, snap)
	r.mu.Unlock()
}

func (r *registry) get(id string) (*models.Task, bool) {
	r.mu.RLock()
	run, ok := r.active[id]
	r.mu.RUnlock()
	if ok {
		return run.snapshot(), true
	}
	if t, ok := r.archive.Get(id); ok {
		return t.Clone(), true
	}
	return nil, false
}

func (r *registry) cancel(id string) bool {
	r.mu.RLock()
	run, ok := r.active[id]
	r.mu.RUnlock()
	if ok {
		run.cancel()
	}
	return ok
}

// list returns running and archived tasks, newest first.
func (r *registry) list() []*models.Task {
	r.mu.RLock()
	runs := make([]*taskRun, 0, len(r.active))
	for _, run := range r.active {
		runs = append(runs, run)
	}
	r.mu.RUnlock()
	out := make([]*models.Task, 0, len(runs)+r.archive.Len())
	for _, run := range runs {
		out = append(out, run.snapshot())
	}
	for _, id := range r.archive.Keys() {
		if t, ok := r.archive.Peek(id); ok {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
