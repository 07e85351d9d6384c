// Package retrieval indexes workspaces in the background and answers
// similarity queries against the latest complete index generation.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/navi/internal/extract"
	"github.com/example/navi/internal/logging"
	"github.com/example/navi/internal/metrics"
	"github.com/example/navi/internal/workspace"
)

// Workspaces resolves workspace identifiers to directories.
type Workspaces interface {
	Resolve(id string) (workspace.Dir, error)
}

type Options struct {
	Embedder     Embedder
	Chunker      Chunker
	MaxFileBytes int64
	// Concurrency bounds parallel extraction and embedding per build.
	Concurrency int
	Logger      *zap.Logger
}

// Engine owns every workspace index. Builds run under the engine's own
// context, so they outlive the request that triggered them; Close stops them.
type Engine struct {
	workspaces Workspaces
	opts       Options
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	state map[string]*indexState
}

type indexState struct {
	id  string
	dir workspace.Dir
	gen atomic.Pointer[Generation]

	// guarded by Engine.mu
	building bool
	pending  bool
	jobs     int
	lastErr  error
}

func New(workspaces Workspaces, opts Options) *Engine {
	if opts.Embedder == nil {
		opts.Embedder = HashEmbedder{}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.NumCPU()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		workspaces: workspaces,
		opts:       opts,
		logger:     logging.OrNop(opts.Logger),
		ctx:        ctx,
		cancel:     cancel,
		state:      map[string]*indexState{},
	}
}

// Search queries the workspace's current generation. Without one it returns
// (nil, false, nil) immediately and makes sure a build is running.
func (e *Engine) Search(ctx context.Context, workspaceID, query string, k int) ([]Chunk, bool, error) {
	st, err := e.lookup(workspaceID)
	if err != nil {
		return nil, false, err
	}
	gen := st.gen.Load()
	if gen == nil {
		e.start(st, false)
		return nil, false, nil
	}
	chunks, err := gen.Query(ctx, query, k)
	return chunks, true, err
}

// EnsureIndexed starts a build unless one is already running. It never blocks
// on the build.
func (e *Engine) EnsureIndexed(workspaceID string) error {
	st, err := e.lookup(workspaceID)
	if err != nil {
		return err
	}
	e.start(st, false)
	return nil
}

// Refresh asks for a rebuild. If a build is running, one more is queued to run
// after it; further requests while queued are coalesced.
func (e *Engine) Refresh(workspaceID string) error {
	st, err := e.lookup(workspaceID)
	if err != nil {
		return err
	}
	e.start(st, true)
	return nil
}

type Status struct {
	Workspace   string    `json:"workspace"`
	Root        string    `json:"root"`
	Indexed     bool      `json:"indexed"`
	Generation  int       `json:"generation"`
	Files       int       `json:"files"`
	Chunks      int       `json:"chunks"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	BuiltAt     time.Time `json:"built_at,omitempty"`
	Building    bool      `json:"building"`
	Jobs        int       `json:"jobs"`
	LastError   string    `json:"last_error,omitempty"`
}

func (e *Engine) Status(workspaceID string) (Status, error) {
	st, err := e.lookup(workspaceID)
	if err != nil {
		return Status{}, err
	}
	e.mu.Lock()
	s := Status{Workspace: st.id, Root: st.dir.Root, Building: st.building, Jobs: st.jobs}
	if st.lastErr != nil {
		s.LastError = st.lastErr.Error()
	}
	e.mu.Unlock()
	if gen := st.gen.Load(); gen != nil {
		s.Indexed = true
		s.Generation = gen.Seq
		s.Files = gen.Files
		s.Chunks = gen.Chunks()
		s.Fingerprint = gen.Fingerprint
		s.BuiltAt = gen.BuiltAt
	}
	return s, nil
}

// Wait blocks until no build is running for the workspace or ctx is done.
func (e *Engine) Wait(ctx context.Context, workspaceID string) error {
	st, err := e.lookup(workspaceID)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		e.mu.Lock()
		busy := st.building
		e.mu.Unlock()
		if !busy {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close cancels running builds and waits for them to exit.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) lookup(id string) (*indexState, error) {
	dir, err := e.workspaces.Resolve(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.state[dir.Root]
	if !ok {
		st = &indexState{id: id, dir: dir}
		e.state[dir.Root] = st
	}
	return st, nil
}

func (e *Engine) start(st *indexState, queue bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx.Err() != nil {
		return
	}
	if st.building {
		if queue {
			st.pending = true
		}
		return
	}
	st.building = true
	st.jobs++
	e.wg.Add(1)
	go e.run(st)
}

func (e *Engine) run(st *indexState) {
	defer e.wg.Done()
	for {
		err := e.build(e.ctx, st)
		if err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("workspace index build failed", zap.String("workspace", st.id), zap.Error(err))
		}
		e.mu.Lock()
		st.lastErr = err
		if st.pending && e.ctx.Err() == nil {
			st.pending = false
			e.mu.Unlock()
			continue
		}
		st.pending = false
		st.building = false
		e.mu.Unlock()
		return
	}
}

type embeddedChunk struct {
	id   string
	path string
	span Span
	vec  []float32
}

func (e *Engine) build(ctx context.Context, st *indexState) error {
	started := time.Now()
	files, err := walk(st.dir.Root, e.opts.MaxFileBytes)
	if err != nil {
		metrics.IndexBuilt(ctx, "error")
		return fmt.Errorf("walk workspace: %w", err)
	}
	fp := fingerprint(files)
	prev := st.gen.Load()
	if prev != nil && prev.Fingerprint == fp {
		metrics.IndexBuilt(ctx, "unchanged")
		return nil
	}

	perFile := make([][]embeddedChunk, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			text, err := extract.File(f.Abs)
			if err != nil {
				// Unreadable or binary files are left out of the index.
				return nil
			}
			for n, span := range e.opts.Chunker.Split(text) {
				vec, err := e.opts.Embedder.Embed(gctx, f.Rel+"\n"+span.Text)
				if err != nil {
					return fmt.Errorf("embed %s: %w", f.Rel, err)
				}
				perFile[i] = append(perFile[i], embeddedChunk{id: f.Rel + "#" + strconv.Itoa(n), path: f.Rel, span: span, vec: vec})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.IndexBuilt(ctx, "error")
		return err
	}

	db := chromem.NewDB()
	embed := e.opts.Embedder
	col, err := db.GetOrCreateCollection("workspace", nil, func(ctx context.Context, text string) ([]float32, error) {
		return embed.Embed(ctx, text)
	})
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	var docs []chromem.Document
	for _, chunks := range perFile {
		for _, c := range chunks {
			docs = append(docs, chromem.Document{
				ID:        c.id,
				Content:   c.span.Text,
				Embedding: c.vec,
				Metadata: map[string]string{
					"path":  c.path,
					"start": strconv.Itoa(c.span.StartLine),
					"end":   strconv.Itoa(c.span.EndLine),
				},
			})
		}
	}
	if len(docs) > 0 {
		if err := col.AddDocuments(ctx, docs, e.opts.Concurrency); err != nil {
			metrics.IndexBuilt(ctx, "error")
			return fmt.Errorf("add documents: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	seq := 1
	if prev != nil {
		seq = prev.Seq + 1
	}
	st.gen.Store(&Generation{
		Workspace:   st.id,
		Seq:         seq,
		Fingerprint: fp,
		Files:       len(files),
		BuiltAt:     time.Now(),
		collection:  col,
	})
	metrics.IndexBuilt(ctx, "published")
	e.logger.Info("workspace index published",
		zap.String("workspace", st.id),
		zap.Int("generation", seq),
		zap.Int("files", len(files)),
		zap.Int("chunks", len(docs)),
		zap.Duration("took", time.Since(started)))
	return nil
}
