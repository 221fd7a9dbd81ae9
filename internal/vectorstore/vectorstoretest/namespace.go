// Package vectorstoretest provides a scripted Namespace for tests of the
// stages that consume retrieval results.
package vectorstoretest

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/fyrsmithlabs/taskrouter/internal/vectorstore"
)

// Namespace returns its preset chunks, with their preset scores, for every
// query.
type Namespace struct {
	name string

	mu      sync.Mutex
	chunks  []vectorstore.Chunk
	err     error
	delay   time.Duration
	queries []string
}

// NewNamespace creates a namespace holding chunks.
func NewNamespace(name string, chunks ...vectorstore.Chunk) *Namespace {
	return &Namespace{name: name, chunks: chunks}
}

// SetError makes every query fail with err.
func (n *Namespace) SetError(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

// SetDelay delays every query by d or until the context ends.
func (n *Namespace) SetDelay(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delay = d
}

// Queries returns the query texts seen so far.
func (n *Namespace) Queries() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.queries)
}

func (n *Namespace) Name() string { return n.name }

func (n *Namespace) Query(ctx context.Context, text string, topK int, floor float32) ([]vectorstore.Chunk, error) {
	n.mu.Lock()
	n.queries = append(n.queries, text)
	delay, err := n.delay, n.err
	chunks := slices.Clone(n.chunks)
	n.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(chunks, func(a, b vectorstore.Chunk) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	out := make([]vectorstore.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Score >= floor && len(out) < topK {
			c.Namespace = n.name
			out = append(out, c)
		}
	}
	return out, nil
}

func (n *Namespace) Index(_ context.Context, chunks []vectorstore.Chunk) error {
	if len(chunks) == 0 {
		return vectorstore.ErrEmptyChunks
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range chunks {
		n.chunks = slices.DeleteFunc(n.chunks, func(old vectorstore.Chunk) bool { return old.ID == c.ID })
		n.chunks = append(n.chunks, c)
	}
	return nil
}

func (n *Namespace) Delete(_ context.Context, ids []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.chunks = slices.DeleteFunc(n.chunks, func(c vectorstore.Chunk) bool { return slices.Contains(ids, c.ID) })
	return nil
}

func (n *Namespace) Count(context.Context) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.chunks), nil
}

var _ vectorstore.Namespace = (*Namespace)(nil)
