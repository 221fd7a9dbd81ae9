package routingmemory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/taskrouter/internal/vectorstore"
)

// VectorStore indexes records into a namespace so past runs can be found by
// task similarity.
type VectorStore struct {
	ns vectorstore.Namespace
}

// NewVectorStore indexes into ns.
func NewVectorStore(ns vectorstore.Namespace) *VectorStore {
	return &VectorStore{ns: ns}
}

// Append indexes r as one chunk.
func (s *VectorStore) Append(ctx context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	content := r.Task
	if content == "" {
		content = strings.Join(append(append([]string{}, r.SemanticUnit.ActionSignals...), r.SemanticUnit.Topics...), " ")
	}
	content = strings.TrimSpace(content + " " + strings.ReplaceAll(r.IntentName, "_", " "))

	return s.ns.Index(ctx, []vectorstore.Chunk{{
		ID:        r.RecordID,
		Namespace: s.ns.Name(),
		Content:   content,
		Metadata: map[string]any{
			"task_id":           r.TaskID,
			"intent_name":       r.IntentName,
			"outcome":           r.Outcome,
			"execution_success": r.ExecutionSuccess,
			"task_count":        r.TaskCount,
			"error_kind":        r.ErrorKind,
			"record":            string(raw),
		},
	}})
}

// Match is a record found by similarity.
type Match struct {
	Record Record  `json:"record"`
	Score  float32 `json:"score"`
}

// Search returns up to limit records similar to query.
func (s *VectorStore) Search(ctx context.Context, query string, limit int, floor float32) ([]Match, error) {
	hits, err := s.ns.Query(ctx, query, limit, floor)
	if err != nil {
		return nil, fmt.Errorf("searching routing memory: %w", err)
	}
	out := make([]Match, 0, len(hits))
	for _, h := range hits {
		var r Record
		if err := json.Unmarshal([]byte(h.String("record")), &r); err != nil {
			continue
		}
		out = append(out, Match{Record: r, Score: h.Score})
	}
	return out, nil
}

var _ Store = (*VectorStore)(nil)
