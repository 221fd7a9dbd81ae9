package routingmemory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fyrsmithlabs/taskrouter/internal/embeddings"
	"github.com/fyrsmithlabs/taskrouter/internal/logging"
	"github.com/fyrsmithlabs/taskrouter/internal/policy"
	"github.com/fyrsmithlabs/taskrouter/internal/semantic"
	"github.com/fyrsmithlabs/taskrouter/internal/vectorstore"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func record(id string) Record {
	return Record{
		RecordID:         id,
		TaskID:           "task-" + id,
		IntentName:       "document_edit",
		TaskCount:        1,
		ExecutionSuccess: true,
		LatencyMS:        42,
		TaskResults:      []map[string]any{{"node_id": "t1", "status": "succeeded"}},
		CreatedAt:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Task:             "generate a patch design for the onboarding document",
		SemanticUnit:     semantic.Unit{Topics: []string{"document"}, Modality: semantic.ModalityInstruction, Certainty: 0.8},
		FinalState:       "RECORDED",
		Outcome:          "dispatched",
		PolicyDecision:   &policy.Decision{Allowed: true, RiskLevel: policy.RiskLow, Reasons: []string{}},
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(3)

	for i := range 4 {
		require.NoError(t, s.Append(ctx, record(fmt.Sprintf("r%d", i))))
	}
	assert.Equal(t, 3, s.Len())

	_, err := s.Get(ctx, "r0")
	assert.ErrorIs(t, err, ErrRecordNotFound, "oldest record evicted")

	got, err := s.Get(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, "task-r2", got.TaskID)

	recent, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "r3", recent[0].RecordID)
	assert.Equal(t, "r2", recent[1].RecordID)

	assert.ErrorIs(t, s.Append(ctx, record("r3")), ErrDuplicateRecord)
	assert.ErrorIs(t, s.Append(ctx, Record{TaskID: "x", CreatedAt: time.Now()}), ErrInvalidRecord)
}

func TestVectorStore_Search(t *testing.T) {
	ctx := context.Background()
	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{}, embeddings.NewHashProvider(256), nil)
	require.NoError(t, err)
	ns, err := store.Namespace(ctx, vectorstore.RoutingMemory)
	require.NoError(t, err)

	vs := NewVectorStore(ns)
	require.NoError(t, vs.Append(ctx, record("r1")))
	other := record("r2")
	other.Task = "what is the weather in paris"
	other.IntentName = registryFallback
	require.NoError(t, vs.Append(ctx, other))

	matches, err := vs.Search(ctx, "generate a patch design for the onboarding document", 1, 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "r1", matches[0].Record.RecordID)
	assert.Equal(t, record("r1").PolicyDecision, matches[0].Record.PolicyDecision)
	assert.True(t, matches[0].Record.CreatedAt.Equal(record("r1").CreatedAt))
}

const registryFallback = "general_conversation"

func TestNATSPublisher(t *testing.T) {
	server, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go server.Start()
	require.True(t, server.ReadyForConnections(5*time.Second))
	defer func() {
		server.Shutdown()
		server.WaitForShutdown()
	}()

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("records.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	require.NoError(t, NewNATSPublisher(nc, "records").Append(context.Background(), record("r1")))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "records.dispatched", msg.Subject)
	var got Record
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "r1", got.RecordID)
}

type failingStore struct{ err error }

func (f failingStore) Append(context.Context, Record) error { return f.err }

func TestFanout(t *testing.T) {
	ctx := context.Background()
	log := logging.NewTestLogger()
	primary := NewMemoryStore(10)
	mirror := NewMemoryStore(10)

	f := NewFanout(log.Underlying(), primary, failingStore{errors.New("sink down")}, mirror)
	require.NoError(t, f.Append(ctx, record("r1")))
	assert.Equal(t, 1, primary.Len())
	assert.Equal(t, 1, mirror.Len())
	log.AssertLogged(t, zapcore.WarnLevel, "routing memory sink failed")

	f = NewFanout(nil, failingStore{errors.New("primary down")}, mirror)
	err := f.Append(ctx, record("r2"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "primary down")
	assert.Equal(t, 1, mirror.Len(), "secondaries are not written when the primary fails")
}
