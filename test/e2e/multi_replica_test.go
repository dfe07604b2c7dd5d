package e2e

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/askrelay/pkg/events"
	"github.com/codeready-toolchain/askrelay/pkg/gateway"
	"github.com/codeready-toolchain/askrelay/pkg/models"
	testdb "github.com/codeready-toolchain/askrelay/test/database"
	"github.com/codeready-toolchain/askrelay/test/util"
)

// ────────────────────────────────────────────────────────────
// Multi-replica test: verifies cross-replica task delivery via
// PostgreSQL NOTIFY/LISTEN.
//
// Two replicas share the same PostgreSQL schema and broadcast channel:
//   - Replica 1: has workers, claims and runs tasks.
//   - Replica 2: zero workers (API/WS only), never claims tasks.
//
// A client connected to replica 2 asks a question. Replica 1's worker
// runs it and publishes each transition; replica 2 re-emits them into
// the client's room. A second client on replica 1 that joined the same
// room receives the events over the direct path.
// ────────────────────────────────────────────────────────────

func TestE2E_MultiReplica(t *testing.T) {
	sharedDB := testdb.NewSharedTestDB(t)
	channel := util.UniqueChannel(t)

	app1 := NewTestApp(t,
		WithDBClient(sharedDB.NewClient(t)),
		WithChannel(channel),
		WithPodID("replica-1"),
		WithWorkerCount(2),
	)
	app2 := NewTestApp(t,
		WithDBClient(sharedDB.NewClient(t)),
		WithChannel(channel),
		WithPodID("replica-2"),
		WithWorkerCount(0),
	)

	ctx := context.Background()
	asker, err := WSConnect(ctx, app2.WSURL)
	require.NoError(t, err)
	defer asker.Close()

	observer, err := WSConnect(ctx, app1.WSURL)
	require.NoError(t, err)
	defer observer.Close()
	require.NoError(t, observer.Send(gateway.EventJoinRoom, gateway.SessionRequest{SessionID: asker.SessionID()}))
	_, err = observer.WaitForEventName(events.EventJoinedRoom, 5*time.Second)
	require.NoError(t, err)

	taskID, err := asker.Ask("what is the weather today", 5*time.Second)
	require.NoError(t, err)

	final, err := asker.WaitForTerminal(taskID, 10*time.Second)
	require.NoError(t, err, "replica 2 should receive the terminal event via NOTIFY/LISTEN")
	assert.Equal(t, models.TaskStateSuccess, final.State)

	var answer models.Answer
	require.NoError(t, json.Unmarshal(final.Result, &answer))
	assert.Contains(t, answer.Answer, "what is the weather today")

	// Exactly one terminal event, seqs strictly increasing.
	updates := asker.TaskUpdates(taskID)
	require.NotEmpty(t, updates)
	terminals := 0
	for i, u := range updates {
		if u.State.IsTerminal() {
			terminals++
		}
		if i > 0 {
			assert.Greater(t, u.Seq, updates[i-1].Seq)
		}
	}
	assert.Equal(t, 1, terminals)

	_, err = observer.WaitForTerminal(taskID, 10*time.Second)
	require.NoError(t, err, "replica 1 observer should receive the terminal event directly")

	// Task status and history are visible from the replica that ran nothing.
	task := app2.WaitForTaskState(t, asker.SessionID(), taskID, models.TaskStateSuccess)
	assert.Equal(t, int64(3), task.Seq)

	require.Eventually(t, func() bool {
		return len(app2.GetHistory(t, asker.SessionID())) == 2
	}, 5*time.Second, 50*time.Millisecond)
	history := app2.GetHistory(t, asker.SessionID())
	assert.Equal(t, models.HistoryAnswer, history[0].Type)
	assert.Equal(t, taskID, history[0].TaskID)
	assert.Equal(t, models.HistoryQuestion, history[1].Type)
	assert.Equal(t, "what is the weather today", history[1].Content)

	assert.Positive(t, app2.Broadcaster.Stats().Attempts[events.ProvenanceBroadcast][events.OutcomeDelivered])
}
