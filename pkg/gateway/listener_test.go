package gateway

import (
	"bufio"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enkore/borgcube/pkg/job"
	"github.com/enkore/borgcube/pkg/protocol"
	"github.com/enkore/borgcube/pkg/repository"
	"github.com/enkore/borgcube/pkg/storage"
	"github.com/enkore/borgcube/pkg/testutil"
	"github.com/enkore/borgcube/pkg/types"
)

var listenerSecret = []byte("test secret")

func startListener(t *testing.T, store storage.Store) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, store.CreateRepository(&types.Repository{
		ID: "repo1", URL: filepath.Join(dir, "repo.db"),
	}))

	machine := job.NewMachine(store, nil, nil, testutil.FixedClock())
	pool := repository.NewPool()
	t.Cleanup(func() { pool.Close() })

	sock := filepath.Join(dir, "gateway.sock")
	l := NewListener(store, machine, nil, pool, listenerSecret, sock)
	require.NoError(t, l.Start())
	t.Cleanup(l.Stop)
	return sock
}

func runningJob(t *testing.T, store storage.Store, id, client string) *types.Job {
	t.Helper()
	j := &types.Job{
		ID:            id,
		Kind:          types.JobKindBackup,
		RepositoryRef: "repo1",
		ClientRef:     client,
		State:         types.JobStateRunning,
		ArchiveName:   client + "-" + id,
	}
	require.NoError(t, store.CreateJob(j))
	return j
}

// dialGateway handshakes one connection and returns the protocol
// stream, exactly as a serve proxy presents it to the remote client.
func dialGateway(t *testing.T, sock, reversePath string) *protocol.Conn {
	t.Helper()
	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

	_, err = fmt.Fprintln(conn, reversePath)
	require.NoError(t, err)
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "OK", strings.TrimSpace(line))
	return protocol.NewConn(socketStream{r: r, conn: conn})
}

func gatewayRoundTrip(t *testing.T, conn *protocol.Conn, req *protocol.Request) *protocol.Response {
	t.Helper()
	require.NoError(t, conn.WriteRequest(req))
	resp, err := conn.ReadResponse()
	require.NoError(t, err)
	require.Empty(t, resp.Error)
	return resp
}

func TestListenerServesSessionOverSocket(t *testing.T) {
	store := testutil.TempStore(t)
	sock := startListener(t, store)
	runningJob(t, store, "j1", "host1")

	conn := dialGateway(t, sock, job.ReversePath(listenerSecret, "j1"))

	key := protocol.DeriveKey(listenerSecret)
	payload := []byte("chunk one")
	id := protocol.ComputeID(key, payload)
	resp := gatewayRoundTrip(t, conn, &protocol.Request{Type: protocol.MsgPut, ID: id, Payload: payload})
	assert.True(t, resp.OK)
	resp = gatewayRoundTrip(t, conn, &protocol.Request{Type: protocol.MsgCommit})
	assert.True(t, resp.OK)

	// A later connection reads what the first one committed.
	conn2 := dialGateway(t, sock, job.ReversePath(listenerSecret, "j1"))
	resp = gatewayRoundTrip(t, conn2, &protocol.Request{Type: protocol.MsgGet, ID: id})
	require.True(t, resp.OK)
	assert.Equal(t, payload, resp.Payload)
}

func TestListenerConcurrentSessionsSameRepository(t *testing.T) {
	store := testutil.TempStore(t)
	sock := startListener(t, store)
	runningJob(t, store, "j1", "host1")
	runningJob(t, store, "j2", "host2")

	// Both sessions are live at once against the same repository;
	// neither blocks the other's writes or commits.
	conn1 := dialGateway(t, sock, job.ReversePath(listenerSecret, "j1"))
	conn2 := dialGateway(t, sock, job.ReversePath(listenerSecret, "j2"))

	key := protocol.DeriveKey(listenerSecret)
	one := []byte("host1 chunk")
	two := []byte("host2 chunk")
	oneID := protocol.ComputeID(key, one)
	twoID := protocol.ComputeID(key, two)

	resp := gatewayRoundTrip(t, conn1, &protocol.Request{Type: protocol.MsgPut, ID: oneID, Payload: one})
	assert.True(t, resp.OK)
	resp = gatewayRoundTrip(t, conn2, &protocol.Request{Type: protocol.MsgPut, ID: twoID, Payload: two})
	assert.True(t, resp.OK)
	resp = gatewayRoundTrip(t, conn1, &protocol.Request{Type: protocol.MsgCommit})
	assert.True(t, resp.OK)
	resp = gatewayRoundTrip(t, conn2, &protocol.Request{Type: protocol.MsgCommit})
	assert.True(t, resp.OK)

	// Each commit is visible across sessions.
	resp = gatewayRoundTrip(t, conn1, &protocol.Request{Type: protocol.MsgGet, ID: twoID})
	require.True(t, resp.OK)
	assert.Equal(t, two, resp.Payload)
}

func TestListenerRejectsUnknownReversePath(t *testing.T) {
	store := testutil.TempStore(t)
	sock := startListener(t, store)

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

	_, err = fmt.Fprintln(conn, "not-a-reverse-path")
	require.NoError(t, err)
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "ERR "), line)
}
