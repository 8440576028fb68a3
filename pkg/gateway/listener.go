package gateway

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/enkore/borgcube/pkg/events"
	"github.com/enkore/borgcube/pkg/job"
	"github.com/enkore/borgcube/pkg/log"
	"github.com/enkore/borgcube/pkg/protocol"
	"github.com/enkore/borgcube/pkg/repository"
	"github.com/enkore/borgcube/pkg/storage"
)

// Listener accepts gateway connections on a unix socket inside the
// daemon process. The serve command is only a stdio pipe to this
// socket, so the store and the repository databases stay under the
// single process holding their file locks while any number of client
// sessions run concurrently.
type Listener struct {
	store   storage.Store
	machine *job.Machine
	broker  *events.Broker
	pool    *repository.Pool
	secret  []byte
	idKey   protocol.Key
	path    string
	logger  zerolog.Logger

	ln net.Listener
	wg sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewListener builds a gateway listener bound to socketPath once
// started.
func NewListener(store storage.Store, machine *job.Machine, broker *events.Broker, pool *repository.Pool, secret []byte, socketPath string) *Listener {
	return &Listener{
		store:   store,
		machine: machine,
		broker:  broker,
		pool:    pool,
		secret:  secret,
		idKey:   protocol.DeriveKey(secret),
		path:    socketPath,
		logger:  log.WithComponent("gateway"),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start binds the socket and accepts connections until Stop. A stale
// socket file from an unclean shutdown is replaced.
func (l *Listener) Start() error {
	os.Remove(l.path)
	ln, err := net.Listen("unix", l.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.path, err)
	}
	l.ln = ln

	l.wg.Add(1)
	go l.acceptLoop()
	l.logger.Info().Str("socket", l.path).Msg("gateway listening")
	return nil
}

// Stop closes the socket and every live connection, then waits for
// the sessions to wind down. Uncommitted session writes are discarded
// as if the client had disconnected.
func (l *Listener) Stop() {
	if l.ln != nil {
		l.ln.Close()
	}
	l.mu.Lock()
	for conn := range l.conns {
		conn.Close()
	}
	l.mu.Unlock()
	l.wg.Wait()
	os.Remove(l.path)
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.logger.Error().Err(err).Msg("accept failed")
			}
			return
		}
		l.mu.Lock()
		l.conns[conn] = struct{}{}
		l.mu.Unlock()

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer func() {
				conn.Close()
				l.mu.Lock()
				delete(l.conns, conn)
				l.mu.Unlock()
			}()
			l.serveConn(conn)
		}()
	}
}

// serveConn handshakes one connection and runs its session. The first
// line carries the reverse path; the reply line is "OK" or
// "ERR <reason>", only then does the protocol stream begin.
func (l *Listener) serveConn(conn net.Conn) {
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		l.logger.Debug().Err(err).Msg("connection dropped before handshake")
		return
	}

	session, err := l.openSession(strings.TrimSpace(line))
	if err != nil {
		l.logger.Warn().Err(err).Msg("gateway connection rejected")
		fmt.Fprintf(conn, "ERR %v\n", err)
		return
	}
	if _, err := fmt.Fprintln(conn, "OK"); err != nil {
		session.backend.Close()
		return
	}

	if err := session.Serve(socketStream{r: r, conn: conn}); err != nil {
		// Violations already failed the job and logged themselves.
		l.logger.Debug().Err(err).Msg("session ended")
	}
}

func (l *Listener) openSession(reversePath string) (*Session, error) {
	j, err := job.ResolveReversePath(l.store, l.secret, reversePath)
	if err != nil {
		return nil, err
	}
	repo, err := l.store.GetRepository(j.RepositoryRef)
	if err != nil {
		return nil, err
	}
	backend, err := l.pool.Open(repo)
	if err != nil {
		return nil, err
	}
	session, err := NewSession(l.store, backend, l.machine, l.broker, l.idKey, j.ID)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return session, nil
}

// socketStream keeps bytes the handshake reader buffered ahead of the
// protocol frames.
type socketStream struct {
	r    *bufio.Reader
	conn net.Conn
}

func (s socketStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s socketStream) Write(p []byte) (int, error) { return s.conn.Write(p) }
