package gateway

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/enkore/borgcube/pkg/events"
	"github.com/enkore/borgcube/pkg/job"
	"github.com/enkore/borgcube/pkg/log"
	"github.com/enkore/borgcube/pkg/manifest"
	"github.com/enkore/borgcube/pkg/metrics"
	"github.com/enkore/borgcube/pkg/protocol"
	"github.com/enkore/borgcube/pkg/repository"
	"github.com/enkore/borgcube/pkg/storage"
	"github.com/enkore/borgcube/pkg/types"
)

// ErrPolicyViolation marks a session terminated because the client
// sent a request outside the job's allow-list. The job is failed and
// nothing is forwarded to the backend.
var ErrPolicyViolation = errors.New("policy violation")

// ErrNotRunning is returned when a session is opened for a job that
// is not in the running state.
var ErrNotRunning = errors.New("job is not running")

// Session mediates one job's protocol stream against the real
// repository backend. It holds no state shared with other sessions
// except the store and the backend.
type Session struct {
	store   storage.Store
	backend repository.Backend
	machine *job.Machine
	broker  *events.Broker
	job     *types.Job
	view    *manifest.View
	idKey   protocol.Key
	logger  zerolog.Logger

	// checkpoints maps checkpoint archive names registered by this
	// session to their archive object ids. Only these ids may be
	// deleted.
	checkpoints map[string]protocol.ObjectID
}

// NewSession opens a gateway session for jobID. The job must be
// running; anything else is rejected before the backend is touched.
func NewSession(store storage.Store, backend repository.Backend, machine *job.Machine, broker *events.Broker, idKey protocol.Key, jobID string) (*Session, error) {
	j, err := store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if j.State != types.JobStateRunning {
		return nil, fmt.Errorf("job %s in state %s: %w", j.ID, j.State, ErrNotRunning)
	}

	s := &Session{
		store:       store,
		backend:     backend,
		machine:     machine,
		broker:      broker,
		job:         j,
		view:        manifest.NewView(store, j),
		idKey:       idKey,
		logger:      log.WithComponent("gateway").With().Str("job_id", j.ID).Logger(),
		checkpoints: make(map[string]protocol.ObjectID),
	}
	for name, hexID := range j.CheckpointArchives {
		id, err := protocol.ParseObjectID(hexID)
		if err != nil {
			continue
		}
		s.checkpoints[name] = id
	}
	return s, nil
}

// Serve processes the client's protocol stream until EOF or a
// terminating violation. Requests are handled strictly in arrival
// order. A clean EOF closes the backend without committing anything
// past the last commit the client sent.
func (s *Session) Serve(rw io.ReadWriter) error {
	conn := protocol.NewConn(rw)
	defer s.backend.Close()

	for {
		req, err := conn.ReadRequest()
		if errors.Is(err, io.EOF) {
			s.logger.Debug().Msg("client closed session")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read request: %w", err)
		}

		resp, err := s.handle(req)
		if err != nil {
			if errors.Is(err, ErrPolicyViolation) {
				conn.WriteResponse(&protocol.Response{Error: "session terminated"})
			}
			return err
		}
		if err := conn.WriteResponse(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

func (s *Session) handle(req *protocol.Request) (*protocol.Response, error) {
	metrics.GatewayRequests.WithLabelValues(string(req.Type)).Inc()
	switch req.Type {
	case protocol.MsgGet:
		return s.handleGet(req)
	case protocol.MsgPut:
		return s.handlePut(req)
	case protocol.MsgDelete:
		return s.handleDelete(req)
	case protocol.MsgCommit:
		return s.handleCommit()
	case protocol.MsgManifestFetch:
		return s.handleManifestFetch()
	case protocol.MsgManifestStore:
		return s.handleManifestStore(req)
	default:
		// Fail closed. The allow-list is exhaustive, there is no
		// deny-list.
		return nil, s.violation(fmt.Sprintf("unrecognized message type %q", req.Type))
	}
}

// handleGet forwards reads unconditionally. Clients need arbitrary
// object reads for deduplication, and object ids carry no secrets.
func (s *Session) handleGet(req *protocol.Request) (*protocol.Response, error) {
	payload, err := s.backend.Get(req.ID)
	if errors.Is(err, repository.ErrObjectNotFound) {
		return &protocol.Response{OK: true, NotFound: true}, nil
	}
	if err != nil {
		return &protocol.Response{Error: err.Error()}, nil
	}
	return &protocol.Response{OK: true, Payload: payload}, nil
}

// handlePut recomputes the payload's id with the backend's keyed
// function. A mismatch means the client is trying to write data under
// an id it does not own, which terminates the job.
func (s *Session) handlePut(req *protocol.Request) (*protocol.Response, error) {
	computed := protocol.ComputeID(s.idKey, req.Payload)
	if !computed.Equal(req.ID) {
		return nil, s.violation(fmt.Sprintf("put id mismatch: claimed %s, computed %s", req.ID, computed))
	}
	if err := s.backend.Put(req.ID, req.Payload); err != nil {
		return &protocol.Response{Error: err.Error()}, nil
	}
	return &protocol.Response{OK: true}, nil
}

// handleDelete permits deletion only of checkpoint archives this job
// registered and has not finalized. Everything else terminates the
// job before anything reaches the backend.
func (s *Session) handleDelete(req *protocol.Request) (*protocol.Response, error) {
	name, ok := s.checkpointName(req.ID)
	if !ok {
		return nil, s.violation(fmt.Sprintf("delete of %s, not a checkpoint archive of this job", req.ID))
	}
	if err := s.backend.Delete(req.ID); err != nil {
		return &protocol.Response{Error: err.Error()}, nil
	}
	delete(s.checkpoints, name)
	s.persistCheckpoints()
	return &protocol.Response{OK: true}, nil
}

func (s *Session) handleCommit() (*protocol.Response, error) {
	if err := s.backend.Commit(); err != nil {
		return &protocol.Response{Error: err.Error()}, nil
	}
	return &protocol.Response{OK: true}, nil
}

// handleManifestFetch never returns the real manifest, only the view
// filtered down to the session client's own archives.
func (s *Session) handleManifestFetch() (*protocol.Response, error) {
	real, err := s.loadManifest()
	if err != nil {
		return &protocol.Response{Error: err.Error()}, nil
	}
	filtered, err := s.view.Filter(real)
	if err != nil {
		return &protocol.Response{Error: err.Error()}, nil
	}
	blob, err := protocol.EncodeManifest(filtered)
	if err != nil {
		return &protocol.Response{Error: err.Error()}, nil
	}
	return &protocol.Response{OK: true, Payload: blob}, nil
}

// handleManifestStore applies only the delta attributable to this
// job's own archive names. Touching any other entry terminates the
// job; entries the client never saw are never affected.
func (s *Session) handleManifestStore(req *protocol.Request) (*protocol.Response, error) {
	stored, err := protocol.DecodeManifest(req.Payload)
	if err != nil {
		return nil, s.violation("manifest store with undecodable payload")
	}
	real, err := s.loadManifest()
	if err != nil {
		return &protocol.Response{Error: err.Error()}, nil
	}
	delta, err := s.view.Diff(real, stored)
	if err != nil {
		return &protocol.Response{Error: err.Error()}, nil
	}

	for name := range delta.Added {
		if !manifest.IsOwnArchiveName(s.job, name) {
			return nil, s.violation(fmt.Sprintf("manifest store adds foreign archive %q", name))
		}
	}
	for _, name := range delta.Removed {
		if !manifest.IsOwnArchiveName(s.job, name) {
			return nil, s.violation(fmt.Sprintf("manifest store removes foreign archive %q", name))
		}
	}

	merged := s.view.Merge(real, delta)
	if err := s.backend.StoreManifest(merged); err != nil {
		return &protocol.Response{Error: err.Error()}, nil
	}
	s.registerEntries(delta)
	return &protocol.Response{OK: true}, nil
}

func (s *Session) loadManifest() (*protocol.Manifest, error) {
	m, err := s.backend.LoadManifest()
	if errors.Is(err, repository.ErrObjectNotFound) {
		return protocol.NewManifest(), nil
	}
	return m, err
}

// registerEntries records the delta server-side: checkpoint entries
// become deletable by this session, the final archive entry becomes
// an attribution record tying the archive to the job's client.
func (s *Session) registerEntries(delta *manifest.Delta) {
	pattern := manifest.CheckpointPattern(s.job.ArchiveName)
	for name, entry := range delta.Added {
		if pattern.MatchString(name) {
			s.checkpoints[name] = entry.ID
			continue
		}
		err := s.store.CreateArchive(&types.Archive{
			ID:            entry.ID.Hex(),
			RepositoryRef: s.job.RepositoryRef,
			ClientRef:     s.job.ClientRef,
			JobRef:        s.job.ID,
			Name:          name,
			Time:          entry.Time,
		})
		if err != nil {
			s.logger.Error().Err(err).Str("archive", name).Msg("recording archive failed")
		} else {
			s.logger.Info().Str("archive", name).Msg("archive added to repository")
		}
	}
	for _, name := range delta.Removed {
		if _, ok := s.checkpoints[name]; ok {
			delete(s.checkpoints, name)
		} else if err := s.store.DeleteArchive(s.job.RepositoryRef, name); err != nil {
			s.logger.Error().Err(err).Str("archive", name).Msg("removing archive record failed")
		}
	}
	s.persistCheckpoints()
}

func (s *Session) checkpointName(id protocol.ObjectID) (string, bool) {
	for name, cid := range s.checkpoints {
		if cid.Equal(id) {
			return name, true
		}
	}
	return "", false
}

// persistCheckpoints mirrors the live checkpoint set into the job
// record, names included, so a reconnecting session sees the same
// deletable set.
func (s *Session) persistCheckpoints() {
	byName := make(map[string]string, len(s.checkpoints))
	for name, id := range s.checkpoints {
		byName[name] = id.Hex()
	}
	s.job.CheckpointArchives = byName
	if err := s.store.UpdateJob(s.job); err != nil {
		s.logger.Error().Err(err).Msg("persisting checkpoint set failed")
	}
}

// violation terminates the session: the backend is closed without a
// commit, the job fails with a policy-violation cause and the client
// connection is torn down by the caller. Never retried.
func (s *Session) violation(reason string) error {
	s.logger.Error().Str("reason", reason).Msg("policy violation, terminating session")
	metrics.PolicyViolations.Inc()
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:      events.EventPolicyViolated,
			Timestamp: time.Now(),
			JobID:     s.job.ID,
			Message:   reason,
		})
	}
	s.backend.Close()
	if _, err := s.machine.Fail(s.job.ID, "policy-violation", "gateway", reason); err != nil {
		s.logger.Error().Err(err).Msg("failing job after violation")
	}
	return fmt.Errorf("%s: %w", reason, ErrPolicyViolation)
}
