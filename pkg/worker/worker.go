package worker

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/enkore/borgcube/pkg/events"
	"github.com/enkore/borgcube/pkg/job"
	"github.com/enkore/borgcube/pkg/log"
	"github.com/enkore/borgcube/pkg/registry"
	"github.com/enkore/borgcube/pkg/types"
)

// exitConnectivity is the remote shell's exit code when the transport
// itself failed. Such jobs never ran any client-side work and are
// eligible for manual retry.
const exitConnectivity = 255

// Result is the outcome of one supervised job process.
type Result struct {
	JobID    string
	ExitCode int
	Err      error
}

// Worker supervises the remote client-side process of one running
// job: spawns it over the remote shell, streams its output into the
// job log and the event broker, and performs the final state
// transition on exit.
type Worker struct {
	machine  *job.Machine
	broker   *events.Broker
	registry *registry.Registry
	logDir   string
	logger   zerolog.Logger

	mu  sync.Mutex
	cmd *exec.Cmd
}

// New creates a worker writing job logs under logDir.
func New(machine *job.Machine, broker *events.Broker, reg *registry.Registry, logDir string) *Worker {
	return &Worker{
		machine:  machine,
		broker:   broker,
		registry: reg,
		logDir:   logDir,
		logger:   log.WithComponent("worker"),
	}
}

// Command builds the remote shell invocation that starts the
// client-side operation. The single argument the client gets is the
// reverse path of the job's gateway session.
func Command(conn *types.RshConnection, reversePath string) (string, []string) {
	rsh := conn.RSH
	if rsh == "" {
		rsh = "ssh"
	}
	args := append([]string{}, conn.RSHOptions...)
	if conn.IdentityFile != "" {
		args = append(args, "-i", conn.IdentityFile)
	}
	args = append(args, conn.Remote)

	remoteBorg := conn.RemoteBorg
	if remoteBorg == "" {
		remoteBorg = "borg"
	}
	remote := remoteBorg
	if conn.RemoteCacheDir != "" {
		remote = "BORG_CACHE_DIR=" + conn.RemoteCacheDir + " " + remote
	}
	args = append(args, remote, "borgcube-client", reversePath)
	return rsh, args
}

// Run spawns the remote process for j and blocks until it exits,
// then moves the job to its terminal state. Call it from its own
// goroutine; results are also delivered to done if non-nil.
func (w *Worker) Run(j *types.Job, client *types.Client, reversePath string, done chan<- Result) {
	logger := w.logger.With().Str("job_id", j.ID).Logger()

	res := w.run(j, client, reversePath, logger)
	if done != nil {
		done <- res
	}
}

func (w *Worker) run(j *types.Job, client *types.Client, reversePath string, logger zerolog.Logger) Result {
	name, args := Command(client.Connection, reversePath)
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logFile, err := w.openLog(j.ID)
	if err != nil {
		logger.Error().Err(err).Msg("opening job log")
		w.fail(j.ID, "internal", err.Error())
		return Result{JobID: j.ID, ExitCode: -1, Err: err}
	}
	defer logFile.Close()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		w.fail(j.ID, "internal", err.Error())
		return Result{JobID: j.ID, ExitCode: -1, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		w.fail(j.ID, "internal", err.Error())
		return Result{JobID: j.ID, ExitCode: -1, Err: err}
	}

	logger.Info().Str("command", name).Strs("args", args).Msg("starting remote process")
	if err := cmd.Start(); err != nil {
		// The process never existed; treat like a transport failure.
		w.fail(j.ID, "client-connection-failed", err.Error())
		return Result{JobID: j.ID, ExitCode: -1, Err: err}
	}

	w.mu.Lock()
	w.cmd = cmd
	w.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go w.stream(j.ID, stdout, logFile, &wg)
	go w.stream(j.ID, stderr, logFile, &wg)
	wg.Wait()

	err = cmd.Wait()
	exitCode := 0
	if err != nil {
		exitCode = -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
	}

	w.mu.Lock()
	w.cmd = nil
	w.mu.Unlock()

	w.finish(j, exitCode, logger)
	return Result{JobID: j.ID, ExitCode: exitCode, Err: err}
}

// finish records the terminal state for an exited process. The
// gateway may already have failed the job on a policy violation, in
// which case the exit code changes nothing.
func (w *Worker) finish(j *types.Job, exitCode int, logger zerolog.Logger) {
	switch {
	case exitCode == 0:
		if _, err := w.machine.Transition(j.ID, types.JobStateRunning, types.JobStateDone, "worker", "remote process exited cleanly"); err != nil {
			logger.Debug().Err(err).Msg("job already terminal")
		}
	case exitCode == 1:
		// Borg's warning exit code. The operation itself finished.
		if _, err := w.machine.Transition(j.ID, types.JobStateRunning, types.JobStateDone, "worker", "remote process completed with warnings"); err != nil {
			logger.Debug().Err(err).Msg("job already terminal")
		}
	case exitCode == exitConnectivity:
		w.fail(j.ID, "client-connection-failed", "remote shell connection failed")
	default:
		w.fail(j.ID, "process-failed", fmt.Sprintf("remote process exited with code %d", exitCode))
	}

	if w.registry != nil {
		w.registry.JobExit(registry.JobExitEvent{Job: j, ExitCode: exitCode})
	}
}

func (w *Worker) fail(jobID, cause, reason string) {
	if _, err := w.machine.Fail(jobID, cause, "worker", reason); err != nil {
		w.logger.Debug().Err(err).Str("job_id", jobID).Msg("job already terminal")
	}
}

// stream copies process output line-wise into the job log and
// broadcasts each line as a best-effort progress event.
func (w *Worker) stream(jobID string, r io.Reader, logFile *os.File, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintln(logFile, line)
		if w.broker != nil {
			w.broker.Publish(&events.Event{
				Type:      events.EventJobProgress,
				Timestamp: time.Now(),
				JobID:     jobID,
				Message:   line,
			})
		}
	}
}

// Kill sends SIGTERM to the remote shell's process group. Best
// effort; not race-free with an in-flight commit.
func (w *Worker) Kill() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd == nil || w.cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-w.cmd.Process.Pid, syscall.SIGTERM)
}

func (w *Worker) openLog(jobID string) (*os.File, error) {
	if err := os.MkdirAll(w.logDir, 0o750); err != nil {
		return nil, err
	}
	path := filepath.Join(w.logDir, jobID+".log")
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}

// LogPath returns the path of a job's log file.
func (w *Worker) LogPath(jobID string) string {
	return filepath.Join(w.logDir, jobID+".log")
}
