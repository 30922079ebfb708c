package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobmcallan/drover/internal/common"
	"github.com/bobmcallan/drover/internal/interfaces"
	"github.com/bobmcallan/drover/internal/jobs"
	"github.com/bobmcallan/drover/internal/models"
)

// childEnvelope is the startup message the parent writes to the child's
// stdin: the serialized job document plus enough configuration for the
// child to reach the store on its own. Progress and final status go
// through the store; the result pipe only carries the typed outcome.
type childEnvelope struct {
	Job      map[string]any       `json:"job"`
	Storage  common.StorageConfig `json:"storage"`
	Worker   string               `json:"worker"`
	LogLevel string               `json:"log_level"`
}

// processLauncher runs each trial in a child OS process by re-executing
// the worker binary with the exec subcommand. CPU-bound user code,
// crashes, and segfaults stay contained in the child.
type processLauncher struct {
	store  interfaces.Store
	config *common.Config
	logger *common.Logger
	worker string
}

// NewProcessLauncher creates the child-process launcher.
func NewProcessLauncher(store interfaces.Store, config *common.Config, logger *common.Logger, worker string) Launcher {
	return &processLauncher{store: store, config: config, logger: logger, worker: worker}
}

func (l *processLauncher) Launch(_ context.Context, job *models.Job) (*Handle, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable: %w", err)
	}

	doc, err := models.Serialise(job)
	if err != nil {
		return nil, err
	}
	envelope, err := json.Marshal(childEnvelope{
		Job:      doc,
		Storage:  l.config.Storage,
		Worker:   l.worker,
		LogLevel: l.config.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal child envelope: %w", err)
	}

	resultR, resultW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create result pipe: %w", err)
	}

	cmd := exec.Command(exe, "exec")
	cmd.ExtraFiles = []*os.File{resultW} // fd 3 in the child

	stdin, err := cmd.StdinPipe()
	if err != nil {
		resultR.Close()
		resultW.Close()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		resultR.Close()
		resultW.Close()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		resultR.Close()
		resultW.Close()
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		resultR.Close()
		resultW.Close()
		return nil, fmt.Errorf("failed to start child process: %w", err)
	}
	resultW.Close()

	go func() {
		stdin.Write(envelope)
		stdin.Close()
	}()

	// Child std streams become log records tagged by job id.
	go l.captureOutput(job.ID, stdout, models.LogInfo)
	go l.captureOutput(job.ID, stderr, models.LogWarn)

	done := make(chan Result, 1)
	waited := make(chan struct{})
	go func() {
		raw, _ := io.ReadAll(resultR)
		resultR.Close()
		waitErr := cmd.Wait()
		close(waited)
		done <- childResult(raw, cmd, waitErr)
	}()

	grace := l.config.Worker.GetKillGrace()
	terminate := func() {
		if cmd.Process == nil {
			return
		}
		cmd.Process.Signal(syscall.SIGTERM)
		time.AfterFunc(grace, func() {
			select {
			case <-waited:
			default:
				cmd.Process.Kill()
			}
		})
	}

	return &Handle{
		PID:       cmd.Process.Pid,
		Done:      done,
		terminate: terminate,
	}, nil
}

// childResult decides the trial outcome from the result pipe and the
// child's exit status. A child that dies without reporting was either
// killed (SIGTERM/SIGKILL) or crashed; a crash is a user-job error with
// a synthetic message.
func childResult(raw []byte, cmd *exec.Cmd, waitErr error) Result {
	var res Result
	if len(raw) > 0 && json.Unmarshal(raw, &res) == nil && res.Kind != "" {
		return res
	}

	if state := cmd.ProcessState; state != nil {
		if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			switch status.Signal() {
			case syscall.SIGTERM, syscall.SIGKILL:
				return Result{Kind: ResultKilled, Message: "terminated"}
			default:
				return Result{Kind: ResultFail, Message: fmt.Sprintf("child died on signal %s", status.Signal())}
			}
		}
		if code := state.ExitCode(); code != 0 {
			return Result{Kind: ResultFail, Message: fmt.Sprintf("child exited with code %d", code)}
		}
	}
	if waitErr != nil {
		return Result{Kind: ResultFail, Message: fmt.Sprintf("child failed: %v", waitErr)}
	}
	return Result{Kind: ResultFail, Message: "child exited without reporting a result"}
}

func (l *processLauncher) captureOutput(jobID string, r io.Reader, level string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := l.store.AppendLog(context.Background(), &models.LogRecord{
			JobID:   jobID,
			Worker:  l.worker,
			Level:   level,
			Message: line,
		}); err != nil {
			l.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to capture child output")
		}
	}
}

// StoreFactory builds the child's own store connection from the
// envelope's storage section. Injected by the binary entry point so this
// package does not depend on the storage factory.
type StoreFactory func(logger *common.Logger, config *common.StorageConfig) (interfaces.Store, error)

// RunChild is the child process entry point behind the exec subcommand.
// It reads the envelope from stdin, connects to the store, executes the
// trial, and writes the typed result to the inherited result pipe.
func RunChild(registry *jobs.Registry, newStore StoreFactory) int {
	envelope := childEnvelope{}
	if err := json.NewDecoder(os.Stdin).Decode(&envelope); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read envelope: %v\n", err)
		return 1
	}

	logger := common.NewLogger(envelope.LogLevel)

	job, err := models.Deserialise(envelope.Job)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid job document: %v\n", err)
		return 1
	}

	store, err := newStore(logger, &envelope.Storage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to store: %v\n", err)
		return 1
	}
	defer store.Close()

	// SIGTERM from the supervisor cancels the trial context so the job
	// can wind down inside the kill grace.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	result := ExecuteTrial(ctx, store, registry, job, envelope.Worker, logger)

	out := os.NewFile(3, "result")
	if out != nil {
		json.NewEncoder(out).Encode(result)
		out.Close()
	}
	return 0
}
