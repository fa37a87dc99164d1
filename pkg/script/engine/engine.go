//go:build !windows

// Package engine orchestrates one script execution end to end: workspace
// construction, validation, input materialization, the subprocess run with
// a hard wall-clock timeout, log capture, and output ingestion.
//
// A failing or timing-out script is an expected outcome, not a system
// fault: those surface as terminal statuses on the Result, never as errors.
// Errors are reserved for rejections (validation, resolution, oversized
// artifacts) and host-side faults.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cartoflow/cartoflow/pkg/fileops"
	"github.com/cartoflow/cartoflow/pkg/geostore"
	"github.com/cartoflow/cartoflow/pkg/log"
	"github.com/cartoflow/cartoflow/pkg/script/ingest"
	"github.com/cartoflow/cartoflow/pkg/script/integrity"
	"github.com/cartoflow/cartoflow/pkg/script/params"
	"github.com/cartoflow/cartoflow/pkg/script/tracker"
)

// DefaultTimeout is the wall-clock budget for one subprocess run.
const DefaultTimeout = 30 * time.Second

// ErrArtifactTooLarge is returned when a script produces an output file
// larger than the store accepts. The execution ran; the result is rejected.
var ErrArtifactTooLarge = errors.New("artifact exceeds maximum size")

// Terminal statuses of one execution, as reported to the caller. The
// tracker keeps a coarser view: timeout and canceled record as failed
// there. Canceled means the caller went away (request context canceled)
// before the wall-clock budget expired.
const (
	StatusSuccess  = "success"
	StatusFailure  = "failure"
	StatusTimeout  = "timeout"
	StatusCanceled = "canceled"
)

// Result is the outcome of one execution.
type Result struct {
	ExecutionID string        `json:"execution_id"`
	Status      string        `json:"status"`
	Artifacts   []string      `json:"artifacts"`
	LogPath     string        `json:"log_path"`
	Stdout      string        `json:"-"`
	Stderr      string        `json:"-"`
	Duration    time.Duration `json:"-"`
}

// Engine runs scripts. All collaborators are injected; the zero value is
// not usable.
type Engine struct {
	// Root is the directory execution workspaces are created under.
	Root string

	Validator *integrity.Validator
	Resolver  *params.Resolver
	Ingestor  *ingest.Ingestor
	Tracker   *tracker.Tracker

	// Timeout bounds the subprocess wall-clock time. Zero means
	// DefaultTimeout. There is deliberately no per-script override.
	Timeout time.Duration

	// Python is the interpreter binary. Empty means "python3".
	Python string

	// MaxArtifactSize caps individual output files. Zero means
	// geostore.MaxArtifactSize.
	MaxArtifactSize int64
}

// Execute runs the program at programPath as scriptID under executionID.
//
// The caller must have admitted (scriptID, executionID) with the tracker
// first; Execute moves that record to its terminal status in every path.
// Validation and resolution rejections return an error with a nil Result.
// Subprocess failure and timeout return a Result carrying the status.
func (e *Engine) Execute(ctx context.Context, programPath, scriptID, executionID string, parameters *params.Ordered) (*Result, error) {
	res, err := e.run(ctx, programPath, scriptID, executionID, parameters)

	switch {
	case err != nil:
		e.Tracker.Complete(scriptID, executionID, tracker.StatusFailed)
	case res.Status == StatusSuccess:
		e.Tracker.Complete(scriptID, executionID, tracker.StatusFinished)
	default:
		e.Tracker.Complete(scriptID, executionID, tracker.StatusFailed)
	}

	if res != nil {
		log.LogRun(log.RunEvent{
			ScriptID:    scriptID,
			ExecutionID: executionID,
			Status:      res.Status,
			Duration:    res.Duration,
			Artifacts:   len(res.Artifacts),
		})
	}
	return res, err
}

func (e *Engine) run(ctx context.Context, programPath, scriptID, executionID string, parameters *params.Ordered) (*Result, error) {
	execRoot := filepath.Join(e.Root, executionID)
	inputsDir := filepath.Join(execRoot, "inputs")
	outputsDir := filepath.Join(execRoot, "outputs")
	for _, dir := range []string{execRoot, inputsDir, outputsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create workspace: %w", err)
		}
	}

	programCopy := filepath.Join(execRoot, scriptID+".py")
	if err := fileops.Copy(programPath, programCopy); err != nil {
		return nil, fmt.Errorf("stage program: %w", err)
	}

	// Gate on the copy before anything is spawned. Invalid programs
	// consume no subprocess resources.
	if err := e.Validator.Validate(ctx, programCopy); err != nil {
		return nil, err
	}

	if parameters == nil {
		parameters = params.NewOrdered()
	}
	resolved, staged, err := e.Resolver.Resolve(parameters, inputsDir)
	if err != nil {
		return nil, err
	}
	// Materialized input copies are transient whatever the outcome
	defer func() {
		for _, p := range staged {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				log.Warn("input copy %s not removed: %v", filepath.Base(p), err)
			}
		}
	}()

	paramsFile := filepath.Join(inputsDir, "parameters.json")
	data, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	if err := os.WriteFile(paramsFile, data, 0644); err != nil {
		return nil, fmt.Errorf("write parameters: %w", err)
	}

	res := &Result{ExecutionID: executionID}
	res.LogPath = filepath.Join(execRoot, "log_"+scriptID+".txt")

	if err := e.spawn(ctx, execRoot, programCopy, outputsDir, paramsFile, res); err != nil {
		return nil, err
	}

	if err := e.writeLog(res); err != nil {
		return nil, err
	}

	// Output from a killed or failed process is never ingested
	if res.Status != StatusSuccess {
		return res, nil
	}

	if err := e.collectArtifacts(outputsDir, res); err != nil {
		return nil, err
	}
	return res, nil
}

// spawn runs the program copy and fills in status, streams and duration.
// The contract with the script: argv is (outputs directory, parameters
// file), cwd is the execution root, environment is inherited.
func (e *Engine) spawn(ctx context.Context, execRoot, programCopy, outputsDir, paramsFile string, res *Result) error {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	python := e.Python
	if python == "" {
		python = "python3"
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(python, programCopy, outputsDir, paramsFile)
	cmd.Dir = execRoot
	cmd.Env = os.Environ()
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Own process group, so the timeout kill takes children down too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start subprocess: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return fmt.Errorf("wait subprocess: %w", err)
			}
			res.Status = StatusFailure
		} else {
			res.Status = StatusSuccess
		}

	case <-ctx.Done():
		if cmd.Process != nil {
			syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		<-done
		// Budget expiry and caller disconnect are different outcomes
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.Status = StatusTimeout
		} else {
			res.Status = StatusCanceled
		}
	}

	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return nil
}

// writeLog persists the captured streams. A killed process may have
// produced nothing; the log still states what happened.
func (e *Engine) writeLog(res *Result) error {
	text := res.Stdout
	if res.Stderr != "" {
		if text != "" {
			text += "\n"
		}
		text += res.Stderr
	}
	if text == "" {
		switch res.Status {
		case StatusTimeout:
			timeout := e.Timeout
			if timeout <= 0 {
				timeout = DefaultTimeout
			}
			text = fmt.Sprintf("timed out after %s\n", timeout)
		case StatusCanceled:
			text = "canceled before completion\n"
		}
	}
	if err := os.WriteFile(res.LogPath, []byte(text), 0644); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

// collectArtifacts ingests every file directly inside outputsDir. An
// oversized file fails the whole execution even though the subprocess
// exited cleanly. With no output files, the trimmed stdout text stands in
// as the sole result value.
func (e *Engine) collectArtifacts(outputsDir string, res *Result) error {
	entries, err := os.ReadDir(outputsDir)
	if err != nil {
		return fmt.Errorf("read outputs: %w", err)
	}

	limit := e.MaxArtifactSize
	if limit <= 0 {
		limit = geostore.MaxArtifactSize
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(outputsDir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("stat output %s: %w", entry.Name(), err)
		}
		if info.Size() > limit {
			os.Remove(path)
			return fmt.Errorf("%w: %s (%d bytes)", ErrArtifactTooLarge, entry.Name(), info.Size())
		}

		fileIDs, _, err := e.Ingestor.Ingest(path)
		if err != nil {
			return err
		}
		ids = append(ids, fileIDs...)
	}

	if len(ids) == 0 {
		ids = []string{strings.TrimSpace(res.Stdout)}
	}
	res.Artifacts = ids
	return nil
}
