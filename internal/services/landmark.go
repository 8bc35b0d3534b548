package services

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/Vicky270506/awake-watch-tech/internal/logging"
)

// EarObservation is what the landmark detector reports for one frame. The
// detector is a black box: it receives image bytes and returns whether a face
// was found and the mean eye-aspect-ratio over both eyes.
type EarObservation struct {
	FaceDetected bool    `json:"face_detected"`
	EAR          float64 `json:"ear"`
	InferenceMs  float64 `json:"inference_ms,omitempty"`
	Seq          int32   `json:"seq,omitempty"`
}

// EarExtractor extracts the per-frame EAR from raw image bytes.
type EarExtractor interface {
	Extract(ctx context.Context, frame []byte, seq int32) (EarObservation, error)
	Close() error
}

var (
	ErrWorkerNotRunning = errors.New("landmark worker is not running")
	ErrWorkerExited     = errors.New("landmark worker exited")
)

// workerRequest is one line written to the Python worker's stdin.
type workerRequest struct {
	FrameData string `json:"frame_data"`
	Seq       int32  `json:"seq,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// PythonWorker runs the face-landmark model in a long-lived Python subprocess
// and speaks JSON lines over stdin/stdout. One request is in flight at a
// time; responses arrive in request order.
type PythonWorker struct {
	pythonBin string
	script    string

	mu      sync.Mutex // serializes request/response pairs on the pipes
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	results chan EarObservation
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewPythonWorker(pythonBin, script string) *PythonWorker {
	return &PythonWorker{
		pythonBin: pythonBin,
		script:    script,
		results:   make(chan EarObservation, 16),
		done:      make(chan struct{}),
	}
}

// Start spawns the Python process and the stdout/stderr reader goroutines.
func (w *PythonWorker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	cmd := exec.CommandContext(ctx, w.pythonBin, w.script)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start landmark worker: %w", err)
	}

	w.cmd = cmd
	w.stdin = stdin

	go w.readResults(stdout)
	go w.logStderr(stderr)
	go w.waitProcess(ctx)

	logging.Info("landmark worker started", "bin", w.pythonBin, "script", w.script, "pid", cmd.Process.Pid)
	return nil
}

// Extract sends one frame to the worker and waits for its observation.
func (w *PythonWorker) Extract(ctx context.Context, frame []byte, seq int32) (EarObservation, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cmd == nil {
		return EarObservation{}, ErrWorkerNotRunning
	}

	// Drop results left over from requests that timed out.
drain:
	for {
		select {
		case <-w.results:
		default:
			break drain
		}
	}

	req := workerRequest{
		FrameData: base64.StdEncoding.EncodeToString(frame),
		Seq:       seq,
		Timestamp: time.Now().UnixMilli(),
	}
	line, err := json.Marshal(req)
	if err != nil {
		return EarObservation{}, fmt.Errorf("encode worker request: %w", err)
	}
	if _, err := w.stdin.Write(append(line, '\n')); err != nil {
		return EarObservation{}, fmt.Errorf("write frame to worker: %w", err)
	}

	select {
	case obs := <-w.results:
		return obs, nil
	case <-w.done:
		return EarObservation{}, ErrWorkerExited
	case <-ctx.Done():
		return EarObservation{}, ctx.Err()
	}
}

func (w *PythonWorker) readResults(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var obs EarObservation
		if err := json.Unmarshal(scanner.Bytes(), &obs); err != nil {
			logging.Warn("landmark worker produced unparseable output", "error", err)
			continue
		}
		select {
		case w.results <- obs:
		default:
			logging.Warn("landmark result channel full, dropping observation", "seq", obs.Seq)
		}
	}
}

// logStderr bridges the Python process log output into ours.
func (w *PythonWorker) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]") || strings.Contains(line, "[CRITICAL]"):
			logging.Error("landmark worker", "output", line)
		case strings.Contains(line, "[WARNING]") || strings.Contains(line, "[WARN]"):
			logging.Warn("landmark worker", "output", line)
		default:
			logging.Debug("landmark worker", "output", line)
		}
	}
}

func (w *PythonWorker) waitProcess(ctx context.Context) {
	err := w.cmd.Wait()
	close(w.done)
	if err != nil && ctx.Err() == nil {
		logging.Error("landmark worker exited unexpectedly", "error", err)
		return
	}
	logging.Debug("landmark worker exited")
}

// Close shuts the worker down: stdin close signals a graceful exit, the
// context cancel kills the process if it does not comply.
func (w *PythonWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cmd == nil {
		return nil
	}
	w.stdin.Close()
	select {
	case <-w.done:
	case <-time.After(2 * time.Second):
		logging.Warn("landmark worker did not exit in time, killing")
		w.cancel()
	}
	w.cmd = nil
	return nil
}

// NoopExtractor is used when no worker script is configured: every frame
// comes back as face-not-detected, which the tracker treats as a held state.
type NoopExtractor struct{}

func (NoopExtractor) Extract(context.Context, []byte, int32) (EarObservation, error) {
	return EarObservation{FaceDetected: false}, nil
}

func (NoopExtractor) Close() error { return nil }

// StaticExtractor replays a scripted EAR sequence, cycling when exhausted.
// It backs the development client and the handler tests.
type StaticExtractor struct {
	mu   sync.Mutex
	seq  []EarObservation
	next int
}

func NewStaticExtractor(seq []EarObservation) *StaticExtractor {
	return &StaticExtractor{seq: seq}
}

func (s *StaticExtractor) Extract(_ context.Context, _ []byte, _ int32) (EarObservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.seq) == 0 {
		return EarObservation{}, nil
	}
	obs := s.seq[s.next]
	s.next = (s.next + 1) % len(s.seq)
	return obs, nil
}

func (s *StaticExtractor) Close() error { return nil }
