package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/faceanalyser/internal/types"
	"github.com/andresmejia3/faceanalyser/internal/utils"
	"go.uber.org/zap"
)

// Request opcodes.
const (
	opPrepare byte = 'P'
	opDetect  byte = 'D'
)

// Response status bytes.
const (
	statusOK    byte = 0
	statusError byte = 1
)

// maxMessage bounds a single response so a corrupt header cannot trigger a huge allocation.
const maxMessage = 256 * 1024 * 1024

// closeGrace is how long Close waits for the child to exit before killing it.
const closeGrace = 5 * time.Second

var (
	// ErrWorkerClosed is returned for requests sent after Close.
	ErrWorkerClosed = errors.New("python worker closed")
	// ErrWorkerBroken is returned once an exchange failed midway and the pipes may be out of step.
	ErrWorkerBroken = errors.New("python worker out of sync")
)

// Config describes how the Python engine process is launched.
type Config struct {
	Python string // interpreter, defaults to python3
	Script string // defaults to python/worker.py
	// ReadTimeout bounds a single response read. Zero waits forever.
	ReadTimeout time.Duration
	Logger      *zap.Logger
}

// PythonWorker drives one insightface FaceAnalysis instance living in a child process.
// Requests are serialised; the child handles one frame at a time.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	timeout time.Duration
	log     *zap.Logger

	mu     sync.Mutex
	closed bool
	broken error

	pipesOnce sync.Once
}

// NewPythonWorker starts the engine process for model with the given execution providers.
// The model is constructed but not prepared; call Prepare before Detect.
func NewPythonWorker(ctx context.Context, id int, model string, providers []string, cfg Config) (*PythonWorker, error) {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Script == "" {
		cfg.Script = "python/worker.py"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	args := []string{"-u", cfg.Script, "--model", model}
	if len(providers) > 0 {
		args = append(args, "--providers", strings.Join(providers, ","))
	}
	py := utils.NewSafeCommand(ctx, cfg.Python, args...)

	// Side-channel pipe (FD 3) keeps data apart from anything the model prints.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Only the child holds the write end now
	w.Close()

	cfg.Logger.Debug("python worker started",
		zap.Int("worker", id),
		zap.Int("pid", py.Process.Pid),
		zap.String("model", model))

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		timeout:  cfg.ReadTimeout,
		log:      cfg.Logger,
	}, nil
}

// Prepare loads the model onto execution context ctxID.
func (w *PythonWorker) Prepare(ctx context.Context, ctxID int) error {
	body := make([]byte, 5)
	body[0] = opPrepare
	binary.BigEndian.PutUint32(body[1:], uint32(int32(ctxID)))

	resp, err := w.roundTrip(ctx, body)
	if err != nil {
		return w.withLogs(err)
	}
	_, err = decodeStatus(resp)
	return err
}

// Detect sends an encoded frame and decodes the faces the engine found.
func (w *PythonWorker) Detect(ctx context.Context, frame types.Frame) ([]types.Face, error) {
	body := make([]byte, 1+len(frame))
	body[0] = opDetect
	copy(body[1:], frame)

	resp, err := w.roundTrip(ctx, body)
	if err != nil {
		return nil, w.withLogs(err)
	}
	payload, err := decodeStatus(resp)
	if err != nil {
		return nil, err
	}
	return decodeFaces(payload)
}

// roundTrip writes one framed request and reads one framed response.
// Protocol: [Length][Body] in both directions.
func (w *PythonWorker) roundTrip(ctx context.Context, body []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, ErrWorkerClosed
	}
	if w.broken != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkerBroken, w.broken)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp, err := w.exchange(body)
	if err != nil {
		// A late or partial reply would be read as the answer to the next request
		w.broken = err
		w.log.Error("python worker marked broken", zap.Int("worker", w.ID), zap.Error(err))
		return nil, err
	}
	return resp, nil
}

func (w *PythonWorker) exchange(body []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(body))); err != nil {
		return nil, fmt.Errorf("failed to write request header: %w", err)
	}
	if _, err := w.Stdin.Write(body); err != nil {
		return nil, fmt.Errorf("failed to write request body: %w", err)
	}

	if w.timeout > 0 {
		if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok {
			_ = d.SetReadDeadline(time.Now().Add(w.timeout))
			defer d.SetReadDeadline(time.Time{})
		}
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		// A crash in the child (e.g. ModuleNotFoundError) surfaces here
		return nil, fmt.Errorf("failed to read response header: %w", err)
	}
	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxMessage {
		return nil, fmt.Errorf("response of %d bytes exceeds limit", respLen)
	}
	resp := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, resp); err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp, nil
}

func (w *PythonWorker) withLogs(err error) error {
	if w.Cmd != nil && w.Cmd.Stderr.Len() > 0 {
		w.log.Error("python worker stderr",
			zap.Int("worker", w.ID),
			zap.String("stderr", w.Cmd.Stderr.String()))
	}
	return err
}

// Close ends the child by closing its pipes and waits for it to exit, killing it
// after closeGrace. The pipes are closed before taking the lock so an in-flight
// request is unblocked.
func (w *PythonWorker) Close() error {
	w.pipesOnce.Do(func() {
		w.Stdin.Close()
		w.DataPipe.Close()
	})

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if w.Cmd == nil || w.Cmd.Process == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- w.Cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(closeGrace):
		w.log.Warn("python worker did not exit, killing it", zap.Int("worker", w.ID))
		_ = w.Cmd.Process.Kill()
		return <-done
	}
}

// decodeStatus splits the status byte from the payload, turning error responses into errors.
func decodeStatus(resp []byte) ([]byte, error) {
	if len(resp) == 0 {
		return nil, errors.New("empty response from python worker")
	}
	switch resp[0] {
	case statusOK:
		return resp[1:], nil
	case statusError:
		r := bytes.NewReader(resp[1:])
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	default:
		return nil, fmt.Errorf("unknown response status %d", resp[0])
	}
}

// decodeFaces parses: [NumFaces] then per face [Box 4xf32] [Score f32] [NumKps] [Kps 2xf32...] [Dim] [Vec f32...]
func decodeFaces(payload []byte) ([]types.Face, error) {
	r := bytes.NewReader(payload)

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("failed to read face count: %w", err)
	}

	// Each face needs at least 28 bytes, which bounds a corrupt count.
	faces := make([]types.Face, 0, min(int(count), len(payload)/28))
	for i := uint32(0); i < count; i++ {
		var box [4]float32
		var score float32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("face %d: box: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &score); err != nil {
			return nil, fmt.Errorf("face %d: score: %w", i, err)
		}

		kps, err := readFloats(r, 2)
		if err != nil {
			return nil, fmt.Errorf("face %d: landmarks: %w", i, err)
		}
		vec, err := readFloats(r, 1)
		if err != nil {
			return nil, fmt.Errorf("face %d: embedding: %w", i, err)
		}

		f := types.Face{DetScore: float64(score)}
		for j, v := range box {
			f.Box[j] = float64(v)
		}
		for j := 0; j+1 < len(kps); j += 2 {
			f.Landmarks = append(f.Landmarks, [2]float64{kps[j], kps[j+1]})
		}
		if len(vec) > 0 {
			f.NormedEmbedding = vec
		}
		faces = append(faces, f)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after %d faces", r.Len(), count)
	}
	return faces, nil
}

// readFloats reads a u32 count followed by count*stride float32 values.
func readFloats(r *bytes.Reader, stride int) ([]float64, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	total := int(n) * stride
	if total == 0 {
		return nil, nil
	}
	if total*4 > r.Len() {
		return nil, fmt.Errorf("declared %d values but only %d bytes remain", total, r.Len())
	}
	raw := make([]float32, total)
	if err := binary.Read(r, binary.BigEndian, raw); err != nil {
		return nil, err
	}
	out := make([]float64, total)
	for i, v := range raw {
		out[i] = float64(v)
	}
	return out, nil
}
