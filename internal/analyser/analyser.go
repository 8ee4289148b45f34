// Package analyser owns the process-wide face analysis engine and the small
// amount of selection logic layered on top of it.
package analyser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/faceanalyser/internal/types"
	"github.com/andresmejia3/faceanalyser/internal/utils"
	"go.uber.org/zap"
)

const (
	// DefaultModel is the insightface model pack loaded by the engine.
	DefaultModel = "buffalo_l"
	// DefaultSimilarFaceDistance is the squared Euclidean cutoff used by FindSimilarFace.
	DefaultSimilarFaceDistance = 0.85

	// prepareContextID is the execution context the engine is bound to on first use.
	prepareContextID = 0
)

// Analyser is the opaque engine handle that performs detection and embedding.
type Analyser interface {
	// Prepare loads weights onto the given execution context. Called once per handle.
	Prepare(ctx context.Context, ctxID int) error
	// Detect returns every face found in frame, in engine order.
	Detect(ctx context.Context, frame types.Frame) ([]types.Face, error)
	Close() error
}

// Constructor builds an unprepared engine for a model and an ordered list of execution providers.
type Constructor func(ctx context.Context, model string, providers []string) (Analyser, error)

// Options configures an Accessor.
type Options struct {
	// Model defaults to DefaultModel when empty.
	Model              string
	ExecutionProviders []string
	// SimilarFaceDistance is the squared distance cutoff. Zero or negative selects
	// DefaultSimilarFaceDistance; there is no "never match" setting.
	SimilarFaceDistance float64
	Logger              *zap.Logger
}

// handle boxes the interface so it fits in an atomic.Pointer.
type handle struct {
	Analyser
}

// Accessor lazily constructs a single Analyser and exposes face lookups on top of it.
//
// The mutex only guards the check-and-construct path. Detection calls run
// without it, so concurrent Detect calls rely on the engine's own guarantees.
// ClearAnalyser is a bare atomic store and is not ordered against an in-flight
// GetAnalyser: a clear racing a first get may be overwritten by the handle that
// get constructs.
type Accessor struct {
	mu      sync.Mutex
	current atomic.Pointer[handle]
	built   atomic.Int64

	construct Constructor
	model     string
	providers []string
	threshold float64
	log       *zap.Logger
}

// New returns an Accessor with no engine loaded yet.
func New(construct Constructor, opts Options) *Accessor {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.SimilarFaceDistance <= 0 {
		opts.SimilarFaceDistance = DefaultSimilarFaceDistance
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Accessor{
		construct: construct,
		model:     opts.Model,
		providers: append([]string(nil), opts.ExecutionProviders...),
		threshold: opts.SimilarFaceDistance,
		log:       opts.Logger,
	}
}

// GetAnalyser returns the current engine, building and preparing it on first use.
// Construction and preparation errors are returned as is and leave the Accessor
// uninitialised.
func (a *Accessor) GetAnalyser(ctx context.Context) (Analyser, error) {
	if h := a.current.Load(); h != nil {
		return h.Analyser, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if h := a.current.Load(); h != nil {
		return h.Analyser, nil
	}

	a.log.Info("initializing face analyser",
		zap.String("model", a.model),
		zap.Strings("execution_providers", a.providers))

	engine, err := a.construct(ctx, a.model, a.providers)
	if err != nil {
		return nil, fmt.Errorf("failed to create face analyser: %w", err)
	}
	if err := engine.Prepare(ctx, prepareContextID); err != nil {
		engine.Close()
		return nil, fmt.Errorf("failed to prepare face analyser: %w", err)
	}

	a.built.Add(1)
	a.current.Store(&handle{Analyser: engine})
	return engine, nil
}

// ClearAnalyser drops the current engine so the next GetAnalyser builds a new one.
// The dropped engine is not closed; callers still holding it may keep using it.
func (a *Accessor) ClearAnalyser() {
	a.current.Store(nil)
}

// Generations reports how many engines have been constructed so far.
func (a *Accessor) Generations() int64 {
	return a.built.Load()
}

// Close shuts down the current engine, if any, and clears it.
func (a *Accessor) Close() error {
	h := a.current.Swap(nil)
	if h == nil {
		return nil
	}
	return h.Close()
}

// Status classifies the outcome of a detection call.
type Status int

const (
	StatusFound Status = iota
	StatusNoFaces
	StatusEngineError
)

func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusNoFaces:
		return "no_faces"
	case StatusEngineError:
		return "engine_error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Detection is the result of running the engine on one frame.
type Detection struct {
	Status Status
	Faces  []types.Face
	// Err is set only for StatusEngineError.
	Err error
}

// Detect runs the engine on frame and classifies the result. Engine failures are
// logged here and reported through Status; only initialisation failures are returned.
func (a *Accessor) Detect(ctx context.Context, frame types.Frame) (Detection, error) {
	engine, err := a.GetAnalyser(ctx)
	if err != nil {
		return Detection{}, err
	}

	faces, err := engine.Detect(ctx, frame)
	if err != nil {
		a.log.Error("face detection failed", zap.Error(err), zap.Int("frame_bytes", len(frame)))
		return Detection{Status: StatusEngineError, Err: err}, nil
	}
	if len(faces) == 0 {
		return Detection{Status: StatusNoFaces}, nil
	}
	return Detection{Status: StatusFound, Faces: faces}, nil
}

// GetManyFaces returns all faces in frame, or nil when none were found or the
// engine failed.
func (a *Accessor) GetManyFaces(ctx context.Context, frame types.Frame) ([]types.Face, error) {
	d, err := a.Detect(ctx, frame)
	if err != nil {
		return nil, err
	}
	return d.Faces, nil
}

// GetOneFace returns the face at position. Negative positions count from the end.
// A position outside the list yields the last face instead of an error.
func (a *Accessor) GetOneFace(ctx context.Context, frame types.Frame, position int) (*types.Face, error) {
	faces, err := a.GetManyFaces(ctx, frame)
	if err != nil {
		return nil, err
	}
	return pick(faces, position), nil
}

func pick(faces []types.Face, position int) *types.Face {
	if len(faces) == 0 {
		return nil
	}
	if position < 0 {
		position += len(faces)
	}
	if position < 0 || position >= len(faces) {
		position = len(faces) - 1
	}
	f := faces[position]
	return &f
}

// FindSimilarFace returns the first face in frame whose squared embedding distance
// to reference is below the configured threshold. It is a first match, not a
// nearest match.
func (a *Accessor) FindSimilarFace(ctx context.Context, frame types.Frame, reference types.Face) (*types.Face, error) {
	faces, err := a.GetManyFaces(ctx, frame)
	if err != nil {
		return nil, err
	}
	return firstWithin(faces, reference, a.threshold), nil
}

func firstWithin(faces []types.Face, reference types.Face, threshold float64) *types.Face {
	if !reference.HasEmbedding() {
		return nil
	}
	for i := range faces {
		if !faces[i].HasEmbedding() {
			continue
		}
		dist, ok := utils.SquaredDistance(faces[i].NormedEmbedding, reference.NormedEmbedding)
		if ok && dist < threshold {
			f := faces[i]
			return &f
		}
	}
	return nil
}

// SimilarFaceDistance reports the configured match threshold.
func (a *Accessor) SimilarFaceDistance() float64 {
	return a.threshold
}
