//go:build dlib

// Package dlib is an alternative engine backed by dlib's ResNet face model.
// It needs the dlib C++ libraries and is only built with -tags dlib.
package dlib

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Kagami/go-face"
	"github.com/andresmejia3/faceanalyser/internal/analyser"
	"github.com/andresmejia3/faceanalyser/internal/types"
	"github.com/andresmejia3/faceanalyser/internal/utils"
	"go.uber.org/zap"
)

// Engine wraps a go-face recognizer. dlib runs on the CPU only, so execution
// providers and the context id are accepted and ignored.
type Engine struct {
	modelsDir string
	log       *zap.Logger

	// go-face recognizers are not safe for concurrent use
	mu  sync.Mutex
	rec *face.Recognizer
}

// NewAnalyser returns a Constructor loading models from modelsDir.
func NewAnalyser(modelsDir string, log *zap.Logger) analyser.Constructor {
	if log == nil {
		log = zap.NewNop()
	}
	return func(_ context.Context, model string, providers []string) (analyser.Analyser, error) {
		if modelsDir == "" {
			return nil, errors.New("dlib engine needs a models directory")
		}
		log.Debug("dlib engine ignores model and providers",
			zap.String("model", model),
			zap.Strings("execution_providers", providers))
		return &Engine{modelsDir: modelsDir, log: log}, nil
	}
}

// Prepare loads the shape predictor and recognition weights.
func (e *Engine) Prepare(_ context.Context, _ int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec != nil {
		return nil
	}
	rec, err := face.NewRecognizer(e.modelsDir)
	if err != nil {
		return fmt.Errorf("failed to load dlib models from %s: %w", e.modelsDir, err)
	}
	e.rec = rec
	return nil
}

// Detect recognizes every face in a JPEG frame.
func (e *Engine) Detect(_ context.Context, frame types.Frame) ([]types.Face, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec == nil {
		return nil, errors.New("dlib engine not prepared")
	}

	found, err := e.rec.Recognize(frame)
	if err != nil {
		return nil, err
	}

	faces := make([]types.Face, 0, len(found))
	for _, f := range found {
		out := types.Face{
			Box: [4]float64{
				float64(f.Rectangle.Min.X), float64(f.Rectangle.Min.Y),
				float64(f.Rectangle.Max.X), float64(f.Rectangle.Max.Y),
			},
			DetScore:        1,
			NormedEmbedding: utils.Normalize(f.Descriptor[:]),
		}
		for _, p := range f.Shapes {
			out.Landmarks = append(out.Landmarks, [2]float64{float64(p.X), float64(p.Y)})
		}
		faces = append(faces, out)
	}
	return faces, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec != nil {
		e.rec.Close()
		e.rec = nil
	}
	return nil
}
