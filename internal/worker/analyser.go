package worker

import (
	"context"
	"sync/atomic"

	"github.com/andresmejia3/faceanalyser/internal/analyser"
)

// NewAnalyser returns an analyser.Constructor that launches a PythonWorker per call.
// The child process outlives the context it was built under; it ends on Close.
func NewAnalyser(cfg Config) analyser.Constructor {
	var ids atomic.Int64
	return func(ctx context.Context, model string, providers []string) (analyser.Analyser, error) {
		w, err := NewPythonWorker(context.WithoutCancel(ctx), int(ids.Add(1)), model, providers, cfg)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
}
