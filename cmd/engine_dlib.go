//go:build dlib

package cmd

import (
	"github.com/andresmejia3/faceanalyser/internal/analyser"
	"github.com/andresmejia3/faceanalyser/internal/dlib"
	"go.uber.org/zap"
)

func newDlibConstructor(modelsDir string, log *zap.Logger) (analyser.Constructor, error) {
	return dlib.NewAnalyser(modelsDir, log), nil
}
