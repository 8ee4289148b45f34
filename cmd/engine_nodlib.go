//go:build !dlib

package cmd

import (
	"errors"

	"github.com/andresmejia3/faceanalyser/internal/analyser"
	"go.uber.org/zap"
)

func newDlibConstructor(string, *zap.Logger) (analyser.Constructor, error) {
	return nil, errors.New("dlib engine not compiled in (rebuild with -tags dlib)")
}
