// Package server exposes the face analyser over HTTP. Images are sent as the raw
// request body.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/andresmejia3/faceanalyser/internal/analyser"
	"github.com/andresmejia3/faceanalyser/internal/store"
	"github.com/andresmejia3/faceanalyser/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxImageBytes caps request bodies.
const maxImageBytes = 32 << 20

// References looks up stored reference faces by name.
type References interface {
	GetReference(ctx context.Context, name string) (store.Reference, error)
}

// Server exposes the face analyser over HTTP.
type Server struct {
	faces  *analyser.Accessor
	refs   References
	log    *zap.Logger
	router *gin.Engine
}

// New builds the router. refs may be nil, in which case similarity search is disabled.
func New(faces *analyser.Accessor, refs References, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{faces: faces, refs: refs, log: log}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.health)
	v1 := r.Group("/v1")
	v1.POST("/faces", s.manyFaces)
	v1.POST("/faces/one", s.oneFace)
	v1.POST("/faces/similar", s.similarFace)
	v1.POST("/analyser/clear", s.clearAnalyser)

	s.router = r
	return s
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) readFrame(c *gin.Context) (types.Frame, bool) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxImageBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return nil, false
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty image body"})
		return nil, false
	}
	if len(data) > maxImageBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return nil, false
	}
	return types.Frame(data), true
}

// initFailed reports analyser construction failures, the only errors the
// accessor surfaces.
func (s *Server) initFailed(c *gin.Context, err error) {
	s.log.Error("face analyser unavailable", zap.Error(err))
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":               "ok",
		"analyser_generations": s.faces.Generations(),
	})
}

func (s *Server) manyFaces(c *gin.Context) {
	frame, ok := s.readFrame(c)
	if !ok {
		return
	}
	faces, err := s.faces.GetManyFaces(c.Request.Context(), frame)
	if err != nil {
		s.initFailed(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(faces), "faces": faces})
}

func (s *Server) oneFace(c *gin.Context) {
	position, err := strconv.Atoi(c.DefaultQuery("position", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "position must be an integer"})
		return
	}
	frame, ok := s.readFrame(c)
	if !ok {
		return
	}
	face, err := s.faces.GetOneFace(c.Request.Context(), frame, position)
	if err != nil {
		s.initFailed(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"face": face})
}

func (s *Server) similarFace(c *gin.Context) {
	if s.refs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reference store not configured"})
		return
	}
	name := c.Query("reference")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reference query parameter is required"})
		return
	}
	ref, err := s.refs.GetReference(c.Request.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown reference " + strconv.Quote(name)})
		return
	}
	if err != nil {
		s.log.Error("reference lookup failed", zap.String("reference", name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reference lookup failed"})
		return
	}

	frame, ok := s.readFrame(c)
	if !ok {
		return
	}
	face, err := s.faces.FindSimilarFace(c.Request.Context(), frame, ref.Face)
	if err != nil {
		s.initFailed(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reference": ref.Name, "face": face})
}

func (s *Server) clearAnalyser(c *gin.Context) {
	s.faces.ClearAnalyser()
	c.Status(http.StatusNoContent)
}
