package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/andresmejia3/faceanalyser/internal/analyser"
	"github.com/andresmejia3/faceanalyser/internal/store"
	"github.com/andresmejia3/faceanalyser/internal/types"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubAnalyser struct {
	faces []types.Face
	err   error
}

func (s *stubAnalyser) Prepare(context.Context, int) error { return nil }
func (s *stubAnalyser) Detect(context.Context, types.Frame) ([]types.Face, error) {
	return s.faces, s.err
}
func (s *stubAnalyser) Close() error { return nil }

type stubRefs map[string]store.Reference

func (s stubRefs) GetReference(_ context.Context, name string) (store.Reference, error) {
	ref, ok := s[name]
	if !ok {
		return store.Reference{}, store.ErrNotFound
	}
	return ref, nil
}

func newTestServer(faces []types.Face, detectErr, initErr error, refs References) *Server {
	acc := analyser.New(func(context.Context, string, []string) (analyser.Analyser, error) {
		if initErr != nil {
			return nil, initErr
		}
		return &stubAnalyser{faces: faces, err: detectErr}, nil
	}, analyser.Options{})
	return New(acc, refs, nil)
}

func do(t *testing.T, s *Server, method, path string, body []byte) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("Invalid JSON response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, out
}

var img = []byte{0xFF, 0xD8, 0xFF, 0xD9}

func TestManyFaces(t *testing.T) {
	s := newTestServer([]types.Face{{DetScore: 0.9}, {DetScore: 0.8}}, nil, nil, nil)

	rec, out := do(t, s, http.MethodPost, "/v1/faces", img)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if out["count"].(float64) != 2 {
		t.Errorf("Expected 2 faces, got %v", out["count"])
	}
}

func TestManyFaces_EngineErrorIsAbsent(t *testing.T) {
	s := newTestServer(nil, errors.New("decode failed"), nil, nil)

	rec, out := do(t, s, http.MethodPost, "/v1/faces", img)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if out["faces"] != nil || out["count"].(float64) != 0 {
		t.Errorf("Expected absent faces, got %v", out)
	}
}

func TestManyFaces_InitError(t *testing.T) {
	s := newTestServer(nil, nil, errors.New("model not found"), nil)

	rec, _ := do(t, s, http.MethodPost, "/v1/faces", img)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
}

func TestEmptyBody(t *testing.T) {
	s := newTestServer(nil, nil, nil, nil)

	rec, _ := do(t, s, http.MethodPost, "/v1/faces", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestOneFace(t *testing.T) {
	s := newTestServer([]types.Face{{DetScore: 0.9}, {DetScore: 0.8}}, nil, nil, nil)

	rec, out := do(t, s, http.MethodPost, "/v1/faces/one?position=5", img)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	face := out["face"].(map[string]any)
	if face["det_score"].(float64) != 0.8 {
		t.Errorf("Expected last face, got %v", face)
	}

	rec, _ = do(t, s, http.MethodPost, "/v1/faces/one?position=x", img)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad position, got %d", rec.Code)
	}
}

func TestSimilarFace(t *testing.T) {
	refs := stubRefs{"alice": {Name: "alice", Face: types.Face{NormedEmbedding: []float64{1, 0}}}}
	faces := []types.Face{
		{DetScore: 0.5, NormedEmbedding: []float64{0, 1}},
		{DetScore: 0.7, NormedEmbedding: []float64{1, 0}},
	}
	s := newTestServer(faces, nil, nil, refs)

	rec, out := do(t, s, http.MethodPost, "/v1/faces/similar?reference=alice", img)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	face := out["face"].(map[string]any)
	if face["det_score"].(float64) != 0.7 {
		t.Errorf("Expected the matching face, got %v", face)
	}

	rec, _ = do(t, s, http.MethodPost, "/v1/faces/similar?reference=bob", img)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown reference, got %d", rec.Code)
	}

	rec, _ = do(t, s, http.MethodPost, "/v1/faces/similar", img)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without reference, got %d", rec.Code)
	}
}

func TestSimilarFace_NoStore(t *testing.T) {
	s := newTestServer(nil, nil, nil, nil)

	rec, _ := do(t, s, http.MethodPost, "/v1/faces/similar?reference=alice", img)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
}

func TestClearAnalyser(t *testing.T) {
	s := newTestServer([]types.Face{{}}, nil, nil, nil)

	do(t, s, http.MethodPost, "/v1/faces", img)
	rec, _ := do(t, s, http.MethodPost, "/v1/analyser/clear", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", rec.Code)
	}
	do(t, s, http.MethodPost, "/v1/faces", img)

	_, out := do(t, s, http.MethodGet, "/healthz", nil)
	if out["analyser_generations"].(float64) != 2 {
		t.Errorf("Expected 2 generations after clear, got %v", out["analyser_generations"])
	}
}
