package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andresmejia3/faceanalyser/internal/analyser"
	"github.com/andresmejia3/faceanalyser/internal/types"
	"github.com/spf13/cobra"
)

type stubAnalyser struct{ faces []types.Face }

func (s *stubAnalyser) Prepare(context.Context, int) error { return nil }
func (s *stubAnalyser) Detect(context.Context, types.Frame) ([]types.Face, error) {
	return s.faces, nil
}
func (s *stubAnalyser) Close() error { return nil }

// withFaces swaps the global accessor for one backed by canned faces.
func withFaces(t *testing.T, faces []types.Face) {
	t.Helper()
	prev := Faces
	Faces = analyser.New(func(context.Context, string, []string) (analyser.Analyser, error) {
		return &stubAnalyser{faces: faces}, nil
	}, analyser.Options{})
	t.Cleanup(func() { Faces = prev })
}

func testCommand(out *bytes.Buffer) *cobra.Command {
	c := &cobra.Command{}
	c.SetOut(out)
	c.SetContext(context.Background())
	return c
}

func tempImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "face.jpg")
	if err := os.WriteFile(path, []byte{0xFF, 0xD8, 0xFF, 0xD9}, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// quietStderr discards the error boxes printed during a test.
func quietStderr(t *testing.T) {
	t.Helper()
	old := os.Stderr
	devnull, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatal(err)
	}
	os.Stderr = devnull
	t.Cleanup(func() {
		os.Stderr = old
		devnull.Close()
	})
}

func TestRunDetect(t *testing.T) {
	quietStderr(t)
	withFaces(t, []types.Face{
		{Box: [4]float64{0, 0, 10, 10}, DetScore: 0.9, NormedEmbedding: []float64{1, 0}},
		{Box: [4]float64{20, 20, 40, 40}, DetScore: 0.8},
	})
	img := tempImage(t)

	var out bytes.Buffer
	if err := runDetect(testCommand(&out), img, Options{}); err != nil {
		t.Fatalf("runDetect failed: %v", err)
	}
	if !strings.Contains(out.String(), "2-d") || !strings.Contains(out.String(), "none") {
		t.Errorf("Unexpected table:\n%s", out.String())
	}

	out.Reset()
	if err := runDetect(testCommand(&out), img, Options{Single: true, Position: 9}); err != nil {
		t.Fatalf("runDetect single failed: %v", err)
	}
	if !strings.Contains(out.String(), "20,20,40,40") || strings.Contains(out.String(), "0,0,10,10") {
		t.Errorf("Expected only the last face, got:\n%s", out.String())
	}
}

func TestRunDetect_MissingFile(t *testing.T) {
	quietStderr(t)
	withFaces(t, nil)

	var out bytes.Buffer
	if err := runDetect(testCommand(&out), filepath.Join(t.TempDir(), "nope.jpg"), Options{}); err == nil {
		t.Error("Expected error for a missing image")
	}
}

func TestRunSimilar(t *testing.T) {
	quietStderr(t)
	withFaces(t, []types.Face{
		{DetScore: 0.1, NormedEmbedding: []float64{0, 1}},
		{DetScore: 0.2, NormedEmbedding: []float64{0.8, 0.6}},
	})
	img := tempImage(t)
	ref := types.Face{NormedEmbedding: []float64{1, 0}}

	var out bytes.Buffer
	if err := runSimilar(testCommand(&out), ref, img, Options{JSON: true}); err != nil {
		t.Fatalf("runSimilar failed: %v", err)
	}
	if !strings.Contains(out.String(), `"det_score": 0.2`) {
		t.Errorf("Expected the second face, got:\n%s", out.String())
	}

	out.Reset()
	far := types.Face{NormedEmbedding: []float64{-1, 0}}
	if err := runSimilar(testCommand(&out), far, img, Options{}); err != nil {
		t.Fatalf("runSimilar failed: %v", err)
	}
	if !strings.Contains(out.String(), "No face within distance") {
		t.Errorf("Expected no match, got:\n%s", out.String())
	}
}

func TestReferenceFromImage_NoFace(t *testing.T) {
	quietStderr(t)
	withFaces(t, nil)

	if _, err := referenceFromImage(context.Background(), tempImage(t), 0); err != errNoReferenceFace {
		t.Errorf("Expected errNoReferenceFace, got %v", err)
	}
}

func TestMergeMatches(t *testing.T) {
	tests := []struct {
		name   string
		frames []int
		gap    int
		want   []timeRange
	}{
		{"None", nil, 10, nil},
		{"Single", []int{25}, 10, []timeRange{{1, 1}}},
		{"Joined within gap", []int{10, 20, 30}, 10, []timeRange{{0.4, 1.2}}},
		{"Split on gap", []int{10, 20, 100, 110}, 10, []timeRange{{0.4, 0.8}, {4, 4.4}}},
		{"Unsorted input", []int{30, 10, 20}, 10, []timeRange{{0.4, 1.2}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeMatches(tt.frames, 25, tt.gap)
			if len(got) != len(tt.want) {
				t.Fatalf("mergeMatches() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("range %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestFmtTime(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{0, "00:00:00"},
		{65, "00:01:05"},
		{3661, "01:01:01"},
	}

	for _, tt := range tests {
		if got := fmtTime(tt.seconds); got != tt.want {
			t.Errorf("fmtTime(%v) = %v, want %v", tt.seconds, got, tt.want)
		}
	}
}

func TestValidateScanFlags(t *testing.T) {
	quietStderr(t)

	tmpFile, err := os.CreateTemp("", "video.mp4")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())
	tmpFile.Close()

	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"Valid options", Options{InputPath: tmpFile.Name(), NthFrame: 1, GracePeriod: "1s"}, false},
		{"Input file does not exist", Options{InputPath: "nonexistent.mp4"}, true},
		{"Input is directory", Options{InputPath: tmpDir}, true},
		{"Invalid NthFrame", Options{InputPath: tmpFile.Name(), NthFrame: 0}, true},
		{"Invalid GracePeriod", Options{InputPath: tmpFile.Name(), NthFrame: 1, GracePeriod: "soon"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateScanFlags(&tt.opts); (err != nil) != tt.wantErr {
				t.Errorf("validateScanFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateConfig(t *testing.T) {
	valid := Config{
		Engine:              "insightface",
		ExecutionProviders:  []string{"CPUExecutionProvider"},
		SimilarFaceDistance: 0.85,
		WorkerTimeout:       "30s",
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"Valid", func(*Config) {}, false},
		{"Zero distance", func(c *Config) { c.SimilarFaceDistance = 0 }, true},
		{"No providers", func(c *Config) { c.ExecutionProviders = nil }, true},
		{"Bad timeout", func(c *Config) { c.WorkerTimeout = "forever" }, true},
		{"Unknown engine", func(c *Config) { c.Engine = "opencv" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			c.ExecutionProviders = append([]string(nil), valid.ExecutionProviders...)
			tt.mutate(&c)
			if err := validateConfig(&c); (err != nil) != tt.wantErr {
				t.Errorf("validateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("FACE_EXECUTION_PROVIDERS", "CUDAExecutionProvider, CPUExecutionProvider")
	t.Setenv("FACE_SIMILAR_DISTANCE", "0.6")

	c := &cobra.Command{}
	c.Flags().StringSlice("execution-provider", nil, "")
	c.Flags().Float64("similar-face-distance", 0, "")
	c.Flags().String("engine", "", "")
	c.Flags().String("model", "", "")
	c.Flags().String("log-level", "", "")

	var got Config
	if err := applyEnv(c, &got); err != nil {
		t.Fatalf("applyEnv failed: %v", err)
	}
	if len(got.ExecutionProviders) != 2 || got.ExecutionProviders[0] != "CUDAExecutionProvider" {
		t.Errorf("Unexpected providers %v", got.ExecutionProviders)
	}
	if got.SimilarFaceDistance != 0.6 {
		t.Errorf("Expected distance 0.6, got %v", got.SimilarFaceDistance)
	}

	// Explicit flags win over the environment
	c.Flags().Set("similar-face-distance", "0.4")
	got = Config{SimilarFaceDistance: 0.4}
	if err := applyEnv(c, &got); err != nil {
		t.Fatal(err)
	}
	if got.SimilarFaceDistance != 0.4 {
		t.Errorf("Expected flag value to win, got %v", got.SimilarFaceDistance)
	}

	t.Setenv("FACE_SIMILAR_DISTANCE", "close")
	c2 := &cobra.Command{}
	c2.Flags().Float64("similar-face-distance", 0, "")
	c2.Flags().StringSlice("execution-provider", nil, "")
	if err := applyEnv(c2, &Config{}); err == nil {
		t.Error("Expected error for a malformed distance")
	}
}

func TestResolveDBURL(t *testing.T) {
	if got := resolveDBURL("postgres://x/y"); got != "postgres://x/y" {
		t.Errorf("Flag should win, got %s", got)
	}

	t.Setenv("POSTGRES_HOST", "")
	if got := resolveDBURL(""); got != "postgres://localhost:5432/faces" {
		t.Errorf("Unexpected default %s", got)
	}

	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "u")
	t.Setenv("POSTGRES_PASSWORD", "p")
	t.Setenv("POSTGRES_DB", "faces")
	t.Setenv("POSTGRES_PORT", "")
	if got := resolveDBURL(""); got != "postgres://u:p@db:5432/faces" {
		t.Errorf("Unexpected env URL %s", got)
	}
}

func TestSimilarArgs(t *testing.T) {
	tests := []struct {
		name      string
		reference string
		args      []string
		refImage  string
		target    string
		wantErr   bool
	}{
		{"Two images", "", []string{"ref.jpg", "img.jpg"}, "ref.jpg", "img.jpg", false},
		{"Stored reference", "alice", []string{"img.jpg"}, "", "img.jpg", false},
		{"Stored reference with extra image", "alice", []string{"ref.jpg", "img.jpg"}, "", "", true},
		{"Missing reference image", "", []string{"img.jpg"}, "", "", true},
		{"No arguments", "", nil, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			refImage, target, err := similarArgs(Options{Reference: tt.reference}, tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("similarArgs() error = %v, wantErr %v", err, tt.wantErr)
			}
			if refImage != tt.refImage || target != tt.target {
				t.Errorf("similarArgs() = (%q, %q), want (%q, %q)", refImage, target, tt.refImage, tt.target)
			}
		})
	}

	if similarCmd.Flags().Lookup("reference") == nil {
		t.Error("similar should accept --reference")
	}
}

func TestQueueFrame(t *testing.T) {
	tasks := make(chan types.FrameTask, 1)
	if !queueFrame(context.Background(), tasks, 7, []byte("jpeg")) {
		t.Fatal("queueFrame should succeed with room in the channel")
	}
	task := <-tasks
	if task.Index != 7 || string(task.Data) != "jpeg" {
		t.Errorf("Unexpected task: %+v", task)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	blocked := make(chan types.FrameTask)
	if queueFrame(ctx, blocked, 8, []byte("jpeg")) {
		t.Error("queueFrame should give up once the context is done")
	}
}
