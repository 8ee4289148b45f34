package types

// Frame is an encoded image (JPEG, PNG) owned by the caller.
// It is handed to the engine untouched; decoding happens on the engine side.
type Frame []byte

// FrameTask represents a single frame sent to a worker for processing
type FrameTask struct {
	Index int
	Data  []byte
}

// Face is one detection produced by the analyser.
type Face struct {
	Box       [4]float64   `json:"box"` // [x1, y1, x2, y2]
	Landmarks [][2]float64 `json:"landmarks,omitempty"`
	DetScore  float64      `json:"det_score"`
	// NormedEmbedding is the L2-normalised identity vector. Empty when the
	// engine ran without a recognition model.
	NormedEmbedding []float64 `json:"normed_embedding,omitempty"`
}

// HasEmbedding reports whether the face carries an identity vector.
func (f Face) HasEmbedding() bool {
	return len(f.NormedEmbedding) > 0
}

