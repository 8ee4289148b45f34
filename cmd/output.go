package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/faceanalyser/internal/types"
	"github.com/andresmejia3/faceanalyser/internal/utils"
)

// readFrame loads an encoded image from disk.
func readFrame(path string) (types.Frame, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			utils.ShowError("Input file does not exist", err, nil)
		}
		return nil, err
	}
	if info.IsDir() {
		err := fmt.Errorf("%s is a directory, expected an image file", path)
		utils.ShowError("Invalid input", err, nil)
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return nil, err
	}
	return types.Frame(data), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printFaces(w io.Writer, faces []types.Face) {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "#\tBOX (x1,y1,x2,y2)\tSCORE\tEMBEDDING")
	fmt.Fprintln(tw, "-\t-----------------\t-----\t---------")
	for i, f := range faces {
		emb := "none"
		if f.HasEmbedding() {
			emb = fmt.Sprintf("%d-d", len(f.NormedEmbedding))
		}
		fmt.Fprintf(tw, "%d\t%.0f,%.0f,%.0f,%.0f\t%.3f\t%s\n", i, f.Box[0], f.Box[1], f.Box[2], f.Box[3], f.DetScore, emb)
	}
	tw.Flush()
}
