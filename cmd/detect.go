package cmd

import (
	"fmt"
	"os"

	"github.com/andresmejia3/faceanalyser/internal/types"
	"github.com/andresmejia3/faceanalyser/internal/utils"
	"github.com/spf13/cobra"
)

var detectOpts Options

var detectCmd = &cobra.Command{
	Use:   "detect <image_path>",
	Short: "List the faces found in an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runDetect(cmd, args[0], detectOpts)
	},
}

func init() {
	detectCmd.Flags().BoolVarP(&detectOpts.Single, "single", "s", false, "Only report the face at --position")
	detectCmd.Flags().IntVarP(&detectOpts.Position, "position", "p", 0, "Face index for --single (out of range picks the last face)")
	detectCmd.Flags().BoolVar(&detectOpts.JSON, "json", false, "Print faces as JSON")
	rootCmd.AddCommand(detectCmd)
}

func runDetect(cmd *cobra.Command, path string, opts Options) error {
	frame, err := readFrame(path)
	if err != nil {
		return err
	}

	var faces []types.Face
	if opts.Single {
		face, err := Faces.GetOneFace(cmd.Context(), frame, opts.Position)
		if err != nil {
			utils.ShowError("Failed to start face analyser", err, nil)
			return err
		}
		if face != nil {
			faces = []types.Face{*face}
		}
	} else {
		faces, err = Faces.GetManyFaces(cmd.Context(), frame)
		if err != nil {
			utils.ShowError("Failed to start face analyser", err, nil)
			return err
		}
	}

	out := cmd.OutOrStdout()
	if opts.JSON {
		return writeJSON(out, faces)
	}
	if len(faces) == 0 {
		fmt.Fprintln(out, "❌ No faces detected.")
		return nil
	}
	fmt.Fprintf(os.Stderr, "👁️  %d face(s) in %s\n", len(faces), path)
	printFaces(out, faces)
	return nil
}
