package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/faceanalyser/internal/store"
	"github.com/andresmejia3/faceanalyser/internal/types"
	"github.com/andresmejia3/faceanalyser/internal/utils"
	"github.com/spf13/cobra"
)

var similarOpts Options

var similarCmd = &cobra.Command{
	Use:   "similar {<reference_image> | --reference <name>} <image_path>",
	Short: "Find the first face in an image that matches a reference face",
	Long: "Takes the reference face at --position from <reference_image>, or the stored face\n" +
		"named by --reference, and reports the first face in <image_path> within\n" +
		"--similar-face-distance of it.",
	Args: func(cmd *cobra.Command, args []string) error {
		_, _, err := similarArgs(similarOpts, args)
		return err
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		refImage, target, _ := similarArgs(similarOpts, args)

		var ref types.Face
		var err error
		if refImage != "" {
			ref, err = referenceFromImage(cmd.Context(), refImage, similarOpts.Position)
		} else {
			ref, err = referenceFromStore(cmd.Context(), similarOpts.Reference)
		}
		if err != nil {
			return err
		}
		return runSimilar(cmd, ref, target, similarOpts)
	},
}

// similarArgs splits the positional arguments into the reference image (empty when
// --reference names a stored face) and the image to search.
func similarArgs(opts Options, args []string) (refImage, target string, err error) {
	if opts.Reference != "" {
		if len(args) != 1 {
			return "", "", fmt.Errorf("with --reference, expected 1 image argument, got %d", len(args))
		}
		return "", args[0], nil
	}
	if len(args) != 2 {
		return "", "", fmt.Errorf("expected <reference_image> <image_path>, got %d arguments", len(args))
	}
	return args[0], args[1], nil
}

var identifyCmd = &cobra.Command{
	Use:   "identify <image_path>",
	Short: "Match every face in an image against the stored reference faces",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runIdentify(cmd, args[0])
	},
	Annotations: map[string]string{needsDB: "true"},
}

func init() {
	similarCmd.Flags().IntVarP(&similarOpts.Position, "position", "p", 0, "Which face of the reference image to use")
	similarCmd.Flags().StringVarP(&similarOpts.Reference, "reference", "r", "", "Name of a stored reference face (replaces <reference_image>)")
	similarCmd.Flags().BoolVar(&similarOpts.JSON, "json", false, "Print the match as JSON")
	rootCmd.AddCommand(similarCmd)
	rootCmd.AddCommand(identifyCmd)
}

var errNoReferenceFace = errors.New("no face found in reference image")

func referenceFromImage(ctx context.Context, path string, position int) (types.Face, error) {
	frame, err := readFrame(path)
	if err != nil {
		return types.Face{}, err
	}
	ref, err := Faces.GetOneFace(ctx, frame, position)
	if err != nil {
		utils.ShowError("Failed to start face analyser", err, nil)
		return types.Face{}, err
	}
	if ref == nil {
		utils.ShowError("Reference image unusable", errNoReferenceFace, nil)
		return types.Face{}, errNoReferenceFace
	}
	return *ref, nil
}

// referenceFromStore loads a named reference face, connecting to the database if needed.
func referenceFromStore(ctx context.Context, name string) (types.Face, error) {
	if DB == nil {
		var err error
		DB, err = store.New(ctx, resolveDBURL(dbURL))
		if err != nil {
			utils.ShowError("Failed to connect to database", err, nil)
			return types.Face{}, err
		}
	}
	ref, err := DB.GetReference(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return types.Face{}, fmt.Errorf("no reference face named %q", name)
	}
	if err != nil {
		utils.ShowError("Failed to load reference face", err, nil)
		return types.Face{}, err
	}
	return ref.Face, nil
}

func runSimilar(cmd *cobra.Command, ref types.Face, path string, opts Options) error {
	frame, err := readFrame(path)
	if err != nil {
		return err
	}

	match, err := Faces.FindSimilarFace(cmd.Context(), frame, ref)
	if err != nil {
		utils.ShowError("Failed to start face analyser", err, nil)
		return err
	}

	out := cmd.OutOrStdout()
	if opts.JSON {
		return writeJSON(out, match)
	}
	if match == nil {
		fmt.Fprintf(out, "❌ No face within distance %.2f of the reference.\n", Faces.SimilarFaceDistance())
		return nil
	}
	fmt.Fprintln(out, "✅ Similar face found:")
	printFaces(out, []types.Face{*match})
	return nil
}

func runIdentify(cmd *cobra.Command, path string) error {
	ctx := cmd.Context()
	frame, err := readFrame(path)
	if err != nil {
		return err
	}
	faces, err := Faces.GetManyFaces(ctx, frame)
	if err != nil {
		utils.ShowError("Failed to start face analyser", err, nil)
		return err
	}

	out := cmd.OutOrStdout()
	if len(faces) == 0 {
		fmt.Fprintln(out, "❌ No faces detected.")
		return nil
	}

	for i, f := range faces {
		ref, dist, err := DB.FindClosestReference(ctx, f.NormedEmbedding, Faces.SimilarFaceDistance())
		switch {
		case errors.Is(err, store.ErrNotFound):
			fmt.Fprintf(out, "#%d  unknown\n", i)
		case err != nil:
			utils.ShowError("Database search failed", err, nil)
			return err
		default:
			fmt.Fprintf(out, "#%d  %s (distance %.3f)\n", i, ref.Name, dist)
		}
	}
	return nil
}
