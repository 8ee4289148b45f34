package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/andresmejia3/faceanalyser/internal/store"
	"github.com/andresmejia3/faceanalyser/internal/utils"
	"github.com/spf13/cobra"
)

var referenceOpts Options

var referenceCmd = &cobra.Command{
	Use:   "reference",
	Short: "Manage stored reference faces",
}

var referenceAddCmd = &cobra.Command{
	Use:   "add <name> <image_path>",
	Short: "Store the face at --position of an image under a name",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		face, err := referenceFromImage(cmd.Context(), args[1], referenceOpts.Position)
		if err != nil {
			return err
		}
		if !face.HasEmbedding() {
			err := errors.New("engine returned a face without an embedding")
			utils.ShowError("Reference face unusable", err, nil)
			return err
		}
		ref, err := DB.SaveReference(cmd.Context(), args[0], face)
		if err != nil {
			utils.ShowError("Failed to save reference face", err, nil)
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Reference '%s' saved (ID: %s)\n", ref.Name, ref.ID)
		return nil
	},
	Annotations: map[string]string{needsDB: "true"},
}

var referenceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored reference faces",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		refs, err := DB.ListReferences(cmd.Context())
		if err != nil {
			utils.ShowError("Failed to list reference faces", err, nil)
			return err
		}

		out := cmd.OutOrStdout()
		if len(refs) == 0 {
			fmt.Fprintln(out, "No reference faces found in database.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "NAME\tID\tDIMS\tCREATED")
		fmt.Fprintln(w, "----\t--\t----\t-------")
		for _, r := range refs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.Name, r.ID, len(r.Face.NormedEmbedding), r.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
	Annotations: map[string]string{needsDB: "true"},
}

var referenceDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a stored reference face",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		err := DB.DeleteReference(cmd.Context(), args[0])
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no reference face named %q", args[0])
		}
		if err != nil {
			utils.ShowError("Failed to delete reference face", err, nil)
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "🗑️  Reference '%s' deleted\n", args[0])
		return nil
	},
	Annotations: map[string]string{needsDB: "true"},
}

func init() {
	referenceAddCmd.Flags().IntVarP(&referenceOpts.Position, "position", "p", 0, "Which face of the image to store")
	referenceCmd.AddCommand(referenceAddCmd, referenceListCmd, referenceDeleteCmd)
	rootCmd.AddCommand(referenceCmd)
}
