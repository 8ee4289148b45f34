package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/andresmejia3/faceanalyser/internal/utils"
	"github.com/spf13/cobra"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop all stored reference faces",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		reader := bufio.NewReader(cmd.InOrStdin())
		if !resetYes && !confirm(cmd.OutOrStdout(), reader, "⚠️  Are you sure you want to DROP all database tables?") {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), "🗑️  Clearing Database...")
		if err := DB.Reset(cmd.Context()); err != nil {
			utils.ShowError("Failed to reset database", err, nil)
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✨ Reset Complete.")
		return nil
	},
	Annotations: map[string]string{needsDB: "true"},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func confirm(w io.Writer, r *bufio.Reader, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
