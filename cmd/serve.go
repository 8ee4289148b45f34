package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/andresmejia3/faceanalyser/internal/server"
	"github.com/andresmejia3/faceanalyser/internal/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveOpts Options

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve face detection and similarity search over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context(), serveOpts)
	},
	Annotations: map[string]string{needsDB: "true"},
}

func init() {
	serveCmd.Flags().StringVarP(&serveOpts.Addr, "addr", "a", ":8080", "Listen address")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, opts Options) error {
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           server.New(Faces, DB, Log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		Log.Info("listening", zap.String("addr", opts.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			utils.ShowError("HTTP server failed", err, nil)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	Log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
