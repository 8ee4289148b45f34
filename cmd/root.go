package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/andresmejia3/faceanalyser/internal/analyser"
	"github.com/andresmejia3/faceanalyser/internal/logger"
	"github.com/andresmejia3/faceanalyser/internal/store"
	"github.com/andresmejia3/faceanalyser/internal/worker"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Config holds the engine and process settings shared by every command.
type Config struct {
	Engine              string
	Model               string
	ExecutionProviders  []string
	SimilarFaceDistance float64
	WorkerScript        string
	WorkerTimeout       string
	ModelsDir           string
	LogLevel            string
	LogJSON             bool
}

// Options holds per-command flags
type Options struct {
	InputPath   string
	Position    int
	Single      bool
	JSON        bool
	Reference   string
	NthFrame    int
	NumEngines  int
	GracePeriod string
	Addr        string
}

var (
	// DB is the reference store, connected only for commands annotated with needsDB
	DB *store.Store
	// Faces is the process-wide analyser accessor
	Faces *analyser.Accessor
	// Log is the structured process logger
	Log *zap.Logger

	cfg   Config
	dbURL string
)

// Version is the application version.
const Version = "0.1.0"

const needsDB = "needs-db"

var rootCmd = &cobra.Command{
	Use:     "faceanalyser",
	Short:   "Face detection, lookup and similarity search on top of insightface",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is fine; real environment variables still apply
		_ = godotenv.Load()

		if err := applyEnv(cmd, &cfg); err != nil {
			return err
		}
		if err := validateConfig(&cfg); err != nil {
			return err
		}

		var err error
		Log, err = logger.New(cfg.LogLevel, cfg.LogJSON)
		if err != nil {
			return err
		}

		construct, err := newConstructor(cfg, Log)
		if err != nil {
			return err
		}
		Faces = analyser.New(construct, analyser.Options{
			Model:               cfg.Model,
			ExecutionProviders:  cfg.ExecutionProviders,
			SimilarFaceDistance: cfg.SimilarFaceDistance,
			Logger:              Log,
		})

		if cmd.Annotations[needsDB] != "true" {
			return nil
		}
		DB, err = store.New(cmd.Context(), resolveDBURL(dbURL))
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	err := rootCmd.ExecuteContext(ctx)
	// Post-run hooks are skipped on error, so release resources here
	shutdown()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func shutdown() {
	if Faces != nil {
		if err := Faces.Close(); err != nil && Log != nil {
			Log.Warn("face analyser did not shut down cleanly", zap.Error(err))
		}
	}
	if DB != nil {
		DB.Close()
	}
	if Log != nil {
		_ = Log.Sync()
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: postgres://localhost:5432/faces)")
	pf.StringVar(&cfg.Engine, "engine", "insightface", "Face engine: insightface, dlib")
	pf.StringVar(&cfg.Model, "model", analyser.DefaultModel, "insightface model pack")
	pf.StringSliceVar(&cfg.ExecutionProviders, "execution-provider", []string{"CPUExecutionProvider"}, "onnxruntime execution providers, in priority order (repeatable)")
	pf.Float64Var(&cfg.SimilarFaceDistance, "similar-face-distance", analyser.DefaultSimilarFaceDistance, "Squared embedding distance below which two faces are the same person")
	pf.StringVar(&cfg.WorkerScript, "worker-script", "python/worker.py", "Path to the Python engine script")
	pf.StringVar(&cfg.WorkerTimeout, "worker-timeout", "0s", "Timeout for a single engine response (0 waits forever)")
	pf.StringVar(&cfg.ModelsDir, "models-dir", "models", "dlib model directory (dlib engine only)")
	pf.StringVar(&cfg.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	pf.BoolVar(&cfg.LogJSON, "log-json", false, "Emit JSON logs")
}

// applyEnv fills settings whose flag was not given from FACE_* environment variables.
func applyEnv(cmd *cobra.Command, c *Config) error {
	flags := cmd.Flags()
	if v := os.Getenv("FACE_EXECUTION_PROVIDERS"); v != "" && !flags.Changed("execution-provider") {
		c.ExecutionProviders = splitList(v)
	}
	if v := os.Getenv("FACE_SIMILAR_DISTANCE"); v != "" && !flags.Changed("similar-face-distance") {
		d, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid FACE_SIMILAR_DISTANCE %q: %w", v, err)
		}
		c.SimilarFaceDistance = d
	}
	if v := os.Getenv("FACE_ENGINE"); v != "" && !flags.Changed("engine") {
		c.Engine = v
	}
	if v := os.Getenv("FACE_MODEL"); v != "" && !flags.Changed("model") {
		c.Model = v
	}
	if v := os.Getenv("FACE_LOG_LEVEL"); v != "" && !flags.Changed("log-level") {
		c.LogLevel = v
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validateConfig(c *Config) error {
	if c.SimilarFaceDistance <= 0 {
		return fmt.Errorf("similar-face-distance must be positive, got %f", c.SimilarFaceDistance)
	}
	if len(c.ExecutionProviders) == 0 {
		return fmt.Errorf("at least one execution provider is required")
	}
	if _, err := time.ParseDuration(c.WorkerTimeout); err != nil {
		return fmt.Errorf("invalid worker-timeout format (use '30s', '1m'): %w", err)
	}
	switch c.Engine {
	case "insightface", "dlib":
	default:
		return fmt.Errorf("unknown engine %q (use insightface or dlib)", c.Engine)
	}
	return nil
}

// resolveDBURL falls back to POSTGRES_* variables, then to a local default.
func resolveDBURL(flag string) string {
	if flag != "" {
		return flag
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	return "postgres://localhost:5432/faces"
}

func newConstructor(c Config, log *zap.Logger) (analyser.Constructor, error) {
	if c.Engine == "dlib" {
		return newDlibConstructor(c.ModelsDir, log)
	}
	timeout, _ := time.ParseDuration(c.WorkerTimeout)
	return worker.NewAnalyser(worker.Config{
		Script:      c.WorkerScript,
		ReadTimeout: timeout,
		Logger:      log,
	}), nil
}
