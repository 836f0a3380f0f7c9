package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Belluxx/Perplex/internal/analysis"
	"github.com/Belluxx/Perplex/internal/backend"
	"github.com/Belluxx/Perplex/internal/config"
	"github.com/Belluxx/Perplex/internal/logger"
	"github.com/Belluxx/Perplex/internal/ollama"
	"github.com/Belluxx/Perplex/internal/tokenizer"
	"github.com/Belluxx/Perplex/internal/worker"
)

// app carries the resolved configuration to every subcommand.
type app struct {
	cfg  config.Config
	save bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewCLI().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func NewCLI() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "perplex",
		Short: "Show how surprising each token of a text is to a language model",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			return a.configure(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringP("model", "m", "", "GGUF file or Ollama model name (default from settings)")
	pf.String("backend", "", "Inference backend: count or flight")
	pf.String("backend-addr", "", "Arrow Flight backend address")
	pf.String("corpus", "", "Text corpus the count backend is trained on")
	pf.Float64("smoothing", 0, "Add-k smoothing of the count backend")
	pf.Duration("timeout", 0, "Per-request timeout")
	pf.Int("top-k", 0, "Leaderboard size per token (default 5)")
	pf.Int("parallelism", 0, "Goroutines scoring precomputed distributions (default GOMAXPROCS)")
	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.String("log-format", "", "Log format: console or json")
	pf.BoolVar(&a.save, "save", false, "Remember --model in the settings file")

	rootCmd.AddCommand(
		a.analyzeCmd(),
		a.countCmd(),
		a.inspectCmd(),
		a.serveCmd(),
		a.backendCmd(),
	)
	return rootCmd
}

// configure layers flags over config.Load and sets up logging.
func (a *app) configure(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, &cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	a.cfg = cfg

	if a.save && cfg.ModelPath != "" {
		path, err := config.SettingsPath()
		if err != nil {
			return err
		}
		if err := config.SaveSettings(path, config.Settings{ModelPath: cfg.ModelPath}); err != nil {
			return fmt.Errorf("save settings: %w", err)
		}
		logger.Log.Info("Settings saved", "path", path)
	}
	return nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	str := func(name string, dst *string) error {
		if !flags.Changed(name) {
			return nil
		}
		v, err := flags.GetString(name)
		*dst = v
		return err
	}
	for name, dst := range map[string]*string{
		"model":        &cfg.ModelPath,
		"backend":      &cfg.Backend,
		"backend-addr": &cfg.BackendAddr,
		"corpus":       &cfg.CorpusPath,
		"log-level":    &cfg.LogLevel,
		"log-format":   &cfg.LogFormat,
		"listen":       &cfg.HTTPAddr,
		"metrics-addr": &cfg.MetricsAddr,
		"api-key":      &cfg.APIKey,
	} {
		if flags.Lookup(name) == nil {
			continue
		}
		if err := str(name, dst); err != nil {
			return err
		}
	}
	if flags.Changed("smoothing") {
		v, err := flags.GetFloat64("smoothing")
		if err != nil {
			return err
		}
		cfg.Smoothing = v
	}
	for name, dst := range map[string]*int{"top-k": &cfg.TopK, "parallelism": &cfg.Parallelism} {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetInt(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	if flags.Changed("timeout") {
		v, err := flags.GetDuration("timeout")
		if err != nil {
			return err
		}
		cfg.RequestTimeout = v
	}
	return nil
}

func (a *app) modelPath() (string, error) {
	if a.cfg.ModelPath == "" {
		return "", errors.New("no model given: pass --model or set PERPLEX_MODEL")
	}
	return ollama.Resolve(a.cfg.ModelPath)
}

func (a *app) loadTokenizer() (*tokenizer.Tokenizer, string, error) {
	path, err := a.modelPath()
	if err != nil {
		return nil, "", err
	}
	tok, err := tokenizer.New(path)
	if err != nil {
		return nil, "", fmt.Errorf("load tokenizer: %w", err)
	}
	return tok, path, nil
}

// loader loads the tokenizer and connects the configured backend.
func (a *app) loader() worker.Loader {
	return func(ctx context.Context) (*worker.Model, error) {
		tok, path, err := a.loadTokenizer()
		if err != nil {
			return nil, err
		}
		b, err := backend.FromConfig(ctx, &a.cfg, tok)
		if err != nil {
			return nil, err
		}
		return &worker.Model{Name: filepath.Base(path), Tokenizer: tok, Backend: b}, nil
	}
}

func (a *app) startWorker(ctx context.Context) (*worker.Worker, error) {
	w := worker.Start(ctx, a.loader(),
		analysis.WithTopK(a.cfg.TopK),
		analysis.WithParallelism(a.cfg.Parallelism),
	)
	ev, err := w.Loaded(ctx)
	if err != nil {
		_ = w.Shutdown(context.Background())
		return nil, err
	}
	logger.Log.Debug("Worker ready", "model", ev.Model, "vocab_size", ev.VocabSize)
	return w, nil
}

func shutdown(w *worker.Worker) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.Shutdown(ctx); err != nil {
		logger.Log.Warn("Worker shutdown", "error", err)
	}
}

// serveMetrics exposes /metrics on addr in the background. It is a no-op
// when addr is empty.
func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Log.Info("Metrics serving", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Log.Error("Metrics server error", "error", err)
		}
	}()
}
