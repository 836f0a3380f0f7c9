package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Belluxx/Perplex/internal/backend"
	"github.com/Belluxx/Perplex/internal/config"
	"github.com/Belluxx/Perplex/internal/gguf"
	"github.com/Belluxx/Perplex/internal/logger"
	"github.com/Belluxx/Perplex/internal/render"
	"github.com/Belluxx/Perplex/internal/server"
)

// readText takes the text from --file, the arguments, or stdin when the
// only argument is "-" or there are none.
func readText(cmd *cobra.Command, args []string) (string, error) {
	if file, _ := cmd.Flags().GetString("file"); file != "" {
		data, err := os.ReadFile(file)
		return string(data), err
	}
	if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
		data, err := io.ReadAll(cmd.InOrStdin())
		return string(data), err
	}
	return strings.Join(args, " "), nil
}

func (a *app) analyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze [TEXT|-]",
		Short: "Color each token of a text by how well the model predicted it",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readText(cmd, args)
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			showTokens, _ := cmd.Flags().GetBool("tokens")
			plain, _ := cmd.Flags().GetBool("plain")
			visible, _ := cmd.Flags().GetBool("visible")

			w, err := a.startWorker(cmd.Context())
			if err != nil {
				return err
			}
			defer shutdown(w)

			stderr := cmd.ErrOrStderr()
			progress := func(done, total int) {
				if !asJSON {
					fmt.Fprintf(stderr, "\rAnalyzing %d/%d", done, total)
				}
			}
			res, elapsed, err := w.Run(cmd.Context(), text, progress)
			if !asJSON {
				fmt.Fprint(stderr, "\r\x1b[K")
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return render.WriteJSON(out, res, elapsed)
			}
			p := render.Painter{Plain: plain, Visible: visible}
			if err := p.WriteText(out, res); err != nil {
				return err
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, p.Legend())
			fmt.Fprintln(out)
			render.WriteSummary(out, res, elapsed)
			if showTokens {
				fmt.Fprintln(out)
				render.WriteTokens(out, res)
			}
			return nil
		},
	}
	cmd.Flags().StringP("file", "f", "", "Read the text from a file")
	cmd.Flags().Bool("json", false, "Write the full result as JSON")
	cmd.Flags().BoolP("tokens", "t", false, "Show per-token ranks and top predictions")
	cmd.Flags().Bool("plain", false, "Disable colors")
	cmd.Flags().Bool("visible", false, "Show newlines and tabs")
	return cmd
}

func (a *app) countCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "count [TEXT|-]",
		Short: "Count the tokens of a text",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readText(cmd, args)
			if err != nil {
				return err
			}
			tok, _, err := a.loadTokenizer()
			if err != nil {
				return err
			}
			n, err := tok.Count(text)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d tokens\n", n)
			return nil
		},
	}
	cmd.Flags().StringP("file", "f", "", "Read the text from a file")
	return cmd
}

func (a *app) inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print GGUF model metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.modelPath()
			if err != nil {
				return err
			}
			f, err := gguf.LoadFile(path)
			if err != nil {
				return err
			}
			info := f.Info()
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			fmt.Fprintln(cmd.OutOrStdout(), info.String())
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Write metadata as JSON")
	return cmd
}

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Serve the analysis HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := a.startWorker(cmd.Context())
			if err != nil {
				return err
			}
			defer shutdown(w)

			return server.New(a.cfg, w).ListenAndServe(cmd.Context(), a.cfg.HTTPAddr)
		},
	}
	cmd.Flags().String("listen", "", "HTTP listen address")
	cmd.Flags().String("api-key", "", "Require this API key on /api routes")
	return cmd
}

// backendCmd exposes the in-process count model over Arrow Flight.
func (a *app) backendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Serve the count model as an Arrow Flight backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, _, err := a.loadTokenizer()
			if err != nil {
				return err
			}
			cfg := a.cfg
			cfg.Backend = config.BackendCount
			b, err := backend.FromConfig(cmd.Context(), &cfg, tok)
			if err != nil {
				return err
			}
			defer b.Close()

			serveMetrics(cfg.MetricsAddr)
			srv := backend.NewFlightServer(b)
			if err := srv.Init(cfg.BackendAddr); err != nil {
				return fmt.Errorf("listen %s: %w", cfg.BackendAddr, err)
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Serve() }()

			select {
			case err := <-errCh:
				return err
			case <-cmd.Context().Done():
				logger.Log.Info("Flight backend shutting down")
				srv.Shutdown()
				<-errCh
				return nil
			}
		},
	}
	return cmd
}
