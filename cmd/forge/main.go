// Forge — local-first orchestrator for GGUF model runtimes
//
// Usage:
//
//	forge serve
//	forge serve --host 127.0.0.1 --port 9887
//	forge proxy --binary /opt/llama.cpp/llama-server
//	forge download author/model-GGUF --quant Q4_K_M
//	forge models list
package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/forgeserve/forge/internal/config"
	"github.com/forgeserve/forge/internal/domain"
	"github.com/forgeserve/forge/internal/forge"
	"github.com/forgeserve/forge/internal/sysres"
)

const banner = `
███████╗ ██████╗ ██████╗  ██████╗ ███████╗
██╔════╝██╔═══██╗██╔══██╗██╔════╝ ██╔════╝
█████╗  ██║   ██║██████╔╝██║  ███╗█████╗
██╔══╝  ██║   ██║██╔══██╗██║   ██║██╔══╝
██║     ╚██████╔╝██║  ██║╚██████╔╝███████╗
╚═╝      ╚═════╝ ╚═╝  ╚═╝ ╚═════╝ ╚══════╝

  Local-first GGUF runtime orchestrator
`

func main() {
	var cfg config.Config
	var embedded bool

	root := &cobra.Command{
		Use:   "forge",
		Short: "Forge — local-first orchestrator for GGUF model runtimes",
		Long:  banner,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfg.DataDir, "data-dir", envOrDefault("FORGE_DATA_DIR", ""),
		"State directory (default ~/.forge)")
	pf.StringVar(&cfg.ModelsDir, "models-dir", envOrDefault("FORGE_MODELS_DIR", ""),
		"Model artifact directory (default <data-dir>/models)")
	pf.StringVar(&cfg.BinaryPath, "binary", envOrDefault("FORGE_LLAMA_SERVER", ""),
		"Path to the inference server binary (empty = resolve from PATH)")
	pf.StringVar(&cfg.HubBaseURL, "hub-url", envOrDefault("FORGE_HUB_URL", ""),
		"Model hub base URL (empty = public hub)")
	pf.StringVar(&cfg.HubToken, "hub-token", envOrDefault("FORGE_HUB_TOKEN", ""),
		"Bearer token for gated hub repos")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the forge server (API, proxy, downloads, voice)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), &cfg, embedded)
		},
	}
	f := serve.Flags()
	f.StringVar(&cfg.Host, "host", "0.0.0.0", "Bind address")
	f.IntVarP(&cfg.Port, "port", "p", 9887, "HTTP port")
	f.IntVar(&cfg.BasePort, "base-port", 8100, "First port for inference servers")
	f.BoolVar(&cfg.SingleSwap, "single-swap", false,
		"Run at most one model at a time, swapping on demand")
	f.IntVar(&cfg.MaxQueueSize, "max-queue-size", 0, "Download queue ceiling (0 = unlimited)")
	f.StringSliceVar(&cfg.CORSOrigins, "cors-origin", nil,
		"Allowed CORS origins (repeatable; empty = allow all)")
	f.BoolVar(&embedded, "embedded", false,
		"Bind 127.0.0.1:0 with a per-launch bearer token instead of the public listener")

	proxyCmd := &cobra.Command{
		Use:   "proxy",
		Short: "Start only the OpenAI/Ollama-compatible proxy (single-swap)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.SingleSwap = true
			return runServe(cmd.Context(), &cfg, false)
		},
	}
	proxyCmd.Flags().StringVar(&cfg.Host, "host", "127.0.0.1", "Bind address")
	proxyCmd.Flags().IntVarP(&cfg.Port, "port", "p", 9887, "HTTP port")
	proxyCmd.Flags().IntVar(&cfg.BasePort, "base-port", 8100, "First port for inference servers")

	var quant string
	downloadCmd := &cobra.Command{
		Use:   "download <repo>",
		Short: "Queue a hub download and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDownload(cmd.Context(), &cfg, args[0], quant)
		},
	}
	downloadCmd.Flags().StringVarP(&quant, "quant", "q", "", "Quantization label (empty = auto-select)")

	root.AddCommand(serve, proxyCmd, downloadCmd, modelsCommand(&cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, cfg *config.Config, embedded bool) error {
	fmt.Print(banner)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	app, err := forge.New(ctx, cfg, logger, forge.Options{})
	if err != nil {
		return err
	}
	defer app.Close()

	fmt.Printf("CPU:   %s\n", app.CPU.Model)
	fmt.Printf("Cores: %d physical / %d logical\n", app.CPU.Physical, app.CPU.Logical)
	fmt.Printf("SIMD:  %s\n", app.CPU.SIMDSummary())
	ramGB := sysres.AvailableRAMGB()
	fmt.Printf("RAM:   %.1f GB (recommended quant: %s)\n\n", ramGB, sysres.RecommendLabel(ramGB))

	if err := app.Start(ctx); err != nil {
		return err
	}

	srv := app.APIServer()
	if embedded {
		return srv.RunEmbedded(ctx, func(addr, token string) {
			fmt.Printf("Forge (embedded) is running at http://%s\n", addr)
			fmt.Printf("Bearer token: %s\n\n", token)
		})
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	fmt.Printf("Forge is running at http://%s\n\n", addr)
	return srv.Run(addr)
}

func runDownload(ctx context.Context, cfg *config.Config, repo, quant string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	app, err := forge.New(ctx, cfg, logger, forge.Options{})
	if err != nil {
		return err
	}
	defer app.Close()

	events, unsubscribe := app.Bus.Subscribe()
	defer unsubscribe()

	if err := app.Start(ctx); err != nil {
		return err
	}

	pos, shards, err := app.Manager.QueueSmart(ctx, repo, quant)
	if err != nil {
		return err
	}
	fmt.Printf("Queued %s at position %d (%d shard(s))\n", repo, pos, shards)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			switch ev.Type {
			case domain.EventDownloadProgress:
				p, ok := ev.Payload.(domain.DownloadProgressPayload)
				if ok && p.TotalBytes > 0 {
					fmt.Printf("\r%3.0f%%  %s   ", float64(p.DownloadedBytes)/float64(p.TotalBytes)*100,
						domain.SpeedDisplay(p.SpeedBps))
				}
			case domain.EventDownloadCompleted:
				fmt.Println("\ndone")
				return nil
			case domain.EventDownloadFailed:
				p, _ := ev.Payload.(domain.DownloadLifecyclePayload)
				return fmt.Errorf("download failed: %s", p.Error)
			case domain.EventDownloadCancelled:
				fmt.Println("\ncancelled")
				return nil
			}
		}
	}
}

func modelsCommand(cfg *config.Config) *cobra.Command {
	models := &cobra.Command{
		Use:   "models",
		Short: "Manage the local model library",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered models",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg, func(ctx context.Context, app *forge.App) error {
				ms, err := app.Library.List(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tQUANT\tARCH\tPARAMS\tPATH")
				for _, m := range ms {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%.1fB\t%s\n",
						m.ID, m.Name, m.Quantization, m.Architecture, m.ParamCountB, m.FilePath)
				}
				return tw.Flush()
			})
		},
	}

	remove := &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a model and its file records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg, func(ctx context.Context, app *forge.App) error {
				var id int64
				if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
					return fmt.Errorf("model id must be an integer: %q", args[0])
				}
				if err := app.Library.Delete(ctx, id); err != nil {
					return err
				}
				fmt.Printf("removed model %d\n", id)
				return nil
			})
		},
	}

	verify := &cobra.Command{
		Use:   "verify <id>",
		Short: "Re-hash a model's shard files and record the check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg, func(ctx context.Context, app *forge.App) error {
				var id int64
				if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
					return fmt.Errorf("model id must be an integer: %q", args[0])
				}
				files, err := app.Library.ListFiles(ctx, id)
				if err != nil {
					return err
				}
				for _, f := range files {
					hash, size, err := sha256File(f.FilePath)
					switch {
					case err != nil:
						fmt.Printf("FAIL  %s: %v\n", f.FilePath, err)
					case f.ExpectedSize > 0 && size != f.ExpectedSize:
						fmt.Printf("FAIL  %s: size %d, expected %d\n", f.FilePath, size, f.ExpectedSize)
					default:
						_ = app.Library.VerifyFile(ctx, f.ID, hash, domain.Now())
						fmt.Printf("ok    %s\n", f.FilePath)
					}
				}
				return nil
			})
		},
	}

	models.AddCommand(list, remove, verify)
	return models
}

// sha256File hashes one shard file, returning the hex digest and bytes read.
func sha256File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), n, nil
}

// withApp builds the app for a short-lived CLI action and tears it down.
func withApp(ctx context.Context, cfg *config.Config, fn func(context.Context, *forge.App) error) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	app, err := forge.New(ctx, cfg, logger, forge.Options{})
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(ctx, app)
}

// envOrDefault returns the value of an env var, or fallback if unset.
func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
