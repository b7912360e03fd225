package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ctfrefine/internal/config"
	"ctfrefine/internal/pipeline"
	"ctfrefine/internal/protocol"
	"ctfrefine/internal/storage"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCommand(NewRoot(pipe, cfg, log, store))
}

func newRootCommand(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ctfrefine",
		Short: "ctfrefine refines per-particle CTF with goCTF",
		Long: `ctfrefine groups particles by micrograph, runs goCTF on every micrograph
and writes a particle set carrying the refined per-particle defocus.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newRefineCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// addParamFlags binds the goCTF parameters to flags defaulting to p.
func addParamFlags(cmd *cobra.Command, p *protocol.Params) {
	cmd.Flags().Float64Var(&p.DownFactor, "down-factor", p.DownFactor, "Fourier downsampling factor applied to micrographs before goCTF")
	cmd.Flags().IntVar(&p.WindowSize, "window-size", p.WindowSize, "amplitude spectrum box size in pixels")
	cmd.Flags().Float64Var(&p.LowRes, "low-res", p.LowRes, "lowest resolution used for fitting (A)")
	cmd.Flags().Float64Var(&p.HighRes, "high-res", p.HighRes, "highest resolution used for fitting (A)")
	cmd.Flags().Float64Var(&p.MinDefocus, "min-defocus", p.MinDefocus, "minimum defocus searched (A)")
	cmd.Flags().Float64Var(&p.MaxDefocus, "max-defocus", p.MaxDefocus, "maximum defocus searched (A)")
	cmd.Flags().Float64Var(&p.StepDefocus, "step-defocus", p.StepDefocus, "defocus search step (A)")
	cmd.Flags().BoolVar(&p.ApplyShifts, "apply-shifts", p.ApplyShifts, "shift coordinates by the particle alignment before export")
	cmd.Flags().BoolVar(&p.DoRefine, "refine", p.DoRefine, "refine defocus per particle (false estimates per micrograph only)")
	cmd.Flags().IntVarP(&p.Threads, "threads", "j", p.Threads, "micrographs processed in parallel")
}

func newRefineCmd(root *Root) *cobra.Command {
	opts := refineOptions{params: protocol.ParamsFromConfig(root.cfg)}

	cmd := &cobra.Command{
		Use:   "refine --particles <set> --micrographs <set> [flags]",
		Short: "Refine the CTF of every particle in a set",
		Long: `Run goCTF once per micrograph and write a copy of the particle set whose
CTF models carry the refined per-particle defocus.

Examples:
  ctfrefine refine --particles parts.sqlite --micrographs mics.sqlite
  ctfrefine refine --particles parts.sqlite --micrographs mics.sqlite --down-factor 2 --apply-shifts -j 8`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			opts.ownWorkers = cmd.Flags().Changed("threads")
			report, err := root.refine(ctx, opts)
			if err != nil {
				return err
			}
			printReport(report)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.particles, "particles", "p", "", "input particle set (.sqlite)")
	cmd.Flags().StringVarP(&opts.micrographs, "micrographs", "m", "", "micrograph set the particles were picked from (.sqlite)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "output particle set (default <particles>_goctf.sqlite)")
	cmd.Flags().StringVar(&opts.workDir, "work-dir", "", "run directory for per-micrograph files (default <temp_dir>/<run id>)")
	cmd.Flags().BoolVar(&opts.keepTemp, "keep-temp", false, "keep converted micrographs and goCTF files")
	addParamFlags(cmd, &opts.params)
	_ = cmd.MarkFlagRequired("particles")
	_ = cmd.MarkFlagRequired("micrographs")

	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	opts := watchOptions{params: protocol.ParamsFromConfig(root.cfg)}

	cmd := &cobra.Command{
		Use:   "watch <directory> --micrographs <set>",
		Short: "Refine particle sets as they appear in a directory",
		Long: `Watch a directory for new particle sets (*.sqlite) and refine each one
against the given micrographs, writing <name>_goctf.sqlite next to it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.settle <= 0 {
				return fmt.Errorf("--settle must be positive")
			}
			ctx, cancel := signalContext()
			defer cancel()

			opts.dir = args[0]
			opts.ownWorkers = cmd.Flags().Changed("threads")
			return root.watch(ctx, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.micrographs, "micrographs", "m", "", "micrograph set the particles were picked from (.sqlite)")
	cmd.Flags().DurationVar(&opts.settle, "settle", 2*time.Second, "quiet period before a new set is picked up")
	addParamFlags(cmd, &opts.params)
	_ = cmd.MarkFlagRequired("micrographs")

	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP monitoring API",
		Long: `Start an HTTP server exposing the refinement journal and live job results.

Endpoints:
  GET  /healthz              liveness
  GET  /runs, /runs/{id}     refinement runs
  GET  /runs/{id}/jobs       per-micrograph jobs of a run
  GET  /jobs/{id}/meta       result metadata of one job
  GET  /stream, /ws          live job results (SSE, websocket)
  POST /runs                 launch a refinement`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			root.log.Info("starting server", "addr", addr)
			return root.serveFn(ctx, addr, root.cfg, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "server address (host:port)")

	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	})
	return cmd
}

func newToolsCmd(root *Root) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Show goCTF and ImageMagick availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdTools(verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show tool paths and errors")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdVersion()
		},
	}
}
