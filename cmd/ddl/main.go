// Command ddl downloads DANDI archive assets to a local directory.
//
// Grounded on the teacher's cmd/cmd_pull_push.go PullHandler: a single
// cobra command that builds a client, wires a progress callback, and
// delegates the actual work to a package-level coordinator. The live
// per-asset status line uses github.com/dustin/go-humanize for byte and
// percentage formatting the way a CLI progress line normally would.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dandi/ddl/internal/archivehttp"
	"github.com/dandi/ddl/internal/config"
	"github.com/dandi/ddl/internal/coordinator"
	"github.com/dandi/ddl/internal/progressx"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ddl:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ddl",
		Short: "Download DANDI archive assets",
	}
	root.AddCommand(pullCmd())
	return root
}

func pullCmd() *cobra.Command {
	var (
		configFile string
		outputDir  string
		existing   string
		format     string
		sync       bool
		jobs       int
		jobsPer    int
		yesToSync  bool
	)

	cmd := &cobra.Command{
		Use:   "pull [url]",
		Short: "Download every asset reachable from a DANDI archive URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if outputDir != "" {
				cfg.OutputDir = outputDir
			}
			if existing != "" {
				cfg.Existing = existing
			}
			if format != "" {
				cfg.Format = format
			}
			if sync {
				cfg.Sync = true
			}
			if jobsPer > 0 {
				cfg.JobsPerZarr = jobsPer
			}
			if jobs > 0 {
				cfg.Jobs = jobs
			}

			var confirmSync func([]string) bool
			if cfg.Sync && !yesToSync {
				confirmSync = func(candidates []string) bool { return promptSyncConfirm(cmd, candidates) }
			}

			client := archivehttp.Client{BaseURL: args[0]}
			coord := coordinator.Coordinator{
				Client: client,
				Options: coordinator.Options{
					Existing:    cfg.ExistingPolicy(),
					Format:      cfg.OutputFormat(),
					Jobs:        cfg.Jobs,
					ZarrWorkers: cfg.JobsPerZarr,
					Sync:        cfg.Sync,
					ConfirmSync: confirmSync,
				},
			}

			progressOut := make(chan progressx.Event, 32)
			done := make(chan struct{})
			go func() {
				defer close(done)
				renderProgress(cmd, progressOut)
			}()

			summary, err := coord.Run(cmd.Context(), cfg.OutputDir, progressOut)
			close(progressOut)
			<-done

			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), summary.String())
			if !summary.OK() {
				return fmt.Errorf("%d asset(s) failed", summary.Errored)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "path to a config file")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "directory to download into")
	cmd.Flags().StringVar(&existing, "existing", "", "policy for existing files: error, skip, overwrite, overwrite-different, refresh")
	cmd.Flags().StringVar(&format, "format", "", "progress rendering: pyout, debug")
	cmd.Flags().BoolVar(&sync, "sync", false, "delete local files not present in the remote asset set")
	cmd.Flags().IntVar(&jobs, "jobs", 0, "concurrent asset downloads")
	cmd.Flags().IntVar(&jobsPer, "jobs-per-zarr", 0, "concurrent downloads per zarr asset")
	cmd.Flags().BoolVarP(&yesToSync, "yes", "y", false, "answer yes to the sync confirmation prompt")

	return cmd
}

// promptSyncConfirm implements spec.md §6's interactive sync prompt: yes,
// no, or list the candidates first and ask again.
func promptSyncConfirm(cmd *cobra.Command, candidates []string) bool {
	reader := bufio.NewReader(cmd.InOrStdin())
	for {
		fmt.Fprintf(cmd.OutOrStdout(), "sync will delete %d local file(s) absent from the remote asset set. [y]es/[n]o/[l]ist? ", len(candidates))
		line, _ := reader.ReadString('\n')
		switch strings.TrimSpace(strings.ToLower(line)) {
		case "y", "yes":
			return true
		case "n", "no", "":
			return false
		case "l", "list":
			for _, c := range candidates {
				fmt.Fprintln(cmd.OutOrStdout(), "  ", c)
			}
		default:
			fmt.Fprintln(cmd.OutOrStdout(), "please answer y, n, or l")
		}
	}
}

func renderProgress(cmd *cobra.Command, events <-chan progressx.Event) {
	out := cmd.ErrOrStderr()
	status := map[string]progressx.Status{}
	for e := range events {
		switch {
		case e.HasStatus && e.Status != status[e.Path]:
			status[e.Path] = e.Status
			fmt.Fprintf(out, "%s: %s\n", e.Path, e.Status)
		case e.HasDone && e.DonePct > 0:
			fmt.Fprintf(out, "%s: %s (%.0f%%)\n", e.Path, humanize.Bytes(e.Done), e.DonePct)
		case e.HasMessage:
			fmt.Fprintf(out, "%s: %s\n", e.Path, e.Message)
		}
	}
}
