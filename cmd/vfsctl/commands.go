package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/vfs/internal/logging"
	"github.com/fruitsalade/vfs/internal/metrics"
	"github.com/fruitsalade/vfs/pkg/filesystem"
	"github.com/fruitsalade/vfs/pkg/models"
)

func (a *app) mountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mounts",
		Short: "List mounted volumes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MOUNT\tTYPE")
			for _, v := range a.fs.Volumes() {
				fmt.Fprintf(w, "%s\t%s\n", v.Root, v.Adapter.Type())
			}
			return w.Flush()
		},
	}
}

func (a *app) statCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Show metadata for a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				e     filesystem.Entry
				stats *models.Stats
			)
			err := a.do(cmd.Context(), func() (err error) {
				e, stats, err = a.fs.Resolve(cmd.Context(), args[0])
				return err
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			kind := "file"
			if stats.IsDirectory() {
				kind = "directory"
			}
			fmt.Fprintf(out, "Path:     %s\n", e.FullPath())
			fmt.Fprintf(out, "Type:     %s\n", kind)
			fmt.Fprintf(out, "Size:     %d\n", stats.Size())
			fmt.Fprintf(out, "Modified: %s\n", stats.ModTime().Format(time.RFC3339))
			fmt.Fprintf(out, "Hash:     %s\n", stats.Hash())
			if stats.RealPath() != "" {
				fmt.Fprintf(out, "Target:   %s\n", stats.RealPath())
			}
			return nil
		},
	}
}

func (a *app) catCmd() *cobra.Command {
	var encoding string
	cmd := &cobra.Command{
		Use:   "cat <path>",
		Short: "Print a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := a.fs.GetFileForPath(args[0])
			if encoding == "" {
				var data []byte
				err := a.do(cmd.Context(), func() (err error) {
					data, _, err = f.ReadAsBinary(cmd.Context())
					return err
				})
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}

			var text string
			err := a.do(cmd.Context(), func() (err error) {
				text, _, err = f.ReadAsText(cmd.Context(), encoding)
				return err
			})
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), text)
			return err
		},
	}
	cmd.Flags().StringVar(&encoding, "encoding", "", "decode the file from this encoding to UTF-8")
	return cmd
}

func (a *app) lsCmd() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/"
			if len(args) == 1 {
				path = args[0]
			}
			d := a.fs.GetDirectoryForPath(path)

			var (
				entries []filesystem.Entry
				stats   []*models.Stats
			)
			err := a.do(cmd.Context(), func() (err error) {
				entries, stats, err = d.GetContents(cmd.Context())
				return err
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for i, e := range entries {
				name := e.Name()
				if e.IsDirectory() {
					name += "/"
				}
				if long {
					fmt.Fprintf(w, "%d\t%s\t%s\n", stats[i].Size(), stats[i].ModTime().Format("2006-01-02 15:04"), name)
				} else {
					fmt.Fprintln(w, name)
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "show size and modification time")
	return cmd
}

func (a *app) writeCmd() *cobra.Command {
	var encoding, expectHash string
	cmd := &cobra.Command{
		Use:   "write <path> [text|-]",
		Short: "Replace a file's contents",
		Long:  "Replace a file's contents with text, or with standard input when text is omitted or \"-\".",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var text string
			if len(args) == 2 && args[1] != "-" {
				text = args[1]
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				text = string(data)
			}

			f := a.fs.GetFileForPath(args[0])
			var stats *models.Stats
			err := a.do(cmd.Context(), func() (err error) {
				stats, err = f.WriteWithOptions(cmd.Context(), text, filesystem.WriteOptions{
					Encoding:     encoding,
					ExpectedHash: expectHash,
				})
				return err
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s\n", stats.Size(), f.FullPath())
			return nil
		},
	}
	cmd.Flags().StringVar(&encoding, "encoding", "", "encode the text with this encoding")
	cmd.Flags().StringVar(&expectHash, "expect-hash", "", "refuse to overwrite unless the file still has this hash (see stat)")
	return cmd
}

func (a *app) mkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a directory and any missing parents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := a.fs.GetDirectoryForPath(args[0])
			return a.do(cmd.Context(), func() error {
				_, err := d.Create(cmd.Context())
				return err
			})
		},
	}
}

func (a *app) mvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <from> <to>",
		Short: "Rename a file or directory within one volume",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, err := a.fs.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			// Not retried: a rename that reached the backend may have
			// partly applied.
			return e.Rename(cmd.Context(), args[1])
		},
	}
}

func (a *app) rmCmd() *cobra.Command {
	var trash bool
	cmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "Remove a file or a directory tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, err := a.fs.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if trash {
				return e.MoveToTrash(cmd.Context())
			}
			return e.Unlink(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&trash, "trash", false, "move to the volume's trash when it has one")
	return cmd
}

func (a *app) findCmd() *cobra.Command {
	var (
		name       string
		maxDepth   int
		maxEntries int
	)
	cmd := &cobra.Command{
		Use:   "find [dir]",
		Short: "Walk a directory tree and print matching files",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name != "" && !doublestar.ValidatePattern(name) {
				return fmt.Errorf("invalid pattern %q", name)
			}
			path := "/"
			if len(args) == 1 {
				path = args[0]
			}

			out := cmd.OutOrStdout()
			visit := func(e filesystem.Entry, _ *models.Stats) bool {
				if !e.IsFile() {
					return true
				}
				if name != "" {
					if ok, _ := doublestar.Match(name, e.Name()); !ok {
						return true
					}
				}
				fmt.Fprintln(out, e.FullPath())
				return true
			}
			return a.fs.GetDirectoryForPath(path).Visit(cmd.Context(), visit, filesystem.VisitOptions{
				MaxDepth:   maxDepth,
				MaxEntries: maxEntries,
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "only print files whose name matches this glob")
	cmd.Flags().IntVar(&maxDepth, "max-depth", filesystem.DefaultMaxDepth, "maximum directory depth")
	cmd.Flags().IntVar(&maxEntries, "max-entries", filesystem.DefaultMaxEntries, "fail after this many entries")
	return cmd
}

func (a *app) watchCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch <path>",
		Short: "Print changes under a path until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if metricsAddr == "" {
				metricsAddr = a.cfg.MetricsAddr
			}
			if metricsAddr != "" {
				srv := &http.Server{Addr: metricsAddr, Handler: metricsMux()}
				go func() {
					logging.Info("metrics server listening", zap.String("addr", metricsAddr))
					if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						logging.Error("metrics server error", zap.Error(err))
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
			}

			out := cmd.OutOrStdout()
			w, err := a.fs.Watch(ctx, args[0], func(c filesystem.Change) {
				fmt.Fprintln(out, formatChange(c))
			})
			if err != nil {
				return err
			}
			defer a.fs.Unwatch(w)

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func formatChange(c filesystem.Change) string {
	var b strings.Builder
	b.WriteString(time.Now().Format("15:04:05.000"))
	b.WriteString(" ")
	b.WriteString(c.Kind.String())
	b.WriteString(" ")
	b.WriteString(c.Path)
	if c.OldPath != "" {
		b.WriteString(" (from " + c.OldPath + ")")
	}
	if c.Subtree {
		b.WriteString(" [subtree]")
	}
	return b.String()
}
