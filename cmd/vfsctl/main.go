// Command vfsctl mounts the volumes of a mount table and runs one file
// system operation against them.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/vfs/internal/config"
	"github.com/fruitsalade/vfs/internal/logging"
	"github.com/fruitsalade/vfs/pkg/adapter/factory"
	"github.com/fruitsalade/vfs/pkg/filesystem"
	"github.com/fruitsalade/vfs/pkg/fserrors"
	"github.com/fruitsalade/vfs/pkg/retry"
)

type app struct {
	mountsFile string
	logLevel   string
	retries    int

	cfg *config.Config
	fs  *filesystem.FileSystem
}

func main() {
	a := &app{}
	err := newRootCmd(a).ExecuteContext(context.Background())
	if tErr := a.teardown(); err == nil {
		err = tErr
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "vfsctl",
		Short: "Inspect and modify mounted volumes",
		Long: `vfsctl mounts every volume listed in the mount table and runs a single
operation through the caching file system layer.

The mount table is YAML:

  volumes:
    - mount: /local
      type: local
      config: { root_path: /srv/project }`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	root.PersistentFlags().StringVar(&a.mountsFile, "mounts", "", "mount table file (default $VFS_MOUNTS_FILE or vfs.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().IntVar(&a.retries, "retries", 0, "retries for transient I/O errors")

	root.AddCommand(
		a.mountsCmd(),
		a.statCmd(),
		a.catCmd(),
		a.lsCmd(),
		a.writeCmd(),
		a.mkdirCmd(),
		a.mvCmd(),
		a.rmCmd(),
		a.findCmd(),
		a.watchCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if a.mountsFile != "" {
		os.Setenv("VFS_MOUNTS_FILE", a.mountsFile)
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: cfg.LogOutput,
	}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	a.cfg = cfg

	if len(cfg.Volumes) == 0 {
		return fmt.Errorf("no volumes configured in %s", cfg.MountsFile)
	}

	a.fs = filesystem.New(filesystem.Config{
		NotifyTick:  cfg.NotifyTick,
		MaxFileSize: cfg.MaxFileSize,
		Exclude:     cfg.Exclude,
	})
	ctx := cmd.Context()
	for _, v := range cfg.Volumes {
		raw, err := v.RawConfig()
		if err != nil {
			return err
		}
		backend, err := factory.New(ctx, v.Type, raw)
		if err != nil {
			return fmt.Errorf("volume %s: %w", v.Mount, err)
		}
		if _, err := a.fs.Attach(v.Mount, backend); err != nil {
			backend.Close()
			return fmt.Errorf("volume %s: %w", v.Mount, err)
		}
		logging.Debug("volume mounted", zap.String("mount", v.Mount), zap.String("type", v.Type))
	}
	return nil
}

// teardown shuts the file system down. Safe to call when setup failed.
func (a *app) teardown() error {
	defer logging.Sync()
	if a.fs == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := a.fs.Shutdown(ctx)
	a.fs = nil
	return err
}

// do runs fn, retrying transient I/O failures up to --retries times.
func (a *app) do(ctx context.Context, fn func() error) error {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = a.retries + 1
	cfg.ShouldRetry = fserrors.IsTransient
	err := retry.Do(ctx, cfg, fn)

	var fsErr *fserrors.Error
	if errors.As(err, &fsErr) {
		logging.Debug("operation failed",
			zap.String("op", fsErr.Op),
			zap.String("path", fsErr.Path),
			zap.Stringer("kind", fsErr.Kind))
	}
	return err
}
