package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/onkernel/crate/cmd/crate/config"
	"github.com/onkernel/crate/lib/confine"
	"github.com/onkernel/crate/lib/image"
	"github.com/onkernel/crate/lib/launcher"
	"github.com/onkernel/crate/lib/registry"
)

var cli struct {
	Run RunCmd `cmd:"" help:"Pull an image and run a command confined to its filesystem."`
}

// RunCmd is the 'crate run' command.
type RunCmd struct {
	Image   string   `arg:"" help:"Image reference, name[:tag]. Tag defaults to latest."`
	Command string   `arg:"" help:"Absolute path of the executable inside the image."`
	Args    []string `arg:"" optional:"" passthrough:"" help:"Arguments passed to the command verbatim."`
}

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)

	kctx := kong.Parse(&cli,
		kong.Name("crate"),
		kong.Description("Minimal container launcher: pulls an image and runs a command chrooted into it."),
		kong.UsageOnError(),
		kong.Bind(cfg),
		kong.Bind(logger),
	)

	if err := kctx.Run(); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}

// Run executes the whole pipeline: auth, manifest, layers, root assembly,
// confinement, then the command itself. It does not return on success; the
// process exits with the child's status.
func (c *RunCmd) Run(cfg *config.Config, logger *slog.Logger) error {
	ref, err := image.Parse(c.Image)
	if err != nil {
		return err
	}

	client := registry.NewClient(registry.Options{
		RegistryBase: cfg.RegistryBase,
		AuthEndpoint: cfg.AuthEndpoint,
		AuthService:  cfg.AuthService,
	}, logger)

	l := launcher.New(client, launcher.Options{
		RootsDir:    cfg.RootsDir,
		CleanupRoot: cfg.CleanupRoot,
	}, logger)

	root, err := l.Prepare(context.Background(), ref, c.Command)
	if err != nil {
		return err
	}

	// The root cannot be removed once we are inside it; log where it
	// lives so it can be reaped externally.
	logger.Info("root assembled, entering confinement", "path", root.Path())

	confined, err := confine.Enter(root.Path(), logger)
	if err != nil {
		return err
	}

	out, err := confined.Run(c.Command, c.Args)
	if err != nil {
		return err
	}

	// Relay the captured streams verbatim and adopt the child's status.
	os.Stdout.Write(out.Stdout)
	os.Stderr.Write(out.Stderr)
	os.Exit(out.Status)
	return nil
}

// newLogger builds the process logger. It writes to stderr: stdout is
// reserved for relaying the confined command's output.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: lvl,
	}))
}
