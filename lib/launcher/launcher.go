// Package launcher sequences the pre-confinement pipeline: obtain a pull
// token, resolve the manifest, apply each layer to a fresh root, then
// install the target executable and device placeholders. Every step blocks
// until it completes and any hard failure aborts the whole run; nothing is
// retried.
package launcher

import (
	"context"
	"log/slog"

	"github.com/c2h5oh/datasize"
	"github.com/opencontainers/go-digest"

	"github.com/onkernel/crate/lib/image"
	"github.com/onkernel/crate/lib/registry"
	"github.com/onkernel/crate/lib/rootfs"
)

// Options controls where roots are created and what happens to a root
// whose assembly fails partway.
type Options struct {
	// RootsDir is the directory isolated roots are created under.
	RootsDir string
	// CleanupRoot removes a partially populated root when the pipeline
	// fails before confinement. Roots that reach confinement are always
	// left behind: the host path is unreachable once the process is
	// inside, so there is nobody left to remove it.
	CleanupRoot bool
}

// Launcher assembles runnable roots from registry images.
type Launcher struct {
	client *registry.Client
	logger *slog.Logger
	opts   Options
}

// New creates a launcher on top of a registry pull client.
func New(client *registry.Client, opts Options, logger *slog.Logger) *Launcher {
	return &Launcher{
		client: client,
		logger: logger,
		opts:   opts,
	}
}

// Prepare pulls ref and assembles an isolated root holding its unpacked
// layers and the executable at command. The returned root is ready for
// confinement. A zero-layer image is legal; the root then holds only the
// executable and device placeholders.
func (l *Launcher) Prepare(ctx context.Context, ref image.Reference, command string) (*rootfs.Root, error) {
	token, err := l.client.PullToken(ctx, ref.Name)
	if err != nil {
		return nil, err
	}

	layers, err := l.client.ResolveLayers(ctx, ref, token)
	if err != nil {
		return nil, err
	}
	l.logger.Info("pulling image", "ref", ref.String(), "layers", len(layers))

	root, err := rootfs.New(l.opts.RootsDir)
	if err != nil {
		return nil, err
	}

	if err := l.assemble(ctx, ref, token, layers, root, command); err != nil {
		l.discard(root)
		return nil, err
	}

	return root, nil
}

func (l *Launcher) assemble(ctx context.Context, ref image.Reference, token string, layers []digest.Digest, root *rootfs.Root, command string) error {
	if err := l.applyLayers(ctx, ref.Name, token, layers, root); err != nil {
		return err
	}

	if err := root.InstallExecutable(command); err != nil {
		return err
	}
	root.EnsureDeviceNodes(l.logger)

	return nil
}

// applyLayers downloads and unpacks each layer into the root, strictly in
// manifest order and one at a time. Sequential fetches bound peak memory
// and let each layer overwrite what earlier ones wrote.
func (l *Launcher) applyLayers(ctx context.Context, name, token string, layers []digest.Digest, root *rootfs.Root) error {
	for _, dgst := range layers {
		blob, err := l.client.FetchBlob(ctx, name, dgst, token)
		if err != nil {
			return err
		}

		written, err := rootfs.ExtractTarGz(blob, root.Path())
		blob.Close()
		if err != nil {
			return &registry.LayerFetchError{Digest: dgst, Err: err}
		}

		l.logger.Info("applied layer", "digest", dgst, "size", datasize.ByteSize(written).HumanReadable())
	}

	return nil
}

// discard handles a root whose assembly failed. Removal is opt-in; the
// default keeps the partial root on disk and logs where it is.
func (l *Launcher) discard(root *rootfs.Root) {
	if !l.opts.CleanupRoot {
		l.logger.Warn("leaving partially assembled root behind", "path", root.Path())
		return
	}
	if err := root.Remove(); err != nil {
		l.logger.Warn("failed to remove partially assembled root", "path", root.Path(), "error", err)
	}
}
