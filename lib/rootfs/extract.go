package rootfs

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"golang.org/x/sys/unix"
)

// paxXattrPrefix marks extended-attribute records in PAX headers.
const paxXattrPrefix = "SCHILY.xattr."

// ExtractTarGz unpacks a gzipped tar stream into destDir, preserving file
// permissions and extended attributes. Entries from a later archive
// overwrite same-path entries from an earlier one and directories merge,
// which is how stacked image layers compose. Whiteout markers are not
// interpreted. Returns the number of file bytes written.
//
// Entry paths are resolved with securejoin so a crafted archive cannot
// escape destDir through ".." components or symlinked parents.
func ExtractTarGz(r io.Reader, destDir string) (int64, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return 0, fmt.Errorf("create dest dir: %w", err)
	}

	gzr, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("gzip reader: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)

	var written int64

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return written, fmt.Errorf("read tar header: %w", err)
		}

		targetPath, err := entryPath(destDir, header.Name)
		if err != nil {
			return written, err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			// A later layer may turn a file into a directory.
			if err := removeIfNotDir(targetPath); err != nil {
				return written, fmt.Errorf("replace entry %s: %w", header.Name, err)
			}
			if err := os.MkdirAll(targetPath, os.FileMode(header.Mode)); err != nil {
				return written, fmt.Errorf("create dir %s: %w", header.Name, err)
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return written, fmt.Errorf("create parent dir: %w", err)
			}
			if err := removeIfDir(targetPath); err != nil {
				return written, fmt.Errorf("replace entry %s: %w", header.Name, err)
			}

			f, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return written, fmt.Errorf("create file %s: %w", header.Name, err)
			}

			n, err := io.Copy(f, tr)
			f.Close()
			if err != nil {
				return written, fmt.Errorf("write file %s: %w", header.Name, err)
			}
			written += n

			// O_TRUNC on an existing file keeps its old mode.
			if err := os.Chmod(targetPath, os.FileMode(header.Mode)); err != nil {
				return written, fmt.Errorf("chmod %s: %w", header.Name, err)
			}

		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return written, fmt.Errorf("create parent dir for symlink: %w", err)
			}
			if err := os.RemoveAll(targetPath); err != nil {
				return written, fmt.Errorf("replace entry %s: %w", header.Name, err)
			}
			if err := os.Symlink(header.Linkname, targetPath); err != nil {
				return written, fmt.Errorf("create symlink %s: %w", header.Name, err)
			}

		case tar.TypeLink:
			linkTarget, err := entryPath(destDir, header.Linkname)
			if err != nil {
				return written, err
			}
			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return written, fmt.Errorf("create parent dir for hardlink: %w", err)
			}
			if err := os.RemoveAll(targetPath); err != nil {
				return written, fmt.Errorf("replace entry %s: %w", header.Name, err)
			}
			if err := os.Link(linkTarget, targetPath); err != nil {
				return written, fmt.Errorf("create hardlink %s: %w", header.Name, err)
			}

		default:
			// Skip other types (devices, fifos, etc.)
			continue
		}

		restoreXattrs(targetPath, header)
	}

	return written, nil
}

// entryPath resolves a tar entry name to a path inside destDir.
func entryPath(destDir, name string) (string, error) {
	name = filepath.Clean(name)
	if filepath.IsAbs(name) || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: %s", ErrInvalidArchivePath, name)
	}

	targetPath, err := securejoin.SecureJoin(destDir, name)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidArchivePath, name, err)
	}
	return targetPath, nil
}

// restoreXattrs applies extended attributes recorded in the PAX header.
// Setting xattrs commonly fails on unprivileged runs (security.* needs
// CAP_SYS_ADMIN), so failures are ignored.
func restoreXattrs(path string, header *tar.Header) {
	for key, value := range header.PAXRecords {
		if !strings.HasPrefix(key, paxXattrPrefix) {
			continue
		}
		attr := strings.TrimPrefix(key, paxXattrPrefix)
		_ = unix.Lsetxattr(path, attr, []byte(value), 0)
	}
}

func removeIfNotDir(path string) error {
	fi, err := os.Lstat(path)
	if err != nil || fi.IsDir() {
		return nil
	}
	return os.Remove(path)
}

func removeIfDir(path string) error {
	fi, err := os.Lstat(path)
	if err != nil || !fi.IsDir() {
		return nil
	}
	return os.RemoveAll(path)
}
