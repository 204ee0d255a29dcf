package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FilesystemArchiver moves files into <root>/<device>/.
type FilesystemArchiver struct {
	root string
}

func NewFilesystemArchiver(root string) *FilesystemArchiver {
	return &FilesystemArchiver{root: root}
}

func (a *FilesystemArchiver) Archive(_ context.Context, device, path string) error {
	if err := checkDevice(device); err != nil {
		return err
	}
	target := filepath.Join(a.root, device)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	dst := filepath.Join(target, filepath.Base(path))
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("archive target %s already exists", dst)
	}
	return os.Rename(path, dst)
}

func checkDevice(device string) error {
	if device == "" || device == "." || device == ".." || filepath.Base(device) != device {
		return fmt.Errorf("invalid device name %q", device)
	}
	return nil
}
