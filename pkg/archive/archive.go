// Package archive assembles zip archives of locally staged folders.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/mholt/archives"
)

// MediaType is the content type of produced archives.
const MediaType = "application/zip"

// ZipDir writes a zip archive of dir to w. Entries are placed under rootName,
// so the staging directory's own name never appears in the archive.
func ZipDir(ctx context.Context, dir, rootName string, w io.Writer) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	if rootName == "" {
		rootName = "download"
	}

	files, err := archives.FilesFromDisk(ctx, nil, map[string]string{dir: rootName})
	if err != nil {
		return fmt.Errorf("failed to collect files: %w", err)
	}
	if err := (archives.Zip{SelectiveCompression: true}).Archive(ctx, w, files); err != nil {
		return fmt.Errorf("failed to write zip archive: %w", err)
	}
	return nil
}
