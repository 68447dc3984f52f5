package producer

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/ostrand/backupd/internal/model"
)

// FileProducer archives a set of file-system paths into a single
// .tar.gz artifact. An unreadable file is logged and skipped rather
// than failing the whole archive. When modifiedAfter is set, only
// files changed since that instant are included.
type FileProducer struct {
	logger        zerolog.Logger
	backupType    string
	paths         func(*model.BackupConfiguration) []string
	modifiedAfter func(*model.BackupConfiguration) *time.Time
}

func NewFileProducer(logger zerolog.Logger) *FileProducer {
	return &FileProducer{
		logger:     logger.With().Str("component", "file-producer").Logger(),
		backupType: model.BackupTypeFiles,
		paths: func(c *model.BackupConfiguration) []string {
			return c.Sources.Paths
		},
	}
}

// NewConfigurationProducer archives the configured configuration file
// paths instead of the general file sources.
func NewConfigurationProducer(logger zerolog.Logger) *FileProducer {
	return &FileProducer{
		logger:     logger.With().Str("component", "config-producer").Logger(),
		backupType: model.BackupTypeConfiguration,
		paths: func(c *model.BackupConfiguration) []string {
			return c.Sources.ConfigPaths
		},
	}
}

// NewIncrementalProducer archives only files modified since the last
// successful run of the configuration. With no prior success it
// degrades to a full file archive.
func NewIncrementalProducer(logger zerolog.Logger) *FileProducer {
	return &FileProducer{
		logger:     logger.With().Str("component", "incremental-producer").Logger(),
		backupType: model.BackupTypeIncremental,
		paths: func(c *model.BackupConfiguration) []string {
			return c.Sources.Paths
		},
		modifiedAfter: func(c *model.BackupConfiguration) *time.Time {
			return c.Stats.LastSuccess
		},
	}
}

func (p *FileProducer) Produce(ctx context.Context, req Request) (*Result, error) {
	paths := p.paths(req.Config)
	if len(paths) == 0 {
		return nil, fmt.Errorf("no file sources configured")
	}

	var since *time.Time
	if p.modifiedAfter != nil {
		since = p.modifiedAfter(req.Config)
	}

	name := ArtifactName(p.backupType, req.Timestamp, ".tar.gz")
	path := filepath.Join(req.DestDir, name)

	breakdown, rawSize, err := p.writeArchive(ctx, req, path, paths, since)
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	return finishArtifact(name, path, rawSize, breakdown, req)
}

func (p *FileProducer) writeArchive(ctx context.Context, req Request, path string, paths []string, since *time.Time) (model.SourceBreakdown, int64, error) {
	var breakdown model.SourceBreakdown

	f, err := os.Create(path)
	if err != nil {
		return breakdown, 0, fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewWriterLevel(f, gzipLevel(req.Config.Settings.Compression.Level))
	if err != nil {
		return breakdown, 0, fmt.Errorf("init gzip writer: %w", err)
	}
	tw := tar.NewWriter(gz)

	var rawSize int64
	for _, root := range paths {
		if err := ctx.Err(); err != nil {
			return breakdown, 0, err
		}
		added, bytes, err := p.addPath(ctx, tw, root, since)
		if err != nil {
			return breakdown, 0, err
		}
		breakdown.Files += added
		rawSize += bytes
	}

	if err := tw.Close(); err != nil {
		return breakdown, 0, fmt.Errorf("close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return breakdown, 0, fmt.Errorf("close gzip writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return breakdown, 0, fmt.Errorf("close archive file: %w", err)
	}

	return breakdown, rawSize, nil
}

// addPath archives a single configured path, which may be a file or a
// directory tree. Entry names are relative to the path's parent so the
// archive extracts under recognizable top-level names.
func (p *FileProducer) addPath(ctx context.Context, tw *tar.Writer, root string, since *time.Time) (int, int64, error) {
	info, err := os.Stat(root)
	if err != nil {
		p.logger.Warn().Err(err).Str("path", root).Msg("source path missing, skipping")
		return 0, 0, nil
	}

	base := filepath.Dir(root)
	var added int
	var bytes int64

	if !info.IsDir() {
		n, err := p.addFile(tw, root, base, info, since)
		return n, n64(n, info), err
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			p.logger.Warn().Err(walkErr).Str("path", path).Msg("walk error, skipping entry")
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			p.logger.Warn().Err(err).Str("path", path).Msg("stat failed, skipping file")
			return nil
		}
		n, err := p.addFile(tw, path, base, fi, since)
		if err != nil {
			return err
		}
		added += n
		if n > 0 {
			bytes += fi.Size()
		}
		return nil
	})
	if err != nil {
		return added, bytes, err
	}
	return added, bytes, nil
}

// addFile writes one regular file into the archive. Returns 1 when the
// file was added, 0 when it was filtered or skipped.
func (p *FileProducer) addFile(tw *tar.Writer, path, base string, info fs.FileInfo, since *time.Time) (int, error) {
	if !info.Mode().IsRegular() {
		return 0, nil
	}
	if since != nil && !info.ModTime().After(*since) {
		return 0, nil
	}

	src, err := os.Open(path)
	if err != nil {
		p.logger.Warn().Err(err).Str("path", path).Msg("file unreadable, skipping")
		return 0, nil
	}
	defer src.Close()

	rel, err := filepath.Rel(base, path)
	if err != nil {
		rel = filepath.Base(path)
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return 0, fmt.Errorf("tar header for %s: %w", path, err)
	}
	hdr.Name = filepath.ToSlash(rel)

	if err := tw.WriteHeader(hdr); err != nil {
		return 0, fmt.Errorf("write tar header for %s: %w", path, err)
	}
	if _, err := io.Copy(tw, src); err != nil {
		return 0, fmt.Errorf("archive %s: %w", path, err)
	}
	return 1, nil
}

func n64(n int, info fs.FileInfo) int64 {
	if n == 0 {
		return 0
	}
	return info.Size()
}
