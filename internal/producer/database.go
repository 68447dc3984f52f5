package producer

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/ostrand/backupd/internal/crypto"
	"github.com/ostrand/backupd/internal/model"
)

// StoreConn is a handle to one logical data store. It deliberately
// exposes only generic operations so the producer does not depend on
// any particular query dialect.
type StoreConn interface {
	// ListCollections enumerates the store's collections or tables.
	ListCollections(ctx context.Context) ([]string, error)
	// ReadDocuments streams every document of a collection through fn
	// and returns the number of documents read.
	ReadDocuments(ctx context.Context, collection string, fn func(doc json.RawMessage) error) (int64, error)
	// Count returns the number of documents in a collection.
	Count(ctx context.Context, collection string) (int64, error)
	Close(ctx context.Context) error
}

// StoreConnector opens connections to logical data stores by name.
type StoreConnector interface {
	Connect(ctx context.Context, name string) (StoreConn, error)
}

// DatabaseProducer exports the configured data stores into a single
// JSON artifact. A failing collection is captured inline in the export
// rather than aborting the whole run: one broken collection must not
// lose the rest of the backup.
type DatabaseProducer struct {
	connector StoreConnector
	logger    zerolog.Logger
}

func NewDatabaseProducer(connector StoreConnector, logger zerolog.Logger) *DatabaseProducer {
	return &DatabaseProducer{
		connector: connector,
		logger:    logger.With().Str("component", "database-producer").Logger(),
	}
}

func (p *DatabaseProducer) Produce(ctx context.Context, req Request) (*Result, error) {
	if len(req.Config.Sources.Databases) == 0 {
		return nil, fmt.Errorf("no database sources configured")
	}

	compress := req.Config.Settings.Compression.Enabled
	ext := "-export.json"
	if compress {
		ext += ".gz"
	}
	name := ArtifactName(model.BackupTypeDatabase, req.Timestamp, ext)
	path := filepath.Join(req.DestDir, name)

	breakdown, rawSize, err := p.writeExport(ctx, req, path, compress)
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	return finishArtifact(name, path, rawSize, breakdown, req)
}

// writeExport streams the export to disk and returns the source
// breakdown plus the number of uncompressed bytes written.
func (p *DatabaseProducer) writeExport(ctx context.Context, req Request, path string, compress bool) (model.SourceBreakdown, int64, error) {
	var breakdown model.SourceBreakdown

	f, err := os.Create(path)
	if err != nil {
		return breakdown, 0, fmt.Errorf("create export file: %w", err)
	}
	defer f.Close()

	var raw countingWriter
	var w *bufio.Writer
	var gz *gzip.Writer
	if compress {
		gz, err = gzip.NewWriterLevel(f, gzipLevel(req.Config.Settings.Compression.Level))
		if err != nil {
			return breakdown, 0, fmt.Errorf("init gzip writer: %w", err)
		}
		raw.w = gz
	} else {
		raw.w = f
	}
	w = bufio.NewWriter(&raw)

	ew := &exportWriter{w: w}
	ew.printf(`{"exported_at":%q,"stores":[`, req.Timestamp.UTC().Format(time.RFC3339))

	for i, src := range req.Config.Sources.Databases {
		if err := ctx.Err(); err != nil {
			return breakdown, 0, err
		}
		if i > 0 {
			ew.printf(",")
		}
		stats, err := p.exportStore(ctx, ew, src)
		if err != nil {
			return breakdown, 0, err
		}
		breakdown.Databases++
		breakdown.Collections += stats.collections
		breakdown.Documents += stats.documents
	}

	ew.printf("]}")
	if ew.err != nil {
		return breakdown, 0, fmt.Errorf("write export: %w", ew.err)
	}
	if err := w.Flush(); err != nil {
		return breakdown, 0, fmt.Errorf("flush export: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return breakdown, 0, fmt.Errorf("close gzip writer: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return breakdown, 0, fmt.Errorf("close export file: %w", err)
	}

	return breakdown, raw.n, nil
}

type storeStats struct {
	collections int
	documents   int64
}

// exportStore writes one store object. Connection and per-collection
// failures are recorded inline so the remaining stores still export;
// only context cancellation aborts the run.
func (p *DatabaseProducer) exportStore(ctx context.Context, ew *exportWriter, src model.DatabaseSource) (storeStats, error) {
	var stats storeStats

	ew.printf(`{"name":%q,`, src.Name)

	conn, err := p.connector.Connect(ctx, src.Name)
	if err != nil {
		p.logger.Error().Err(err).Str("store", src.Name).Msg("store connection failed")
		ew.printf(`"error":%q,"collections":{}}`, err.Error())
		return stats, nil
	}
	defer conn.Close(ctx)

	collections := src.Collections
	if len(collections) == 0 {
		collections, err = conn.ListCollections(ctx)
		if err != nil {
			p.logger.Error().Err(err).Str("store", src.Name).Msg("listing collections failed")
			ew.printf(`"error":%q,"collections":{}}`, err.Error())
			return stats, nil
		}
	}

	ew.printf(`"collections":{`)
	for i, col := range collections {
		if i > 0 {
			ew.printf(",")
		}
		stats.collections++

		ew.printf(`%s:{"documents":[`, mustQuote(col))
		var docs int64
		count, readErr := conn.ReadDocuments(ctx, col, func(doc json.RawMessage) error {
			if docs > 0 {
				ew.printf(",")
			}
			ew.writeRaw(doc)
			docs++
			return ew.err
		})
		ew.printf(`],`)
		if readErr != nil {
			if errors.Is(readErr, context.Canceled) || errors.Is(readErr, context.DeadlineExceeded) {
				return stats, readErr
			}
			p.logger.Warn().Err(readErr).
				Str("store", src.Name).
				Str("collection", col).
				Msg("collection read failed, continuing export")
			// A failed collection reports count 0 even when a prefix of
			// its documents was already streamed; the count only vouches
			// for complete reads.
			ew.printf(`"count":0,"error":%q`, readErr.Error())
			count = 0
		} else {
			ew.printf(`"count":%d`, count)
		}
		ew.printf("}")
		stats.documents += count
	}
	ew.printf("}}")
	return stats, nil
}

// exportWriter accumulates the first write error so the producer can
// check once instead of on every token.
type exportWriter struct {
	w   io.Writer
	err error
}

func (ew *exportWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}
	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func (ew *exportWriter) writeRaw(b []byte) {
	if ew.err != nil {
		return
	}
	_, ew.err = ew.w.Write(b)
}

func mustQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// countingWriter tracks uncompressed bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

func gzipLevel(level int) int {
	if level >= gzip.BestSpeed && level <= gzip.BestCompression {
		return level
	}
	return gzip.DefaultCompression
}

// finishArtifact applies encryption when enabled, stamps the checksum
// over the final stored artifact, and assembles the result.
func finishArtifact(name, path string, rawSize int64, breakdown model.SourceBreakdown, req Request) (*Result, error) {
	res := &Result{
		ArtifactName: name,
		ArtifactPath: path,
		RawSize:      rawSize,
		Breakdown:    breakdown,
	}

	if req.Config.Settings.Encryption.Enabled {
		if len(req.Key) == 0 {
			os.Remove(path)
			return nil, fmt.Errorf("encryption enabled but no key material available")
		}
		encPath, err := crypto.EncryptFile(path, req.Key)
		if err != nil {
			os.Remove(path)
			return nil, fmt.Errorf("encrypt artifact: %w", err)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove plaintext artifact: %w", err)
		}
		res.ArtifactPath = encPath
		res.ArtifactName = filepath.Base(encPath)
		res.Encrypted = true
		res.Algorithm = crypto.AlgorithmAES256CTR
	}

	info, err := os.Stat(res.ArtifactPath)
	if err != nil {
		return nil, fmt.Errorf("stat artifact: %w", err)
	}
	res.CompressedSize = info.Size()
	if res.RawSize > 0 {
		res.CompressionRatio = float64(res.CompressedSize) / float64(res.RawSize)
	}
	res.Breakdown.SizeBytes = res.CompressedSize

	sum, err := crypto.Checksum(res.ArtifactPath)
	if err != nil {
		return nil, fmt.Errorf("checksum artifact: %w", err)
	}
	res.Checksum = sum

	return res, nil
}
