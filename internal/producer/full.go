package producer

import (
	"context"

	"github.com/rs/zerolog"
)

// FullProducer runs the database export and then, only when file
// sources are configured, the file archive over both the data paths and
// the configuration paths. The two artifacts remain separate files on
// disk; the combined descriptor carries the summed sizes and the merged
// breakdown, with the database artifact as the primary name, path, and
// checksum.
type FullProducer struct {
	database *DatabaseProducer
	files    *FileProducer
}

func NewFullProducer(connector StoreConnector, logger zerolog.Logger) *FullProducer {
	return &FullProducer{
		database: NewDatabaseProducer(connector, logger),
		files:    NewFileProducer(logger),
	}
}

func (p *FullProducer) Produce(ctx context.Context, req Request) (*Result, error) {
	dbRes, err := p.database.Produce(ctx, req)
	if err != nil {
		return nil, err
	}

	if !req.Config.HasFileSources() {
		return dbRes, nil
	}

	fileReq := req
	if len(req.Config.Sources.ConfigPaths) > 0 {
		// The archive covers data paths and configuration paths alike.
		cfg := *req.Config
		paths := make([]string, 0, len(cfg.Sources.Paths)+len(cfg.Sources.ConfigPaths))
		paths = append(paths, cfg.Sources.Paths...)
		paths = append(paths, cfg.Sources.ConfigPaths...)
		cfg.Sources.Paths = paths
		fileReq.Config = &cfg
	}
	fileRes, err := p.files.Produce(ctx, fileReq)
	if err != nil {
		return nil, err
	}

	combined := *dbRes
	combined.RawSize += fileRes.RawSize
	combined.CompressedSize += fileRes.CompressedSize
	if combined.RawSize > 0 {
		combined.CompressionRatio = float64(combined.CompressedSize) / float64(combined.RawSize)
	}
	combined.Breakdown.Files = fileRes.Breakdown.Files
	combined.Breakdown.SizeBytes = combined.CompressedSize
	return &combined, nil
}
