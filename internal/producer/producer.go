package producer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ostrand/backupd/internal/model"
)

// Request carries everything a producer needs to materialize one
// artifact: the configuration, the resolved destination directory for
// its backup type, the timestamp token used for naming, and the
// encryption key (nil when encryption is disabled).
type Request struct {
	Config    *model.BackupConfiguration
	DestDir   string
	Timestamp time.Time
	Key       []byte
}

// Result describes the produced artifact. For a full backup the sizes
// and breakdown are the sum over both underlying artifacts, which
// remain separate files on disk.
type Result struct {
	ArtifactName     string
	ArtifactPath     string
	RawSize          int64
	CompressedSize   int64
	CompressionRatio float64
	Checksum         string
	Encrypted        bool
	Algorithm        string
	Breakdown        model.SourceBreakdown
}

// ArtifactInfo converts the result into the execution ledger's artifact
// metadata shape.
func (r *Result) ArtifactInfo() *model.ArtifactInfo {
	return &model.ArtifactInfo{
		FileName:         r.ArtifactName,
		Path:             r.ArtifactPath,
		SizeBytes:        r.RawSize,
		CompressedBytes:  r.CompressedSize,
		CompressionRatio: r.CompressionRatio,
		Encrypted:        r.Encrypted,
		Algorithm:        r.Algorithm,
		Checksum:         r.Checksum,
	}
}

// Producer materializes a backup artifact for one configuration.
type Producer interface {
	Produce(ctx context.Context, req Request) (*Result, error)
}

// Deps holds the collaborators shared by all producer strategies.
type Deps struct {
	Connector StoreConnector
	Logger    zerolog.Logger
}

// New selects the producer strategy for a configuration's backup type.
// The switch is exhaustive over the supported types; an unknown type is
// a configuration error.
func New(cfg *model.BackupConfiguration, deps Deps) (Producer, error) {
	switch cfg.Type {
	case model.BackupTypeDatabase:
		return NewDatabaseProducer(deps.Connector, deps.Logger), nil
	case model.BackupTypeFiles:
		return NewFileProducer(deps.Logger), nil
	case model.BackupTypeConfiguration:
		return NewConfigurationProducer(deps.Logger), nil
	case model.BackupTypeIncremental:
		return NewIncrementalProducer(deps.Logger), nil
	case model.BackupTypeFull:
		return NewFullProducer(deps.Connector, deps.Logger), nil
	default:
		return nil, fmt.Errorf("unsupported backup type: %s", cfg.Type)
	}
}

// ArtifactName builds the canonical artifact file name:
// <type>-<ISO8601 timestamp with colons replaced by dashes><ext>.
func ArtifactName(backupType string, ts time.Time, ext string) string {
	stamp := strings.ReplaceAll(ts.UTC().Format(time.RFC3339), ":", "-")
	return backupType + "-" + stamp + ext
}
