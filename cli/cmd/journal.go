package cmd

import (
	"context"
	"fmt"

	"github.com/pithecene-io/treesync/cli/config"
	"github.com/pithecene-io/treesync/journal"
	"github.com/pithecene-io/treesync/metrics"
)

// openJournal builds the configured journal. An empty backend returns nil.
func openJournal(ctx context.Context, jc config.JournalConfig, m *metrics.Collector) (*journal.Journal, error) {
	opts := []journal.Option{journal.WithMetrics(m)}
	switch jc.Backend {
	case "":
		return nil, nil
	case config.JournalMemory:
		return journal.NewMemory(jc.Dataset, opts...)
	case config.JournalFS:
		return journal.NewFS(jc.Dataset, jc.Path, opts...)
	case config.JournalS3:
		bucket, prefix := journal.ParseS3Path(jc.Path)
		return journal.NewS3(ctx, jc.Dataset, journal.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       jc.Region,
			Endpoint:     jc.Endpoint,
			UsePathStyle: jc.S3PathStyle,
		}, opts...)
	default:
		return nil, fmt.Errorf("unsupported journal backend %q (must be fs, s3 or memory)", jc.Backend)
	}
}
