package retention

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/plansmith/plansmith/engine/pkg/models"
)

// LocalFileArchiver writes expired jobs as JSONL files to a local directory.
// This is the default archive driver for development and single-node
// deployments.
//
// Directory structure:
//
//	{basePath}/jobs/2026-02-20T15-04-05Z.jsonl[.gz]
type LocalFileArchiver struct {
	basePath string
	compress bool
}

// NewLocalFileArchiver creates a file-based archiver. If basePath is empty,
// it defaults to "~/.plansmith/archive".
func NewLocalFileArchiver(basePath string, compress bool) *LocalFileArchiver {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			basePath = "/tmp/plansmith/archive"
		} else {
			basePath = filepath.Join(home, ".plansmith", "archive")
		}
	}
	return &LocalFileArchiver{basePath: basePath, compress: compress}
}

func (a *LocalFileArchiver) ArchiveJobs(_ context.Context, jobs []models.GenerationJob) (string, error) {
	dir := filepath.Join(a.basePath, "jobs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := time.Now().UTC().Format("2006-01-02T15-04-05Z") + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(dir, filename)

	f, err := os.Create(fpath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if a.compress {
		gw := gzip.NewWriter(f)
		defer gw.Close()
		enc = json.NewEncoder(gw)
	}

	for _, j := range jobs {
		if err := enc.Encode(j); err != nil {
			return "", fmt.Errorf("encode job %s: %w", j.RequestID, err)
		}
	}

	log.Debug().
		Str("path", fpath).
		Int("count", len(jobs)).
		Msg("Archived jobs to local file")

	return fpath, nil
}
