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

	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/pkg/models"
)

// LocalFileArchiver writes retired jobs as JSONL files to a local directory.
//
// Directory structure:
//
//	{basePath}/{campaign}/jobs/2026-02-20T15-04-05.000000000Z.jsonl[.gz]
//
// Jobs without a campaign land under "_unassigned".
type LocalFileArchiver struct {
	basePath string
	compress bool
	now      func() time.Time
}

// NewLocalFileArchiver creates a file-based archiver. If basePath is empty,
// it defaults to "~/.campaign-substrate/archive".
func NewLocalFileArchiver(basePath string, compress bool) *LocalFileArchiver {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			basePath = filepath.Join(os.TempDir(), "campaign-substrate", "archive")
		} else {
			basePath = filepath.Join(home, ".campaign-substrate", "archive")
		}
	}
	return &LocalFileArchiver{basePath: basePath, compress: compress, now: time.Now}
}

func (a *LocalFileArchiver) Kind() string { return "local" }

func (a *LocalFileArchiver) ArchiveJobs(_ context.Context, campaignID string, jobs []models.Job) (path string, err error) {
	if campaignID == "" {
		campaignID = "_unassigned"
	}
	if filepath.Base(campaignID) != campaignID || campaignID == "." || campaignID == ".." {
		return "", fmt.Errorf("unsafe campaign id %q", campaignID)
	}
	dir := filepath.Join(a.basePath, campaignID, "jobs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := a.now().UTC().Format("2006-01-02T15-04-05.000000000Z") + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(dir, filename)

	f, err := os.Create(fpath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close archive file: %w", cerr)
		}
		if err != nil {
			os.Remove(fpath)
		}
	}()

	enc := json.NewEncoder(f)
	var gw *gzip.Writer
	if a.compress {
		gw = gzip.NewWriter(f)
		enc = json.NewEncoder(gw)
	}

	for _, job := range jobs {
		if err := enc.Encode(job); err != nil {
			return "", fmt.Errorf("encode job %s: %w", job.ID, err)
		}
	}
	if gw != nil {
		if err := gw.Close(); err != nil {
			return "", fmt.Errorf("flush archive: %w", err)
		}
	}

	log.Debug().
		Str("path", fpath).
		Int("count", len(jobs)).
		Str("campaign_id", campaignID).
		Msg("Archived jobs to local file")

	return fpath, nil
}

// HealthCheck verifies the base path is writable.
func (a *LocalFileArchiver) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(a.basePath, 0o755); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	testFile := filepath.Join(a.basePath, ".healthcheck")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	os.Remove(testFile)
	return nil
}
