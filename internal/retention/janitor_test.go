package retention

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/pkg/models"
)

type countingSweeper struct{ n int }

func (c *countingSweeper) Sweep() int      { return c.n }
func (c *countingSweeper) SweepCache() int { return c.n }

type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]models.Job
}

func newFakeJobs(jobs ...models.Job) *fakeJobs {
	f := &fakeJobs{jobs: make(map[string]models.Job)}
	for _, j := range jobs {
		f.jobs[j.ID] = j
	}
	return f
}

func (f *fakeJobs) ExpiredJobs(time.Duration) []models.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Job
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out
}

func (f *fakeJobs) RemoveJobs(ids ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := f.jobs[id]; ok {
			delete(f.jobs, id)
			n++
		}
	}
	return n
}

func (f *fakeJobs) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type failingArchiver struct{}

func (failingArchiver) Kind() string { return "broken" }

func (failingArchiver) ArchiveJobs(context.Context, string, []models.Job) (string, error) {
	return "", errors.New("disk full")
}

func finishedJob(id, campaignID string) models.Job {
	done := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return models.Job{ID: id, CampaignID: campaignID, Status: models.JobCompleted, CompletedAt: &done, ResultRef: "mem://" + id}
}

func TestRunCycleSweepsCaches(t *testing.T) {
	j := NewJanitor(Options{
		Results:  &countingSweeper{n: 3},
		Contexts: &countingSweeper{n: 2},
	})
	stats := j.RunCycle(context.Background())
	if stats.ResultsEvicted != 3 {
		t.Errorf("ResultsEvicted = %d, want 3", stats.ResultsEvicted)
	}
	if stats.ContextsEvicted != 2 {
		t.Errorf("ContextsEvicted = %d, want 2", stats.ContextsEvicted)
	}
}

func TestRunCyclePurgesWithoutArchiver(t *testing.T) {
	jobs := newFakeJobs(finishedJob("j1", "c1"), finishedJob("j2", "c2"))
	j := NewJanitor(Options{Jobs: jobs})

	stats := j.RunCycle(context.Background())
	assert.Equal(t, 2, stats.JobsPurged)
	assert.Zero(t, stats.JobsArchived)
	assert.Zero(t, jobs.len())
}

func TestRunCycleArchivesBeforePurging(t *testing.T) {
	dir := t.TempDir()
	jobs := newFakeJobs(finishedJob("j1", "c1"), finishedJob("j2", "c1"), finishedJob("j3", ""))
	j := NewJanitor(Options{Jobs: jobs, Archiver: NewLocalFileArchiver(dir, true)})

	stats := j.RunCycle(context.Background())
	require.Empty(t, stats.Errors)
	assert.Equal(t, 3, stats.JobsArchived)
	assert.Equal(t, 3, stats.JobsPurged)
	require.Len(t, stats.ArchivePaths, 2)
	assert.Zero(t, jobs.len())

	var archived []models.Job
	for _, path := range stats.ArchivePaths {
		archived = append(archived, readArchive(t, path)...)
	}
	assert.Len(t, archived, 3)

	matches, err := filepath.Glob(filepath.Join(dir, "_unassigned", "jobs", "*.jsonl.gz"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestArchiveFailureKeepsJobs(t *testing.T) {
	jobs := newFakeJobs(finishedJob("j1", "c1"))
	j := NewJanitor(Options{Jobs: jobs, Archiver: failingArchiver{}})

	stats := j.RunCycle(context.Background())
	require.Len(t, stats.Errors, 1)
	assert.Contains(t, stats.Errors[0].Error(), "c1")
	assert.Zero(t, stats.JobsPurged)
	assert.Equal(t, 1, jobs.len())
}

func TestLocalArchiverRejectsUnsafeCampaign(t *testing.T) {
	a := NewLocalFileArchiver(t.TempDir(), false)
	_, err := a.ArchiveJobs(context.Background(), "../escape", []models.Job{finishedJob("j1", "../escape")})
	assert.Error(t, err)
	assert.NoError(t, a.HealthCheck(context.Background()))
}

func TestStartStopsOnCancel(t *testing.T) {
	j := NewJanitor(Options{Interval: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop")
	}
}

func readArchive(t *testing.T, path string) []models.Job {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	var out []models.Job
	sc := bufio.NewScanner(gz)
	for sc.Scan() {
		var job models.Job
		require.NoError(t, json.Unmarshal(sc.Bytes(), &job))
		out = append(out, job)
	}
	require.NoError(t, sc.Err())
	return out
}
