// Package objectsync mirrors exported objects from a bucket prefix into a
// local directory.
package objectsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"woreda-stats/metrics"
)

type Status string

const (
	StatusDownloaded       Status = "downloaded"
	StatusSkippedExisting  Status = "skipped_existing"
	StatusSkippedDirectory Status = "skipped_directory"
	StatusFailed           Status = "failed"
)

// Result is the outcome for one listed key.
type Result struct {
	Key       string
	LocalPath string
	Status    Status
	Err       error
}

// Summary collects one Result per listed key, in listing order.
type Summary struct {
	Results    []Result
	Downloaded int
	Skipped    int
	Failed     int
}

func (s Summary) Failures() []Result {
	var out []Result
	for _, r := range s.Results {
		if r.Status == StatusFailed {
			out = append(out, r)
		}
	}
	return out
}

// Sync downloads every object under prefix that is not already present in
// localDir. Local files are named after the base name of the key and are
// never compared beyond existence, so a re-run only fetches what is
// missing. Per-object failures are recorded and logged; only a failure to
// list the bucket or prepare localDir is returned as an error.
func Sync(ctx context.Context, store ObjectStore, bucket, prefix, localDir string) (Summary, error) {
	logrus.Infof("Downloading files from gs://%s/%s to %s", bucket, prefix, localDir)
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return Summary{}, fmt.Errorf("creating %s: %w", localDir, err)
	}

	keys, err := store.ListObjects(ctx, bucket, prefix)
	if err != nil {
		return Summary{}, fmt.Errorf("listing gs://%s/%s: %w", bucket, prefix, err)
	}

	var summary Summary
	for _, key := range keys {
		res := syncObject(ctx, store, bucket, key, localDir)
		switch res.Status {
		case StatusDownloaded:
			summary.Downloaded++
		case StatusFailed:
			summary.Failed++
		default:
			summary.Skipped++
		}
		metrics.ObjectDownloads.WithLabelValues(string(res.Status)).Inc()
		summary.Results = append(summary.Results, res)
	}

	logrus.Infof("Finished downloading. %d new files downloaded, %d skipped, %d failed",
		summary.Downloaded, summary.Skipped, summary.Failed)
	return summary, nil
}

func syncObject(ctx context.Context, store ObjectStore, bucket, key, localDir string) Result {
	if strings.HasSuffix(key, "/") {
		return Result{Key: key, Status: StatusSkippedDirectory}
	}
	localPath := filepath.Join(localDir, path.Base(key))
	res := Result{Key: key, LocalPath: localPath}

	if _, err := os.Stat(localPath); err == nil {
		logrus.Debugf("Skipping existing file: %s", localPath)
		res.Status = StatusSkippedExisting
		return res
	} else if !errors.Is(err, os.ErrNotExist) {
		logrus.Errorf("Error checking %s: %v", localPath, err)
		res.Status = StatusFailed
		res.Err = err
		return res
	}

	if err := store.Download(ctx, bucket, key, localPath); err != nil {
		logrus.WithField("key", key).Errorf("Error downloading %s: %v", key, err)
		res.Status = StatusFailed
		res.Err = err
		return res
	}
	logrus.Infof("Downloaded %s to %s", key, localPath)
	res.Status = StatusDownloaded
	return res
}
