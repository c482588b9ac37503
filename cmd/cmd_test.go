package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"woreda-stats/boundaries"
	"woreda-stats/earthengine"
	"woreda-stats/exporter"
	"woreda-stats/jobstore"
)

type fakeEE struct {
	earthengine.Client
	features []earthengine.Feature
	err      error
}

func (f fakeEE) ListFeatures(context.Context, string) ([]earthengine.Feature, error) {
	return f.features, f.err
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)

	printReport(cmd, exporter.Report{
		Outcomes: []exporter.Outcome{
			{FeatureID: "101", Description: "s2_101_export", State: exporter.StateCompleted},
			{FeatureID: "102", Description: "s2_102_export", State: exporter.StateFailed, ErrorMessage: "User memory limit exceeded."},
			{FeatureID: "103", Description: "s2_103_export", State: exporter.StateUnknown, RawState: "SUSPENDED", Unrecognized: true},
		},
		Pending: []*exporter.ExportJob{{FeatureID: "104"}},
		Rounds:  5,
	})

	out := buf.String()
	assert.Contains(t, out, "COMPLETED: 1\n")
	assert.Contains(t, out, "FAILED: 1\n")
	assert.Contains(t, out, "FAILED woreda 102 (s2_102_export): User memory limit exceeded.")
	assert.Contains(t, out, `unrecognized state "SUSPENDED"`)
	assert.Contains(t, out, "still running after 5 rounds: 1")
	assert.NotContains(t, out, "woreda 101")
}

func TestLoadFeatures(t *testing.T) {
	t.Cleanup(func() { boundariesPath, boundaryAsset = "", "" })

	boundariesPath, boundaryAsset = "", ""
	_, err := loadFeatures(context.Background(), fakeEE{}, boundaries.Attributes{})
	assert.Error(t, err)

	boundariesPath, boundaryAsset = "woredas.geojson", "projects/p/assets/woredas"
	_, err = loadFeatures(context.Background(), fakeEE{}, boundaries.Attributes{})
	assert.Error(t, err)

	boundariesPath = ""
	feats, err := loadFeatures(context.Background(), fakeEE{features: []earthengine.Feature{{
		Type:       "Feature",
		Geometry:   []byte(`{"type":"Polygon","coordinates":[[[36,7],[37,7],[37,8],[36,7]]]}`),
		Properties: map[string]any{"Woreda_ID": 101.0, "Woreda Name": "Gera"},
	}}}, boundaries.Attributes{})
	require.NoError(t, err)
	require.Len(t, feats, 1)
	assert.Equal(t, "101", feats[0].ID)

	_, err = loadFeatures(context.Background(), fakeEE{err: earthengine.ErrUnreachable}, boundaries.Attributes{})
	assert.True(t, errors.Is(err, earthengine.ErrUnreachable))
}

// recordingExporter fails the export if no run has been recorded yet.
type recordingExporter struct {
	store *jobstore.Store
	n     int
}

func (r *recordingExporter) ExportTable(_ context.Context, req earthengine.TableExportRequest) (earthengine.Operation, error) {
	if _, err := r.store.LatestRun(); err != nil {
		return earthengine.Operation{}, err
	}
	r.n++
	return earthengine.Operation{Name: fmt.Sprintf("projects/p/operations/op-%d", r.n)}, nil
}

func TestStartRun_RecordsRunBeforeSubmitting(t *testing.T) {
	store, err := jobstore.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	features := []boundaries.AdminFeature{
		{ID: "101", Name: "Gera", Geometry: []byte(`{"type":"Polygon","coordinates":[[[36,7],[37,7],[37,8],[36,7]]]}`)},
		{ID: "102", Name: "Limu", Geometry: []byte(`{"type":"Polygon","coordinates":[[[36,8],[37,8],[37,9],[36,8]]]}`)},
	}
	req := exporter.ExportRequest{
		Collection: "COPERNICUS/S2_SR_HARMONIZED",
		Scale:      10,
		Start:      "2023-01-01",
		End:        "2024-01-01",
		Bucket:     "coffee-exports",
	}
	client := &recordingExporter{store: store}

	runID, batch, err := startRun(context.Background(), store, client, req, features)
	require.NoError(t, err)
	require.Empty(t, batch.Failures)
	require.Len(t, batch.Jobs, 2)

	saved, err := store.Jobs(runID)
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.Equal(t, "101", saved[0].FeatureID)
	assert.Equal(t, "projects/p/operations/op-2", saved[1].ID)
}
