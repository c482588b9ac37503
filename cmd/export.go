/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"woreda-stats/boundaries"
	"woreda-stats/earthengine"
	"woreda-stats/exporter"
	"woreda-stats/jobstore"
)

var (
	boundariesPath string
	boundaryAsset  string
	woredaIDs      []string
	waitForExports bool
)

// exportCmd represents the export command
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Start one table export per woreda",
	Long: `Reduce every image of a collection over each woreda and export one
	CSV per woreda to a cloud storage bucket. Woredas come from a GeoJSON
	file (--boundaries) or a table asset (--asset).

	The started tasks are recorded in the job store so that 'monitor' can
	follow them later; --wait monitors them right away.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateEarthEngine(); err != nil {
			return err
		}
		ctx := cmd.Context()
		client := newEarthEngineClient()
		req := cfg.ExportRequest()
		if err := req.Validate(); err != nil {
			return err
		}

		features, err := loadFeatures(ctx, client, req.Attributes)
		if err != nil {
			return err
		}
		features = boundaries.Select(features, woredaIDs)
		if len(features) == 0 {
			return errors.New("no woredas selected")
		}

		store, err := jobstore.Open(cfg.JobStore.Path)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				logrus.Error(err)
			}
		}()

		newRun, batch, err := startRun(ctx, store, client, req, features)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Run %s: started %d export tasks\n", newRun, len(batch.Jobs))
		for _, f := range batch.Failures {
			fmt.Fprintf(out, "  rejected woreda %s (%s): %v\n", f.FeatureID, f.FeatureName, f.Err)
		}

		if waitForExports {
			if err := monitorJobs(ctx, cmd, client, store, batch.Jobs); err != nil {
				return err
			}
		}
		if len(batch.Failures) > 0 {
			return fmt.Errorf("%d of %d export tasks were rejected", len(batch.Failures), len(features))
		}
		return nil
	},
}

// startRun records the run before anything is submitted, then saves the
// jobs the backend accepted under it.
func startRun(ctx context.Context, store *jobstore.Store, client exporter.TableExporter, req exporter.ExportRequest, features []boundaries.AdminFeature) (string, *exporter.Batch, error) {
	runID, err := store.CreateRun(req)
	if err != nil {
		return "", nil, err
	}
	submitter := exporter.Submitter{Client: client}
	batch, err := submitter.Submit(ctx, req, features)
	if err != nil {
		return "", nil, err
	}
	if err := store.SaveJobs(runID, batch.Jobs); err != nil {
		for _, job := range batch.Jobs {
			logrus.WithField("woreda_id", job.FeatureID).Errorf("Unrecorded export task %s", job.ID)
		}
		return "", nil, fmt.Errorf("recording jobs of run %s: %w", runID, err)
	}
	return runID, batch, nil
}

func newEarthEngineClient() *earthengine.HTTPClient {
	return earthengine.NewHTTPClient(cfg.EarthEngineClient())
}

func loadFeatures(ctx context.Context, client earthengine.Client, attrs boundaries.Attributes) ([]boundaries.AdminFeature, error) {
	switch {
	case boundariesPath != "" && boundaryAsset != "":
		return nil, errors.New("--boundaries and --asset are mutually exclusive")
	case boundariesPath != "":
		return boundaries.LoadFile(boundariesPath, attrs)
	case boundaryAsset != "":
		feats, err := client.ListFeatures(ctx, boundaryAsset)
		if err != nil {
			return nil, err
		}
		return boundaries.FromEarthEngine(feats, attrs)
	default:
		return nil, errors.New("one of --boundaries or --asset is required")
	}
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVarP(&boundariesPath, "boundaries", "b", "", "GeoJSON file of woreda boundaries")
	exportCmd.Flags().StringVar(&boundaryAsset, "asset", "", "Table asset of woreda boundaries, e.g. projects/my-project/assets/woredas")
	exportCmd.Flags().StringSliceVar(&woredaIDs, "ids", nil, "Only export these woreda ids")
	exportCmd.Flags().BoolVarP(&waitForExports, "wait", "w", false, "Monitor the started tasks until they finish")

	exportCmd.Flags().StringP("collection", "c", "", "Image collection id")
	bindFlag(exportCmd.Flags().Lookup("collection"), "export.collection")
	exportCmd.Flags().StringP("reducer", "a", "mean", "Reducer applied over each woreda, choose from: mean, median, min, max, sum, stdDev")
	bindFlag(exportCmd.Flags().Lookup("reducer"), "export.reducer")
	exportCmd.Flags().Float64("scale", 0, "Nominal scale in meters of the reduction")
	bindFlag(exportCmd.Flags().Lookup("scale"), "export.scale")
	exportCmd.Flags().String("start", "", "First day, YYYY-MM-DD")
	bindFlag(exportCmd.Flags().Lookup("start"), "export.start")
	exportCmd.Flags().String("end", "", "Day after the last day, YYYY-MM-DD")
	bindFlag(exportCmd.Flags().Lookup("end"), "export.end")
	exportCmd.Flags().String("bucket", "", "Destination bucket")
	bindFlag(exportCmd.Flags().Lookup("bucket"), "export.bucket")
	exportCmd.Flags().String("folder", "", "Destination folder in the bucket")
	bindFlag(exportCmd.Flags().Lookup("folder"), "export.folder")
	exportCmd.Flags().String("prefix", "", "File name prefix, followed by the woreda id")
	bindFlag(exportCmd.Flags().Lookup("prefix"), "export.prefix")
	exportCmd.Flags().StringSlice("bands", nil, "Bands to reduce, all when empty")
	bindFlag(exportCmd.Flags().Lookup("bands"), "export.bands")
	exportCmd.Flags().Float64("tile-scale", exporter.DefaultTileScale, "Tile scale of the reduction")
	bindFlag(exportCmd.Flags().Lookup("tile-scale"), "export.tile_scale")
	exportCmd.Flags().Float64("max-pixels", exporter.DefaultMaxPixels, "Maximum number of pixels a reduction may read")
	bindFlag(exportCmd.Flags().Lookup("max-pixels"), "export.max_pixels")
	exportCmd.Flags().String("id-property", boundaries.DefaultIDProperty, "Feature property holding the woreda id")
	bindFlag(exportCmd.Flags().Lookup("id-property"), "export.id_property")
	exportCmd.Flags().String("name-property", boundaries.DefaultNameProperty, "Feature property holding the woreda name")
	bindFlag(exportCmd.Flags().Lookup("name-property"), "export.name_property")
}
