/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/airbusgeo/godal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"woreda-stats/boundaries"
	"woreda-stats/rasterops"
)

var (
	clipBoundaries string
	clipIDs        []string
	clipOut        string
	clipOutDir     string
)

// clipCmd represents the clip command
var clipCmd = &cobra.Command{
	Use:   "clip [raster]",
	Short: "Clip a raster to woreda boundaries",
	Long: `Crop a raster to the bounding box of woreda polygons and set the
	pixels outside the polygons to nodata. Band count and data type are
	kept. Woredas whose bounds do not reach the raster are skipped.

	--out writes one raster clipped to all selected woredas; --out-dir
	writes one {woreda id}.tif per woreda.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if (clipOut == "") == (clipOutDir == "") {
			return errors.New("exactly one of --out or --out-dir is required")
		}
		features, err := boundaries.LoadFile(clipBoundaries, cfg.ExportRequest().Attributes)
		if err != nil {
			return err
		}
		features = boundaries.Select(features, clipIDs)
		if len(features) == 0 {
			return errors.New("no woredas selected")
		}
		extent, err := rasterops.Extent(args[0])
		if err != nil {
			return err
		}
		features, outside, err := boundaries.Intersecting(features, extent)
		if err != nil {
			return err
		}
		for _, f := range outside {
			logrus.Warnf("Woreda %s (%s) does not overlap %s, skipping", f.ID, f.Name, args[0])
		}
		if len(features) == 0 {
			return fmt.Errorf("%w: none of the %d selected woredas", rasterops.ErrNoOverlap, len(outside))
		}

		geoms := make([]*godal.Geometry, 0, len(features))
		defer func() {
			for _, g := range geoms {
				g.Close()
			}
		}()
		for i := range features {
			g, err := features[i].GodalGeometry()
			if err != nil {
				return err
			}
			geoms = append(geoms, g)
		}

		if clipOut != "" {
			return rasterops.Clip(args[0], geoms, clipOut)
		}

		if err := os.MkdirAll(clipOutDir, 0o755); err != nil {
			return err
		}
		var failed int
		for i, f := range features {
			out := filepath.Join(clipOutDir, f.ID+".tif")
			if !rasterops.ClipFile(args[0], geoms[i:i+1], out) {
				failed++
				continue
			}
			logrus.Infof("Clipped woreda %s to %s", f.ID, out)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Clipped %d of %d woredas, %d outside the raster\n",
			len(features)-failed, len(features)+len(outside), len(outside))
		if failed > 0 {
			return fmt.Errorf("%d woredas could not be clipped", failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(clipCmd)

	clipCmd.Flags().StringVarP(&clipBoundaries, "boundaries", "b", "", "GeoJSON file of woreda boundaries")
	if err := clipCmd.MarkFlagRequired("boundaries"); err != nil {
		logrus.Exit(1)
	}
	clipCmd.Flags().StringSliceVar(&clipIDs, "ids", nil, "Only use these woreda ids")
	clipCmd.Flags().StringVarP(&clipOut, "out", "o", "", "Output GeoTIFF clipped to all selected woredas")
	clipCmd.Flags().StringVar(&clipOutDir, "out-dir", "", "Directory for one GeoTIFF per woreda")
}
