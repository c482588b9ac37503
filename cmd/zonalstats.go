/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"woreda-stats/rasterops"
	"woreda-stats/statsio"
)

var (
	statsData       string
	statsMask       string
	statsDataDir    string
	statsMaskDir    string
	statsDataPrefix string
	statsSuffix     string
	statsOut        string
)

// zonalstatsCmd represents the zonalstats command
var zonalstatsCmd = &cobra.Command{
	Use:   "zonalstats",
	Short: "Summarise a data raster under a mask raster",
	Long: `Compute mean, min, max and standard deviation of band 1 of a data
	raster over the pixels where band 1 of a mask raster is positive.
	Both rasters must share the same grid; nothing is resampled.

	Single pair:  --data ndvi_101.tif --mask 101_coffee_extent.tif
	Batch:        --data-dir clipped --mask-dir masks --out stats.csv
	In batch mode every {prefix}{woreda id}.tif of --data-dir is paired
	with {woreda id}{suffix} of --mask-dir and the results are written
	as CSV or Parquet depending on the extension of --out.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := rasterops.Options{NumWorkers: cfg.Workers}
		switch {
		case statsData != "" && statsMask != "":
			res, err := rasterops.ZonalStats(statsData, statsMask, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mean=%v min=%v max=%v std=%v pixels=%d area_m2=%v\n",
				res.Mean, res.Min, res.Max, res.Std, res.PixelCount, res.AreaM2)
			return nil
		case statsDataDir != "" && statsMaskDir != "" && statsOut != "":
			return batchZonalStats(cmd, opts)
		default:
			return errors.New("either --data and --mask, or --data-dir, --mask-dir and --out are required")
		}
	},
}

func batchZonalStats(cmd *cobra.Command, opts rasterops.Options) error {
	dataFiles, err := filepath.Glob(filepath.Join(statsDataDir, statsDataPrefix+"*.tif"))
	if err != nil {
		return err
	}
	sort.Strings(dataFiles)
	if len(dataFiles) == 0 {
		return fmt.Errorf("no %s*.tif files in %s", statsDataPrefix, statsDataDir)
	}

	records := make([]statsio.StatsRecord, 0, len(dataFiles))
	var failed int
	for _, dataPath := range dataFiles {
		id := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(dataPath), statsDataPrefix), ".tif")
		log := logrus.WithField("woreda_id", id)

		maskPath, err := rasterops.FindMaskFile(id, statsMaskDir, statsSuffix)
		if err != nil {
			log.Warn(err)
			records = append(records, statsio.NewRecord(id, dataPath, "", nil, err))
			failed++
			continue
		}
		res, err := rasterops.ZonalStats(dataPath, maskPath, opts)
		if err != nil {
			failed++
		} else if res.Empty() {
			log.Warnf("No valid pixels under %s", maskPath)
		}
		records = append(records, statsio.NewRecord(id, dataPath, maskPath, res, err))
	}

	if err := statsio.Write(records, statsOut); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote statistics of %d woredas to %s, %d failed\n", len(records), statsOut, failed)
	return nil
}

func init() {
	rootCmd.AddCommand(zonalstatsCmd)

	zonalstatsCmd.Flags().StringVar(&statsData, "data", "", "Data raster")
	zonalstatsCmd.Flags().StringVar(&statsMask, "mask", "", "Mask raster")
	zonalstatsCmd.Flags().StringVar(&statsDataDir, "data-dir", "", "Directory of per-woreda data rasters")
	zonalstatsCmd.Flags().StringVar(&statsMaskDir, "mask-dir", "", "Directory of per-woreda mask rasters")
	zonalstatsCmd.Flags().StringVar(&statsDataPrefix, "data-prefix", "", "File name prefix of the data rasters, before the woreda id")
	zonalstatsCmd.Flags().StringVar(&statsSuffix, "suffix", rasterops.DefaultMaskSuffix, "File name suffix of the mask rasters, after the woreda id")
	zonalstatsCmd.Flags().StringVarP(&statsOut, "out", "o", "", "Output file, .csv or .parquet")
}
