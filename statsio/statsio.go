// Package statsio writes per-woreda zonal statistics to CSV or Parquet.
package statsio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/sirupsen/logrus"

	"woreda-stats/rasterops"
)

var ErrUnsupportedFormat = errors.New("unsupported output format")

// StatsRecord is one row of output. Error is set, and the statistics are
// NaN, when the computation failed for the pair of rasters.
type StatsRecord struct {
	WoredaID   string  `parquet:"woreda_id"`
	DataPath   string  `parquet:"data_path"`
	MaskPath   string  `parquet:"mask_path"`
	Mean       float64 `parquet:"mean"`
	Min        float64 `parquet:"min"`
	Max        float64 `parquet:"max"`
	Std        float64 `parquet:"std"`
	PixelCount int64   `parquet:"pixel_count"`
	AreaM2     float64 `parquet:"area_m2"`
	Error      string  `parquet:"error,optional"`
}

// NewRecord builds a record from a zonal statistics result. A nil result
// with err yields a failed record.
func NewRecord(woredaID, dataPath, maskPath string, res *rasterops.ZonalStatsResult, err error) StatsRecord {
	rec := StatsRecord{WoredaID: woredaID, DataPath: dataPath, MaskPath: maskPath}
	if res == nil {
		nan := math.NaN()
		rec.Mean, rec.Min, rec.Max, rec.Std, rec.AreaM2 = nan, nan, nan, nan, nan
		if err != nil {
			rec.Error = err.Error()
		}
		return rec
	}
	rec.Mean, rec.Min, rec.Max, rec.Std = res.Mean, res.Min, res.Max, res.Std
	rec.PixelCount, rec.AreaM2 = res.PixelCount, res.AreaM2
	return rec
}

var csvHeader = []string{"woreda_id", "data_path", "mask_path", "mean", "min", "max", "std", "pixel_count", "area_m2", "error"}

// Write picks the writer from the extension of path.
func Write(records []StatsRecord, path string) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		return WriteCSV(records, path)
	case ".parquet":
		return WriteParquet(records, path)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// WriteCSV writes records with a header row. NaN statistics are written as
// empty fields.
func WriteCSV(records []StatsRecord, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for i, rec := range records {
		if i%10000 == 0 {
			logrus.Infof("Writing record %d", i)
		}
		row := []string{
			rec.WoredaID,
			rec.DataPath,
			rec.MaskPath,
			formatFloat(rec.Mean),
			formatFloat(rec.Min),
			formatFloat(rec.Max),
			formatFloat(rec.Std),
			strconv.FormatInt(rec.PixelCount, 10),
			formatFloat(rec.AreaM2),
			rec.Error,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WriteParquet writes records as a snappy-compressed parquet file.
func WriteParquet(records []StatsRecord, path string) (err error) {
	output, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, output.Close())
	}()

	schema := parquet.SchemaOf(new(StatsRecord))
	writer := parquet.NewGenericWriter[StatsRecord](output, schema, parquet.Compression(&parquet.Snappy))
	if _, err := writer.Write(records); err != nil {
		return errors.Join(err, writer.Close())
	}
	logrus.Infof("Wrote %d records to %s", len(records), path)
	return writer.Close()
}
