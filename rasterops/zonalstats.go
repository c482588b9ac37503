package rasterops

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"

	"github.com/airbusgeo/godal"
	"github.com/sirupsen/logrus"

	"woreda-stats/metrics"
)

// ErrGridMismatch reports data and mask rasters that do not share the same
// spatial reference, geotransform and size. No resampling is attempted.
var ErrGridMismatch = errors.New("data and mask grids do not match")

type Options struct {
	NumWorkers int
}

// ZonalStatsResult holds the statistics of the valid pixels. With no valid
// pixel PixelCount is 0 and every statistic is NaN.
type ZonalStatsResult struct {
	Mean       float64
	Min        float64
	Max        float64
	Std        float64
	PixelCount int64
	AreaM2     float64
}

func (r *ZonalStatsResult) Empty() bool {
	return r.PixelCount == 0
}

// blockStats is a running summary of one block, mergeable with others.
type blockStats struct {
	block godal.Block
	count int64
	mean  float64
	m2    float64
	min   float64
	max   float64
	area  float64
	err   error
}

func (s *blockStats) add(v, area float64) {
	s.count++
	delta := v - s.mean
	s.mean += delta / float64(s.count)
	s.m2 += delta * (v - s.mean)
	if s.count == 1 || v < s.min {
		s.min = v
	}
	if s.count == 1 || v > s.max {
		s.max = v
	}
	s.area += area
}

func (s *blockStats) merge(o *blockStats) {
	if o.count == 0 {
		return
	}
	if s.count == 0 {
		s.count, s.mean, s.m2, s.min, s.max = o.count, o.mean, o.m2, o.min, o.max
		s.area += o.area
		return
	}
	n := s.count + o.count
	delta := o.mean - s.mean
	s.mean += delta * float64(o.count) / float64(n)
	s.m2 += o.m2 + delta*delta*float64(s.count)*float64(o.count)/float64(n)
	s.min = math.Min(s.min, o.min)
	s.max = math.Max(s.max, o.max)
	s.count = n
	s.area += o.area
}

// ZonalStats computes mean, min, max and population standard deviation of
// band 1 of dataPath over the pixels where band 1 of maskPath is > 0 and the
// data value is neither nodata nor NaN. Both rasters must share the same
// grid; otherwise ErrGridMismatch is returned with a nil result.
func ZonalStats(dataPath, maskPath string, opts Options) (res *ZonalStatsResult, err error) {
	godal.RegisterAll()
	defer func() {
		switch {
		case err != nil:
			logrus.WithFields(logrus.Fields{"data": dataPath, "mask": maskPath}).Error(err)
			metrics.ZonalStats.WithLabelValues("failed").Inc()
		case res.Empty():
			metrics.ZonalStats.WithLabelValues("empty").Inc()
		default:
			metrics.ZonalStats.WithLabelValues("ok").Inc()
		}
	}()

	dataDS, err := godal.Open(dataPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dataPath, err)
	}
	defer func() {
		err = errors.Join(err, dataDS.Close())
		if err != nil {
			res = nil
		}
	}()
	maskDS, err := godal.Open(maskPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", maskPath, err)
	}
	defer func() {
		err = errors.Join(err, maskDS.Close())
		if err != nil {
			res = nil
		}
	}()

	if err := checkGrids(dataDS, maskDS); err != nil {
		return nil, err
	}

	data, err := newBandContainer(dataDS)
	if err != nil {
		return nil, err
	}
	mask, err := newBandContainer(maskDS)
	if err != nil {
		return nil, err
	}
	sr := datasetSpatialRef(dataDS)
	geographic := sr != nil && sr.Geographic()

	numWorkers := opts.NumWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	return computeStats(data, mask, geographic, numWorkers)
}

func computeStats(data, mask *BandContainer, geographic bool, numWorkers int) (*ZonalStatsResult, error) {
	done := make(chan struct{})
	defer close(done)

	noData, hasNoData := data.Band.NoData()
	blocks := genBlocks(data, done)
	partials := processBlocks(numWorkers, blocks, func(block godal.Block) *blockStats {
		return statsForBlock(data, mask, block, noData, hasNoData, geographic)
	})

	var collected []*blockStats
	var errs []error
	for p := range partials {
		if p.err != nil {
			errs = append(errs, p.err)
			continue
		}
		collected = append(collected, p)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	// Merge in raster order so the result does not depend on worker scheduling.
	sort.Slice(collected, func(i, j int) bool {
		a, b := collected[i].block, collected[j].block
		if a.Y0 != b.Y0 {
			return a.Y0 < b.Y0
		}
		return a.X0 < b.X0
	})
	var total blockStats
	for _, p := range collected {
		total.merge(p)
	}

	if total.count == 0 {
		nan := math.NaN()
		return &ZonalStatsResult{Mean: nan, Min: nan, Max: nan, Std: nan}, nil
	}
	return &ZonalStatsResult{
		Mean:       total.mean,
		Min:        total.min,
		Max:        total.max,
		Std:        math.Sqrt(total.m2 / float64(total.count)),
		PixelCount: total.count,
		AreaM2:     total.area,
	}, nil
}

func statsForBlock(data, mask *BandContainer, block godal.Block, noData float64, hasNoData, geographic bool) *blockStats {
	stats := &blockStats{block: block}
	dataBuf := make([]float64, block.W*block.H)
	maskBuf := make([]float64, block.W*block.H)
	if err := lockedRead(data, block, dataBuf); err != nil {
		stats.err = fmt.Errorf("reading data block [%d, %d]: %w", block.X0, block.Y0, err)
		return stats
	}
	if err := lockedRead(mask, block, maskBuf); err != nil {
		stats.err = fmt.Errorf("reading mask block [%d, %d]: %w", block.X0, block.Y0, err)
		return stats
	}

	origin := blockOrigin(block, data)
	projectedArea := math.Abs(data.XRes * data.YRes)
	for pix := 0; pix < block.W*block.H; pix++ {
		value := dataBuf[pix]
		if !(maskBuf[pix] > 0) || math.IsNaN(value) || (hasNoData && value == noData) {
			continue
		}
		area := projectedArea
		if geographic {
			// GDAL is row-major
			row := pix / block.W
			lat := origin.Lat + (float64(row)+0.5)*data.YRes
			area = pixelArea(lat, data.XRes, data.YRes)
		}
		stats.add(value, area)
	}
	return stats
}

func checkGrids(dataDS, maskDS *godal.Dataset) error {
	if !sameSpatialRef(datasetSpatialRef(dataDS), datasetSpatialRef(maskDS)) {
		return fmt.Errorf("%w: spatial references differ", ErrGridMismatch)
	}
	dataGT, err := dataDS.GeoTransform()
	if err != nil {
		return fmt.Errorf("data geotransform: %w", err)
	}
	maskGT, err := maskDS.GeoTransform()
	if err != nil {
		return fmt.Errorf("mask geotransform: %w", err)
	}
	if dataGT != maskGT {
		return fmt.Errorf("%w: geotransform %v != %v", ErrGridMismatch, dataGT, maskGT)
	}
	ds, ms := dataDS.Structure(), maskDS.Structure()
	if ds.SizeX != ms.SizeX || ds.SizeY != ms.SizeY {
		return fmt.Errorf("%w: size %dx%d != %dx%d", ErrGridMismatch, ds.SizeX, ds.SizeY, ms.SizeX, ms.SizeY)
	}
	return nil
}

// datasetSpatialRef returns nil for datasets without a projection.
func datasetSpatialRef(ds *godal.Dataset) *godal.SpatialRef {
	if ds.Projection() == "" {
		return nil
	}
	return ds.SpatialRef()
}
