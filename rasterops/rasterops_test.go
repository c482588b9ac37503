package rasterops

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/airbusgeo/godal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rasterSpec struct {
	width, height int
	bands         int
	dtype         godal.DataType
	gt            [6]float64
	epsg          int
	noData        *float64
	values        []float64
}

// setUpRaster writes a tiled GTiff in a temp dir and returns its path. Every
// band gets the same values.
func setUpRaster(t testing.TB, name string, rs rasterSpec) string {
	t.Helper()
	godal.RegisterAll()
	if rs.bands == 0 {
		rs.bands = 1
	}
	path := filepath.Join(t.TempDir(), name)

	ds, err := godal.Create(
		godal.GTiff,
		path,
		rs.bands,
		rs.dtype,
		rs.width,
		rs.height,
		godal.CreationOption("TILED=YES", "BLOCKXSIZE=16", "BLOCKYSIZE=16"),
	)
	require.NoError(t, err)
	require.NoError(t, ds.SetGeoTransform(rs.gt))
	if rs.epsg != 0 {
		sr, err := godal.NewSpatialRefFromEPSG(rs.epsg)
		require.NoError(t, err)
		require.NoError(t, ds.SetSpatialRef(sr))
		sr.Close()
	}
	for _, band := range ds.Bands() {
		if rs.noData != nil {
			require.NoError(t, band.SetNoData(*rs.noData))
		}
		require.NoError(t, band.Write(0, 0, rs.values, rs.width, rs.height))
	}
	require.NoError(t, ds.Close())
	return path
}

func fill(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func ptr(v float64) *float64 { return &v }

var unitGrid = [6]float64{0, 1, 0, 4, 0, -1}

func topLeftMask() []float64 {
	return []float64{
		1, 1, 0, 0,
		1, 1, 0, 0,
		0, 0, 0, 0,
		0, 0, 0, 0,
	}
}

func TestZonalStats_MaskedConstant(t *testing.T) {
	data := setUpRaster(t, "data.tif", rasterSpec{width: 4, height: 4, dtype: godal.Float32, gt: unitGrid, values: fill(16, 10)})
	mask := setUpRaster(t, "mask.tif", rasterSpec{width: 4, height: 4, dtype: godal.Byte, gt: unitGrid, values: topLeftMask()})

	res, err := ZonalStats(data, mask, Options{NumWorkers: 2})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, int64(4), res.PixelCount)
	assert.Equal(t, 10.0, res.Mean)
	assert.Equal(t, 10.0, res.Min)
	assert.Equal(t, 10.0, res.Max)
	assert.Equal(t, 0.0, res.Std)
	assert.Equal(t, 4.0, res.AreaM2)
}

func TestZonalStats_PopulationStd(t *testing.T) {
	values := make([]float64, 16)
	for i := range values {
		values[i] = float64(i + 1)
	}
	data := setUpRaster(t, "data.tif", rasterSpec{width: 4, height: 4, dtype: godal.Float32, gt: unitGrid, values: values})
	mask := setUpRaster(t, "mask.tif", rasterSpec{width: 4, height: 4, dtype: godal.Byte, gt: unitGrid, values: fill(16, 1)})

	res, err := ZonalStats(data, mask, Options{NumWorkers: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(16), res.PixelCount)
	assert.InDelta(t, 8.5, res.Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(255.0/12.0), res.Std, 1e-12)
	assert.Equal(t, 1.0, res.Min)
	assert.Equal(t, 16.0, res.Max)
}

func TestZonalStats_NoDataAndNaNExcluded(t *testing.T) {
	values := make([]float64, 16)
	for i := range values {
		values[i] = float64(i + 1)
	}
	values[0] = -9999
	values[1] = math.NaN()
	data := setUpRaster(t, "data.tif", rasterSpec{width: 4, height: 4, dtype: godal.Float32, gt: unitGrid, noData: ptr(-9999), values: values})
	mask := setUpRaster(t, "mask.tif", rasterSpec{width: 4, height: 4, dtype: godal.Byte, gt: unitGrid, values: fill(16, 1)})

	res, err := ZonalStats(data, mask, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(14), res.PixelCount)
	assert.InDelta(t, 9.5, res.Mean, 1e-12)
	assert.Equal(t, 3.0, res.Min)
	assert.Equal(t, 16.0, res.Max)
}

func TestZonalStats_EmptyMask(t *testing.T) {
	data := setUpRaster(t, "data.tif", rasterSpec{width: 4, height: 4, dtype: godal.Float32, gt: unitGrid, values: fill(16, 10)})
	mask := setUpRaster(t, "mask.tif", rasterSpec{width: 4, height: 4, dtype: godal.Byte, gt: unitGrid, values: fill(16, 0)})

	res, err := ZonalStats(data, mask, Options{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Empty())
	assert.Equal(t, int64(0), res.PixelCount)
	assert.True(t, math.IsNaN(res.Mean))
	assert.True(t, math.IsNaN(res.Min))
	assert.True(t, math.IsNaN(res.Max))
	assert.True(t, math.IsNaN(res.Std))
}

func TestZonalStats_GridMismatch(t *testing.T) {
	data := setUpRaster(t, "data.tif", rasterSpec{width: 4, height: 4, dtype: godal.Float32, gt: unitGrid, values: fill(16, 10)})

	shifted := unitGrid
	shifted[0] = 0.5
	tests := []struct {
		name string
		mask rasterSpec
	}{
		{"geotransform", rasterSpec{width: 4, height: 4, dtype: godal.Byte, gt: shifted, values: fill(16, 1)}},
		{"size", rasterSpec{width: 5, height: 4, dtype: godal.Byte, gt: unitGrid, values: fill(20, 1)}},
		{"spatial reference", rasterSpec{width: 4, height: 4, dtype: godal.Byte, gt: unitGrid, epsg: 32637, values: fill(16, 1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mask := setUpRaster(t, "mask.tif", tt.mask)
			res, err := ZonalStats(data, mask, Options{})
			assert.Nil(t, res)
			assert.ErrorIs(t, err, ErrGridMismatch)
		})
	}
}

func TestZonalStats_MissingFile(t *testing.T) {
	mask := setUpRaster(t, "mask.tif", rasterSpec{width: 4, height: 4, dtype: godal.Byte, gt: unitGrid, values: fill(16, 1)})
	res, err := ZonalStats(filepath.Join(t.TempDir(), "missing.tif"), mask, Options{})
	assert.Nil(t, res)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrGridMismatch)
}

func TestZonalStats_IndependentOfWorkerCount(t *testing.T) {
	const size = 64
	rng := rand.New(rand.NewSource(7))
	values := make([]float64, size*size)
	maskValues := make([]float64, size*size)
	var sum float64
	var n int
	for i := range values {
		values[i] = float64(rng.Intn(1000)) / 10
		if rng.Intn(3) > 0 {
			maskValues[i] = 1
			sum += values[i]
			n++
		}
	}
	gt := [6]float64{500000, 30, 0, 1000000, 0, -30}
	data := setUpRaster(t, "data.tif", rasterSpec{width: size, height: size, dtype: godal.Float64, gt: gt, epsg: 32637, values: values})
	mask := setUpRaster(t, "mask.tif", rasterSpec{width: size, height: size, dtype: godal.Byte, gt: gt, epsg: 32637, values: maskValues})

	serial, err := ZonalStats(data, mask, Options{NumWorkers: 1})
	require.NoError(t, err)
	parallel, err := ZonalStats(data, mask, Options{NumWorkers: 8})
	require.NoError(t, err)

	assert.Equal(t, *serial, *parallel)
	assert.Equal(t, int64(n), serial.PixelCount)
	assert.InDelta(t, sum/float64(n), serial.Mean, 1e-9)
	assert.Equal(t, float64(n)*900, serial.AreaM2)
}

func TestZonalStats_GeographicArea(t *testing.T) {
	gt := [6]float64{38, 0.001, 0, 0.001, 0, -0.001}
	data := setUpRaster(t, "data.tif", rasterSpec{width: 2, height: 2, dtype: godal.Float32, gt: gt, epsg: 4326, values: fill(4, 1)})
	mask := setUpRaster(t, "mask.tif", rasterSpec{width: 2, height: 2, dtype: godal.Byte, gt: gt, epsg: 4326, values: fill(4, 1)})

	res, err := ZonalStats(data, mask, Options{})
	require.NoError(t, err)
	side := math.Pi / 180 * 0.001 * EarthRadius
	assert.InEpsilon(t, 4*side*side, res.AreaM2, 1e-3)
}

func TestBlockStatsMerge(t *testing.T) {
	var a, b, all blockStats
	for i, v := range []float64{3, 7, 1, 9, 4, 4, 12} {
		if i < 3 {
			a.add(v, 1)
		} else {
			b.add(v, 1)
		}
		all.add(v, 1)
	}
	a.merge(&b)
	assert.Equal(t, all.count, a.count)
	assert.InDelta(t, all.mean, a.mean, 1e-12)
	assert.InDelta(t, all.m2, a.m2, 1e-9)
	assert.Equal(t, 1.0, a.min)
	assert.Equal(t, 12.0, a.max)
	assert.Equal(t, 7.0, a.area)

	var empty blockStats
	empty.merge(&all)
	assert.Equal(t, all.count, empty.count)
	assert.Equal(t, all.mean, empty.mean)
}

func TestHaversinePixelWidth(t *testing.T) {
	equator := haversinePixelWidth(0, 1)
	assert.InEpsilon(t, math.Pi/180*EarthRadius, equator, 1e-6)
	assert.InEpsilon(t, equator/2, haversinePixelWidth(60, 1), 1e-3)
}

func TestFindMaskFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "101"+DefaultMaskSuffix), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "102_forest.tif"), nil, 0o644))

	path, err := FindMaskFile("101", dir, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "101_coffee_extent.tif"), path)

	path, err = FindMaskFile("102", dir, "_forest.tif")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "102_forest.tif"), path)

	_, err = FindMaskFile("103", dir, "")
	assert.ErrorIs(t, err, ErrMaskNotFound)
}
