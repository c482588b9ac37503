package rasterops

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/airbusgeo/godal"
	"github.com/sirupsen/logrus"

	"woreda-stats/metrics"
)

var (
	ErrNoGeometries = errors.New("no geometries to clip with")
	ErrNoOverlap    = errors.New("geometries do not overlap the raster")
	ErrRotatedGrid  = errors.New("rotated geotransforms are not supported")
)

// window is a pixel rectangle of the source raster.
type window struct {
	XOff, YOff, W, H int
}

// ClipFile clips rasterPath to geoms and reports success. Errors are logged.
func ClipFile(rasterPath string, geoms []*godal.Geometry, outPath string) bool {
	return Clip(rasterPath, geoms, outPath) == nil
}

// Clip writes to outPath a GTiff cropped to the union of the bounding boxes
// of geoms intersected with the raster extent. Pixels whose centre lies
// outside every geometry are set to the band nodata value, 0 when the band
// has none. Geometries carrying a spatial reference different from the
// raster's are reprojected first; the caller's geometries are left as is.
func Clip(rasterPath string, geoms []*godal.Geometry, outPath string) (err error) {
	godal.RegisterAll()
	defer func() {
		if err != nil {
			logrus.WithFields(logrus.Fields{"raster": rasterPath, "out": outPath}).Error(err)
			metrics.Clips.WithLabelValues("failed").Inc()
			return
		}
		metrics.Clips.WithLabelValues("ok").Inc()
	}()

	if len(geoms) == 0 {
		return ErrNoGeometries
	}
	ds, err := godal.Open(rasterPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", rasterPath, err)
	}
	defer func() {
		err = errors.Join(err, ds.Close())
	}()

	gt, err := ds.GeoTransform()
	if err != nil {
		return err
	}
	if gt[2] != 0 || gt[4] != 0 {
		return ErrRotatedGrid
	}
	sr := datasetSpatialRef(ds)

	local, err := toRasterSRS(geoms, sr)
	if err != nil {
		return err
	}
	defer func() {
		for _, g := range local {
			g.Close()
		}
	}()

	bounds, err := unionBounds(local)
	if err != nil {
		return err
	}
	struc := ds.Structure()
	win, err := pixelWindow(gt, struc.SizeX, struc.SizeY, bounds)
	if err != nil {
		return err
	}
	logrus.Debugf("Clipping %s to window %+v", rasterPath, win)

	out, err := ds.Translate(outPath, []string{
		"-of", "GTiff",
		"-srcwin",
		strconv.Itoa(win.XOff), strconv.Itoa(win.YOff), strconv.Itoa(win.W), strconv.Itoa(win.H),
	})
	if err != nil {
		return fmt.Errorf("translating to %s: %w", outPath, err)
	}
	defer func() {
		err = errors.Join(err, out.Close())
	}()

	outGT := gt
	outGT[0] = gt[0] + float64(win.XOff)*gt[1]
	outGT[3] = gt[3] + float64(win.YOff)*gt[5]
	inside, err := rasterizeGeometries(local, sr, outGT, win.W, win.H)
	if err != nil {
		return err
	}
	return maskOutside(out, inside, win.W)
}

// toRasterSRS returns copies of geoms in the raster's spatial reference.
func toRasterSRS(geoms []*godal.Geometry, sr *godal.SpatialRef) ([]*godal.Geometry, error) {
	local := make([]*godal.Geometry, 0, len(geoms))
	for i, g := range geoms {
		wkb, err := g.WKB()
		if err != nil {
			closeAll(local)
			return nil, fmt.Errorf("geometry %d: %w", i, err)
		}
		gsr := g.SpatialRef()
		cp, err := godal.NewGeometryFromWKB(wkb, gsr)
		if err != nil {
			closeAll(local)
			return nil, fmt.Errorf("geometry %d: %w", i, err)
		}
		local = append(local, cp)
		if sr != nil && gsr != nil && !gsr.IsSame(sr) {
			if err := cp.Reproject(sr); err != nil {
				closeAll(local)
				return nil, fmt.Errorf("reprojecting geometry %d: %w", i, err)
			}
		}
	}
	return local, nil
}

func closeAll(geoms []*godal.Geometry) {
	for _, g := range geoms {
		g.Close()
	}
}

// unionBounds returns [minX, minY, maxX, maxY] over all geometries.
func unionBounds(geoms []*godal.Geometry) ([4]float64, error) {
	u := [4]float64{math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)}
	for i, g := range geoms {
		b, err := g.Bounds()
		if err != nil {
			return u, fmt.Errorf("bounds of geometry %d: %w", i, err)
		}
		u[0] = math.Min(u[0], b[0])
		u[1] = math.Min(u[1], b[1])
		u[2] = math.Max(u[2], b[2])
		u[3] = math.Max(u[3], b[3])
	}
	return u, nil
}

// pixelWindow converts bounds to the smallest pixel window covering them,
// clamped to the raster.
func pixelWindow(gt [6]float64, sizeX, sizeY int, bounds [4]float64) (window, error) {
	col := func(x float64) float64 { return (x - gt[0]) / gt[1] }
	row := func(y float64) float64 { return (y - gt[3]) / gt[5] }

	c0, c1 := col(bounds[0]), col(bounds[2])
	r0, r1 := row(bounds[1]), row(bounds[3])
	xOff := clamp(int(math.Floor(math.Min(c0, c1))), 0, sizeX)
	xEnd := clamp(int(math.Ceil(math.Max(c0, c1))), 0, sizeX)
	yOff := clamp(int(math.Floor(math.Min(r0, r1))), 0, sizeY)
	yEnd := clamp(int(math.Ceil(math.Max(r0, r1))), 0, sizeY)
	if xEnd <= xOff || yEnd <= yOff {
		return window{}, ErrNoOverlap
	}
	return window{XOff: xOff, YOff: yOff, W: xEnd - xOff, H: yEnd - yOff}, nil
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// rasterizeGeometries burns geoms into a byte grid matching the clipped
// output; 1 marks pixels whose centre lies inside a geometry.
func rasterizeGeometries(geoms []*godal.Geometry, sr *godal.SpatialRef, gt [6]float64, w, h int) (inside []uint8, err error) {
	mem, err := godal.Create(godal.Memory, "", 1, godal.Byte, w, h)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, mem.Close())
	}()
	if err := mem.SetGeoTransform(gt); err != nil {
		return nil, err
	}
	if sr != nil {
		if err := mem.SetSpatialRef(sr); err != nil {
			return nil, err
		}
	}
	for i, g := range geoms {
		if err := mem.RasterizeGeometry(g, godal.Values(1)); err != nil {
			return nil, fmt.Errorf("rasterizing geometry %d: %w", i, err)
		}
	}
	inside = make([]uint8, w*h)
	if err := mem.Bands()[0].Read(0, 0, inside, w, h); err != nil {
		return nil, err
	}
	return inside, nil
}

func maskOutside(out *godal.Dataset, inside []uint8, width int) error {
	for i, band := range out.Bands() {
		noData, ok := band.NoData()
		if !ok {
			noData = 0
			if err := band.SetNoData(noData); err != nil {
				return fmt.Errorf("band %d: setting nodata: %w", i+1, err)
			}
		}
		for block, more := band.Structure().FirstBlock(), true; more; block, more = block.Next() {
			buf := make([]float64, block.W*block.H)
			if err := band.Read(block.X0, block.Y0, buf, block.W, block.H); err != nil {
				return fmt.Errorf("band %d: %w", i+1, err)
			}
			changed := false
			for pix := range buf {
				row := block.Y0 + pix/block.W
				col := block.X0 + pix%block.W
				if inside[row*width+col] == 0 {
					buf[pix] = noData
					changed = true
				}
			}
			if !changed {
				continue
			}
			if err := band.Write(block.X0, block.Y0, buf, block.W, block.H); err != nil {
				return fmt.Errorf("band %d: %w", i+1, err)
			}
		}
	}
	return nil
}
