package rasterops

import (
	"errors"
	"fmt"
	"strings"

	"github.com/airbusgeo/godal"
	"github.com/golang/geo/s2"
)

// extentEdgePoints is the number of points sampled along each raster edge
// when the outline is reprojected, so that curved edges are bounded.
const extentEdgePoints = 16

// Extent returns the lat/lng rectangle covered by rasterPath. A raster
// without a spatial reference is taken to be in EPSG:4326.
func Extent(rasterPath string) (rect s2.Rect, err error) {
	godal.RegisterAll()
	ds, err := godal.Open(rasterPath)
	if err != nil {
		return s2.EmptyRect(), fmt.Errorf("opening %s: %w", rasterPath, err)
	}
	defer func() {
		err = errors.Join(err, ds.Close())
	}()

	gt, err := ds.GeoTransform()
	if err != nil {
		return s2.EmptyRect(), err
	}
	struc := ds.Structure()
	outline := rasterOutline(gt, struc.SizeX, struc.SizeY)

	sr := datasetSpatialRef(ds)
	if sr == nil || sr.Geographic() {
		return rectFromLngLat(outline), nil
	}

	geom, err := godal.NewGeometryFromWKT(outlineWKT(outline), sr)
	if err != nil {
		return s2.EmptyRect(), err
	}
	defer geom.Close()
	wgs84, err := godal.NewSpatialRefFromEPSG(4326)
	if err != nil {
		return s2.EmptyRect(), err
	}
	defer wgs84.Close()
	if err := geom.Reproject(wgs84); err != nil {
		return s2.EmptyRect(), fmt.Errorf("reprojecting extent of %s: %w", rasterPath, err)
	}
	b, err := geom.Bounds()
	if err != nil {
		return s2.EmptyRect(), err
	}
	return rectFromLngLat([][2]float64{{b[0], b[1]}, {b[2], b[3]}}), nil
}

// rasterOutline walks the raster border clockwise from the origin and
// returns a closed ring in raster coordinates.
func rasterOutline(gt [6]float64, sizeX, sizeY int) [][2]float64 {
	at := func(col, row float64) [2]float64 {
		return [2]float64{
			gt[0] + col*gt[1] + row*gt[2],
			gt[3] + col*gt[4] + row*gt[5],
		}
	}
	w, h := float64(sizeX), float64(sizeY)
	ring := make([][2]float64, 0, 4*extentEdgePoints+1)
	for i := 0; i < extentEdgePoints; i++ {
		ring = append(ring, at(w*float64(i)/extentEdgePoints, 0))
	}
	for i := 0; i < extentEdgePoints; i++ {
		ring = append(ring, at(w, h*float64(i)/extentEdgePoints))
	}
	for i := 0; i < extentEdgePoints; i++ {
		ring = append(ring, at(w*float64(extentEdgePoints-i)/extentEdgePoints, h))
	}
	for i := 0; i < extentEdgePoints; i++ {
		ring = append(ring, at(0, h*float64(extentEdgePoints-i)/extentEdgePoints))
	}
	return append(ring, ring[0])
}

func outlineWKT(ring [][2]float64) string {
	coords := make([]string, len(ring))
	for i, pt := range ring {
		coords[i] = fmt.Sprintf("%.10f %.10f", pt[0], pt[1])
	}
	return "POLYGON((" + strings.Join(coords, ",") + "))"
}

func rectFromLngLat(points [][2]float64) s2.Rect {
	rect := s2.EmptyRect()
	for _, pt := range points {
		rect = rect.AddPoint(s2.LatLngFromDegrees(pt[1], pt[0]))
	}
	return rect
}
