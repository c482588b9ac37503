// Package rasterops clips rasters to woreda geometries and computes zonal
// statistics of a data raster under a mask raster.
package rasterops

import (
	"math"
	"sync"

	"github.com/airbusgeo/godal"
	"github.com/sirupsen/logrus"
)

const EarthRadius = 6371000

type Point struct {
	Lat float64
	Lng float64
}

// BandContainer pairs a band with the grid information needed to locate its
// pixels. Reads go through lockedRead since a dataset handle must not be
// used from several goroutines at once.
type BandContainer struct {
	Band   godal.Band
	Origin Point
	XRes   float64
	YRes   float64
	mu     sync.Mutex
}

func newBandContainer(ds *godal.Dataset) (*BandContainer, error) {
	gt, err := ds.GeoTransform()
	if err != nil {
		return nil, err
	}
	origin, xRes, yRes := getOriginAndResolution(gt)
	return &BandContainer{
		Band:   ds.Bands()[0],
		Origin: origin,
		XRes:   xRes,
		YRes:   yRes,
	}, nil
}

// Locking is required to read from compressed rasters.
func lockedRead(band *BandContainer, block godal.Block, blockBuf []float64) error {
	band.mu.Lock()
	defer band.mu.Unlock()
	return band.Band.Read(block.X0, block.Y0, blockBuf, block.W, block.H)
}

// genBlocks produces the blocks of a band on a channel. Production is
// serial; there is little to gain from parallelising it.
func genBlocks(band *BandContainer, done <-chan struct{}) <-chan godal.Block {
	blocks := make(chan godal.Block)
	firstBlock := band.Band.Structure().FirstBlock()
	go func() {
		defer close(blocks)
		for block, ok := firstBlock, true; ok; block, ok = block.Next() {
			select {
			case blocks <- block:
			case <-done:
				return
			}
		}
	}()
	return blocks
}

// processBlocks fans blocks out to numWorkers goroutines running fn and
// closes the returned channel once every worker has drained blocks.
func processBlocks[T any](numWorkers int, blocks <-chan godal.Block, fn func(godal.Block) T) <-chan T {
	if numWorkers < 1 {
		numWorkers = 1
	}
	resCh := make(chan T, numWorkers)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			for block := range blocks {
				logrus.Debugf("Processing block at [%v, %v]", block.X0, block.Y0)
				resCh <- fn(block)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resCh)
	}()
	return resCh
}

func getOriginAndResolution(gt [6]float64) (Point, float64, float64) {
	return Point{Lat: gt[3], Lng: gt[0]}, gt[1], gt[5]
}

func blockOrigin(block godal.Block, band *BandContainer) Point {
	return Point{
		Lat: float64(block.Y0)*band.YRes + band.Origin.Lat,
		Lng: float64(block.X0)*band.XRes + band.Origin.Lng,
	}
}

// pixelArea approximates the ground area in square metres of a pixel of a
// geographic grid centred at latitude.
func pixelArea(latitude, xRes, yRes float64) float64 {
	pixWidth := haversinePixelWidth(latitude, math.Abs(xRes))
	pixHeight := (math.Pi / 180) * math.Abs(yRes) * EarthRadius
	return pixWidth * pixHeight
}

func haversinePixelWidth(latitude float64, resolution float64) float64 {
	latRad := latitude * math.Pi / 180
	resRad := resolution * math.Pi / 180
	a := math.Pow(math.Cos(latRad), 2) * math.Pow(math.Sin(resRad/2), 2)
	return 2 * EarthRadius * math.Asin(math.Sqrt(a))
}

// sameSpatialRef treats two missing references as equal.
func sameSpatialRef(a, b *godal.SpatialRef) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.IsSame(b)
}
