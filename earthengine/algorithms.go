package earthengine

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnsupportedGeometry = errors.New("unsupported geometry")

// Reducer names accepted by ReducerByName.
const (
	ReducerMean   = "mean"
	ReducerMedian = "median"
	ReducerMin    = "min"
	ReducerMax    = "max"
	ReducerSum    = "sum"
	ReducerStdDev = "stdDev"
)

var reducerFunctions = map[string]string{
	ReducerMean:   "Reducer.mean",
	ReducerMedian: "Reducer.median",
	ReducerMin:    "Reducer.min",
	ReducerMax:    "Reducer.max",
	ReducerSum:    "Reducer.sum",
	ReducerStdDev: "Reducer.stdDev",
}

// ReducerByName returns the reducer node and whether the name was recognized.
func ReducerByName(name string) (ValueNode, bool) {
	fn, ok := reducerFunctions[name]
	if !ok {
		return Invoke(reducerFunctions[ReducerMean], nil), false
	}
	return Invoke(fn, nil), true
}

func LoadImageCollection(id string) ValueNode {
	return Invoke("ImageCollection.load", map[string]ValueNode{"id": Constant(id)})
}

// FilterDate keeps images whose system:time_start lies in [start, end).
func FilterDate(collection ValueNode, start, end string) ValueNode {
	dateRange := Invoke("DateRange", map[string]ValueNode{
		"start": Constant(start),
		"end":   Constant(end),
	})
	filter := Invoke("Filter.dateRangeContains", map[string]ValueNode{
		"leftValue":  dateRange,
		"rightField": Constant("system:time_start"),
	})
	return Invoke("Collection.filter", map[string]ValueNode{
		"collection": collection,
		"filter":     filter,
	})
}

// FilterBounds keeps images whose footprint intersects geometry.
func FilterBounds(collection, geometry ValueNode) ValueNode {
	filter := Invoke("Filter.intersects", map[string]ValueNode{
		"leftField":  Constant(".all"),
		"rightValue": geometry,
	})
	return Invoke("Collection.filter", map[string]ValueNode{
		"collection": collection,
		"filter":     filter,
	})
}

func MapCollection(collection, fn ValueNode) ValueNode {
	return Invoke("Collection.map", map[string]ValueNode{
		"collection":    collection,
		"baseAlgorithm": fn,
	})
}

// SelectBands restricts every image of collection to bands.
func SelectBands(g *Graph, collection ValueNode, bands []string) ValueNode {
	const arg = "_SELECT_IMAGE"
	body := Invoke("Image.select", map[string]ValueNode{
		"input":         ArgRef(arg),
		"bandSelectors": Constant(bands),
	})
	return MapCollection(collection, g.Lambda(arg, body))
}

// ReduceRegionArgs mirrors the reduce-region parameters of the backend.
type ReduceRegionArgs struct {
	Reducer   ValueNode
	Geometry  ValueNode
	Scale     float64
	TileScale float64
	MaxPixels float64
}

func ReduceRegion(image ValueNode, args ReduceRegionArgs) ValueNode {
	return Invoke("Image.reduceRegion", map[string]ValueNode{
		"image":     image,
		"reducer":   args.Reducer,
		"geometry":  args.Geometry,
		"scale":     Constant(args.Scale),
		"tileScale": Constant(args.TileScale),
		"maxPixels": Constant(int64(args.MaxPixels)),
	})
}

// DatePart extracts unit ("year", "month", "day") from the acquisition date of image.
func DatePart(image ValueNode, unit string) ValueNode {
	date := Invoke("Image.date", map[string]ValueNode{"image": image})
	return Invoke("Date.get", map[string]ValueNode{
		"date": date,
		"unit": Constant(unit),
	})
}

// NewFeature builds a Feature with the given geometry and properties dictionary.
func NewFeature(geometry, metadata ValueNode) ValueNode {
	return Invoke("Feature", map[string]ValueNode{
		"geometry": geometry,
		"metadata": metadata,
	})
}

// SetProperties sets every entry of props on element.
func SetProperties(element ValueNode, props map[string]ValueNode) ValueNode {
	return Invoke("Element.setMulti", map[string]ValueNode{
		"object":     element,
		"properties": Dictionary(props),
	})
}

type geoJSONGeometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// GeometryFromGeoJSON turns a Polygon or MultiPolygon GeoJSON geometry into
// a geodesic geometry constructor.
func GeometryFromGeoJSON(raw json.RawMessage) (ValueNode, error) {
	var geom geoJSONGeometry
	if err := json.Unmarshal(raw, &geom); err != nil {
		return ValueNode{}, fmt.Errorf("decoding geometry: %w", err)
	}
	var fn string
	switch geom.Type {
	case "Polygon":
		fn = "GeometryConstructors.Polygon"
	case "MultiPolygon":
		fn = "GeometryConstructors.MultiPolygon"
	default:
		return ValueNode{}, fmt.Errorf("%w: %q", ErrUnsupportedGeometry, geom.Type)
	}
	if len(geom.Coordinates) == 0 {
		return ValueNode{}, fmt.Errorf("%w: %s without coordinates", ErrUnsupportedGeometry, geom.Type)
	}
	return Invoke(fn, map[string]ValueNode{
		"coordinates": RawConstant(geom.Coordinates),
		"geodesic":    Constant(true),
		"evenOdd":     Constant(true),
	}), nil
}
