// Package boundaries loads administrative boundary features (woredas) from
// GeoJSON files or Earth Engine table assets.
package boundaries

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/airbusgeo/godal"
	"github.com/golang/geo/s2"
	"github.com/sirupsen/logrus"

	"woreda-stats/earthengine"
)

const (
	DefaultIDProperty   = "Woreda_ID"
	DefaultNameProperty = "Woreda Name"
)

var (
	ErrMissingAttribute = errors.New("missing feature attribute")
	ErrInvalidGeometry  = errors.New("invalid feature geometry")
)

// AdminFeature is one administrative unit. Geometry is GeoJSON in EPSG:4326.
type AdminFeature struct {
	ID         string
	Name       string
	Geometry   json.RawMessage
	Properties map[string]any
}

type geoJSONFeature struct {
	Type       string          `json:"type"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

type geoJSONCollection struct {
	Type     string           `json:"type"`
	Features []geoJSONFeature `json:"features"`
}

// Attributes names the properties holding a feature's id and display name.
type Attributes struct {
	ID   string
	Name string
}

func (a Attributes) withDefaults() Attributes {
	if a.ID == "" {
		a.ID = DefaultIDProperty
	}
	if a.Name == "" {
		a.Name = DefaultNameProperty
	}
	return a
}

// LoadFile reads a GeoJSON FeatureCollection from path.
func LoadFile(path string, attrs Attributes) (features []AdminFeature, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	return FromGeoJSON(f, attrs)
}

func FromGeoJSON(r io.Reader, attrs Attributes) ([]AdminFeature, error) {
	var fc geoJSONCollection
	if err := json.NewDecoder(r).Decode(&fc); err != nil {
		return nil, fmt.Errorf("decoding feature collection: %w", err)
	}
	if fc.Type != "FeatureCollection" {
		return nil, fmt.Errorf("expected FeatureCollection, got %q", fc.Type)
	}
	attrs = attrs.withDefaults()
	features := make([]AdminFeature, 0, len(fc.Features))
	for i, raw := range fc.Features {
		feature, err := newFeature(raw.Geometry, raw.Properties, attrs)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		features = append(features, feature)
	}
	logrus.Debugf("Loaded %d features", len(features))
	return features, nil
}

// FromEarthEngine converts features listed from a table asset.
func FromEarthEngine(eeFeatures []earthengine.Feature, attrs Attributes) ([]AdminFeature, error) {
	attrs = attrs.withDefaults()
	features := make([]AdminFeature, 0, len(eeFeatures))
	for i, f := range eeFeatures {
		feature, err := newFeature(f.Geometry, f.Properties, attrs)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		features = append(features, feature)
	}
	return features, nil
}

func newFeature(geometry json.RawMessage, props map[string]any, attrs Attributes) (AdminFeature, error) {
	id, err := attribute(props, attrs.ID)
	if err != nil {
		return AdminFeature{}, err
	}
	name, err := attribute(props, attrs.Name)
	if err != nil {
		return AdminFeature{}, fmt.Errorf("woreda %s: %w", id, err)
	}
	return AdminFeature{ID: id, Name: name, Geometry: geometry, Properties: props}, nil
}

// attribute renders a property as a string. Whole numbers lose their
// fractional part so that 101.0 from JSON becomes "101".
func attribute(props map[string]any, key string) (string, error) {
	v, ok := props[key]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: %q", ErrMissingAttribute, key)
	}
	switch val := v.(type) {
	case string:
		if val == "" {
			return "", fmt.Errorf("%w: %q is empty", ErrMissingAttribute, key)
		}
		return val, nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case json.Number:
		return val.String(), nil
	default:
		return fmt.Sprint(val), nil
	}
}

// Bounds returns the smallest lat/lng rectangle containing every vertex of
// the feature, with geodesic edges taken into account.
func (f *AdminFeature) Bounds() (s2.Rect, error) {
	rings, err := f.rings()
	if err != nil {
		return s2.EmptyRect(), err
	}
	bounder := s2.NewRectBounder()
	for _, ring := range rings {
		for _, pt := range ring {
			bounder.AddPoint(s2.PointFromLatLng(s2.LatLngFromDegrees(pt[1], pt[0])))
		}
	}
	rect := bounder.RectBound()
	if rect.IsEmpty() {
		return rect, fmt.Errorf("%w: woreda %s has no vertices", ErrInvalidGeometry, f.ID)
	}
	return rect, nil
}

func (f *AdminFeature) rings() ([][][2]float64, error) {
	var geom struct {
		Type        string          `json:"type"`
		Coordinates json.RawMessage `json:"coordinates"`
	}
	if err := json.Unmarshal(f.Geometry, &geom); err != nil {
		return nil, fmt.Errorf("%w: woreda %s: %v", ErrInvalidGeometry, f.ID, err)
	}
	switch geom.Type {
	case "Polygon":
		var poly [][][2]float64
		if err := json.Unmarshal(geom.Coordinates, &poly); err != nil {
			return nil, fmt.Errorf("%w: woreda %s: %v", ErrInvalidGeometry, f.ID, err)
		}
		return poly, nil
	case "MultiPolygon":
		var multi [][][][2]float64
		if err := json.Unmarshal(geom.Coordinates, &multi); err != nil {
			return nil, fmt.Errorf("%w: woreda %s: %v", ErrInvalidGeometry, f.ID, err)
		}
		var rings [][][2]float64
		for _, poly := range multi {
			rings = append(rings, poly...)
		}
		return rings, nil
	default:
		return nil, fmt.Errorf("%w: woreda %s has geometry type %q", ErrInvalidGeometry, f.ID, geom.Type)
	}
}

// GodalGeometry returns the feature geometry tagged as EPSG:4326. The caller
// owns the returned geometry and must Close it.
func (f *AdminFeature) GodalGeometry() (*godal.Geometry, error) {
	geom, err := godal.NewGeometryFromGeoJSON(string(f.Geometry))
	if err != nil {
		return nil, fmt.Errorf("%w: woreda %s: %v", ErrInvalidGeometry, f.ID, err)
	}
	srs, err := godal.NewSpatialRefFromEPSG(4326)
	if err != nil {
		geom.Close()
		return nil, err
	}
	defer srs.Close()
	geom.SetSpatialRef(srs)
	return geom, nil
}

// Intersecting splits features into those whose bounds intersect rect and
// those that lie entirely outside it, keeping their order.
func Intersecting(features []AdminFeature, rect s2.Rect) (in, out []AdminFeature, err error) {
	for i := range features {
		b, err := features[i].Bounds()
		if err != nil {
			return nil, nil, err
		}
		if b.Intersects(rect) {
			in = append(in, features[i])
		} else {
			out = append(out, features[i])
		}
	}
	return in, out, nil
}

// Select returns the features whose id is in ids, or all of them when ids is empty.
func Select(features []AdminFeature, ids []string) []AdminFeature {
	if len(ids) == 0 {
		return features
	}
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	var out []AdminFeature
	for _, f := range features {
		if _, ok := wanted[f.ID]; ok {
			out = append(out, f)
		}
	}
	return out
}
