package boundaries

import (
	"errors"
	"strings"
	"testing"

	"github.com/airbusgeo/godal"
	"github.com/golang/geo/s2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"woreda-stats/earthengine"
)

const woredasGeoJSON = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature",
     "properties": {"Woreda_ID": 101, "Woreda Name": "Yirgachefe"},
     "geometry": {"type": "Polygon", "coordinates": [[[38.0, 6.0], [38.5, 6.0], [38.5, 6.5], [38.0, 6.5], [38.0, 6.0]]]}},
    {"type": "Feature",
     "properties": {"Woreda_ID": "ETH-202", "Woreda Name": "Limu"},
     "geometry": {"type": "MultiPolygon", "coordinates": [
        [[[36.0, 8.0], [36.2, 8.0], [36.2, 8.2], [36.0, 8.0]]],
        [[[36.5, 7.5], [36.7, 7.5], [36.7, 7.7], [36.5, 7.5]]]]}}
  ]
}`

func TestFromGeoJSON(t *testing.T) {
	features, err := FromGeoJSON(strings.NewReader(woredasGeoJSON), Attributes{})
	require.NoError(t, err)
	require.Len(t, features, 2)

	assert.Equal(t, "101", features[0].ID)
	assert.Equal(t, "Yirgachefe", features[0].Name)
	assert.Equal(t, "ETH-202", features[1].ID)
	assert.Equal(t, "Limu", features[1].Name)
}

func TestFromGeoJSON_MissingName(t *testing.T) {
	in := `{"type":"FeatureCollection","features":[
	  {"type":"Feature","properties":{"Woreda_ID":7},"geometry":{"type":"Polygon","coordinates":[]}}]}`
	_, err := FromGeoJSON(strings.NewReader(in), Attributes{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingAttribute))
	assert.Contains(t, err.Error(), "Woreda Name")
}

func TestFromGeoJSON_CustomAttributes(t *testing.T) {
	in := `{"type":"FeatureCollection","features":[
	  {"type":"Feature","properties":{"ADM3_PCODE":"ET0101","ADM3_EN":"Ahferom"},"geometry":null}]}`
	features, err := FromGeoJSON(strings.NewReader(in), Attributes{ID: "ADM3_PCODE", Name: "ADM3_EN"})
	require.NoError(t, err)
	assert.Equal(t, "ET0101", features[0].ID)
	assert.Equal(t, "Ahferom", features[0].Name)
}

func TestFromEarthEngine(t *testing.T) {
	_, err := FromEarthEngine([]earthengine.Feature{
		{Type: "Feature", Properties: map[string]any{"Woreda Name": "Gera"}},
	}, Attributes{})
	assert.True(t, errors.Is(err, ErrMissingAttribute))
}

func TestBounds(t *testing.T) {
	features, err := FromGeoJSON(strings.NewReader(woredasGeoJSON), Attributes{})
	require.NoError(t, err)

	rect, err := features[1].Bounds()
	require.NoError(t, err)
	assert.InDelta(t, 36.0, rect.Lo().Lng.Degrees(), 1e-6)
	assert.InDelta(t, 36.7, rect.Hi().Lng.Degrees(), 1e-6)
	assert.InDelta(t, 7.5, rect.Lo().Lat.Degrees(), 1e-6)
	// geodesic edges bulge slightly poleward
	assert.InDelta(t, 8.2, rect.Hi().Lat.Degrees(), 1e-3)
}

func TestBounds_UnsupportedGeometry(t *testing.T) {
	f := AdminFeature{ID: "9", Geometry: []byte(`{"type":"Point","coordinates":[38,9]}`)}
	_, err := f.Bounds()
	assert.True(t, errors.Is(err, ErrInvalidGeometry))
}

func TestIntersecting(t *testing.T) {
	features, err := FromGeoJSON(strings.NewReader(woredasGeoJSON), Attributes{})
	require.NoError(t, err)

	// covers the southern part of Limu only
	extent := s2.RectFromLatLng(s2.LatLngFromDegrees(7.0, 36.4)).AddPoint(s2.LatLngFromDegrees(7.8, 37.0))
	in, out, err := Intersecting(features, extent)
	require.NoError(t, err)
	require.Len(t, in, 1)
	require.Len(t, out, 1)
	assert.Equal(t, "ETH-202", in[0].ID)
	assert.Equal(t, "101", out[0].ID)

	_, _, err = Intersecting([]AdminFeature{{ID: "9", Geometry: []byte(`{"type":"Point","coordinates":[38,9]}`)}}, extent)
	assert.True(t, errors.Is(err, ErrInvalidGeometry))
}

func TestGodalGeometry(t *testing.T) {
	godal.RegisterAll()
	features, err := FromGeoJSON(strings.NewReader(woredasGeoJSON), Attributes{})
	require.NoError(t, err)

	geom, err := features[0].GodalGeometry()
	require.NoError(t, err)
	defer geom.Close()

	bounds, err := geom.Bounds()
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{38.0, 6.0, 38.5, 6.5}, bounds[:], 1e-9)
}

func TestSelect(t *testing.T) {
	features := []AdminFeature{{ID: "1"}, {ID: "2"}, {ID: "3"}}
	assert.Len(t, Select(features, nil), 3)
	got := Select(features, []string{"3", "1"})
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "3", got[1].ID)
}
