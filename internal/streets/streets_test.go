package streets

import (
	"context"
	"errors"
	"testing"

	"territory-api/internal/cache"
	"territory-api/internal/geo"
	"territory-api/internal/model"
	"territory-api/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBounds struct {
	bbox geo.BBox
	err  error
}

func (f fakeBounds) Bounds(context.Context, model.GeoNode, model.GeoNode) (geo.BBox, error) {
	return f.bbox, f.err
}

type fakeMap struct {
	provider.MapData
	streets []provider.Element
	err     error
	calls   int
}

func (f *fakeMap) ResidentialStreets(context.Context, geo.BBox) ([]provider.Element, error) {
	f.calls++
	return f.streets, f.err
}

type fakePlaces struct {
	provider.Places
	preds []provider.Prediction
	err   error
	input string
}

func (f *fakePlaces) Autocomplete(_ context.Context, input string, _ provider.AutocompleteFilter) ([]provider.Prediction, error) {
	f.input = input
	return f.preds, f.err
}

var (
	alfama = model.GeoNode{ID: "c1", Name: "Alfama", Lat: 38.7115, Lon: -9.1300}
	lisboa = model.GeoNode{ID: "m1", Name: "Lisboa"}
	area   = model.GeoNode{ID: "a1", Name: "Lisboa District"}
	bbox   = geo.BBox{MinLat: 38.70, MinLng: -9.14, MaxLat: 38.72, MaxLng: -9.12}
)

func way(id int64, name string, pts ...geo.Point) provider.Element {
	el := provider.Element{ID: id, Kind: "way", Tags: map[string]string{"highway": "residential"}, Geometry: pts}
	if name != "" {
		el.Tags["name"] = name
	}
	if len(pts) > 0 {
		el.Lat, el.Lon = pts[0].Lat, pts[0].Lng
	}
	return el
}

func TestMapDataTierWinsAndMergesSegments(t *testing.T) {
	md := &fakeMap{streets: []provider.Element{
		way(1, "Rua dos Remédios", geo.Point{Lat: 38.711, Lng: -9.130}, geo.Point{Lat: 38.712, Lng: -9.129}),
		way(2, "rua dos remédios", geo.Point{Lat: 38.713, Lng: -9.128}),
		way(3, "", geo.Point{Lat: 38.713, Lng: -9.128}),
		way(4, "Beco do Mexias", geo.Point{Lat: 38.710, Lng: -9.131}),
	}}
	pl := &fakePlaces{}
	s := New(md, pl, fakeBounds{bbox: bbox}, nil, Options{})

	res, err := s.Discover(context.Background(), alfama, lisboa, area)
	require.NoError(t, err)
	assert.Equal(t, TierMapData, res.Tier)
	require.Len(t, res.Streets, 2)
	assert.Equal(t, "Beco do Mexias", res.Streets[0].Name)
	rem := res.Streets[1]
	assert.Equal(t, model.SourceOverpass, rem.Source)
	require.NotNil(t, rem.BBox)
	assert.InDelta(t, 38.713, rem.BBox.MaxLat, 1e-9)
	assert.Empty(t, pl.input, "autocomplete not consulted")
}

func TestFallsBackToAutocompleteThenConfig(t *testing.T) {
	md := &fakeMap{err: provider.ErrProviderTimeout}
	pl := &fakePlaces{preds: []provider.Prediction{
		{PlaceID: "p1", Description: "Rua de São Miguel, Lisboa, Portugal"},
		{PlaceID: "p2", Description: "8CCG+2X Lisboa, Portugal"},
		{PlaceID: "p3", Description: "38.7115, -9.1300"},
		{PlaceID: "p4", Description: "1100-001, Lisboa"},
		{PlaceID: "p5", Description: "Rua de São Miguel, Lisboa"},
	}}
	s := New(md, pl, fakeBounds{bbox: bbox}, nil, Options{})
	res, err := s.Discover(context.Background(), alfama, lisboa, area)
	require.NoError(t, err)
	assert.Equal(t, TierAutocomplete, res.Tier)
	assert.Equal(t, "Alfama Lisboa streets", pl.input)
	require.Len(t, res.Streets, 1)
	assert.Equal(t, "Rua de São Miguel", res.Streets[0].Name)
	assert.Equal(t, alfama.Point(), res.Streets[0].Point)
	require.Len(t, res.Attempts, 2)
	assert.ErrorIs(t, res.Attempts[0].Err, provider.ErrProviderTimeout)

	pl.preds = nil
	s = New(md, pl, fakeBounds{err: errors.New("no boundary")}, nil, Options{
		FallbackFor: func(string) []string { return []string{"Rua Principal", " "} },
	})
	res, err = s.Discover(context.Background(), alfama, lisboa, area)
	require.NoError(t, err)
	assert.Equal(t, TierFallback, res.Tier)
	require.Len(t, res.Streets, 1)
	assert.Equal(t, model.SourceFallback, res.Streets[0].Source)
}

func TestAllTiersEmpty(t *testing.T) {
	s := New(&fakeMap{}, &fakePlaces{}, fakeBounds{bbox: bbox}, nil, Options{})
	res, err := s.Discover(context.Background(), alfama, lisboa, area)
	require.NoError(t, err)
	assert.Empty(t, res.Streets)
	assert.Empty(t, res.Tier)
}

func TestCachedPerCommunityAndFilter(t *testing.T) {
	md := &fakeMap{streets: []provider.Element{
		way(1, "Rua A", geo.Point{Lat: 38.711, Lng: -9.130}),
		way(2, "Travessa B", geo.Point{Lat: 38.712, Lng: -9.131}),
	}}
	s := New(md, nil, fakeBounds{bbox: bbox}, cache.New(16), Options{})
	ctx := context.Background()
	_, _ = s.Discover(ctx, alfama, lisboa, area)
	res, err := s.Discover(ctx, alfama, lisboa, area)
	require.NoError(t, err)
	assert.Equal(t, 1, md.calls)
	assert.Equal(t, "cache", res.Tier)

	got := s.Filter(alfama, "trav")
	require.Len(t, got, 1)
	assert.Equal(t, "Travessa B", got[0].Name)
	assert.Len(t, s.Filter(alfama, ""), 2)
	assert.Empty(t, s.Filter(model.GeoNode{ID: "other"}, "rua"))
}

func TestStreetName(t *testing.T) {
	cases := map[string]string{
		"Rua dos Remédios, Lisboa, Portugal": "Rua dos Remédios",
		"8CCG+2X Lisboa":                     "",
		"38.7115,-9.1300":                    "",
		"12345, Lisboa":                      "",
		"   ":                                "",
		"Largo do Chafariz de Dentro":        "Largo do Chafariz de Dentro",
	}
	for in, want := range cases {
		assert.Equal(t, want, StreetName(in), in)
	}
}
