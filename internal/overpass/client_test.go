package overpass

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"territory-api/internal/geo"
	"territory-api/internal/provider"

	"github.com/serjvanilla/go-overpass"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQuerier struct {
	res   overpass.Result
	err   error
	delay time.Duration
	last  string
}

func (f *fakeQuerier) Query(q string) (overpass.Result, error) {
	f.last = q
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.res, f.err
}

func node(id int64, lat, lon float64, tags map[string]string) *overpass.Node {
	n := &overpass.Node{Lat: lat, Lon: lon}
	n.ID = id
	n.Tags = tags
	return n
}

func sample() overpass.Result {
	a := node(1, 38.7100, -9.1300, nil)
	b := node(2, 38.7110, -9.1310, nil)
	c := node(3, 38.7120, -9.1320, nil)
	d := node(4, 38.7105, -9.1305, map[string]string{"addr:street": "Rua A", "addr:housenumber": "12"})
	w := &overpass.Way{Nodes: []*overpass.Node{a, b, c}}
	w.ID = 100
	w.Tags = map[string]string{"building": "house", "addr:housenumber": "14"}
	return overpass.Result{
		Nodes: map[int64]*overpass.Node{1: a, 2: b, 3: c, 4: d},
		Ways:  map[int64]*overpass.Way{100: w},
	}
}

func TestConvertSkipsSkeletonNodes(t *testing.T) {
	els := Convert(sample())
	require.Len(t, els, 2)

	assert.Equal(t, int64(4), els[0].ID)
	assert.Equal(t, "node", els[0].Kind)
	assert.Equal(t, "12", els[0].Tags["addr:housenumber"])

	assert.Equal(t, int64(100), els[1].ID)
	assert.Equal(t, "way", els[1].Kind)
	assert.Len(t, els[1].Geometry, 3)
	assert.InDelta(t, 38.7110, els[1].Lat, 1e-9)
	assert.InDelta(t, -9.1310, els[1].Lon, 1e-9)
}

func TestBoundaryReturnsAllNodePoints(t *testing.T) {
	fq := &fakeQuerier{res: sample()}
	c := newWithQuerier(fq, Options{})
	pts, err := c.Boundary(context.Background(), provider.BoundaryQuery{Kind: provider.BoundarySuburb, Name: "Alfama"})
	require.NoError(t, err)
	assert.Len(t, pts, 4)
	assert.Contains(t, fq.last, `["place"="suburb"]["name"="Alfama"]`)
}

func TestQueryErrorIsProviderError(t *testing.T) {
	c := newWithQuerier(&fakeQuerier{err: errors.New("overpass: 504")}, Options{})
	_, err := c.ResidentialStreets(context.Background(), geo.BBox{MinLat: 1, MinLng: 1, MaxLat: 2, MaxLng: 2})
	assert.ErrorIs(t, err, provider.ErrProviderError)
}

func TestSlowQueryTimesOut(t *testing.T) {
	c := newWithQuerier(&fakeQuerier{delay: 200 * time.Millisecond}, Options{Timeout: 20 * time.Millisecond})
	_, err := c.Buildings(context.Background(), provider.BuildingQuery{Street: "Rua A"})
	assert.ErrorIs(t, err, provider.ErrProviderTimeout)
}

func TestBoundaryQueryLadder(t *testing.T) {
	near := geo.Point{Lat: 38.71, Lng: -9.13}
	q := BoundaryQuery(provider.BoundaryQuery{Kind: provider.BoundaryNeighbourhood, Name: `São "Vicente"`, Near: &near, RadiusMeters: 3000})
	assert.Contains(t, q, `["place"~"^(neighbourhood|quarter)$"]["name"="São \"Vicente\""](around:3000,38.7100000,-9.1300000)`)
	assert.True(t, strings.HasSuffix(q, "out skel qt;\n"))

	q = BoundaryQuery(provider.BoundaryQuery{Kind: provider.BoundaryAdministrative, Name: "Graça"})
	assert.Contains(t, q, `relation["boundary"="administrative"]["name"="Graça"];`)

	q = BoundaryQuery(provider.BoundaryQuery{Kind: provider.BoundaryNamedArea, Name: "Graça"})
	assert.Contains(t, q, `way["name"="Graça"];`)
}

func TestStreetsAndBuildingsQueries(t *testing.T) {
	bb := geo.BBox{MinLat: 38.70, MinLng: -9.14, MaxLat: 38.72, MaxLng: -9.12}
	q := StreetsQuery(bb, []string{"residential", "living_street"})
	assert.Contains(t, q, `way["highway"~"^(residential|living_street)$"]["name"](38.7000000,-9.1400000,38.7200000,-9.1200000);`)

	q = BuildingsQuery(provider.BuildingQuery{BBox: bb, Street: "Rua A", RadiusMeters: 40, BuildingTags: []string{"house", "yes"}})
	assert.Contains(t, q, `way["highway"]["name"="Rua A"](38.7000000,-9.1400000,38.7200000,-9.1200000)->.street;`)
	assert.Contains(t, q, `way["building"~"^(house|yes)$"](around.street:40)`)
	assert.Contains(t, q, `node["addr:street"="Rua A"]["addr:housenumber"]`)
}

func TestStalledServerReleasesQuery(t *testing.T) {
	stall := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { <-stall }))
	defer srv.Close()
	defer close(stall)

	c := New(Options{Endpoint: srv.URL, Timeout: 50 * time.Millisecond})
	done := make(chan error, 1)
	go func() {
		_, err := c.q.Query("[out:json];node(1);out;")
		done <- err
	}()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("query still blocked on a stalled connection")
	}
	assert.Equal(t, 15*time.Second, httpClient(0).Timeout)
}
