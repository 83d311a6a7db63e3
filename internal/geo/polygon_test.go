package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthesizeProducesClosedPaddedRectangle(t *testing.T) {
	pts := []Point{
		{Lat: 43.7440, Lng: -79.4800},
		{Lat: 43.7450, Lng: -79.4700},
		{Lat: 0, Lng: 0}, // placeholder coordinates are ignored
	}
	poly, err := Synthesize(pts, 100)
	require.NoError(t, err)

	require.Len(t, poly, 5)
	assert.True(t, poly.Closed())
	assert.Equal(t, poly[0], poly[4])

	// ~100 m of padding on each side
	assert.InDelta(t, 43.7440-100/metersPerDegLat, poly[0][1], 1e-9)
	assert.Less(t, poly[0][0], -79.4800)
	assert.Greater(t, poly[1][0], -79.4700)

	for _, p := range pts[:2] {
		assert.True(t, Contains(p, poly))
	}
}

func TestSynthesizeSinglePointIsNotDegenerate(t *testing.T) {
	poly, err := Synthesize([]Point{{Lat: 43.7, Lng: -79.4}}, 100)
	require.NoError(t, err)
	assert.True(t, poly.Closed())
	assert.Greater(t, Area(poly), 0.0)
}

func TestSynthesizeWithoutValidPoints(t *testing.T) {
	_, err := Synthesize([]Point{{Lat: 0, Lng: 0}, {Lat: 95, Lng: 10}}, 100)
	assert.ErrorIs(t, err, ErrInvalidPolygon)
}

func TestCloseRing(t *testing.T) {
	open := Polygon{{0, 0}, {1, 0}, {1, 1}, {0, 1}}
	closed, err := Close(open)
	require.NoError(t, err)
	assert.Len(t, closed, 5)
	assert.Equal(t, closed[0], closed[len(closed)-1])
	assert.Len(t, open, 4, "input must not be mutated")

	again, err := Close(closed)
	require.NoError(t, err)
	assert.Equal(t, closed, again)

	_, err = Close(Polygon{{0, 0}, {1, 1}, {0, 0}})
	assert.ErrorIs(t, err, ErrInvalidPolygon)
}

func TestAreaOneDegreeSquareAtEquator(t *testing.T) {
	sq := BBox{MinLat: 0, MinLng: 0, MaxLat: 1, MaxLng: 1}.Ring()
	a := Area(sq)
	assert.Greater(t, a, 1.22e10)
	assert.Less(t, a, 1.25e10)

	// orientation does not change the sign
	rev := make(Polygon, len(sq))
	for i := range sq {
		rev[len(sq)-1-i] = sq[i]
	}
	assert.InDelta(t, a, Area(rev), 1)
}

func TestAreaShrinksWithLatitude(t *testing.T) {
	eq := Area(BBox{MinLat: 0, MinLng: 0, MaxLat: 0.01, MaxLng: 0.01}.Ring())
	north := Area(BBox{MinLat: 60, MinLng: 0, MaxLat: 60.01, MaxLng: 0.01}.Ring())
	assert.InDelta(t, eq/2, north, eq*0.01)
}

func TestAreaDegenerate(t *testing.T) {
	assert.Equal(t, 0.0, Area(nil))
	assert.Equal(t, 0.0, Area(Polygon{{0, 0}, {1, 1}}))
}

func TestDensity(t *testing.T) {
	assert.Equal(t, 0.0, Density(10, 0))
	assert.InDelta(t, 5.0, Density(10, 20000), 1e-9)
}

func TestContains(t *testing.T) {
	ring := BBox{MinLat: 43.70, MinLng: -79.50, MaxLat: 43.76, MaxLng: -79.44}.Ring()
	assert.True(t, Contains(Point{Lat: 43.73, Lng: -79.47}, ring))
	assert.False(t, Contains(Point{Lat: 43.80, Lng: -79.47}, ring))
	assert.False(t, Contains(Point{Lat: 43.73, Lng: -79.30}, ring))
	assert.False(t, Contains(Point{Lat: 43.73, Lng: -79.47}, Polygon{{0, 0}}))
}

func TestGeohash(t *testing.T) {
	assert.Equal(t, "u4pruyd", Geohash(57.64911, 10.40744, 7))
	assert.Len(t, Geohash(43.7, -79.4, 0), 7)
	assert.Equal(t, "ezs42", Geohash(42.6, -5.6, 5))

	// ~1.5m apart share a rooftop cell; ~60m apart do not
	assert.Equal(t, "eycs0ppwz", Geohash(38.71151, -9.13002, 9))
	assert.Equal(t, Geohash(38.71151, -9.13002, 9), Geohash(38.71152, -9.13001, 9))
	assert.NotEqual(t, Geohash(38.71151, -9.13002, 9), Geohash(38.71205, -9.13002, 9))
}

func TestBBoxHelpers(t *testing.T) {
	b, ok := BoundsOf([]Point{{Lat: 43.75, Lng: -79.48}, {Lat: 43.70, Lng: -79.40}})
	require.True(t, ok)
	assert.Equal(t, BBox{MinLat: 43.70, MinLng: -79.48, MaxLat: 43.75, MaxLng: -79.40}, b)
	assert.Equal(t, "43.7000000,-79.4800000,43.7500000,-79.4000000", b.Overpass())

	_, ok = BoundsOf(nil)
	assert.False(t, ok)

	p := Offset(Point{Lat: 43.7, Lng: -79.4}, 1000, 0)
	assert.InDelta(t, 1000, Haversine(Point{Lat: 43.7, Lng: -79.4}, p), 5)
}

func TestValidCoord(t *testing.T) {
	assert.True(t, ValidCoord(43.7, -79.4))
	assert.False(t, ValidCoord(0, 0))
	assert.False(t, ValidCoord(91, 0))
	assert.False(t, ValidCoord(10, -181))
}
