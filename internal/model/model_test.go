package model

import (
	"encoding/json"
	"testing"

	"territory-api/internal/geo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHouseNumber(t *testing.T) {
	cases := map[string]int{
		"12":    12,
		"12A":   12,
		"12-14": 12,
		" 7 ":   7,
		"A12":   0,
		"":      0,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseHouseNumber(in), in)
	}
}

func TestFilterValidDropsOutOfRange(t *testing.T) {
	in := []Building{
		{Address: "12 Wilson Avenue", Lat: 43.73, Lng: -79.47, Confidence: 0.9},
		{Address: "null island", Lat: 0, Lng: 0, Confidence: 0.9},
		{Address: "north of north", Lat: 91, Lng: -79.47, Confidence: 0.9},
		{Address: "bad number", Lat: 43.73, Lng: -79.47, HouseNumber: -4, Confidence: 0.9},
	}
	out := FilterValid(in)
	require.Len(t, out, 1)
	assert.Equal(t, "12 Wilson Avenue", out[0].Address)
}

func TestParseLevel(t *testing.T) {
	l, ok := ParseLevel("City")
	assert.True(t, ok)
	assert.Equal(t, LevelMunicipality, l)
	_, ok = ParseLevel("planet")
	assert.False(t, ok)
}

func TestDraftWireFormat(t *testing.T) {
	ring, err := geo.Synthesize([]geo.Point{{Lat: 43.73, Lng: -79.47}}, 100)
	require.NoError(t, err)
	d := TerritoryDraft{
		Name:        "Downsview North",
		Description: "Wilson Avenue",
		Boundary:    ring,
		ZoneType:    "residential",
		Buildings: []Building{
			{Address: "12 Wilson Avenue", Lat: 43.73, Lng: -79.47, HouseNumber: 12},
			{Address: "24 Wilson Avenue", Lat: 43.731, Lng: -79.471, HouseNumber: 24, Synthesized: true},
		},
	}
	raw, err := json.Marshal(d)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "Downsview North", got["name"])
	assert.Equal(t, "residential", got["zoneType"])

	boundary := got["boundary"].(map[string]any)
	assert.Equal(t, "Polygon", boundary["type"])
	rings := boundary["coordinates"].([]any)
	require.Len(t, rings, 1)
	coords := rings[0].([]any)
	assert.Equal(t, coords[0], coords[len(coords)-1])

	bd := got["buildingData"].(map[string]any)
	assert.EqualValues(t, 2, bd["totalBuildings"])
	assert.EqualValues(t, 1, bd["residentialHomes"])
	assert.Len(t, bd["addresses"], 2)
}

func TestBuildingLabel(t *testing.T) {
	assert.Equal(t, "12 Rua A", Building{Address: "12 Rua A", Street: "Rua A"}.Label())
	assert.Equal(t, "Rua A", Building{Street: "Rua A", Lat: 38.7, Lng: -9.1}.Label())
	assert.Equal(t, "38.700000,-9.100000", Building{Lat: 38.7, Lng: -9.1}.Label())
}
