package dedupe

import (
	"testing"

	"territory-api/internal/model"

	"github.com/stretchr/testify/assert"
)

func b(id, addr string, lat, lng float64) model.Building {
	return model.Building{ID: id, Address: addr, Lat: lat, Lng: lng, Confidence: 0.5}
}

func TestMergeAddressOrCoordinate(t *testing.T) {
	a := []model.Building{
		b("1", "12 Wilson Avenue", 43.7301, -79.4701),
		b("2", "", 43.7302, -79.4702),
	}
	c := []model.Building{
		b("3", " 12, wilson   AVENUE.", 43.7399, -79.4799),
		b("4", "14 Wilson Avenue", 43.7302, -79.4702),
		b("5", "", 43.7303, -79.4703),
		b("6", "16 Wilson Avenue", 0, 0),
	}
	out := Merge(a, c)
	var ids []string
	for _, x := range out {
		ids = append(ids, x.ID)
	}
	assert.Equal(t, []string{"1", "2", "5"}, ids)
}

func TestMergeFirstSeenWins(t *testing.T) {
	first := b("osm", "7 Rua A", 38.71, -9.13)
	first.Source = model.SourceOverpass
	second := b("rev", "7 Rua A", 38.7101, -9.1301)
	second.Source = model.SourceReverse
	out := Merge([]model.Building{first}, []model.Building{second})
	assert.Len(t, out, 1)
	assert.Equal(t, model.SourceOverpass, out[0].Source)
}

func TestMergeEmptyAddressesDoNotCollide(t *testing.T) {
	out := Merge([]model.Building{
		b("1", "", 38.71, -9.13),
		b("2", "", 38.72, -9.13),
	})
	assert.Len(t, out, 2)
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "12 wilson avenue", NormalizeAddress("  12,  Wilson   Avenue. "))
	assert.Equal(t, "rua dos remédios 5", NormalizeAddress("Rua dos Remédios, 5"))
	assert.Equal(t, "", NormalizeAddress(" ,. "))
}
