package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"territory-api/internal/geo"
	"territory-api/internal/model"
	"territory-api/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func draft() model.TerritoryDraft {
	ring := geo.BBox{MinLat: 38.71, MinLng: -9.131, MaxLat: 38.712, MaxLng: -9.129}.Ring()
	return model.TerritoryDraft{
		Name:      "Alfama 1",
		Boundary:  ring,
		Buildings: []model.Building{{Address: "12 Rua A", Lat: 38.711, Lng: -9.13, Confidence: 0.9}},
		ZoneType:  "residential",
	}
}

type recorder struct {
	paths  []string
	bodies []map[string]any
}

func server(t *testing.T, validate string) (*httptest.Server, *recorder) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.paths = append(rec.paths, r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(raw, &m)
		rec.bodies = append(rec.bodies, m)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/territories/validate":
			_, _ = w.Write([]byte(validate))
		case "/territories":
			_, _ = w.Write([]byte(`{"id":"t-42"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestSaveValidatesFirst(t *testing.T) {
	srv, rec := server(t, `{"hasOverlap":false,"overlappingZones":[],"duplicateBuildings":[],"isValid":true}`)
	c := New(srv.URL, "tok", 0)
	res, err := c.Save(context.Background(), draft())
	require.NoError(t, err)
	assert.Equal(t, "t-42", res.ID)
	assert.Equal(t, []string{"/territories/validate", "/territories"}, rec.paths)

	assert.Contains(t, rec.bodies[0], "boundary")
	assert.Contains(t, rec.bodies[0], "buildingData")
	assert.NotContains(t, rec.bodies[0], "name")
	assert.Equal(t, "Alfama 1", rec.bodies[1]["name"])
	assert.Equal(t, "residential", rec.bodies[1]["zoneType"])
}

func TestOverlapBlocksSave(t *testing.T) {
	srv, rec := server(t, `{"hasOverlap":true,"overlappingZones":[{"id":"z1","name":"Graça 3"}],"duplicateBuildings":[],"isValid":false}`)
	_, err := New(srv.URL, "tok", 0).Save(context.Background(), draft())
	assert.ErrorIs(t, err, ErrOverlapRejected)
	var oe *OverlapError
	require.True(t, errors.As(err, &oe))
	require.Len(t, oe.Result.OverlappingZones, 1)
	assert.JSONEq(t, `{"id":"z1","name":"Graça 3"}`, string(oe.Result.OverlappingZones[0]))
	assert.Equal(t, []string{"/territories/validate"}, rec.paths)
}

func TestValidateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	_, err := New(srv.URL, "", 0).Validate(context.Background(), draft())
	assert.ErrorIs(t, err, provider.ErrProviderError)
}
