package main

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"territory-api/internal/detection"
	"territory-api/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandsRegistered(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"resolve", "streets", "detect"}, names)

	detect, _, err := root.Find([]string{"detect"})
	require.NoError(t, err)
	require.NoError(t, detect.ParseFlags([]string{"--street", "Rua A", "-s", "Rua B", "--community", "Alfama"}))
	streets, err := detect.Flags().GetStringSlice("street")
	require.NoError(t, err)
	assert.Equal(t, []string{"Rua A", "Rua B"}, streets)
}

func TestStreetsRequiresCommunity(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"streets", "--municipality", "Lisboa"})
	root.SetOut(&bytes.Buffer{})
	err := root.Execute()
	assert.EqualError(t, err, "--community is required")
}

func TestSelectedStreets(t *testing.T) {
	got := selectedStreets([]string{" Rua A ", "rua a", "", "Rua B"})
	require.Len(t, got, 2)
	assert.Equal(t, "Rua A", got[0].Name)
	assert.Equal(t, model.SourceFallback, got[1].Source)
	assert.Nil(t, selectedStreets(nil))
}

func TestScopeParentsNearestFirst(t *testing.T) {
	sc := scope{area: "Lisboa District", municipality: "Lisboa"}
	ps := sc.parents()
	require.Len(t, ps, 2)
	assert.Equal(t, "Lisboa", ps[0].Name)
	assert.Equal(t, model.LevelArea, ps[1].Level)
}

func TestRenderAndSummary(t *testing.T) {
	out := &detection.Outcome{
		Draft:     model.TerritoryDraft{Name: "Alfama"},
		Buildings: 12, Synthesized: 3, AreaM2: 52000, DensityPerHa: 2.3, APICalls: 41,
		Warnings: []string{"Rua B: no buildings found (building-query: timeout)"},
	}
	var buf bytes.Buffer
	require.NoError(t, render(&buf, "text", out, func(w io.Writer) { summary(w, out) }))
	assert.Contains(t, buf.String(), "buildings:   12 (3 estimated)")
	assert.Contains(t, buf.String(), "warning:     Rua B")

	buf.Reset()
	require.NoError(t, render(&buf, "json", out, nil))
	assert.Contains(t, buf.String(), `"api_calls": 41`)

	buf.Reset()
	printFailure(&buf, &detection.Failure{Kind: detection.ErrNoBuildingsDetected, Warnings: []string{"w1"}})
	assert.Equal(t, "warning: w1\n", buf.String())
	buf.Reset()
	printFailure(&buf, errors.New("plain"))
	assert.Empty(t, buf.String())
}
