package models

import (
	"encoding/json"
	"strings"
	"testing"
)

const sampleJSON = `{
	"stations": {
		"2": {"id": 2, "name": "Central", "position": [2, 0]},
		"1": {"id": 1, "name": "Central", "position": [0, 0]}
	},
	"lines": [
		{
			"number": 5,
			"from": "Central",
			"to": "North",
			"geometry": {"type": "MultiLineString", "coordinates": [[[0, 0], [2, 0]], [[2, 0], [2, 3]]]},
			"stations": [1, 2]
		}
	]
}`

func TestTransportDataUnmarshal(t *testing.T) {
	var data TransportData
	if err := json.Unmarshal([]byte(sampleJSON), &data); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if len(data.Stations) != 2 {
		t.Fatalf("expected 2 stations, got %d", len(data.Stations))
	}
	if got := data.Stations[2].Position; got[0] != 2 || got[1] != 0 {
		t.Errorf("station 2 position = %v, want [2 0]", got)
	}
	if len(data.Lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(data.Lines))
	}
	if data.Lines[0].Geometry == nil || data.Lines[0].OrbGeometry().GeoJSONType() != "MultiLineString" {
		t.Errorf("line geometry not decoded as MultiLineString: %+v", data.Lines[0].Geometry)
	}
	if err := data.Validate(); err != nil {
		t.Errorf("valid dataset reported error: %v", err)
	}
}

func TestTransportLineKeyAndLabel(t *testing.T) {
	line := TransportLine{Number: 5, From: "Central", To: "North"}
	if got := line.Key(); got != "5CentralNorth" {
		t.Errorf("Key() = %q, want %q", got, "5CentralNorth")
	}
	if got := line.Label(); got != "5 Central ➤ North" {
		t.Errorf("Label() = %q", got)
	}
}

func TestSortedStations(t *testing.T) {
	data := &TransportData{Stations: map[int64]Station{
		30: {ID: 30, Name: "C"},
		10: {ID: 10, Name: "A"},
		20: {ID: 20, Name: "B"},
	}}
	stations := data.SortedStations()
	for i, want := range []int64{10, 20, 30} {
		if stations[i].ID != want {
			t.Errorf("stations[%d].ID = %d, want %d", i, stations[i].ID, want)
		}
	}

	var nilData *TransportData
	if got := nilData.SortedStations(); got != nil {
		t.Errorf("nil data should yield nil stations, got %v", got)
	}
}

func TestSortLines(t *testing.T) {
	data := &TransportData{Lines: []TransportLine{
		{Number: 12, From: "A", To: "B"},
		{Number: 2, From: "Z", To: "A"},
		{Number: 2, From: "B", To: "C"},
		{Number: 2, From: "B", To: "A"},
	}}
	data.SortLines()

	want := []string{"2BA", "2BC", "2ZA", "12AB"}
	for i, line := range data.Lines {
		if line.Key() != want[i] {
			t.Errorf("Lines[%d] = %s, want %s", i, line.Key(), want[i])
		}
	}
}

func TestValidate(t *testing.T) {
	data := &TransportData{
		Stations: map[int64]Station{1: {ID: 1, Name: "A"}},
		Lines: []TransportLine{
			{Number: 1, From: "A", To: "B", Stations: []int64{1, 99}},
			{Number: 1, From: "A", To: "B"},
		},
	}

	err := data.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	if !strings.Contains(err.Error(), "duplicate line key") {
		t.Errorf("missing duplicate key error: %v", err)
	}
	if !strings.Contains(err.Error(), "unknown station 99") {
		t.Errorf("missing unknown station error: %v", err)
	}
}

func TestLineOptions(t *testing.T) {
	data := &TransportData{Lines: []TransportLine{
		{Number: 1, From: "A", To: "B"},
		{Number: 2, From: "C", To: "D"},
	}}
	options := data.LineOptions()
	if len(options) != 2 {
		t.Fatalf("expected 2 options, got %d", len(options))
	}
	if options[1].ID != "2CD" || options[1].Label != "2 C ➤ D" {
		t.Errorf("unexpected option: %+v", options[1])
	}

	var nilData *TransportData
	if got := nilData.LineOptions(); len(got) != 0 {
		t.Errorf("nil data should yield no options, got %v", got)
	}
}
