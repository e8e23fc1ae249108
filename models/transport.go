package models

import (
	"errors"
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Station represents a tram stop extracted from OpenStreetMap.
// Several stations may share a name (one per platform or side of the street).
type Station struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	Position orb.Point `json:"position"` // [lon, lat]
}

// TransportLine represents one direction of a transport line
type TransportLine struct {
	Number int    `json:"number"`
	From   string `json:"from"` // Departure location
	To     string `json:"to"`   // Destination location

	// Route geometry, usually a MultiLineString. Passed through uninterpreted.
	Geometry *geojson.Geometry `json:"geometry"`

	// Station ids of the stops, in travel order
	Stations []int64 `json:"stations"`
}

// Key returns the identifier of the line derived from number, from and to.
// Unique within one dataset, not globally.
func (l TransportLine) Key() string {
	return fmt.Sprintf("%d%s%s", l.Number, l.From, l.To)
}

// Label returns the text shown for the line in the line selector
func (l TransportLine) Label() string {
	return fmt.Sprintf("%d %s ➤ %s", l.Number, l.From, l.To)
}

// OrbGeometry returns the line geometry or nil when the line has none
func (l TransportLine) OrbGeometry() orb.Geometry {
	if l.Geometry == nil {
		return nil
	}
	return l.Geometry.Geometry()
}

// TransportData is the transport network as served to the map.
// It is immutable once fetched; a new fetch replaces it entirely.
type TransportData struct {
	Stations map[int64]Station `json:"stations"`
	Lines    []TransportLine   `json:"lines"`
}

// SortedStations returns the stations ordered by ascending id.
// This is the traversal order used when building map collections.
func (d *TransportData) SortedStations() []Station {
	if d == nil {
		return nil
	}
	stations := make([]Station, 0, len(d.Stations))
	for _, s := range d.Stations {
		stations = append(stations, s)
	}
	sort.Slice(stations, func(i, j int) bool {
		return stations[i].ID < stations[j].ID
	})
	return stations
}

// LineOptions returns the selector options for all lines, in dataset order
func (d *TransportData) LineOptions() []LineOption {
	if d == nil {
		return []LineOption{}
	}
	options := make([]LineOption, 0, len(d.Lines))
	for _, line := range d.Lines {
		options = append(options, LineOption{ID: line.Key(), Label: line.Label()})
	}
	return options
}

// SortLines orders lines by number, then from, then to
func (d *TransportData) SortLines() {
	sort.SliceStable(d.Lines, func(i, j int) bool {
		a, b := d.Lines[i], d.Lines[j]
		if a.Number != b.Number {
			return a.Number < b.Number
		}
		if a.From != b.From {
			return a.From < b.From
		}
		return a.To < b.To
	})
}

// Validate checks the dataset invariants: no duplicate derived line keys
// and every referenced station exists.
func (d *TransportData) Validate() error {
	if d == nil {
		return errors.New("transport data is nil")
	}

	var errs []error
	for id, s := range d.Stations {
		if s.ID != id {
			errs = append(errs, fmt.Errorf("station %d stored under id %d", s.ID, id))
		}
	}

	seen := make(map[string]bool, len(d.Lines))
	for _, line := range d.Lines {
		key := line.Key()
		if seen[key] {
			errs = append(errs, fmt.Errorf("duplicate line key %q", key))
		}
		seen[key] = true

		for _, stationID := range line.Stations {
			if _, ok := d.Stations[stationID]; !ok {
				errs = append(errs, fmt.Errorf("line %q references unknown station %d", key, stationID))
			}
		}
	}

	return errors.Join(errs...)
}

// LineOption is one entry of the line selector
type LineOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}
