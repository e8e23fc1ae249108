// Package osm extracts tram lines and stops from OpenStreetMap PBF extracts
package osm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"runtime"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	"go.uber.org/zap"

	"github.com/chrneumann/frankfurt-tram-lines/internal/logging"
	"github.com/chrneumann/frankfurt-tram-lines/models"
)

// lineNameRegex matches relation names like "Tram 16: Offenbach => Ginnheim".
// Intermediate stops between from and to are dropped.
var lineNameRegex = regexp.MustCompile(`^Tram (.*): (.*?) =[ ]?> (?:.* => )?(.*)$`)

// ErrUnparseableName is returned for route names that are not tram lines
var ErrUnparseableName = errors.New("unparseable line name")

// ParseLineName splits a route relation name into number, from and to
func ParseLineName(name string) (number int, from, to string, err error) {
	m := lineNameRegex.FindStringSubmatch(name)
	if m == nil {
		return 0, "", "", fmt.Errorf("%w: %q", ErrUnparseableName, name)
	}
	number, err = strconv.Atoi(m[1])
	if err != nil {
		return 0, "", "", fmt.Errorf("%w: line number %q in %q", ErrUnparseableName, m[1], name)
	}
	return number, m[2], m[3], nil
}

// Opener opens the PBF for one pass over it
type Opener func() (io.ReadCloser, error)

// FileOpener opens the PBF at path
func FileOpener(path string) Opener {
	return func() (io.ReadCloser, error) {
		return os.Open(path)
	}
}

// Pass names the object type read by one pass over the data
type Pass int

const (
	RelationPass Pass = iota
	WayPass
	NodePass
)

// Source starts one pass over OSM data. The returned scanner may yield
// objects of other types; they are ignored.
type Source func(ctx context.Context, pass Pass) (osm.Scanner, error)

// PBFSource reads the PBF opened by open, decoding only the objects a pass needs
func PBFSource(open Opener) Source {
	procs := runtime.GOMAXPROCS(-1)
	return func(ctx context.Context, pass Pass) (osm.Scanner, error) {
		f, err := open()
		if err != nil {
			return nil, fmt.Errorf("failed to open PBF: %w", err)
		}
		scanner := osmpbf.New(ctx, f, procs)
		scanner.SkipNodes = pass != NodePass
		scanner.SkipWays = pass != WayPass
		scanner.SkipRelations = pass != RelationPass
		return &pbfScanner{Scanner: scanner, file: f}, nil
	}
}

// pbfScanner closes the PBF file together with the scanner
type pbfScanner struct {
	*osmpbf.Scanner
	file io.Closer
}

func (s *pbfScanner) Close() error {
	err := s.Scanner.Close()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// route is a tram line relation awaiting its geometry
type route struct {
	line models.TransportLine
	ways []osm.WayID
}

// Extractor reads transport data in three passes: route relations, their
// member ways, then the nodes of both.
type Extractor struct {
	source Source
	logger *zap.Logger
}

// NewExtractor creates an extractor reading from source
func NewExtractor(source Source, logger *zap.Logger) *Extractor {
	return &Extractor{
		source: source,
		logger: logging.OrNop(logger),
	}
}

// Extract reads the transport data of the PBF opened by open
func Extract(ctx context.Context, open Opener, logger *zap.Logger) (*models.TransportData, error) {
	return NewExtractor(PBFSource(open), logger).Extract(ctx)
}

// Extract returns the stations and tram lines of the extract. Lines are
// sorted by number, from and to.
func (e *Extractor) Extract(ctx context.Context) (*models.TransportData, error) {
	routes, deps, err := e.readRoutes(ctx)
	if err != nil {
		return nil, err
	}

	ways, err := e.readWays(ctx, deps.ways)
	if err != nil {
		return nil, err
	}

	// Any node a route depends on can be a stop, whatever its member role
	nodeIDs := deps.nodes
	for _, nodes := range ways {
		for _, id := range nodes {
			nodeIDs[id] = true
		}
	}
	positions, stations, err := e.readNodes(ctx, nodeIDs)
	if err != nil {
		return nil, err
	}

	data := &models.TransportData{
		Stations: stations,
		Lines:    make([]models.TransportLine, 0, len(routes)),
	}
	for _, r := range routes {
		mls := orb.MultiLineString{}
		for _, wayID := range r.ways {
			ls := orb.LineString{}
			for _, nodeID := range ways[wayID] {
				if p, ok := positions[nodeID]; ok {
					ls = append(ls, p)
				}
			}
			mls = append(mls, ls)
		}
		r.line.Geometry = geojson.NewGeometry(mls)
		data.Lines = append(data.Lines, r.line)
	}
	data.SortLines()

	e.logger.Info("transport lines extracted",
		zap.Int("lines", len(data.Lines)),
		zap.Int("stations", len(data.Stations)),
		zap.Int("ways", len(ways)),
	)
	return data, nil
}

// scan runs one pass, calling fn for every object
func (e *Extractor) scan(ctx context.Context, pass Pass, fn func(osm.Object)) error {
	scanner, err := e.source(ctx, pass)
	if err != nil {
		return err
	}
	defer scanner.Close()

	for scanner.Scan() {
		fn(scanner.Object())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read OSM data: %w", err)
	}
	return nil
}

// routeDeps are the members of all route relations
type routeDeps struct {
	nodes map[osm.NodeID]bool
	ways  map[osm.WayID]bool
}

// readRoutes returns the tram lines and the members of every route
// relation, including those whose name is not a tram line.
func (e *Extractor) readRoutes(ctx context.Context) ([]*route, routeDeps, error) {
	var routes []*route
	deps := routeDeps{
		nodes: make(map[osm.NodeID]bool),
		ways:  make(map[osm.WayID]bool),
	}
	err := e.scan(ctx, RelationPass, func(obj osm.Object) {
		rel, ok := obj.(*osm.Relation)
		if !ok || rel.Tags.Find("route") == "" {
			return
		}
		for _, m := range rel.Members {
			switch m.Type {
			case osm.TypeNode:
				deps.nodes[osm.NodeID(m.Ref)] = true
			case osm.TypeWay:
				deps.ways[osm.WayID(m.Ref)] = true
			}
		}

		name := rel.Tags.Find("name")
		number, from, to, err := ParseLineName(name)
		if err != nil {
			e.logger.Warn("ignoring route relation", zap.Int64("relation", int64(rel.ID)), zap.Error(err))
			return
		}

		r := &route{line: models.TransportLine{
			Number:   number,
			From:     from,
			To:       to,
			Stations: []int64{},
		}}
		for _, m := range rel.Members {
			switch m.Role {
			case "":
				if m.Type == osm.TypeWay {
					r.ways = append(r.ways, osm.WayID(m.Ref))
				}
			case "stop":
				if m.Type != osm.TypeNode {
					e.logger.Warn("stop member is not a node",
						zap.Int64("relation", int64(rel.ID)), zap.String("type", string(m.Type)))
					continue
				}
				r.line.Stations = append(r.line.Stations, m.Ref)
			}
		}
		routes = append(routes, r)
	})
	if err != nil {
		return nil, deps, err
	}

	e.logger.Debug("route relations read",
		zap.Int("routes", len(routes)),
		zap.Int("member_nodes", len(deps.nodes)),
		zap.Int("member_ways", len(deps.ways)),
	)
	return routes, deps, nil
}

func (e *Extractor) readWays(ctx context.Context, wanted map[osm.WayID]bool) (map[osm.WayID][]osm.NodeID, error) {
	ways := make(map[osm.WayID][]osm.NodeID, len(wanted))
	err := e.scan(ctx, WayPass, func(obj osm.Object) {
		way, ok := obj.(*osm.Way)
		if !ok || !wanted[way.ID] {
			return
		}
		ways[way.ID] = way.Nodes.NodeIDs()
	})
	if err != nil {
		return nil, err
	}
	if missing := len(wanted) - len(ways); missing > 0 {
		e.logger.Warn("route ways missing from extract", zap.Int("missing", missing))
	}
	return ways, nil
}

func (e *Extractor) readNodes(ctx context.Context, wanted map[osm.NodeID]bool) (map[osm.NodeID]orb.Point, map[int64]models.Station, error) {
	positions := make(map[osm.NodeID]orb.Point, len(wanted))
	stations := make(map[int64]models.Station)

	err := e.scan(ctx, NodePass, func(obj osm.Object) {
		node, ok := obj.(*osm.Node)
		if !ok || !wanted[node.ID] {
			return
		}
		positions[node.ID] = node.Point()

		if node.Tags.Find("railway") != "tram_stop" {
			return
		}
		name := node.Tags.Find("name")
		if name == "" {
			e.logger.Warn("ignoring tram stop without name", zap.Int64("node", int64(node.ID)))
			return
		}
		stations[int64(node.ID)] = models.Station{
			ID:       int64(node.ID),
			Name:     name,
			Position: node.Point(),
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return positions, stations, nil
}
