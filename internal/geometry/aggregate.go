// Package geometry turns transport data into the feature collections the
// map sources are built from. All functions are pure and never fail:
// geometries are passed through as-is and are not validated.
package geometry

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/chrneumann/frankfurt-tram-lines/models"
)

// NameProperty is the feature property carrying a station name
const NameProperty = "name"

// BuildLineCollection returns one feature per line with the line geometry
// copied verbatim and no properties.
func BuildLineCollection(lines []models.TransportLine) *geojson.FeatureCollection {
	collection := geojson.NewFeatureCollection()
	for _, line := range lines {
		collection.Append(geojson.NewFeature(line.OrbGeometry()))
	}
	return collection
}

// BuildStationCollections returns a point per station and a point per
// station name. Stations sharing an exact name are grouped and represented
// by the centroid of their positions. Groups keep the order in which their
// first member was seen.
func BuildStationCollections(stations []models.Station) (points, centroids *geojson.FeatureCollection) {
	points = geojson.NewFeatureCollection()

	var names []string
	groups := make(map[string]orb.MultiPoint)
	for _, station := range stations {
		feature := geojson.NewFeature(station.Position)
		feature.Properties[NameProperty] = station.Name
		points.Append(feature)

		if _, ok := groups[station.Name]; !ok {
			names = append(names, station.Name)
		}
		groups[station.Name] = append(groups[station.Name], station.Position)
	}

	centroids = geojson.NewFeatureCollection()
	for _, name := range names {
		feature := geojson.NewFeature(Centroid(groups[name]))
		feature.Properties[NameProperty] = name
		centroids.Append(feature)
	}

	return points, centroids
}

// Centroid returns the centroid of a point cloud, the arithmetic mean of
// its coordinates. The zero point is returned for an empty cloud.
func Centroid(positions orb.MultiPoint) orb.Point {
	centroid, _ := planar.CentroidArea(positions)
	return centroid
}

// FilterLineByKey returns the geometries of every line whose derived key
// equals key. Usually zero or one feature.
func FilterLineByKey(lines []models.TransportLine, key string) *geojson.FeatureCollection {
	collection := geojson.NewFeatureCollection()
	for _, line := range lines {
		if line.Key() == key {
			collection.Append(geojson.NewFeature(line.OrbGeometry()))
		}
	}
	return collection
}

// Bound returns the bounding box covering all geometries of the collection.
// ok is false when the collection holds no geometry.
func Bound(collection *geojson.FeatureCollection) (bound orb.Bound, ok bool) {
	if collection == nil {
		return orb.Bound{}, false
	}
	for _, feature := range collection.Features {
		if feature == nil || feature.Geometry == nil {
			continue
		}
		b := feature.Geometry.Bound()
		if !ok {
			bound, ok = b, true
			continue
		}
		bound = bound.Union(b)
	}
	return bound, ok
}
