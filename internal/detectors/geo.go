package detectors

import "math"

// EarthRadiusMeters is the mean Earth radius used for great-circle distance.
const EarthRadiusMeters = 6371000.0

// Haversine returns the great-circle distance in meters between two points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := math.Pi / 180
	dLat := (lat2 - lat1) * toRad
	dLon := (lon2 - lon1) * toRad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*toRad)*math.Cos(lat2*toRad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// Point is one fix tagged with the submission it came from.
type Point struct {
	Lat, Lon     float64
	SubmissionID string
}

// Noise labels points that belong to no cluster.
const Noise = -1

// DBSCAN clusters points by density. A point is core when at least minPts
// points (itself included) lie within eps meters. It returns one label per
// point: a cluster id >= 0, or Noise.
func DBSCAN(points []Point, eps float64, minPts int) []int {
	const unvisited = -2

	labels := make([]int, len(points))
	for i := range labels {
		labels[i] = unvisited
	}

	neighbors := func(i int) []int {
		var out []int
		for j := range points {
			if Haversine(points[i].Lat, points[i].Lon, points[j].Lat, points[j].Lon) <= eps {
				out = append(out, j)
			}
		}
		return out
	}

	cluster := 0
	for i := range points {
		if labels[i] != unvisited {
			continue
		}
		seeds := neighbors(i)
		if len(seeds) < minPts {
			labels[i] = Noise
			continue
		}

		labels[i] = cluster
		for k := 0; k < len(seeds); k++ {
			j := seeds[k]
			if labels[j] == Noise {
				labels[j] = cluster // border point
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = cluster
			if more := neighbors(j); len(more) >= minPts {
				seeds = append(seeds, more...)
			}
		}
		cluster++
	}
	return labels
}
