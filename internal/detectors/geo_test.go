package detectors

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversine(t *testing.T) {
	assert.Zero(t, Haversine(6.5, 3.4, 6.5, 3.4))

	// One degree of latitude is roughly 111.2 km.
	d := Haversine(0, 0, 1, 0)
	assert.InDelta(t, 111195, d, 50)

	// Lagos to Abuja, roughly 525 km.
	d = Haversine(6.5244, 3.3792, 9.0765, 7.3986)
	assert.InDelta(t, 525000, d, 10000)

	assert.Equal(t, Haversine(1, 2, 3, 4), Haversine(3, 4, 1, 2))
}

func TestDBSCAN(t *testing.T) {
	points := []Point{
		{Lat: 6.50000, Lon: 3.40000, SubmissionID: "a"},
		{Lat: 6.50010, Lon: 3.40000, SubmissionID: "b"},
		{Lat: 6.50000, Lon: 3.40010, SubmissionID: "c"},
		{Lat: 7.00000, Lon: 3.90000, SubmissionID: "far"},
	}

	labels := DBSCAN(points, 50, 3)
	assert.Equal(t, labels[0], labels[1])
	assert.Equal(t, labels[0], labels[2])
	assert.NotEqual(t, Noise, labels[0])
	assert.Equal(t, Noise, labels[3])

	// A tighter radius leaves everything as noise.
	for _, l := range DBSCAN(points, 5, 3) {
		assert.Equal(t, Noise, l)
	}
}

func TestDBSCANChainsThroughCorePoints(t *testing.T) {
	// Points 30 m apart in a line: each interior point has its neighbours within 40 m.
	var points []Point
	for i := 0; i < 6; i++ {
		points = append(points, Point{Lat: 6.5 + float64(i)*0.00027, Lon: 3.4})
	}
	labels := DBSCAN(points, 40, 3)
	for _, l := range labels {
		assert.Equal(t, 0, l)
	}
}

func TestMedianAndBootstrap(t *testing.T) {
	assert.True(t, math.IsNaN(Median(nil)))
	assert.Equal(t, 2.0, Median([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, Median([]float64{4, 1, 3, 2}))

	xs := []float64{600, 620, 580, 700, 640, 610, 590, 605}
	lo1, c1 := BootstrapMedian(xs, 500, 0.95, "sub-1")
	lo2, c2 := BootstrapMedian(xs, 500, 0.95, "sub-1")
	assert.Equal(t, lo1, lo2)
	assert.Equal(t, c1, c2)
	assert.LessOrEqual(t, lo1, c1)
	assert.GreaterOrEqual(t, lo1, 580.0)

	lo, _ := BootstrapMedian(nil, 10, 0.95, "x")
	assert.True(t, math.IsNaN(lo))
}
