package detectors

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// maxClusterMembers caps the submission ids recorded as cluster evidence.
const maxClusterMembers = 20

// GPS flags an enumerator whose submissions pile up on one spot
// (density clustering), whose fixes move faster than travel allows, or
// whose fixes sit on top of another enumerator's recent fixes.
type GPS struct {
	history SubmissionHistory
}

// NewGPS creates the GPS detector. A nil history clusters the submission's own fixes only.
func NewGPS(history SubmissionHistory) *GPS {
	return &GPS{history: history}
}

func (d *GPS) Key() string               { return domain.DetectorGPS }
func (d *GPS) Category() domain.Category { return domain.CategoryGPS }

func (d *GPS) Detect(ctx context.Context, sub *domain.Submission, snap *domain.Snapshot) (domain.DetectionResult, error) {
	if len(sub.Fixes) < 2 {
		return domain.NotApplicable(d.Key(), d.Category(), "fewer than 2 gps fixes"), nil
	}
	for i, f := range sub.Fixes {
		if !f.Valid() {
			return domain.DetectionResult{}, fmt.Errorf("%w: gps fix %d is not a valid coordinate", domain.ErrMalformedInput, i)
		}
	}

	clusterRules, clusterOn := snap.Values(rules.GPSClusterRadius, rules.GPSClusterMinSamples, rules.GPSClusterWindow)
	teleportCap, teleportOn := snap.Value(rules.GPSTeleportSpeed)
	dupRules, dupOn := snap.Values(rules.GPSDuplicateCoordRadius, rules.GPSClusterWindow)
	dupOn = dupOn && d.history != nil
	if !clusterOn && !teleportOn && !dupOn {
		return domain.NotApplicable(d.Key(), d.Category(), ReasonRuleDisabled), nil
	}

	evidence := map[string]any{}
	var triggered []string
	score := 0.0

	if clusterOn {
		s, hit, ev, err := d.cluster(ctx, sub, clusterRules)
		if err != nil {
			return domain.DetectionResult{}, err
		}
		evidence["cluster"] = ev
		score = math.Max(score, s)
		if hit {
			triggered = append(triggered, rules.SubRuleGPSCluster)
		}
	}

	if teleportOn {
		s, hit, ev := teleport(sub.Fixes, teleportCap)
		evidence["teleport"] = ev
		score = math.Max(score, s)
		if hit {
			triggered = append(triggered, rules.SubRuleGPSTeleport)
		}
	}

	if dupOn {
		s, hit, ev, err := d.duplicateCoords(ctx, sub, dupRules)
		if err != nil {
			return domain.DetectionResult{}, err
		}
		evidence["duplicate_coords"] = ev
		score = math.Max(score, s)
		if hit {
			triggered = append(triggered, rules.SubRuleGPSDuplicateFix)
		}
	}

	res := domain.Applicable(d.Key(), d.Category(), score, len(triggered) > 0, evidence)
	res.TriggeredRules = triggered
	return res, nil
}

func (d *GPS) cluster(ctx context.Context, sub *domain.Submission, v map[string]float64) (float64, bool, map[string]any, error) {
	radius := v[rules.GPSClusterRadius]
	minPts := int(v[rules.GPSClusterMinSamples])
	window := time.Duration(v[rules.GPSClusterWindow] * float64(time.Hour))

	points := make([]Point, 0, len(sub.Fixes))
	for _, f := range sub.Fixes {
		points = append(points, Point{Lat: float64(f.Lat), Lon: float64(f.Lon), SubmissionID: sub.ID})
	}
	own := len(points)

	if d.history != nil {
		recent, err := d.history.RecentByEnumerator(ctx, sub.EnumeratorID, sub.SubmittedAt.Add(-window), sub.SubmittedAt)
		if err != nil {
			return 0, false, nil, fmt.Errorf("load recent submissions: %w", err)
		}
		for _, prev := range recent {
			if prev.ID == sub.ID {
				continue
			}
			for _, f := range prev.Fixes {
				if f.Valid() {
					points = append(points, Point{Lat: float64(f.Lat), Lon: float64(f.Lon), SubmissionID: prev.ID})
				}
			}
		}
	}

	labels := DBSCAN(points, radius, minPts)

	// Pick the densest cluster that contains one of this submission's fixes.
	best, bestLabel := 0, Noise
	var bestMembers []string
	seen := map[int]bool{}
	for i := 0; i < own; i++ {
		label := labels[i]
		if label == Noise || seen[label] {
			continue
		}
		seen[label] = true
		members := map[string]bool{}
		for j, l := range labels {
			if l == label {
				members[points[j].SubmissionID] = true
			}
		}
		if len(members) > best {
			best, bestLabel = len(members), label
			bestMembers = bestMembers[:0]
			for id := range members {
				bestMembers = append(bestMembers, id)
			}
		}
	}
	sort.Strings(bestMembers)
	if len(bestMembers) > maxClusterMembers {
		bestMembers = bestMembers[:maxClusterMembers]
	}

	ev := map[string]any{
		"radius_m":             radius,
		"min_samples":          minPts,
		"window_h":             v[rules.GPSClusterWindow],
		"points_considered":    len(points),
		"distinct_submissions": best,
	}
	if bestLabel != Noise {
		lat, lon := centroid(points, labels, bestLabel)
		ev["cluster_id"] = bestLabel
		ev["centroid_lat"] = lat
		ev["centroid_lon"] = lon
		ev["members"] = bestMembers
	}

	if best < minPts {
		return 0, false, ev, nil
	}
	// 50 at the trigger point, 100 once the cluster holds twice minPts submissions.
	score := 50 + 50*float64(best-minPts)/float64(minPts)
	return domain.Clamp(score, 0, 100), true, ev, nil
}

// CoordMatch is a fix from another enumerator within the duplicate-coordinate distance.
type CoordMatch struct {
	EnumeratorID string  `json:"enumerator_id"`
	SubmissionID string  `json:"submission_id"`
	DistanceM    float64 `json:"distance_m"`
}

// duplicateCoords compares this submission's fixes with other enumerators'
// fixes inside the cluster window. Identical coordinates score 100; a match
// right at the threshold distance scores 50.
func (d *GPS) duplicateCoords(ctx context.Context, sub *domain.Submission, v map[string]float64) (float64, bool, map[string]any, error) {
	threshold := v[rules.GPSDuplicateCoordRadius]
	window := time.Duration(v[rules.GPSClusterWindow] * float64(time.Hour))

	others, err := d.history.RecentByOthers(ctx, sub.EnumeratorID, sub.SubmittedAt.Add(-window), sub.SubmittedAt)
	if err != nil {
		return 0, false, nil, fmt.Errorf("load other enumerators' submissions: %w", err)
	}

	var matches []CoordMatch
	for _, o := range others {
		if o.ID == sub.ID || o.EnumeratorID == sub.EnumeratorID {
			continue
		}
		nearest := math.Inf(1)
		for _, of := range o.Fixes {
			if !of.Valid() {
				continue
			}
			for _, f := range sub.Fixes {
				nearest = math.Min(nearest, Haversine(float64(f.Lat), float64(f.Lon), float64(of.Lat), float64(of.Lon)))
			}
		}
		if nearest < threshold {
			matches = append(matches, CoordMatch{
				EnumeratorID: o.EnumeratorID,
				SubmissionID: o.ID,
				DistanceM:    math.Round(nearest*10) / 10,
			})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].DistanceM != matches[j].DistanceM {
			return matches[i].DistanceM < matches[j].DistanceM
		}
		return matches[i].SubmissionID < matches[j].SubmissionID
	})

	ev := map[string]any{
		"threshold_m":         threshold,
		"window_h":            v[rules.GPSClusterWindow],
		"submissions_checked": len(others),
	}
	if len(matches) == 0 {
		return 0, false, ev, nil
	}
	closest := matches[0].DistanceM
	if len(matches) > maxClusterMembers {
		matches = matches[:maxClusterMembers]
	}
	ev["matches"] = matches
	return domain.Clamp(100-50*closest/threshold, 50, 100), true, ev, nil
}

func centroid(points []Point, labels []int, label int) (float64, float64) {
	var lat, lon float64
	n := 0
	for i, l := range labels {
		if l == label {
			lat += points[i].Lat
			lon += points[i].Lon
			n++
		}
	}
	return lat / float64(n), lon / float64(n)
}

// teleport scores the fastest implied travel speed between consecutive fixes.
// Pairs with no elapsed time are skipped.
func teleport(fixes []domain.GPSFix, capKmh float64) (float64, bool, map[string]any) {
	maxSpeed := 0.0
	maxPair := -1
	skipped := 0
	for i := 1; i < len(fixes); i++ {
		a, b := fixes[i-1], fixes[i]
		elapsed := b.CapturedAt.Sub(a.CapturedAt)
		if elapsed <= 0 {
			skipped++
			continue
		}
		meters := Haversine(float64(a.Lat), float64(a.Lon), float64(b.Lat), float64(b.Lon))
		kmh := (meters / 1000) / elapsed.Hours()
		if kmh > maxSpeed {
			maxSpeed, maxPair = kmh, i
		}
	}

	ev := map[string]any{
		"max_speed_kmh": maxSpeed,
		"cap_kmh":       capKmh,
		"pairs_skipped": skipped,
	}
	if maxPair > 0 {
		ev["pair_index"] = maxPair
	}
	if maxSpeed <= capKmh {
		return 0, false, ev
	}
	return domain.Clamp(100*(maxSpeed-capKmh)/capKmh, 0, 100), true, ev
}
