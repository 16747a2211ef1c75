// Package geodesy computes great-circle distances and the distance anomaly
// score used by the verification pipeline.
package geodesy

import "math"

const (
	earthRadiusM = 6371000.0

	// maxCellRangeM is the assumed absolute maximum practical range of a
	// cell tower.
	maxCellRangeM = 75000.0

	// toleranceBandM is the assumed absolute tolerance band for combined
	// error margins; the anomaly score ramps from 0 to 1 across it.
	toleranceBandM = 150000.0
)

// Distance returns the haversine great-circle distance in meters between two
// WGS84 coordinates.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Score rates how implausible the straight-line distance between a user
// location and a reference cell location is, on [0, 1]. 0 means the cell is
// plausibly where it claims to be, 1 means it is certainly too far away even
// allowing generous margins.
//
// distanceM is the user-to-cell distance, userAccuracyM and cellAccuracyM
// the horizontal accuracies of the two locations, speedMS the user speed.
// A moving user widens the allowance by (v/2)^1.1 kilometers.
func Score(distanceM, userAccuracyM, cellAccuracyM, speedMS float64) float64 {
	allowance := maxCellRangeM + userAccuracyM + cellAccuracyM +
		math.Pow(speedMS/2, 1.1)*1000

	raw := (distanceM - allowance) / toleranceBandM
	if raw < 0 {
		return 0
	}
	if raw > 1 {
		return 1
	}
	return raw
}
