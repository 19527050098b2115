// Package tracker implements the two high-level pointing operations of
// spec §4.7: start_tracking, which solves the current alignment and hands
// the firmware a full celestial-tracking solution, and goto_approximate,
// a coarse single-point slew that needs no solved rotation at all.
package tracker

import (
	"fmt"
	"log"
	"math"
	"time"

	"github.com/tada66/BPrpi4SW/pkg/align"
	"github.com/tada66/BPrpi4SW/pkg/celestial"
	"github.com/tada66/BPrpi4SW/pkg/mount"
	"github.com/tada66/BPrpi4SW/pkg/rotation"
)

// AltitudeWarningDeg is the predicted-altitude threshold above which
// StartTracking logs a near-zenith warning (spec §4.7).
const AltitudeWarningDeg = 80.0

// Tracker ties together the recorded alignment points, the rotation
// solver, and the command façade to drive the two pointing operations.
type Tracker struct {
	Store       *align.Store
	Mount       *mount.Mount
	LatitudeDeg float64
	LongitudeDeg float64

	// Now, when set, overrides time.Now for deterministic tests.
	Now func() time.Time
}

// New wires a Tracker from its dependencies.
func New(store *align.Store, m *mount.Mount, latitudeDeg, longitudeDeg float64) *Tracker {
	return &Tracker{Store: store, Mount: m, LatitudeDeg: latitudeDeg, LongitudeDeg: longitudeDeg, Now: time.Now}
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *Tracker) lstAt(ts time.Time) float64 {
	utc := ts.UTC()
	jd := celestial.JulianDate(utc.Year(), int(utc.Month()), float64(utc.Day()), utc.Hour(), utc.Minute(), utc.Second())
	gmst := celestial.GMSTHours(jd)
	return celestial.LSTHours(gmst, t.LongitudeDeg)
}

// StartTracking snapshots now as T_ref, re-solves the alignment rotation
// with sky vectors reframed to that reference, and — if the solution
// survives the accept/reject gate — sends CMD_TRACK_CELESTIAL describing
// the target and the solved rotation. It returns the solution, also when
// the gate rejects it or the command fails, so callers can inspect its
// verdict and residuals; with fewer than two points or a solver error it
// returns a nil solution.
func (t *Tracker) StartTracking(raHours, decDeg float64) (*rotation.Solution, error) {
	points := t.Store.All()
	if len(points) < 2 {
		return nil, fmt.Errorf("tracker: need at least 2 alignment points, have %d", len(points))
	}

	refTime := t.now()

	pairs := make([]rotation.Pair, len(points))
	for i, p := range points {
		sky := celestial.SkyUnitVector(p.RAHours, p.DecDeg, refTime.Unix(), p.CapturedAt.Unix())
		mountVec := celestial.MountUnitVector(p.MountX, p.MountZ)
		pairs[i] = rotation.Pair{Sky: sky, Mount: mountVec}
	}

	sol, err := rotation.Solve(pairs)
	if err != nil {
		return nil, fmt.Errorf("tracker: solve alignment: %w", err)
	}
	if sol.Verdict == rotation.VerdictUnaligned {
		return sol, fmt.Errorf("tracker: alignment solution rejected (avg residual %.3f deg, max pair delta %.3f deg)", sol.AvgResidualDeg, sol.MaxPairDeltaDeg)
	}

	targetSky := celestial.SkyUnitVector(raHours, decDeg, refTime.Unix(), refTime.Unix())
	predictedMount := rotation.ApplyRotation(sol.R, targetSky)
	predictedAlt := math.Asin(clampUnit(predictedMount[2])) * 180 / math.Pi
	if predictedAlt > AltitudeWarningDeg {
		log.Printf("tracker: predicted initial altitude %.2f deg exceeds %.0f deg, near the zenith singularity", predictedAlt, AltitudeWarningDeg)
	}

	var r [9]float32
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i*3+j] = float32(sol.R.At(i, j))
		}
	}

	if err := t.Mount.TrackCelestial(float32(raHours), float32(decDeg), r, refTime, float32(t.LatitudeDeg)); err != nil {
		return sol, fmt.Errorf("tracker: send track-celestial command: %w", err)
	}
	return sol, nil
}

// GotoApproximate needs only the most recently recorded alignment point:
// it compares that point's true sky alt/az at its own capture time against
// the target's alt/az right now, and issues the difference as two
// relative moves (spec §4.7).
func (t *Tracker) GotoApproximate(raHours, decDeg float64) error {
	points := t.Store.All()
	if len(points) < 1 {
		return fmt.Errorf("tracker: need at least 1 recorded alignment point")
	}
	p1 := points[len(points)-1]

	p1Alt, p1Az := celestial.AltAz(p1.RAHours, p1.DecDeg, t.lstAt(p1.CapturedAt), t.LatitudeDeg)

	now := t.now()
	targetAlt, targetAz := celestial.AltAz(raHours, decDeg, t.lstAt(now), t.LatitudeDeg)

	deltaAltArcsec := (targetAlt - p1Alt) * 3600
	deltaAzArcsec := wrapSigned180(targetAz-p1Az) * 3600

	if err := t.Mount.MoveRelative(mount.AxisX, round32(deltaAltArcsec)); err != nil {
		return fmt.Errorf("tracker: move relative altitude: %w", err)
	}
	if err := t.Mount.MoveRelative(mount.AxisZ, round32(deltaAzArcsec)); err != nil {
		return fmt.Errorf("tracker: move relative azimuth: %w", err)
	}
	return nil
}

// wrapSigned180 reduces deg to (-180, +180].
func wrapSigned180(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg <= -180 {
		deg += 360
	} else if deg > 180 {
		deg -= 360
	}
	return deg
}

func round32(v float64) int32 {
	return int32(math.Round(v))
}

func clampUnit(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}
