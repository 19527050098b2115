// Package rotation solves for the 3x3 rotation that maps sky unit vectors
// to mount unit vectors (spec §4.6): an exact two-vector basis
// construction for two alignment points, and Wahba's problem via a
// hand-rolled cyclic-Jacobi SVD of the 3x3 cross-covariance for three or
// more. Matrix storage, transpose, multiply and determinant are gonum/mat
// (grounded on the rest of the retrieval pack's manifests, which list
// gonum.org/v1/gonum as a direct dependency for exactly this kind of small
// dense linear algebra); the Jacobi sweep and SVD assembly are hand-written
// because they must reproduce the spec's fixed sign/sweep convention
// exactly, which a generic mat.SVD call would not guarantee.
package rotation

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Vec3 is a plain 3-vector; celestial.SkyUnitVector/MountUnitVector return
// this same [3]float64 shape so callers can pass their results straight
// through.
type Vec3 = [3]float64

// Pair is one sky/mount unit-vector correspondence. Solve refers back to a
// pair's originating alignment point by its index in the input slice.
type Pair struct {
	Sky   Vec3
	Mount Vec3
}

func dot(a, b Vec3) float64 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }

func cross(a, b Vec3) Vec3 {
	return Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func normalize(v Vec3) Vec3 {
	n := math.Sqrt(dot(v, v))
	if n == 0 {
		return v
	}
	return Vec3{v[0] / n, v[1] / n, v[2] / n}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// columns builds a 3x3 matrix whose columns are a, b, c.
func columns(a, b, c Vec3) *mat.Dense {
	m := mat.NewDense(3, 3, nil)
	for r := 0; r < 3; r++ {
		m.Set(r, 0, a[r])
		m.Set(r, 1, b[r])
		m.Set(r, 2, c[r])
	}
	return m
}

// TwoStarRotation builds the exact rotation from two non-collinear
// sky/mount pairs via the orthonormal-basis construction of spec §4.6.
func TwoStarRotation(p0, p1 Pair) (*mat.Dense, error) {
	skyB1 := normalize(p0.Sky)
	skyCross := cross(p0.Sky, p1.Sky)
	if math.Sqrt(dot(skyCross, skyCross)) < 1e-12 {
		return nil, fmt.Errorf("rotation: sky vectors are collinear")
	}
	skyB2 := normalize(skyCross)
	skyB3 := cross(skyB1, skyB2)

	mountB1 := normalize(p0.Mount)
	mountB2 := normalize(cross(p0.Mount, p1.Mount))
	mountB3 := cross(mountB1, mountB2)

	s := columns(skyB1, skyB2, skyB3)
	m := columns(mountB1, mountB2, mountB3)

	var st mat.Dense
	st.CloneFrom(s.T())

	r := mat.NewDense(3, 3, nil)
	r.Mul(m, &st)
	return r, nil
}

// WahbaRotation solves for the least-squares rotation over three or more
// sky/mount pairs (spec §4.6 "N>=3 path").
func WahbaRotation(pairs []Pair) (*mat.Dense, error) {
	if len(pairs) < 3 {
		return nil, fmt.Errorf("rotation: Wahba solve needs at least 3 pairs, got %d", len(pairs))
	}

	h := mat.NewDense(3, 3, nil)
	for _, p := range pairs {
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+p.Mount[r]*p.Sky[c])
			}
		}
	}

	var hth mat.Dense
	hth.Mul(h.T(), h)

	v, eigVals := jacobiEigenSym3(&hth)

	var sigma [3]float64
	for i := 0; i < 3; i++ {
		sigma[i] = math.Sqrt(math.Max(0, eigVals[i]))
	}

	var hv mat.Dense
	hv.Mul(h, v)

	u := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		if sigma[i] < 1e-10 {
			continue
		}
		for r := 0; r < 3; r++ {
			u.Set(r, i, hv.At(r, i)/sigma[i])
		}
	}

	d := sign(mat.Det(u) * mat.Det(v))
	diag := mat.NewDense(3, 3, nil)
	diag.Set(0, 0, 1)
	diag.Set(1, 1, 1)
	diag.Set(2, 2, d)

	var ud mat.Dense
	ud.Mul(u, diag)

	var vt mat.Dense
	vt.CloneFrom(v.T())

	r := mat.NewDense(3, 3, nil)
	r.Mul(&ud, &vt)
	return r, nil
}

func sign(x float64) float64 {
	if x < 0 {
		return -1
	}
	return 1
}

// jacobiEigenSym3 eigendecomposes a symmetric 3x3 matrix via cyclic Jacobi
// rotations, sweeping the three off-diagonal pairs until the largest
// off-diagonal magnitude falls below 1e-15 or 100 sweeps elapse (spec
// §4.6 "SVD of a 3x3").
func jacobiEigenSym3(a *mat.Dense) (*mat.Dense, [3]float64) {
	const maxSweeps = 100
	const tol = 1e-15

	a2 := mat.NewDense(3, 3, nil)
	a2.CloneFrom(a)

	v := mat.NewDense(3, 3, nil)
	v.Set(0, 0, 1)
	v.Set(1, 1, 1)
	v.Set(2, 2, 1)

	for sweep := 0; sweep < maxSweeps; sweep++ {
		maxOff := 0.0
		for p := 0; p < 2; p++ {
			for q := p + 1; q < 3; q++ {
				if m := math.Abs(a2.At(p, q)); m > maxOff {
					maxOff = m
				}
			}
		}
		if maxOff < tol {
			break
		}

		for p := 0; p < 2; p++ {
			for q := p + 1; q < 3; q++ {
				apq := a2.At(p, q)
				if math.Abs(apq) < 1e-300 {
					continue
				}
				app := a2.At(p, p)
				aqq := a2.At(q, q)

				var theta float64
				if app == aqq {
					theta = math.Pi / 4
					if apq < 0 {
						theta = -theta
					}
				} else {
					theta = 0.5 * math.Atan2(-2*apq, app-aqq)
				}
				c := math.Cos(theta)
				s := math.Sin(theta)

				newApp := c*c*app - 2*s*c*apq + s*s*aqq
				newAqq := s*s*app + 2*s*c*apq + c*c*aqq
				a2.Set(p, p, newApp)
				a2.Set(q, q, newAqq)
				a2.Set(p, q, 0)
				a2.Set(q, p, 0)

				for k := 0; k < 3; k++ {
					if k == p || k == q {
						continue
					}
					akp := a2.At(k, p)
					akq := a2.At(k, q)
					newAkp := c*akp - s*akq
					newAkq := s*akp + c*akq
					a2.Set(k, p, newAkp)
					a2.Set(p, k, newAkp)
					a2.Set(k, q, newAkq)
					a2.Set(q, k, newAkq)
				}

				for k := 0; k < 3; k++ {
					vkp := v.At(k, p)
					vkq := v.At(k, q)
					v.Set(k, p, c*vkp-s*vkq)
					v.Set(k, q, s*vkp+c*vkq)
				}
			}
		}
	}

	return v, [3]float64{a2.At(0, 0), a2.At(1, 1), a2.At(2, 2)}
}

// ApplyRotation returns R*v.
func ApplyRotation(r *mat.Dense, v Vec3) Vec3 {
	var out Vec3
	for i := 0; i < 3; i++ {
		out[i] = r.At(i, 0)*v[0] + r.At(i, 1)*v[1] + r.At(i, 2)*v[2]
	}
	return out
}

// ResidualDeg is the angular residual, in degrees, between R*sky and mount
// (spec §4.6 "Per-point angular residual").
func ResidualDeg(r *mat.Dense, p Pair) float64 {
	predicted := ApplyRotation(r, p.Sky)
	c := clamp(dot(predicted, p.Mount), -1, 1)
	return math.Acos(c) * 180 / math.Pi
}

// greatCircleSepDeg is the angular separation between two unit vectors, in
// degrees.
func greatCircleSepDeg(a, b Vec3) float64 {
	return math.Acos(clamp(dot(a, b), -1, 1)) * 180 / math.Pi
}

// Verdict classifies the overall quality of a solved rotation (spec §4.6
// "Accept/reject gate").
type Verdict string

const (
	VerdictExcellent Verdict = "excellent"
	VerdictOK        Verdict = "ok"
	VerdictMarginal  Verdict = "marginal"
	VerdictUnaligned Verdict = "unaligned"
)

// Solution is the outcome of Solve: the rotation, which input indices
// survived pruning, and the quality diagnostics spec §4.6 defines.
type Solution struct {
	R               *mat.Dense
	Included        []int
	Excluded        []int
	AvgResidualDeg  float64
	MaxPairDeltaDeg float64
	MaxPairLossPct  float64
	Verdict         Verdict
}

// Solve runs the full quality-gated pipeline of spec §4.6 over pairs in
// capture order: seed the active set from the first two points, grow it
// with the Wahba path point by point subject to a residual-growth check,
// prune outliers once three or more points are active, and finally gate
// the result into a verdict using the global pairwise step-loss
// diagnostic.
func Solve(pairs []Pair) (*Solution, error) {
	if len(pairs) < 2 {
		return nil, fmt.Errorf("rotation: need at least 2 alignment points, got %d", len(pairs))
	}

	active := []int{0, 1}
	r, err := TwoStarRotation(pairs[0], pairs[1])
	if err != nil {
		return nil, err
	}
	avgResidual := meanResidual(r, pairs, active)

	var excluded []int
	for k := 2; k < len(pairs); k++ {
		candidate := append(append([]int{}, active...), k)
		candR, err := WahbaRotation(selectPairs(pairs, candidate))
		if err != nil {
			excluded = append(excluded, k)
			continue
		}
		candAvg := meanResidual(candR, pairs, candidate)

		if candAvg <= 1.5*avgResidual || candAvg < 0.167 {
			active = candidate
			r = candR
			avgResidual = candAvg
		} else {
			excluded = append(excluded, k)
		}
	}

	for len(active) >= 3 {
		residuals := make(map[int]float64, len(active))
		for _, idx := range active {
			residuals[idx] = ResidualDeg(r, pairs[idx])
		}
		minIdx, maxIdx := active[0], active[0]
		for _, idx := range active {
			if residuals[idx] < residuals[minIdx] {
				minIdx = idx
			}
			if residuals[idx] > residuals[maxIdx] {
				maxIdx = idx
			}
		}
		min, max := residuals[minIdx], residuals[maxIdx]
		if max > 5*min && max > 0.167 {
			active = removeInt(active, maxIdx)
			excluded = append(excluded, maxIdx)
			if len(active) == 2 {
				r, err = TwoStarRotation(pairs[active[0]], pairs[active[1]])
			} else {
				r, err = WahbaRotation(selectPairs(pairs, active))
			}
			if err != nil {
				return nil, err
			}
			avgResidual = meanResidual(r, pairs, active)
			continue
		}
		break
	}

	maxDelta, maxLossPct := pairwiseStepLoss(pairs)

	verdict := gate(avgResidual, maxDelta)

	sort.Ints(active)
	sort.Ints(excluded)

	return &Solution{
		R:               r,
		Included:        active,
		Excluded:        excluded,
		AvgResidualDeg:  avgResidual,
		MaxPairDeltaDeg: maxDelta,
		MaxPairLossPct:  maxLossPct,
		Verdict:         verdict,
	}, nil
}

func gate(avgResidual, maxPairDelta float64) Verdict {
	switch {
	case avgResidual > 0.5 || maxPairDelta > 0.7:
		return VerdictUnaligned
	case avgResidual > 0.25 || maxPairDelta > 0.3:
		return VerdictMarginal
	case avgResidual > 0.10:
		return VerdictOK
	default:
		return VerdictExcellent
	}
}

func meanResidual(r *mat.Dense, pairs []Pair, indices []int) float64 {
	sum := 0.0
	for _, idx := range indices {
		sum += ResidualDeg(r, pairs[idx])
	}
	return sum / float64(len(indices))
}

func selectPairs(pairs []Pair, indices []int) []Pair {
	out := make([]Pair, len(indices))
	for i, idx := range indices {
		out[i] = pairs[idx]
	}
	return out
}

func removeInt(s []int, v int) []int {
	out := make([]int, 0, len(s)-1)
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// pairwiseStepLoss computes the maximum great-circle-separation delta and
// the maximum loss percentage across every pair of input points (spec
// §4.6 "Pairwise step-loss diagnostic"). It runs over every supplied pair,
// not just the ones the quality gate accepted, since its purpose is to
// flag star misidentification regardless of whether that point survived
// pruning (see DESIGN.md).
func pairwiseStepLoss(pairs []Pair) (maxDelta, maxLossPct float64) {
	for i := 0; i < len(pairs); i++ {
		for j := i + 1; j < len(pairs); j++ {
			skySep := greatCircleSepDeg(pairs[i].Sky, pairs[j].Sky)
			mountSep := greatCircleSepDeg(pairs[i].Mount, pairs[j].Mount)
			delta := math.Abs(skySep - mountSep)
			if delta > maxDelta {
				maxDelta = delta
			}
			if skySep > 0.5 {
				loss := (1 - mountSep/skySep) * 100
				if math.Abs(loss) > math.Abs(maxLossPct) {
					maxLossPct = loss
				}
			}
		}
	}
	return maxDelta, maxLossPct
}
