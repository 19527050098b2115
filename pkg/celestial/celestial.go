// Package celestial implements the time and coordinate math of spec §4.5:
// Julian date, Greenwich/local sidereal time, alt/az conversion, and the
// sky/mount unit vectors the rotation solver operates on. Everything here
// is pure and stateless, the way the teacher keeps its own BLE payload
// codecs (pkg/ble/types.go) free of I/O; only pkg/tracker calls out into
// the engine.
package celestial

import "math"

// SiderealRateArcsecPerSec is the nominal sidereal rate used to reframe a
// catalog position between a reference time and an observation time (spec
// §4.5). It must match the firmware's own constant exactly.
const SiderealRateArcsecPerSec = 15.041

const (
	degToRad = math.Pi / 180
	radToDeg = 180 / math.Pi
	hourToDeg = 15
)

// JulianDate converts a UTC calendar time into a Julian Date using the
// standard Gregorian conversion (Meeus, Astronomical Algorithms ch. 7).
func JulianDate(year int, month int, day float64, hour, min, sec int) float64 {
	y, m := float64(year), float64(month)
	if m <= 2 {
		y--
		m += 12
	}
	a := math.Floor(y / 100)
	b := 2 - a + math.Floor(a/4)

	fracDay := day + (float64(hour)*3600+float64(min)*60+float64(sec))/86400
	jd := math.Floor(365.25*(y+4716)) + math.Floor(30.6001*(m+1)) + fracDay + b - 1524.5
	return jd
}

// GMSTHours returns Greenwich Mean Sidereal Time in hours, reduced to
// [0,24), for a given Julian Date (spec §4.5).
func GMSTHours(jd float64) float64 {
	d := jd - 2451545.0
	gmst := 18.697374558 + 24.06570982441908*d
	return mod24(gmst)
}

// LSTHours returns Local Sidereal Time in hours given GMST and observer
// longitude in degrees (east positive).
func LSTHours(gmstHours, lonDeg float64) float64 {
	return mod24(gmstHours + lonDeg/15)
}

func mod24(h float64) float64 {
	h = math.Mod(h, 24)
	if h < 0 {
		h += 24
	}
	return h
}

// AltAz converts an equatorial position (RA hours, Dec degrees) observed at
// local sidereal time lstHours from an observer at latDeg to horizontal
// coordinates. Azimuth is measured from North, clockwise through East
// (spec §4.5).
func AltAz(raHours, decDeg, lstHours, latDeg float64) (altDeg, azDeg float64) {
	haDeg := (lstHours - raHours) * hourToDeg
	haRad := haDeg * degToRad
	decRad := decDeg * degToRad
	latRad := latDeg * degToRad

	sinAlt := math.Sin(decRad)*math.Sin(latRad) + math.Cos(decRad)*math.Cos(latRad)*math.Cos(haRad)
	sinAlt = clamp(sinAlt, -1, 1)
	altRad := math.Asin(sinAlt)

	cosAlt := math.Cos(altRad)
	var cosAz float64
	if cosAlt == 0 {
		cosAz = 0
	} else {
		cosAz = (math.Sin(decRad) - sinAlt*math.Sin(latRad)) / (cosAlt * math.Cos(latRad))
	}
	cosAz = clamp(cosAz, -1, 1)
	azRad := math.Acos(cosAz)
	if math.Sin(haRad) > 0 {
		azRad = 2*math.Pi - azRad
	}

	return altRad * radToDeg, azRad * radToDeg
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

// SkyUnitVector returns the unit vector toward (raHours, decDeg) in the
// frame anchored at refTimeUnix, reframed for sidereal drift between
// refTimeUnix and obsTimeUnix (spec §4.5). Both times are Unix seconds;
// differencing them in seconds, rather than converting each independently,
// keeps the reframing numerically exact regardless of calendar boundary.
func SkyUnitVector(raHours, decDeg float64, refTimeUnix, obsTimeUnix int64) [3]float64 {
	raArcsec := raHours * 3600 * hourToDeg
	dt := float64(refTimeUnix - obsTimeUnix)
	raPrimeArcsec := raArcsec + SiderealRateArcsecPerSec*dt
	raPrimeRad := (raPrimeArcsec / 3600) * degToRad

	decRad := decDeg * degToRad
	return [3]float64{
		math.Cos(decRad) * math.Cos(raPrimeRad),
		math.Cos(decRad) * math.Sin(raPrimeRad),
		math.Sin(decRad),
	}
}

// MountUnitVector returns the unit vector for a raw encoder reading. x is
// altitude in arcsec, z is azimuth in arcsec; y (roll) does not affect
// pointing direction (spec §4.5).
func MountUnitVector(xArcsec, zArcsec float64) [3]float64 {
	arcsecToRad := math.Pi / (180 * 3600)
	alt := xArcsec * arcsecToRad
	az := zArcsec * arcsecToRad
	return [3]float64{
		math.Cos(alt) * math.Cos(az),
		math.Cos(alt) * math.Sin(az),
		math.Sin(alt),
	}
}
