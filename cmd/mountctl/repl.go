package main

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/tada66/BPrpi4SW/pkg/align"
	"github.com/tada66/BPrpi4SW/pkg/tracker"
)

// runOperatorConsole reads newline-delimited commands from r until EOF,
// supporting the two operations pkg/tracker adds on top of the raw command
// façade: recording an alignment point, and resolving+sending a celestial
// tracking or an approximate goto. It is the local operator surface; the
// Redis command queue in pkg/telemetry covers the same façade operations
// for remote callers.
func runOperatorConsole(r io.Reader, store *align.Store, trk *tracker.Tracker) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := dispatchOperatorCommand(line, store, trk); err != nil {
			log.Printf("mountctl: command %q failed: %v", line, err)
		}
	}
}

func dispatchOperatorCommand(line string, store *align.Store, trk *tracker.Tracker) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "record":
		if len(fields) != 6 {
			return fmt.Errorf("record needs ra_h dec_deg mountX mountY mountZ, got %d args", len(fields)-1)
		}
		ra, dec, x, y, z, err := parseFiveFloats(fields[1:])
		if err != nil {
			return err
		}
		store.Add(align.Point{RAHours: ra, DecDeg: dec, MountX: x, MountY: y, MountZ: z, CapturedAt: time.Now()})
		log.Printf("mountctl: recorded alignment point #%d", store.Len())
		return nil

	case "start_tracking":
		ra, dec, err := parseTwoFloats(fields[1:])
		if err != nil {
			return err
		}
		sol, err := trk.StartTracking(ra, dec)
		if err != nil {
			return err
		}
		log.Printf("mountctl: tracking started, verdict=%s avg_residual=%.3fdeg included=%v", sol.Verdict, sol.AvgResidualDeg, sol.Included)
		return nil

	case "goto":
		ra, dec, err := parseTwoFloats(fields[1:])
		if err != nil {
			return err
		}
		return trk.GotoApproximate(ra, dec)

	default:
		return fmt.Errorf("unrecognized command verb %q", fields[0])
	}
}

func parseTwoFloats(fields []string) (float64, float64, error) {
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("need ra_h dec_deg, got %d args", len(fields))
	}
	ra, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("ra_h: %w", err)
	}
	dec, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("dec_deg: %w", err)
	}
	return ra, dec, nil
}

func parseFiveFloats(fields []string) (a, b, c, d, e float64, err error) {
	vals := make([]float64, 5)
	for i, f := range fields {
		vals[i], err = strconv.ParseFloat(f, 64)
		if err != nil {
			return 0, 0, 0, 0, 0, fmt.Errorf("argument %d (%q): %w", i+1, f, err)
		}
	}
	return vals[0], vals[1], vals[2], vals[3], vals[4], nil
}
