// Package telemetry mirrors engine events into Redis and drains an
// external command queue, the way the teacher's service layer mirrors
// vehicle state into Redis and watches a Redis list for inbound commands
// (pkg/service/redis_handlers.go's SubscribeToRedisChannels/WatchRedisCommands),
// generalized from scooter state keys to mount telemetry. It is optional:
// cmd/mountctl only constructs a Mirror when a Redis address is configured.
package telemetry

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/tada66/BPrpi4SW/pkg/engine"
	"github.com/tada66/BPrpi4SW/pkg/mount"
	"github.com/tada66/BPrpi4SW/pkg/redis"
)

// Redis key/channel names for the telemetry hash and the external command
// queue.
const (
	TelemetryKey   = "mount:telemetry"
	EventChannel   = "mount:events"
	CommandListKey = "mount:commands"
)

// Mirror subscribes to engine events and republishes them into Redis, and
// separately drains CommandListKey, translating each popped string into a
// call on the command façade.
type Mirror struct {
	client *redis.Client
	mount  *mount.Mount

	stopCh chan struct{}
	done   chan struct{}
}

// NewMirror wires a Mirror around an already-connected Redis client. Call
// Subscribe to start mirroring engine events, and WatchCommands in its own
// goroutine to start draining the external command queue.
func NewMirror(client *redis.Client, m *mount.Mount) *Mirror {
	return &Mirror{client: client, mount: m, stopCh: make(chan struct{}), done: make(chan struct{})}
}

// Subscribe registers the mirror's callbacks on eng so every position,
// status, and reference-lost event is written through to Redis.
func (t *Mirror) Subscribe(eng *engine.Engine) {
	eng.OnPosition(t.onPosition)
	eng.OnStatus(t.onStatus)
	eng.OnReferenceLost(t.onReferenceLost)
}

func (t *Mirror) onPosition(x, y, z int32) {
	if err := t.client.WriteInt(TelemetryKey, "x", int(x)); err != nil {
		log.Printf("telemetry: write x: %v", err)
	}
	if err := t.client.WriteInt(TelemetryKey, "y", int(y)); err != nil {
		log.Printf("telemetry: write y: %v", err)
	}
	if err := t.client.WriteAndPublishInt(TelemetryKey, "z", int(z)); err != nil {
		log.Printf("telemetry: write+publish z: %v", err)
	}
}

func (t *Mirror) onStatus(s engine.StatusEvent) {
	fields := map[string]string{
		"temp_c":    strconv.FormatFloat(float64(s.TempC), 'f', 2, 32),
		"enabled":   boolField(s.Enabled),
		"paused":    boolField(s.Paused),
		"tracking":  boolField(s.CelestialTracking),
		"fan_pct":   strconv.Itoa(int(s.FanPct)),
	}
	for field, value := range fields {
		if err := t.client.WriteString(TelemetryKey, field, value); err != nil {
			log.Printf("telemetry: write %s: %v", field, err)
		}
	}
	if err := t.client.Publish(EventChannel, "status"); err != nil {
		log.Printf("telemetry: publish status event: %v", err)
	}
}

func (t *Mirror) onReferenceLost() {
	if err := t.client.WriteAndPublishString(TelemetryKey, "reference_lost_at", strconv.FormatInt(time.Now().Unix(), 10)); err != nil {
		log.Printf("telemetry: write reference_lost_at: %v", err)
	}
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// WatchCommands blocks, popping CommandListKey and dispatching each entry
// to the command façade, until Stop is called. Run it in its own goroutine.
func (t *Mirror) WatchCommands() {
	defer close(t.done)
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		result, err := t.client.BRPop(1*time.Second, CommandListKey)
		if err != nil {
			log.Printf("telemetry: BRPOP %s: %v", CommandListKey, err)
			continue
		}
		if result == nil {
			continue // timeout, loop back to check stopCh
		}

		if err := t.dispatch(result[1]); err != nil {
			log.Printf("telemetry: command %q failed: %v", result[1], err)
		}
	}
}

// Stop signals WatchCommands to return and waits for it to do so.
func (t *Mirror) Stop() {
	close(t.stopCh)
	<-t.done
}

// dispatch parses one external command string and calls the matching
// façade operation. The grammar is deliberately simple: a verb followed by
// whitespace-separated numeric arguments.
func (t *Mirror) dispatch(cmd string) error {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return fmt.Errorf("empty command")
	}

	switch fields[0] {
	case "ping":
		return t.mount.Ping()
	case "stop":
		return t.mount.Stop()
	case "pause":
		return t.mount.Pause()
	case "resume":
		return t.mount.Resume()
	case "get_positions":
		return t.mount.GetPositions()
	case "move_static":
		axis, arcsec, err := parseAxisArcsec(fields)
		if err != nil {
			return err
		}
		return t.mount.MoveStatic(axis, arcsec)
	case "move_relative":
		axis, arcsec, err := parseAxisArcsec(fields)
		if err != nil {
			return err
		}
		return t.mount.MoveRelative(axis, arcsec)
	case "move_linear":
		if len(fields) != 4 {
			return fmt.Errorf("move_linear needs 3 rates, got %d args", len(fields)-1)
		}
		x, err := strconv.ParseFloat(fields[1], 32)
		if err != nil {
			return fmt.Errorf("move_linear x rate: %w", err)
		}
		y, err := strconv.ParseFloat(fields[2], 32)
		if err != nil {
			return fmt.Errorf("move_linear y rate: %w", err)
		}
		z, err := strconv.ParseFloat(fields[3], 32)
		if err != nil {
			return fmt.Errorf("move_linear z rate: %w", err)
		}
		return t.mount.MoveLinear(float32(x), float32(y), float32(z))
	default:
		return fmt.Errorf("unrecognized command verb %q", fields[0])
	}
}

func parseAxisArcsec(fields []string) (byte, int32, error) {
	if len(fields) != 3 {
		return 0, 0, fmt.Errorf("%s needs axis and arcsec, got %d args", fields[0], len(fields)-1)
	}
	axis, err := strconv.Atoi(fields[1])
	if err != nil || axis < 0 || axis > 2 {
		return 0, 0, fmt.Errorf("invalid axis %q", fields[1])
	}
	arcsec, err := strconv.ParseInt(fields[2], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid arcsec value %q", fields[2])
	}
	return byte(axis), int32(arcsec), nil
}
