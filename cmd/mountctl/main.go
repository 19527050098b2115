// Command mountctl drives the telescope mount: it opens the serial link,
// starts the protocol engine, and optionally mirrors telemetry into Redis
// and drains an external command queue from there. Its shape follows the
// teacher's cmd/bluetooth-service/main.go: flags, connect, wire, wait for a
// signal, shut down in reverse dependency order.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tada66/BPrpi4SW/pkg/align"
	"github.com/tada66/BPrpi4SW/pkg/engine"
	"github.com/tada66/BPrpi4SW/pkg/mount"
	"github.com/tada66/BPrpi4SW/pkg/redis"
	"github.com/tada66/BPrpi4SW/pkg/serialport"
	"github.com/tada66/BPrpi4SW/pkg/telemetry"
	"github.com/tada66/BPrpi4SW/pkg/tracker"
)

var (
	serialDevice = flag.String("serial", "", "Serial device path (auto-discovered when empty)")
	baudRate     = flag.Int("baud", serialport.DefaultBaud, "Serial baud rate")
	redisAddr    = flag.String("redis-addr", "", "Redis server address (telemetry mirror disabled when empty)")
	redisPass    = flag.String("redis-pass", "", "Redis password")
	redisDB      = flag.Int("redis-db", 0, "Redis database number")
	ackTimeoutMs = flag.Int("ack-timeout-ms", int(engine.DefaultAckTimeout/time.Millisecond), "Per-attempt ACK timeout in milliseconds")
	attempts     = flag.Int("attempts", engine.DefaultMaxAttempts, "Maximum send attempts per command")
	latitudeDeg  = flag.Float64("lat", 0, "Observer latitude in degrees")
	longitudeDeg = flag.Float64("lon", 0, "Observer longitude in degrees, east positive")
)

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting mountctl")

	devicePath := *serialDevice
	if devicePath == "" {
		discovered, err := serialport.Discover()
		if err != nil {
			log.Fatalf("Failed to discover a serial device: %v", err)
		}
		devicePath = discovered
		log.Printf("Discovered serial device: %s", devicePath)
	}

	port, err := serialport.Open(devicePath, *baudRate)
	if err != nil {
		log.Fatalf("Failed to open serial device %s: %v", devicePath, err)
	}
	log.Printf("Opened serial device %s at %d baud", devicePath, *baudRate)

	eng := engine.New(port)
	if err := eng.Start(); err != nil {
		log.Fatalf("Failed to start protocol engine: %v", err)
	}
	log.Printf("Protocol engine started")

	m := mount.New(eng)
	m.AckTimeout = time.Duration(*ackTimeoutMs) * time.Millisecond
	m.MaxAttempts = *attempts

	store := align.NewStore()
	trk := tracker.New(store, m, *latitudeDeg, *longitudeDeg)
	go runOperatorConsole(os.Stdin, store, trk)

	var mirror *telemetry.Mirror
	var redisClient *redis.Client
	if *redisAddr != "" {
		redisClient, err = redis.New(*redisAddr, *redisPass, *redisDB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		log.Printf("Connected to Redis at %s", *redisAddr)

		mirror = telemetry.NewMirror(redisClient, m)
		mirror.Subscribe(eng)
		go mirror.WatchCommands()
		log.Printf("Telemetry mirror and command queue started")
	} else {
		log.Printf("No Redis address configured, telemetry mirror disabled")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("Shutting down...")

	if mirror != nil {
		mirror.Stop()
	}
	if redisClient != nil {
		redisClient.Close()
	}
	if err := eng.Stop(); err != nil {
		log.Printf("Error stopping engine: %v", err)
	}
}
