package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/accelspeed/internal/api"
	"github.com/banshee-data/accelspeed/internal/config"
	"github.com/banshee-data/accelspeed/internal/db"
	"github.com/banshee-data/accelspeed/internal/ingest"
	"github.com/banshee-data/accelspeed/internal/monitoring"
	"github.com/banshee-data/accelspeed/internal/motion"
	"github.com/banshee-data/accelspeed/internal/publish"
	"github.com/banshee-data/accelspeed/internal/serialmux"
	"github.com/banshee-data/accelspeed/internal/units"
	"github.com/banshee-data/accelspeed/internal/version"
)

var (
	listen        = flag.String("listen", ":8080", "HTTP listen address")
	port          = flag.String("port", "/dev/ttyUSB0", "Serial port of the accelerometer bridge (ignored with -dev)")
	baud          = flag.Int("baud", serialmux.DefaultBaudRate, "Serial baud rate")
	devFixture    = flag.String("dev", "", "Replay this fixture file through a mock serial port instead of opening -port")
	devInterval   = flag.Duration("dev-interval", serialmux.DefaultMockInterval, "Line interval for -dev replay")
	disableSerial = flag.Bool("disable-serial", false, "Run without a serial device (UDP or PCAP input only)")
	udpListen     = flag.String("udp", "", "Read sample lines from UDP datagrams on this address, e.g. :9000 (with -disable-serial)")
	pcapFile      = flag.String("pcap", "", "Replay UDP sample datagrams from this capture file (with -disable-serial)")
	pcapPort      = flag.Int("pcap-port", 9000, "Destination UDP port to replay from -pcap (0 for any)")
	dbPath        = flag.String("db", "accelspeed.db", "Path to the SQLite database")
	tuningPath    = flag.String("tuning", "", "Tuning file (.json, .yaml or .yml); empty uses built-in defaults")
	unitFlag      = flag.String("units", units.MPS, "Default speed unit ("+units.GetValidUnitsString()+")")
	sessionLabel  = flag.String("label", "", "Label stored with this capture session")
	mqttBroker    = flag.String("mqtt-broker", "", "Publish readings to this MQTT broker, e.g. tcp://localhost:1883")
	mqttTopic     = flag.String("mqtt-topic", publish.DefaultTopic, "MQTT topic for readings")
	debugMode     = flag.Bool("debug", false, "Enable debug logging")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags]\n       %s [-db path] migrate <action>\n\nFlags:\n", os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if args := flag.Args(); len(args) > 0 {
		if args[0] != "migrate" {
			log.Fatalf("unknown command %q", args[0])
		}
		if err := db.RunMigrateCommand(os.Stdout, args[1:], *dbPath); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}

	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	monitoring.SetDebug(*debugMode)
	log.Printf("starting %s", version.String())

	if *listen == "" {
		return errors.New("listen address is required")
	}
	unit, ok := units.Lookup(strings.ToLower(*unitFlag))
	if !ok {
		return fmt.Errorf("invalid -units %q: must be one of %s", *unitFlag, units.GetValidUnitsString())
	}

	if err := checkSources(); err != nil {
		return err
	}

	tuning, err := loadTuning(*tuningPath)
	if err != nil {
		return err
	}
	pipeline, err := motion.NewPipeline(motion.ConfigFromTuning(tuning))
	if err != nil {
		return fmt.Errorf("invalid tuning: %w", err)
	}

	m, err := openSerial()
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Initialise(); err != nil {
		return fmt.Errorf("failed to initialise device: %w", err)
	}

	store, err := db.NewDB(*dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer store.Close()

	configJSON, err := json.Marshal(tuning.Resolved())
	if err != nil {
		return fmt.Errorf("failed to encode tuning: %w", err)
	}
	session, err := store.CreateSession(*sessionLabel, string(configJSON), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	log.Printf("recording session %s", session.ID)
	defer func() {
		if err := store.EndSession(session.ID, time.Now().UnixMilli()); err != nil {
			log.Printf("failed to end session: %v", err)
		}
	}()

	var pub publish.Publisher = publish.NopPublisher{}
	if *mqttBroker != "" {
		mp, err := publish.NewMQTTPublisher(publish.MQTTConfig{
			Broker: *mqttBroker,
			Topic:  *mqttTopic,
			Units:  unit,
		})
		if err != nil {
			return err
		}
		pub = mp
	}
	defer pub.Close()

	handler, err := ingest.NewHandler(ingest.HandlerConfig{
		Pipeline:  pipeline,
		SessionID: session.ID,
		Store:     store,
		Publisher: pub,
	})
	if err != nil {
		return err
	}
	defer handler.Close()

	// Create a wait group for the HTTP server, serial monitor, and event handler routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	// subscribe to the serial port messages and pass them to the handler
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := handler.Run(ctx, m); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("event handler stopped: %v", err)
		}
		log.Printf("subscribe routine terminated")
	}()

	if *udpListen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ingest.ListenUDP(ctx, *udpListen, handler); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("UDP listener stopped: %v", err)
			}
		}()
	}

	if *pcapFile != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := ingest.ReadPCAPFile(ctx, *pcapFile, *pcapPort, handler)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("PCAP replay failed: %v", err)
				return
			}
			log.Printf("PCAP replay: %d of %d packets matched, %d lines", st.Matched, st.Packets, st.Lines)
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(m, store, handler, unit, tuning).ServeMux()

		// admin debugging routes, reachable only from localhost or the tailnet
		m.AttachAdminRoutes(mux)
		store.AttachAdminRoutes(mux)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("failed to start server: %v", err)
				stop()
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	st := handler.Stats()
	log.Printf("graceful shutdown complete: %d lines, %d readings, %d parse errors",
		st.Lines, st.Readings, st.ParseErrors)
	return nil
}

// checkSources rejects flag combinations that would drive the one pipeline
// from more than one sample source. Samples must reach it in timestamp
// order, which interleaved sources cannot give.
func checkSources() error {
	var sources []string
	switch {
	case *devFixture != "":
		sources = append(sources, "-dev")
	case !*disableSerial:
		sources = append(sources, "-port")
	}
	if *udpListen != "" {
		sources = append(sources, "-udp")
	}
	if *pcapFile != "" {
		sources = append(sources, "-pcap")
	}
	if len(sources) > 1 {
		return fmt.Errorf("only one sample source can run at a time, got %s (use -disable-serial with -udp or -pcap)",
			strings.Join(sources, " and "))
	}
	return nil
}

// loadTuning reads path. An empty path uses the checked-in defaults file
// when one is found, and the built-in defaults otherwise. The result is
// validated.
func loadTuning(path string) (*config.TuningConfig, error) {
	if path == "" {
		cfg, found, err := config.FindDefaultConfig()
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return config.DefaultTuningConfig(), nil
		case err != nil:
			return nil, fmt.Errorf("failed to load tuning from %s: %w", found, err)
		}
		log.Printf("tuning: loaded %s", found)
		return cfg, nil
	}
	cfg, err := config.LoadTuningConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load tuning: %w", err)
	}
	return cfg, nil
}

// openSerial selects the line source from the flags: a replayed fixture, no
// device at all, or the real port.
func openSerial() (serialmux.SerialMuxInterface, error) {
	switch {
	case *devFixture != "":
		lines, err := readFixture(*devFixture)
		if err != nil {
			return nil, err
		}
		log.Printf("dev mode: replaying %d lines from %s every %v", len(lines), *devFixture, *devInterval)
		return serialmux.NewMockSerialMux(lines, *devInterval), nil
	case *disableSerial:
		log.Printf("serial input disabled")
		return serialmux.NewDisabledSerialMux(), nil
	default:
		if *port == "" {
			return nil, errors.New("serial port is required")
		}
		m, err := serialmux.NewRealSerialMux(*port, serialmux.PortOptions{BaudRate: *baud})
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port: %w", err)
		}
		return m, nil
	}
}

// readFixture returns the sample lines of a fixture file, skipping blanks
// and '#' comments. Timestamps are stripped from t,x,y,z lines so a looping
// replay is stamped on arrival.
func readFixture(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixtures file: %w", err)
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if fields := strings.Split(line, ","); len(fields) == 4 {
			line = strings.Join(fields[1:], ",")
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("fixtures file %s has no sample lines", path)
	}
	return lines, nil
}
