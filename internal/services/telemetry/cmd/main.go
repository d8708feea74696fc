package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/comail/colog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"periph.io/x/conn/v3/i2c"

	"github.com/LeonardoBeccarini/powermon/internal/config"
	"github.com/LeonardoBeccarini/powermon/internal/connection"
	"github.com/LeonardoBeccarini/powermon/internal/metrics"
	"github.com/LeonardoBeccarini/powermon/internal/model"
	"github.com/LeonardoBeccarini/powermon/internal/recorder"
	"github.com/LeonardoBeccarini/powermon/internal/sensor"
	"github.com/LeonardoBeccarini/powermon/internal/services/telemetry"
	"github.com/LeonardoBeccarini/powermon/internal/solar"
	"github.com/LeonardoBeccarini/powermon/pkg/broker"
)

func setupLogging(level string) {
	colog.Register()
	colog.SetDefaultLevel(colog.LInfo)
	colog.SetFlags(log.LstdFlags)
	switch strings.ToLower(level) {
	case "trace":
		colog.SetMinLevel(colog.LTrace)
	case "debug":
		colog.SetMinLevel(colog.LDebug)
	case "warning", "warn":
		colog.SetMinLevel(colog.LWarning)
	case "error":
		colog.SetMinLevel(colog.LError)
	default:
		colog.SetMinLevel(colog.LInfo)
	}
}

func main() {
	configFile := flag.String("config", "powermon.toml", "configuration file")
	flag.Parse()

	setupLogging(os.Getenv("POWERMON_LOG_LEVEL"))

	// === Config === (fatale prima di toccare bus o rete)
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("alert: powermon: %v", err)
	}
	setupLogging(cfg.Log.Level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()

	// === Sensor ===
	s := cfg.Sensor()
	var bus i2c.BusCloser
	if s.Model == model.ModelSim {
		bus = sensor.NewSimBus(cfg.I2C.ShuntOhms, 12.0, 0.5)
	} else {
		bus, err = sensor.OpenBus(cfg.I2C.Bus, sensor.Pins{SDA: cfg.I2C.SDAPin, SCL: cfg.I2C.SCLPin})
		if err != nil {
			log.Fatalf("alert: powermon: %v", err)
		}
	}
	defer bus.Close()

	reader, err := sensor.NewReader(bus, s, sensor.Calibration{
		ShuntOhms:  cfg.I2C.ShuntOhms,
		MaxCurrent: cfg.I2C.MaxCurrent,
	}, cfg.I2C.Timeout.D())
	if err != nil {
		var cerr *model.ConfigError
		if errors.As(err, &cerr) {
			log.Fatalf("alert: powermon: %v", err)
		}
		// chip assente o muto: si riparte dall'inizio
		log.Fatalf("alert: powermon: sensor %s not responding: %v", s, err)
	}
	log.Printf("info: powermon: sensor %s ready", s)

	// === Connection ===
	var link connection.Link
	switch cfg.WiFi.Provider {
	case "static":
		link = connection.NewStaticLink(cfg.WiFi.Interface)
	default:
		link = connection.NewNMCLILink(cfg.WiFi.SSID, cfg.WiFi.Password, cfg.WiFi.Interface)
	}
	session := broker.NewSession(broker.Config{
		Host:           cfg.MQTT.Host,
		Port:           cfg.MQTT.Port,
		User:           cfg.MQTT.User,
		Password:       cfg.MQTT.Password,
		ClientID:       cfg.MQTT.ClientID,
		KeepAlive:      cfg.MQTT.KeepAlive.D(),
		ConnectTimeout: cfg.MQTT.ConnectTimeout.D(),
	})

	grpcHealth := telemetry.NewGRPCHealth()
	mgr := connection.NewManager(link, session, connection.Options{
		MaxAttempts:    cfg.Connection.MaxAttempts,
		InitialBackoff: cfg.Connection.InitialBackoff.D(),
		MaxBackoff:     cfg.Connection.MaxBackoff.D(),
		Cooldown:       cfg.Connection.Cooldown.D(),
		AttemptTimeout: cfg.MQTT.ConnectTimeout.D() + time.Second,
		Jitter:         0.2,
		Policy:         broker.RetainedPolicy(cfg.Topics.Sunrise, cfg.Topics.Sunset),
		OnStateChange: func(_, to model.ConnectionState) {
			m.ConnectionState(to)
			telemetry.SetGRPCReadiness(grpcHealth, to)
		},
	})
	defer mgr.Close()

	// === Scheduler ===
	sched := telemetry.NewScheduler(reader, mgr, telemetry.Topics{
		Voltage: cfg.Topics.Voltage,
		Current: cfg.Topics.Current,
		Power:   cfg.Topics.Power,
		Sunrise: cfg.Topics.Sunrise,
		Sunset:  cfg.Topics.Sunset,
	}, telemetry.Options{
		Period:       cfg.Schedule.Period.D(),
		NetTick:      cfg.Schedule.NetTick.D(),
		DaylightOnly: cfg.Solar.DaylightOnly,
		MaxPause:     cfg.OTA.MaxPause.D(),
	}).WithMetrics(m)

	if cfg.SolarEnabled() {
		sched.WithSolar(solar.NewClock(*cfg.Solar.Latitude, *cfg.Solar.Longitude, cfg.Location()))
		log.Printf("info: powermon: solar clock at %.4f,%.4f", *cfg.Solar.Latitude, *cfg.Solar.Longitude)
	}

	var rec *recorder.Recorder
	if cfg.Influx.URL != "" {
		rec, err = recorder.New(recorder.Config{
			URL:     cfg.Influx.URL,
			Token:   cfg.Influx.Token,
			Org:     cfg.Influx.Org,
			Bucket:  cfg.Influx.Bucket,
			Timeout: cfg.Influx.Timeout.D(),
		}, s)
		if err != nil {
			log.Fatalf("alert: powermon: %v", err)
		}
		defer rec.Close()
		rec.OnError(m.RecorderError)
		sched.WithRecorder(rec)
	}

	// === OTA ===
	if cfg.Topics.OTA != "" {
		guard := telemetry.NewOTAGuard(cfg.OTA.Password, sched)
		consumer := broker.NewConsumer(mgr, cfg.Topics.OTA, 1, guard.Handle).
			WithMessageID(telemetry.OTAMessageID)
		if err := consumer.Start(ctx); err != nil {
			log.Printf("error: powermon: ota consumer: %v", err)
		}
	}

	// === HTTP ===
	if cfg.HTTP.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		mux.Handle("/healthz", telemetry.NewHealthHandler(mgr, sched, rec))
		mux.Handle("/readyz", telemetry.NewReadyHandler(mgr))
		hs := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Printf("info: powermon: HTTP listening on %s", cfg.HTTP.Addr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("error: powermon: http server: %v", err)
			}
		}()
		defer func() {
			shCtx, shCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shCancel()
			_ = hs.Shutdown(shCtx)
		}()
	}

	// === gRPC health ===
	if cfg.GRPC.Addr != "" {
		if stop, err := serveGRPCHealth(cfg.GRPC.Addr, grpcHealth); err != nil {
			log.Printf("error: powermon: grpc health: %v", err)
		} else {
			defer stop()
		}
	}

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("error: powermon: %v", err)
	}
	log.Printf("info: powermon: shutting down")
}

func serveGRPCHealth(addr string, hs *health.Server) (func(), error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() {
		log.Printf("info: powermon: gRPC health listening on %s", addr)
		if err := srv.Serve(lis); err != nil {
			log.Printf("error: powermon: grpc serve: %v", err)
		}
	}()
	return func() {
		hs.Shutdown()
		srv.GracefulStop()
	}, nil
}
