// geoguardd runs the location trust pipeline as a standalone daemon:
// fixes arrive over MQTT from driver devices (or from a recorded replay
// file), pass through the monitor, the persistence gate and the fraud
// analyzer, and high-risk assessments are published back for the
// back-office dashboards.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	pkg "github.com/rotacerta/geoguard/pkg"
	"github.com/rotacerta/geoguard/pkg/alerts"
	"github.com/rotacerta/geoguard/pkg/audit"
	"github.com/rotacerta/geoguard/pkg/logx"
	"github.com/rotacerta/geoguard/pkg/metrics"
	"github.com/rotacerta/geoguard/pkg/monitor"
	"github.com/rotacerta/geoguard/pkg/mqtt"
	"github.com/rotacerta/geoguard/pkg/pipeline"
	"github.com/rotacerta/geoguard/pkg/store"
)

var (
	envPath     = flag.String("env", ".env", "Path to env file with MQTT credentials")
	logLevel    = flag.String("log-level", "info", "Log level (trace|debug|info|warn|error)")
	metricsAddr = flag.String("metrics-addr", ":9321", "Prometheus metrics listen address")
	boltPath    = flag.String("bolt", "/var/lib/geoguard/locations.db", "Path to the bolt current-location store")
	historyPath = flag.String("history", "/var/lib/geoguard/history.db", "Path to the sqlite history store")
	auditDir    = flag.String("audit-dir", "/var/log/geoguard", "Directory for the fraud audit JSONL file")
	replayPath  = flag.String("replay", "", "Replay a recorded JSONL track instead of ingesting MQTT")
	realtime    = flag.Bool("realtime", false, "Pace replay events by their recorded timestamps")
	driverID    = flag.String("driver", "", "Driver id for replay mode")
	freightID   = flag.String("freight", "", "Freight id for replay mode")
	version     = flag.Bool("version", false, "Show version information")
)

const (
	appName    = "geoguardd"
	appVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", appName, appVersion)
		os.Exit(0)
	}

	logger := logx.NewLogger(*logLevel, appName)

	if err := godotenv.Load(*envPath); err != nil {
		logger.Debug("env_file_not_loaded", "path", *envPath, "error", err)
	}

	if err := run(logger); err != nil {
		logger.Error("daemon_failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *logx.Logger) error {
	start := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	historyConfig := store.DefaultHistoryConfig()
	historyConfig.DatabasePath = *historyPath
	st, err := store.Open(*boltPath, historyConfig, logger.WithComponent("store"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	auditTrail := audit.NewLogger(logger.WithComponent("audit"), 1000, *auditDir, st.History)

	metrics.Serve(*metricsAddr, logger)

	manager := pipeline.NewManager(pipeline.DefaultConfig(), logger, st, auditTrail, logNotifier{logger})
	manager.SetFreightRegistrar(st.History)
	defer manager.Shutdown()

	var broker *mqtt.Client
	if *replayPath != "" {
		if *driverID == "" {
			return fmt.Errorf("replay mode requires -driver")
		}
		watcher := monitor.NewReplayWatcher(*replayPath, *realtime, logger.WithComponent("replay"))
		prober := monitor.StaticProber{QueryState: pkg.PermissionGranted, RequestState: pkg.PermissionGranted}
		if _, err := manager.StartSession(ctx, *driverID, *freightID, watcher, prober); err != nil {
			return fmt.Errorf("start replay session: %w", err)
		}
	} else {
		broker = mqtt.NewClient(mqttConfigFromEnv(), logger.WithComponent("mqtt"))
		if err := broker.Connect(); err != nil {
			return fmt.Errorf("connect mqtt: %w", err)
		}
		defer broker.Disconnect()
		manager.SetRiskPublisher(broker)

		prober := monitor.StaticProber{QueryState: pkg.PermissionGranted, RequestState: pkg.PermissionGranted}
		for _, pair := range parseSessionPairs(os.Getenv("GEOGUARD_SESSIONS")) {
			if _, err := manager.StartSession(ctx, pair[0], pair[1], broker.Watcher(pair[0]), prober); err != nil {
				logger.Error("session_start_failed", "driver_id", pair[0], "freight_id", pair[1], "error", err)
			}
		}
	}

	heartbeat := time.NewTicker(60 * time.Second)
	defer heartbeat.Stop()
	cleanup := time.NewTicker(24 * time.Hour)
	defer cleanup.Stop()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("daemon_started", "version", appVersion, "replay", *replayPath != "")
	for {
		select {
		case <-heartbeat.C:
			logger.Info("heartbeat",
				"uptime_s", int64(time.Since(start).Seconds()),
				"sessions", manager.Count())
		case <-cleanup.C:
			if err := st.History.Cleanup(ctx); err != nil {
				logger.Error("history_cleanup_failed", "error", err)
			}
		case sig := <-sigs:
			logger.Info("daemon_stopping", "signal", sig.String())
			return nil
		}
	}
}

// logNotifier is the daemon's notification surface: alerts that a
// client app would render as toasts are logged for the operator.
type logNotifier struct {
	logger *logx.Logger
}

func (n logNotifier) Notify(a alerts.Notification) {
	n.logger.Info("user_alert",
		"severity", a.Severity, "message", a.Message,
		"description", a.Description, "dedupe_id", a.DedupeID)
}

func mqttConfigFromEnv() *mqtt.Config {
	cfg := mqtt.DefaultConfig()
	cfg.Enabled = true
	cfg.ClientID = appName
	if v := os.Getenv("GEOGUARD_MQTT_BROKER"); v != "" {
		cfg.Broker = v
	}
	if v := os.Getenv("GEOGUARD_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("GEOGUARD_MQTT_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("GEOGUARD_MQTT_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("GEOGUARD_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.TopicPrefix = v
	}
	return cfg
}

// parseSessionPairs parses "driver1:freight1,driver2:freight2". The
// freight part is optional.
func parseSessionPairs(raw string) [][2]string {
	var pairs [][2]string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		driver, freight, _ := strings.Cut(part, ":")
		pairs = append(pairs, [2]string{driver, freight})
	}
	return pairs
}
