// Package mqtt is the device transport: drivers' devices publish fixes
// and provider errors to per-driver topics, and the pipeline publishes
// high-risk assessments for the back-office dashboards.
//
// Topics (under the configured prefix):
//
//	<prefix>/fix/<driver_id>    device -> pipeline, Fix JSON
//	<prefix>/error/<driver_id>  device -> pipeline, WatchError JSON
//	<prefix>/risk/<driver_id>   pipeline -> dashboards, risk JSON
package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	pkg "github.com/rotacerta/geoguard/pkg"
	"github.com/rotacerta/geoguard/pkg/fraud"
	"github.com/rotacerta/geoguard/pkg/logx"
	"github.com/rotacerta/geoguard/pkg/monitor"
)

// Config holds MQTT configuration.
type Config struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
	Enabled     bool   `json:"enabled"`
}

// DefaultConfig returns default MQTT configuration.
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "geoguardd",
		TopicPrefix: "geoguard",
		QoS:         1,
		Retain:      false,
		Enabled:     false,
	}
}

// Client wraps the paho client for fix ingest and risk publication.
type Client struct {
	client      MQTT.Client
	logger      *logx.Logger
	config      *Config
	mu          sync.Mutex
	connected   bool
	lastPublish time.Time
}

// NewClient creates an MQTT client; call Connect before use.
func NewClient(config *Config, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	return &Client{config: config, logger: logger}
}

// Connect establishes the broker connection. A disabled client is a
// no-op.
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("mqtt_client_disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = MQTT.NewClient(opts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to MQTT broker: %w", token.Error())
	}

	c.logger.Info("mqtt_connected", "broker", c.config.Broker, "port", c.config.Port)
	return nil
}

// Disconnect closes the broker connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil && c.connected {
		c.client.Disconnect(250)
		c.connected = false
		c.logger.Info("mqtt_disconnected")
	}
}

func (c *Client) onConnect(client MQTT.Client) {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.logger.Info("mqtt_connection_established")
}

func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.logger.Error("mqtt_connection_lost", "error", err)
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// riskMessage is the published risk payload.
type riskMessage struct {
	DriverID  string        `json:"driver_id"`
	FreightID string        `json:"freight_id,omitempty"`
	RiskLevel pkg.RiskLevel `json:"risk_level"`
	Reasons   []string      `json:"reasons"`
	Latitude  float64       `json:"latitude"`
	Longitude float64       `json:"longitude"`
	Accuracy  float64       `json:"accuracy"`
	Timestamp int64         `json:"timestamp"`
}

// PublishRisk publishes one risk assessment. Best-effort: callers log
// and swallow the error, matching the audit-write semantics.
func (c *Client) PublishRisk(driverID, freightID string, fix pkg.Fix, result fraud.Result) error {
	if !c.config.Enabled || !c.IsConnected() {
		return nil
	}
	topic := fmt.Sprintf("%s/risk/%s", c.config.TopicPrefix, driverID)
	return c.publishJSON(topic, riskMessage{
		DriverID:  driverID,
		FreightID: freightID,
		RiskLevel: result.RiskLevel,
		Reasons:   result.Reasons,
		Latitude:  fix.Latitude,
		Longitude: fix.Longitude,
		Accuracy:  fix.Accuracy,
		Timestamp: fix.Timestamp,
	})
}

func (c *Client) publishJSON(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	token := c.client.Publish(topic, byte(c.config.QoS), c.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("publish to %s: %w", topic, token.Error())
	}

	c.mu.Lock()
	c.lastPublish = time.Now()
	c.mu.Unlock()
	c.logger.Debug("mqtt_published", "topic", topic, "size", len(data))
	return nil
}

// Watcher returns a monitor.Watcher fed by the driver's fix and error
// topics.
func (c *Client) Watcher(driverID string) monitor.Watcher {
	return &deviceWatcher{client: c, driverID: driverID}
}

type deviceWatcher struct {
	client   *Client
	driverID string
}

func (w *deviceWatcher) Platform() string { return "mqtt" }
func (w *deviceWatcher) Native() bool     { return false }

func (w *deviceWatcher) Start(onFix func(pkg.Fix), onErr func(pkg.WatchError)) (func(), error) {
	c := w.client
	if !c.config.Enabled {
		return nil, fmt.Errorf("mqtt client disabled")
	}

	fixTopic := fmt.Sprintf("%s/fix/%s", c.config.TopicPrefix, w.driverID)
	errTopic := fmt.Sprintf("%s/error/%s", c.config.TopicPrefix, w.driverID)
	qos := byte(c.config.QoS)

	fixHandler := func(client MQTT.Client, msg MQTT.Message) {
		var fix pkg.Fix
		if err := json.Unmarshal(msg.Payload(), &fix); err != nil {
			c.logger.Warn("mqtt_fix_unmarshal_failed", "topic", msg.Topic(), "error", err)
			return
		}
		if fix.Timestamp == 0 {
			fix.Timestamp = time.Now().UnixMilli()
		}
		onFix(fix)
	}
	errHandler := func(client MQTT.Client, msg MQTT.Message) {
		var werr pkg.WatchError
		if err := json.Unmarshal(msg.Payload(), &werr); err != nil {
			c.logger.Warn("mqtt_error_unmarshal_failed", "topic", msg.Topic(), "error", err)
			return
		}
		onErr(werr)
	}

	if token := c.client.Subscribe(fixTopic, qos, fixHandler); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("subscribe %s: %w", fixTopic, token.Error())
	}
	if token := c.client.Subscribe(errTopic, qos, errHandler); token.Wait() && token.Error() != nil {
		c.client.Unsubscribe(fixTopic)
		return nil, fmt.Errorf("subscribe %s: %w", errTopic, token.Error())
	}

	c.logger.Info("mqtt_watch_started", "driver_id", w.driverID)
	return func() {
		c.client.Unsubscribe(fixTopic, errTopic)
		c.logger.Info("mqtt_watch_stopped", "driver_id", w.driverID)
	}, nil
}
