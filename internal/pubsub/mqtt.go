// Package pubsub provides implementations of message publishers.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/resident-x/go-solax/internal/config"
	"github.com/resident-x/go-solax/internal/domain"
	"github.com/resident-x/go-solax/internal/homeassistant"
	"github.com/resident-x/go-solax/internal/registers"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NoopPublisher is a no-operation implementation of the MessagePublisher interface.
type NoopPublisher struct{}

// NewNoopPublisher creates a new no-operation publisher.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Connect is a no-op for the NoopPublisher.
func (p *NoopPublisher) Connect(_ context.Context) error {
	return nil
}

// Publish is a no-op for the NoopPublisher.
func (p *NoopPublisher) Publish(_ context.Context, _ string, _ interface{}) error {
	return nil
}

// Close is a no-op for the NoopPublisher.
func (p *NoopPublisher) Close() error {
	return nil
}

// Broker connection timing.
const (
	// DefaultConnectWait bounds how long Connect blocks on the first attempt.
	DefaultConnectWait = 10 * time.Second
	// DefaultConnectRetryInterval is the pause between background connect
	// attempts while the broker is unreachable.
	DefaultConnectRetryInterval = 5 * time.Second
)

// MQTTPublisher implements the MessagePublisher interface for MQTT.
type MQTTPublisher struct {
	config        *config.Config
	layout        *registers.Layout
	client        mqtt.Client
	clientFactory func(*mqtt.ClientOptions) mqtt.Client
	logger        zerolog.Logger

	connectWait   time.Duration
	retryInterval time.Duration

	mutex             sync.Mutex
	connected         bool
	haDiscovery       *homeassistant.AutoDiscovery
	discoveredSensors map[string]bool // discovery topics already announced
	lastDiscoveryTime time.Time
	birthSubscribed   bool
	connects          int
}

// NewMQTTPublisher creates a new MQTT publisher. Home Assistant sensors are
// derived from layout.
func NewMQTTPublisher(cfg *config.Config, layout *registers.Layout) *MQTTPublisher {
	return &MQTTPublisher{
		config:            cfg,
		layout:            layout,
		clientFactory:     mqtt.NewClient,
		discoveredSensors: make(map[string]bool),
		logger:            log.With().Str("component", "mqtt").Logger(),
		connectWait:       DefaultConnectWait,
		retryInterval:     DefaultConnectRetryInterval,
	}
}

// deviceID identifies the polled inverter towards Home Assistant.
func (p *MQTTPublisher) deviceID() string {
	return "solax_" + p.config.InverterAddress()
}

func (p *MQTTPublisher) availabilityTopic() string {
	return p.config.MQTT.Topic + "/availability"
}

func (p *MQTTPublisher) discoveryEnabled() bool {
	return p.config.MQTT.HomeAssistantAutoDiscovery.Enabled
}

// clientOptions builds the paho options including connection handlers and,
// with discovery enabled, an offline last will on the availability topic.
// ConnectRetry keeps dialing an unreachable broker after the first attempt;
// AutoReconnect only covers connections that were up and got lost.
func (p *MQTTPublisher) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", p.config.MQTT.Host, p.config.MQTT.Port)).
		SetClientID(fmt.Sprintf("go-solax-%d", time.Now().UnixNano())).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(p.retryInterval).
		SetConnectTimeout(10 * time.Second).
		SetWriteTimeout(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetCleanSession(true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	if p.config.MQTT.Username != "" {
		opts.SetUsername(p.config.MQTT.Username)
		opts.SetPassword(p.config.MQTT.Password)
	}

	if p.discoveryEnabled() {
		opts.SetWill(p.availabilityTopic(), "offline", 1, true)
	}

	return opts
}

// onConnect is called when the connection is made or remade.
func (p *MQTTPublisher) onConnect(_ mqtt.Client) {
	p.logger.Info().Msg("MQTT connection established")

	p.mutex.Lock()
	p.connected = true
	p.connects++
	if p.connects > 1 {
		// Announce every sensor again after a reconnect.
		p.discoveredSensors = make(map[string]bool)
		p.lastDiscoveryTime = time.Time{}
	}
	p.birthSubscribed = false
	p.mutex.Unlock()

	// A clean session drops subscriptions, so subscribe again on every connect.
	if p.discoveryEnabled() && p.config.MQTT.HomeAssistantAutoDiscovery.ListenToBirthMessage {
		go p.subscribeToBirthMessage()
	}
}

func (p *MQTTPublisher) onConnectionLost(_ mqtt.Client, err error) {
	p.mutex.Lock()
	p.connected = false
	p.birthSubscribed = false
	p.mutex.Unlock()

	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

// Connect establishes a connection to the MQTT broker. If the broker does
// not answer within the connect wait an error is returned, but the client
// keeps retrying in the background and onConnect marks the publisher
// connected once the broker appears.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	if !p.config.MQTT.Enabled {
		return nil
	}

	if p.discoveryEnabled() {
		if err := p.setupHomeAssistantDiscovery(); err != nil {
			return err
		}
	}

	if p.client == nil {
		p.client = p.clientFactory(p.clientOptions())
	}

	connectCtx, cancel := context.WithTimeout(ctx, p.connectWait)
	defer cancel()

	connToken := p.client.Connect()

	select {
	case <-connectCtx.Done():
		p.logger.Warn().
			Dur("retry_interval", p.retryInterval).
			Msg("MQTT broker not reachable yet, retrying in background")
		return fmt.Errorf("failed to connect to MQTT broker: %w", connectCtx.Err())
	case <-connToken.Done():
		if connToken.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", connToken.Error())
		}
	}

	p.mutex.Lock()
	p.connected = true
	p.mutex.Unlock()
	return nil
}

// IsConnected reports whether the broker connection is up.
func (p *MQTTPublisher) IsConnected() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.connected
}

// setupHomeAssistantDiscovery initializes Home Assistant auto-discovery.
func (p *MQTTPublisher) setupHomeAssistantDiscovery() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.haDiscovery != nil {
		return nil
	}

	ha := p.config.MQTT.HomeAssistantAutoDiscovery
	haConfig := homeassistant.Config{
		Enabled:             ha.Enabled,
		DiscoveryPrefix:     ha.DiscoveryPrefix,
		DeviceName:          ha.DeviceName,
		DeviceManufacturer:  ha.DeviceManufacturer,
		DeviceModel:         ha.DeviceModel,
		RetainDiscovery:     ha.RetainDiscovery,
		ValueTemplateSuffix: ha.ValueTemplateSuffix,
	}

	discovery, err := homeassistant.New(haConfig, p.layout, p.config.MQTT.Topic, p.deviceID())
	if err != nil {
		return fmt.Errorf("failed to setup Home Assistant discovery: %w", err)
	}
	p.haDiscovery = discovery
	return nil
}

// subscribeToBirthMessage subscribes to Home Assistant birth messages.
func (p *MQTTPublisher) subscribeToBirthMessage() {
	p.mutex.Lock()
	if p.birthSubscribed || !p.connected {
		p.mutex.Unlock()
		return
	}
	p.mutex.Unlock()

	birthTopic := fmt.Sprintf("%s/status", p.config.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix)

	token := p.client.Subscribe(birthTopic, 0, p.handleBirthMessage)
	if token.Wait() && token.Error() != nil {
		p.logger.Warn().Err(token.Error()).Str("topic", birthTopic).Msg("Failed to subscribe to birth message")
		return
	}

	p.mutex.Lock()
	p.birthSubscribed = true
	p.mutex.Unlock()
	p.logger.Info().Str("topic", birthTopic).Msg("Subscribed to Home Assistant birth messages")
}

// handleBirthMessage clears the discovery cache when Home Assistant comes online.
func (p *MQTTPublisher) handleBirthMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := string(msg.Payload())

	p.logger.Debug().
		Str("topic", msg.Topic()).
		Str("payload", payload).
		Msg("Received Home Assistant birth message")

	if payload == "online" {
		p.logger.Info().Msg("Home Assistant came online, triggering auto-discovery refresh")
		p.mutex.Lock()
		p.discoveredSensors = make(map[string]bool)
		p.lastDiscoveryTime = time.Time{}
		p.mutex.Unlock()
	}
}

// shouldRediscover reports whether the periodic rediscovery is due. The
// caller holds the mutex.
func (p *MQTTPublisher) shouldRediscover() bool {
	hours := p.config.MQTT.HomeAssistantAutoDiscovery.RediscoveryInterval
	if hours <= 0 {
		return false
	}
	if p.lastDiscoveryTime.IsZero() {
		return true
	}
	return time.Since(p.lastDiscoveryTime) >= time.Duration(hours)*time.Hour
}

// Publish sends data to the specified topic. A *domain.Snapshot is
// published as a flat JSON object on the configured topic, preceded by
// Home Assistant discovery when enabled; an empty topic selects the
// configured one for any payload.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, data interface{}) error {
	if !p.config.MQTT.Enabled || !p.IsConnected() {
		return nil
	}

	if topic == "" {
		topic = p.config.MQTT.Topic
	}

	if snap, ok := data.(*domain.Snapshot); ok {
		return p.publishSnapshot(ctx, topic, snap)
	}

	return p.publishGeneric(ctx, topic, data, p.config.MQTT.Retain)
}

// publishGeneric handles simple JSON publishing.
func (p *MQTTPublisher) publishGeneric(ctx context.Context, topic string, data interface{}, retain bool) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data to JSON: %w", err)
	}
	return p.publishRaw(ctx, topic, jsonData, retain)
}

func (p *MQTTPublisher) publishRaw(ctx context.Context, topic string, payload []byte, retain bool) error {
	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	token := p.client.Publish(topic, 0, retain, payload)

	select {
	case <-publishCtx.Done():
		return fmt.Errorf("publish to %s timed out: %w", topic, publishCtx.Err())
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to publish message to %s: %w", topic, token.Error())
		}
	}

	return nil
}

func (p *MQTTPublisher) publishSnapshot(ctx context.Context, topic string, snap *domain.Snapshot) error {
	if snap.Empty() {
		p.logger.Debug().Msg("Skipping publish of empty snapshot")
		return nil
	}

	if p.discoveryEnabled() {
		if err := p.publishHomeAssistantDiscovery(ctx, snap.Names()); err != nil {
			return fmt.Errorf("failed to publish Home Assistant discovery: %w", err)
		}
	}

	p.logger.Debug().
		Str("topic", topic).
		Int("fields", snap.Len()).
		Strs("missing", snap.Missing).
		Msg("Publishing snapshot")

	if err := p.publishGeneric(ctx, topic, snap, p.config.MQTT.Retain); err != nil {
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}
	return nil
}

// publishHomeAssistantDiscovery announces sensors not yet discovered and
// marks the device online.
func (p *MQTTPublisher) publishHomeAssistantDiscovery(ctx context.Context, fields []string) error {
	if err := p.setupHomeAssistantDiscovery(); err != nil {
		return err
	}

	p.mutex.Lock()
	rediscover := p.shouldRediscover()
	discovery := p.haDiscovery
	pending := make(map[string]homeassistant.DiscoveryMessage)
	for topic, message := range discovery.GenerateDiscoveryMessages(fields) {
		if !p.discoveredSensors[topic] || rediscover {
			pending[topic] = message
		}
	}
	p.mutex.Unlock()

	retain := p.config.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery
	for topic, message := range pending {
		if err := p.publishGeneric(ctx, topic, message, retain); err != nil {
			return err
		}
		p.mutex.Lock()
		p.discoveredSensors[topic] = true
		p.mutex.Unlock()
	}

	if len(pending) > 0 {
		p.logger.Info().Int("sensors", len(pending)).Msg("Published Home Assistant discovery messages")
	}

	if rediscover {
		p.mutex.Lock()
		p.lastDiscoveryTime = time.Now()
		p.mutex.Unlock()
	}

	return p.publishRaw(ctx, discovery.GetAvailabilityTopic(), []byte(discovery.CreateAvailabilityMessage(true)), true)
}

// Close marks the device offline and terminates the connection to the MQTT
// broker. A client still retrying its first connect is stopped.
func (p *MQTTPublisher) Close() error {
	if p.client == nil {
		return nil
	}
	if !p.IsConnected() {
		p.client.Disconnect(0)
		return nil
	}

	if p.discoveryEnabled() {
		token := p.client.Publish(p.availabilityTopic(), 1, true, "offline")
		if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
			p.logger.Warn().Err(token.Error()).Msg("Failed to publish offline availability")
		}
	}

	p.client.Disconnect(250)

	p.mutex.Lock()
	p.connected = false
	p.mutex.Unlock()
	return nil
}
