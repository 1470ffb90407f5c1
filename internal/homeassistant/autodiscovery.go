// Package homeassistant provides MQTT auto-discovery support for Home Assistant integration.
package homeassistant

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/resident-x/go-solax/internal/registers"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed layouts/sensors.yaml
var sensorOverridesYAML []byte

// Config holds the Home Assistant auto-discovery configuration.
type Config struct {
	Enabled             bool
	DiscoveryPrefix     string
	DeviceName          string
	DeviceManufacturer  string
	DeviceModel         string
	RetainDiscovery     bool
	ValueTemplateSuffix string
}

// SensorConfig describes one Home Assistant sensor.
type SensorConfig struct {
	Name              string   `yaml:"name"`
	DeviceClass       string   `yaml:"device_class,omitempty"`
	UnitOfMeasurement string   `yaml:"unit_of_measurement,omitempty"`
	StateClass        string   `yaml:"state_class,omitempty"`
	Category          string   `yaml:"category,omitempty"`
	Icon              string   `yaml:"icon,omitempty"`
	Options           []string `yaml:"options,omitempty"`
}

// overrideConfig is the embedded display override document.
type overrideConfig struct {
	Version     string                  `yaml:"version"`
	Description string                  `yaml:"description"`
	Sensors     map[string]SensorConfig `yaml:"sensors"`
}

// DiscoveryMessage represents a Home Assistant MQTT discovery message.
type DiscoveryMessage struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	ValueTemplate       string     `json:"value_template"`
	DeviceClass         string     `json:"device_class,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	Icon                string     `json:"icon,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
	Options             []string   `json:"options,omitempty"`
	Device              DeviceInfo `json:"device"`
	AvailabilityTopic   string     `json:"availability_topic,omitempty"`
	PayloadAvailable    string     `json:"payload_available,omitempty"`
	PayloadNotAvailable string     `json:"payload_not_available,omitempty"`
}

// DeviceInfo represents device information for Home Assistant.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
}

// AutoDiscovery handles Home Assistant MQTT auto-discovery.
type AutoDiscovery struct {
	config    Config
	sensors   map[string]SensorConfig
	baseTopic string
	nodeID    string
}

// New creates a new Home Assistant auto-discovery instance. Sensors are
// derived from the fields of layout.
func New(config Config, layout *registers.Layout, baseTopic, deviceID string) (*AutoDiscovery, error) {
	ad := &AutoDiscovery{
		config:    config,
		baseTopic: baseTopic,
		nodeID:    NodeID(deviceID),
	}

	var overrides overrideConfig
	if err := yaml.Unmarshal(sensorOverridesYAML, &overrides); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Home Assistant sensor overrides: %w", err)
	}

	ad.sensors = buildSensors(layout, overrides.Sensors)
	log.Info().
		Str("version", overrides.Version).
		Int("sensor_count", len(ad.sensors)).
		Msg("Home Assistant sensors derived from register layout")

	return ad, nil
}

// NodeID turns an arbitrary device identifier into a discovery node id.
func NodeID(deviceID string) string {
	id := strings.ToLower(deviceID)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, id)
}

func buildSensors(layout *registers.Layout, overrides map[string]SensorConfig) map[string]SensorConfig {
	sensors := make(map[string]SensorConfig)

	add := func(blocks []registers.Block, category string) {
		for _, b := range blocks {
			for _, f := range b.Fields {
				sensor := SensorConfig{
					Name:              humanize(f.Name),
					DeviceClass:       f.DeviceClass,
					UnitOfMeasurement: f.Unit,
					StateClass:        f.StateClass,
					Category:          category,
				}
				if f.Type == registers.TypeEnum {
					sensor.DeviceClass = "enum"
					sensor.Options = enumOptions(layout.Enums[f.Enum])
				}
				if o, ok := overrides[f.Name]; ok {
					if o.Name != "" {
						sensor.Name = o.Name
					}
					if o.Icon != "" {
						sensor.Icon = o.Icon
					}
					if o.Category != "" {
						sensor.Category = o.Category
					}
				}
				sensors[f.Name] = sensor
			}
		}
	}

	add(layout.InputBlocks, "")
	add(layout.HoldingBlocks, "diagnostic")

	return sensors
}

func enumOptions(mapping map[int]string) []string {
	codes := make([]int, 0, len(mapping))
	for code := range mapping {
		codes = append(codes, code)
	}
	sort.Ints(codes)

	options := make([]string, 0, len(codes)+1)
	for _, code := range codes {
		options = append(options, mapping[code])
	}
	return append(options, registers.UnknownLabel)
}

// humanize converts a field name like battery_soc into "Battery Soc".
func humanize(name string) string {
	words := strings.Split(name, "_")
	for i, word := range words {
		if len(word) > 0 {
			words[i] = strings.ToUpper(word[:1]) + word[1:]
		}
	}
	return strings.Join(words, " ")
}

// Sensor returns the sensor configuration of a field.
func (ad *AutoDiscovery) Sensor(field string) (SensorConfig, bool) {
	s, ok := ad.sensors[field]
	return s, ok
}

// SensorCount returns the number of known sensors.
func (ad *AutoDiscovery) SensorCount() int {
	return len(ad.sensors)
}

// GenerateDiscoveryMessages generates discovery messages for the given
// field names, keyed by discovery topic. Unknown fields are skipped.
func (ad *AutoDiscovery) GenerateDiscoveryMessages(fields []string) map[string]DiscoveryMessage {
	messages := make(map[string]DiscoveryMessage)

	for _, fieldName := range fields {
		sensorConfig, exists := ad.sensors[fieldName]
		if !exists {
			continue
		}
		messages[ad.getDiscoveryTopic(fieldName)] = ad.createDiscoveryMessage(fieldName, sensorConfig)
	}

	return messages
}

// createDiscoveryMessage creates a discovery message for a specific sensor.
func (ad *AutoDiscovery) createDiscoveryMessage(fieldName string, sensorConfig SensorConfig) DiscoveryMessage {
	var entityCategory string
	if sensorConfig.Category == "diagnostic" {
		entityCategory = "diagnostic"
	}

	return DiscoveryMessage{
		Name:              sensorConfig.Name,
		UniqueID:          fmt.Sprintf("%s_%s", ad.nodeID, fieldName),
		StateTopic:        ad.baseTopic,
		ValueTemplate:     ad.getValueTemplate(fieldName),
		DeviceClass:       sensorConfig.DeviceClass,
		UnitOfMeasurement: sensorConfig.UnitOfMeasurement,
		StateClass:        sensorConfig.StateClass,
		Icon:              sensorConfig.Icon,
		EntityCategory:    entityCategory,
		Options:           sensorConfig.Options,
		Device: DeviceInfo{
			Identifiers:  []string{ad.nodeID},
			Name:         ad.config.DeviceName,
			Manufacturer: ad.config.DeviceManufacturer,
			Model:        ad.config.DeviceModel,
			SwVersion:    "go-solax",
		},
		AvailabilityTopic:   ad.GetAvailabilityTopic(),
		PayloadAvailable:    ad.CreateAvailabilityMessage(true),
		PayloadNotAvailable: ad.CreateAvailabilityMessage(false),
	}
}

func (ad *AutoDiscovery) getValueTemplate(fieldName string) string {
	return fmt.Sprintf("{{ value_json.%s }}", fieldName) + ad.config.ValueTemplateSuffix
}

// getDiscoveryTopic generates the MQTT discovery topic for a sensor:
// <discovery_prefix>/sensor/<node_id>/<object_id>/config
func (ad *AutoDiscovery) getDiscoveryTopic(fieldName string) string {
	objectID := fmt.Sprintf("%s_%s", ad.nodeID, fieldName)
	return fmt.Sprintf("%s/sensor/%s/%s/config", ad.config.DiscoveryPrefix, ad.nodeID, objectID)
}

// GetAvailabilityTopic returns the availability topic for the device.
func (ad *AutoDiscovery) GetAvailabilityTopic() string {
	return ad.baseTopic + "/availability"
}

// CreateAvailabilityMessage returns the availability payload.
func (ad *AutoDiscovery) CreateAvailabilityMessage(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

// CleanupDiscoveryMessages generates cleanup (empty) messages to remove sensors from Home Assistant.
func (ad *AutoDiscovery) CleanupDiscoveryMessages(fieldNames []string) map[string]string {
	messages := make(map[string]string)

	for _, fieldName := range fieldNames {
		messages[ad.getDiscoveryTopic(fieldName)] = ""
	}

	return messages
}
