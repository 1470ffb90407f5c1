package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNodeID = "solax_192_168_1_100_502"

func TestMQTTPublisher_HomeAssistantAutoDiscovery(t *testing.T) {
	port := startTestMQTTBroker(t)
	discovery, _ := subscribe(t, port, "homeassistant/#")
	state, _ := subscribe(t, port, "energy/#")

	cfg := testConfig(port)
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = true
	cfg.MQTT.HomeAssistantAutoDiscovery.ListenToBirthMessage = false

	publisher := NewMQTTPublisher(cfg, testLayout(t))
	require.NoError(t, publisher.Connect(context.Background()))
	require.NotNil(t, publisher.haDiscovery)

	require.NoError(t, publisher.Publish(context.Background(), "", sampleSnapshot()))

	require.Eventually(t, func() bool {
		_, ok := state.get("energy/solax")
		return ok && discovery.topics() == 3
	}, 5*time.Second, 20*time.Millisecond)

	payload, ok := discovery.get("homeassistant/sensor/" + testNodeID + "/" + testNodeID + "_pv1_power/config")
	require.True(t, ok)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, "PV1 Power", msg["name"])
	assert.Equal(t, "energy/solax", msg["state_topic"])
	assert.Equal(t, "{{ value_json.pv1_power }}", msg["value_template"])
	assert.Equal(t, "W", msg["unit_of_measurement"])
	assert.Equal(t, "energy/solax/availability", msg["availability_topic"])

	avail, ok := state.get("energy/solax/availability")
	require.True(t, ok)
	assert.Equal(t, "online", string(avail))

	// Already announced sensors are not sent again.
	require.NoError(t, publisher.Publish(context.Background(), "", sampleSnapshot()))
	require.Eventually(t, func() bool {
		return state.count("energy/solax") == 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, discovery.count("homeassistant/sensor/"+testNodeID+"/"+testNodeID+"_battery_soc/config"))

	// A field appearing later is announced on its own.
	snap := sampleSnapshot()
	snap.Metrics["energy_total"] = 1847.3
	require.NoError(t, publisher.Publish(context.Background(), "", snap))
	require.Eventually(t, func() bool {
		return discovery.topics() == 4
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, publisher.Close())
	require.Eventually(t, func() bool {
		avail, _ := state.get("energy/solax/availability")
		return string(avail) == "offline"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestMQTTPublisher_HomeAssistantAutoDiscovery_Disabled(t *testing.T) {
	port := startTestMQTTBroker(t)
	discovery, _ := subscribe(t, port, "homeassistant/#")
	state, _ := subscribe(t, port, "energy/#")

	publisher := NewMQTTPublisher(testConfig(port), testLayout(t))
	require.NoError(t, publisher.Connect(context.Background()))
	defer publisher.Close()

	require.NoError(t, publisher.Publish(context.Background(), "", sampleSnapshot()))
	require.Eventually(t, func() bool {
		_, ok := state.get("energy/solax")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	assert.Nil(t, publisher.haDiscovery)
	assert.Equal(t, 0, discovery.topics())
	_, ok := state.get("energy/solax/availability")
	assert.False(t, ok)
}

func TestMQTTPublisher_BirthMessageTriggersRediscovery(t *testing.T) {
	port := startTestMQTTBroker(t)
	discovery, homeAssistant := subscribe(t, port, "homeassistant/sensor/#")

	cfg := testConfig(port)
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = true
	cfg.MQTT.HomeAssistantAutoDiscovery.ListenToBirthMessage = true
	cfg.MQTT.HomeAssistantAutoDiscovery.RediscoveryInterval = 0

	publisher := NewMQTTPublisher(cfg, testLayout(t))
	require.NoError(t, publisher.Connect(context.Background()))
	defer publisher.Close()

	require.Eventually(t, func() bool {
		publisher.mutex.Lock()
		defer publisher.mutex.Unlock()
		return publisher.birthSubscribed
	}, 5*time.Second, 20*time.Millisecond)

	topic := "homeassistant/sensor/" + testNodeID + "/" + testNodeID + "_run_mode/config"
	require.NoError(t, publisher.Publish(context.Background(), "", sampleSnapshot()))
	require.Eventually(t, func() bool { return discovery.count(topic) == 1 }, 5*time.Second, 20*time.Millisecond)

	token := homeAssistant.Publish("homeassistant/status", 1, false, "online")
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())

	require.Eventually(t, func() bool {
		publisher.mutex.Lock()
		defer publisher.mutex.Unlock()
		return len(publisher.discoveredSensors) == 0
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, publisher.Publish(context.Background(), "", sampleSnapshot()))
	require.Eventually(t, func() bool { return discovery.count(topic) == 2 }, 5*time.Second, 20*time.Millisecond)
}

func TestMQTTPublisher_ShouldRediscover(t *testing.T) {
	cfg := testConfig(1883)
	publisher := NewMQTTPublisher(cfg, testLayout(t))

	cfg.MQTT.HomeAssistantAutoDiscovery.RediscoveryInterval = 0
	assert.False(t, publisher.shouldRediscover())

	cfg.MQTT.HomeAssistantAutoDiscovery.RediscoveryInterval = 24
	assert.True(t, publisher.shouldRediscover(), "never discovered")

	publisher.lastDiscoveryTime = time.Now()
	assert.False(t, publisher.shouldRediscover())

	publisher.lastDiscoveryTime = time.Now().Add(-25 * time.Hour)
	assert.True(t, publisher.shouldRediscover())
}
