// Package telemetry publishes server activity to an MQTT broker:
// login/logout traffic, room lifecycle, bot orchestration and the
// periodic stats snapshot.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/NetStorm84/PaltalkServer-sub001/internal/config"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/events"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/util"
)

// MQTT topics
const (
	TopicPresence = "chat/presence"
	TopicRooms    = "chat/rooms"
	TopicStats    = "chat/stats"
	TopicBots     = "chat/bots"
	TopicAdmin    = "chat/admin"
)

// MQTTHandler manages the broker connection and publishes telemetry.
type MQTTHandler struct {
	cfg    *config.Config
	bus    *events.Bus
	client mqtt.Client

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a telemetry handler. Returns an error when
// MQTT is disabled in configuration.
func NewMQTTHandler(cfg *config.Config, bus *events.Bus) (*MQTTHandler, error) {
	mqttCfg := cfg.GetApplication().MQTT
	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("mqtt telemetry is disabled")
	}

	sysInfo := util.GetSystemInfo()
	metadata := map[string]interface{}{
		"hostname":  sysInfo.Hostname,
		"platform":  sysInfo.OS,
		"cpu_model": sysInfo.CPUModel,
		"cpu_cores": sysInfo.CPUCores,
		"memory_mb": sysInfo.TotalMemory,
	}

	h := &MQTTHandler{
		cfg:      cfg,
		bus:      bus,
		metadata: metadata,
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))

	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("paltalkd-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if mqttCfg.UseTLS {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if mqttCfg.CertFile != "" && mqttCfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(mqttCfg.CertFile, mqttCfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load mqtt tls certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Msg("mqtt connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	})

	h.client = mqtt.NewClient(opts)
	return h, nil
}

// Start connects to the broker, subscribes to the event bus and blocks
// until ctx is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	mqttCfg := h.cfg.GetApplication().MQTT
	log.Info().
		Str("broker", mqttCfg.BrokerURL).
		Int("port", mqttCfg.Port).
		Msg("connecting to mqtt broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	<-ctx.Done()

	h.publishShutdown()
	h.client.Disconnect(5000)
	log.Info().Msg("mqtt disconnected")
	return nil
}

func (h *MQTTHandler) subscribeEvents() {
	h.bus.Subscribe(events.EventUserLogin, "mqtt.userLogin", h.onPresence("login"))
	h.bus.Subscribe(events.EventUserLogout, "mqtt.userLogout", h.onPresence("logout"))
	h.bus.Subscribe(events.EventPresence, "mqtt.presence", h.onPresence("presence_change"))
	h.bus.Subscribe(events.EventRoomCreated, "mqtt.roomCreated", h.onRoom("room_created"))
	h.bus.Subscribe(events.EventRoomDestroyed, "mqtt.roomDestroyed", h.onRoom("room_destroyed"))
	h.bus.Subscribe(events.EventRoomJoined, "mqtt.roomJoined", h.onRoom("room_joined"))
	h.bus.Subscribe(events.EventRoomLeft, "mqtt.roomLeft", h.onRoom("room_left"))
	h.bus.Subscribe(events.EventStatsSnapshot, "mqtt.stats", h.onStats)
	h.bus.Subscribe(events.EventBotsStarted, "mqtt.botsStarted", h.onBots("bots_started"))
	h.bus.Subscribe(events.EventBotsStopped, "mqtt.botsStopped", h.onBots("bots_stopped"))
}

// publish sends a JSON message to an MQTT topic at QoS 1.
func (h *MQTTHandler) publish(topic string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	msg := h.buildMessage(payload)
	data, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal mqtt message")
		return
	}

	token := h.client.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("mqtt publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{})
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

func (h *MQTTHandler) onPresence(kind string) events.HandlerFunc {
	return func(ctx context.Context, event events.Event) error {
		h.publish(TopicPresence, map[string]interface{}{
			"event":   kind,
			"payload": event.Payload,
		})
		return nil
	}
}

func (h *MQTTHandler) onRoom(kind string) events.HandlerFunc {
	return func(ctx context.Context, event events.Event) error {
		h.publish(TopicRooms, map[string]interface{}{
			"event":   kind,
			"payload": event.Payload,
		})
		return nil
	}
}

func (h *MQTTHandler) onStats(ctx context.Context, event events.Event) error {
	h.publish(TopicStats, event.Payload)
	return nil
}

func (h *MQTTHandler) onBots(kind string) events.HandlerFunc {
	return func(ctx context.Context, event events.Event) error {
		h.publish(TopicBots, map[string]interface{}{
			"event":   kind,
			"payload": event.Payload,
		})
		return nil
	}
}

func (h *MQTTHandler) publishShutdown() {
	h.publish(TopicAdmin, map[string]interface{}{
		"event":     "shutdown",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
