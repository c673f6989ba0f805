package main

import (
	"errors"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Bus topics. Subscriptions are reasserted on every (re)connect.
const (
	topicHealth    = "trashcan/health"
	topicActivity  = "trashcan/activity"
	topicDetection = "ml/detection"
	topicControl   = "trashcan/control"
	topicFeedback  = "ml/feedback"
)

var ErrPublishFailed = errors.New("bus publish failed")

// BusClient wraps the MQTT connection to the device fleet. Reconnection is
// handled by the underlying client; subscribe failures are logged but never
// fatal, matching at-most-once telemetry semantics.
type BusClient struct {
	client  mqtt.Client
	timeout time.Duration
}

func NewBusClient(cfg Config, onMessage func(topic string, payload []byte)) *BusClient {
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		onMessage(msg.Topic(), msg.Payload())
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Duration(cfg.MQTTReconnectMaxSeconds) * time.Second).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Printf("mqtt connected to %s", cfg.MQTTBroker)
		filters := map[string]byte{
			topicHealth:    0,
			topicActivity:  0,
			topicDetection: 0,
		}
		token := c.SubscribeMultiple(filters, handler)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("mqtt subscribe error: %v", err)
		} else {
			log.Printf("mqtt subscribed to %s, %s, %s", topicHealth, topicActivity, topicDetection)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("mqtt connection lost: %v (reconnecting)", err)
	})

	return &BusClient{
		client:  mqtt.NewClient(opts),
		timeout: time.Duration(cfg.MQTTPublishTimeoutSeconds) * time.Second,
	}
}

// Connect starts the connection attempt. With connect-retry enabled the
// client keeps trying in the background, so a broker that is down at boot
// only delays the bridge, it does not abort it.
func (b *BusClient) Connect() {
	token := b.client.Connect()
	if !token.WaitTimeout(b.timeout) {
		log.Printf("mqtt broker not reachable yet, retrying in background")
		return
	}
	if err := token.Error(); err != nil {
		log.Printf("mqtt connect error: %v (retrying in background)", err)
	}
}

func (b *BusClient) Disconnect() {
	b.client.Disconnect(250)
}

// Publish is QoS 0 fire-and-forget with a bounded wait for the local client
// to hand the message off. Failure is reported to the caller, never retried.
func (b *BusClient) Publish(topic string, payload []byte) error {
	token := b.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(b.timeout) {
		return fmt.Errorf("%w: timeout on %s", ErrPublishFailed, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	return nil
}
