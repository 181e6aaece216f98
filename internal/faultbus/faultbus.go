// Package faultbus is the optional LMC fault-notification bridge: it
// registers as ApplicationManager's fault handler (spec.md §4.1, "a
// single registered fault handler ... may be invoked on entry to
// RuntimeError") and publishes a small JSON fault record to an MQTT
// topic so the control plane learns about the fault without polling
// get_state.
package faultbus

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Record is the JSON payload published on entry to RuntimeError.
type Record struct {
	BeamID    string    `json:"beam_id"`
	Timestamp time.Time `json:"timestamp"`
	Cause     string    `json:"cause"`
}

// Bridge publishes Record payloads to a fixed MQTT topic on every fault.
type Bridge struct {
	client  mqtt.Client
	topic   string
	beamID  string
	qos     byte
	timeout time.Duration
}

// Config holds the MQTT connection parameters for a Bridge.
type Config struct {
	Broker  string
	Topic   string
	BeamID  string
	QoS     byte
	Timeout time.Duration
}

func generateClientID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return "pst-stat-faultbus-" + hex.EncodeToString(b)
}

// New connects to cfg.Broker and returns a Bridge ready to publish.
func New(cfg Config) (*Bridge, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(generateClientID())
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("faultbus: connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("faultbus: connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("faultbus: connect to %s: %w", cfg.Broker, err)
	}

	return &Bridge{client: client, topic: cfg.Topic, beamID: cfg.BeamID, qos: cfg.QoS, timeout: cfg.Timeout}, nil
}

// OnFault is registered as ApplicationManager's fault handler
// (spec.md §4.1). The manager calls it on a goroutine of its own on
// entry to RuntimeError, and it returns without waiting for the broker
// to acknowledge the publish; publish errors are
// logged, never returned, since a failed notification must not prevent
// the transition itself from completing.
func (b *Bridge) OnFault(cause error) {
	rec := Record{BeamID: b.beamID, Timestamp: time.Now(), Cause: cause.Error()}
	payload, err := json.Marshal(rec)
	if err != nil {
		log.Printf("faultbus: marshal fault record: %v", err)
		return
	}

	token := b.client.Publish(b.topic, b.qos, false, payload)
	go func() {
		if !token.WaitTimeout(b.timeout) {
			log.Printf("faultbus: publish to %s timed out", b.topic)
			return
		}
		if err := token.Error(); err != nil {
			log.Printf("faultbus: publish to %s: %v", b.topic, err)
		}
	}()
}

// Close disconnects from the broker.
func (b *Bridge) Close() {
	b.client.Disconnect(250)
}
