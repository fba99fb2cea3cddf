package notify

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/fieldflow/dispatch/core/notify"
	"github.com/fieldflow/dispatch/infra/logger"
)

// MQTTConfig defines connection parameters for the Paho client used for
// technician push delivery.
type MQTTConfig struct {
	Broker     string      `json:"broker"`
	ClientID   string      `json:"client_id"`
	Username   string      `json:"username"`
	Password   string      `json:"password"`
	UseTLS     bool        `json:"use_tls"`
	ClientCert string      `json:"client_cert"`
	ClientKey  string      `json:"client_key"`
	CABundle   string      `json:"ca_bundle"`
	QoS        byte        `json:"qos"`
	MaxRetries int         `json:"max_retries"`
	BackoffMS  int         `json:"backoff_ms"`
	TLSConfig  *tls.Config `json:"-"`
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// MQTTChannel delivers push intents on per-technician topics.
type MQTTChannel struct {
	cli        pahoClient
	qos        byte
	maxRetries int
	backoff    time.Duration
	log        logger.Logger
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// NewMQTTChannel connects to the broker and returns a push channel.
func NewMQTTChannel(cfg MQTTConfig) (*MQTTChannel, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.loadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	log := logger.New("notify_mqtt")
	opts.OnConnect = func(paho.Client) {
		log.Infof("MQTT connected")
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}

	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	mc := &MQTTChannel{
		cli:        c,
		qos:        cfg.QoS,
		maxRetries: cfg.MaxRetries,
		backoff:    time.Duration(cfg.BackoffMS) * time.Millisecond,
		log:        log,
	}
	if mc.maxRetries <= 0 {
		mc.maxRetries = 3
	}
	if mc.backoff <= 0 {
		mc.backoff = 100 * time.Millisecond
	}
	return mc, nil
}

func (c MQTTConfig) loadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// Send publishes the intent to tech/<recipient>/notice with bounded retry.
func (m *MQTTChannel) Send(_ context.Context, in notify.Intent) error {
	msg := struct {
		MessageID string `json:"message_id"`
		TenantID  string `json:"tenant_id"`
		Kind      string `json:"kind"`
		JobID     string `json:"job_id"`
		Urgent    bool   `json:"urgent"`
		Message   string `json:"message"`
		Timestamp int64  `json:"timestamp"`
	}{
		MessageID: uuid.NewString(),
		TenantID:  in.TenantID,
		Kind:      string(in.Kind),
		JobID:     in.JobID,
		Urgent:    in.Urgent,
		Message:   in.Message,
		Timestamp: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	topic := fmt.Sprintf("tech/%s/notice", in.Recipient)
	var publishErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		token := m.cli.Publish(topic, m.qos, false, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			m.log.Infof("sent %s notice %s to %s", in.Kind, msg.MessageID, topic)
			return nil
		}
		m.log.Errorf("publish attempt %d failed: %v", attempt+1, publishErr)
		time.Sleep(m.backoff * time.Duration(1<<attempt))
	}
	return publishErr
}

// Channel reports the delivery mechanism this sender implements.
func (m *MQTTChannel) Channel() notify.Channel { return notify.ChannelPush }

// Disconnect gracefully closes the MQTT connection.
func (m *MQTTChannel) Disconnect() {
	if m.cli != nil && m.cli.IsConnected() {
		m.cli.Disconnect(250)
	}
}
