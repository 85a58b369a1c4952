package ingest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/secil-uns/canary-sync/internal/metrics"
)

// IntakeConfig configures the broker connection (§6 `broker.*`).
type IntakeConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	TopicFilter string
	TLSCA       string
	ClientID    string
}

// RawFrame is one undecoded MQTT message, handed off the paho callback
// goroutine onto the inbound queue so decoding never runs there.
type RawFrame struct {
	Topic   string
	Payload []byte
}

// Intake owns the MQTT subscription (C1 ingress half). Its message handler
// never decodes inline: it only copies the payload and pushes onto Frames,
// keeping the library's own network goroutine free to service the
// connection (§11).
type Intake struct {
	cfg    IntakeConfig
	logger *logrus.Logger
	client mqtt.Client

	Frames chan RawFrame
}

// NewIntake constructs the subscriber. queueDepth bounds Frames; when full,
// the handler drops the message and counts it under
// RecordFrameDropped("queue_full").
func NewIntake(cfg IntakeConfig, queueDepth int, logger *logrus.Logger) (*Intake, error) {
	in := &Intake{
		cfg:    cfg,
		logger: logger,
		Frames: make(chan RawFrame, queueDepth),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID("canary-sync")
	}
	if cfg.User != "" {
		opts.SetUsername(cfg.User)
		opts.SetPassword(cfg.Password)
	}
	if cfg.TLSCA != "" {
		tlsConfig, err := loadTLSConfig(cfg.TLSCA)
		if err != nil {
			return nil, fmt.Errorf("loading broker CA: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
		opts.AddBroker(fmt.Sprintf("tls://%s:%d", cfg.Host, cfg.Port))
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.WithField("broker", cfg.Host).Info("mqtt connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WithError(err).Warn("mqtt connection lost, reconnecting")
	})
	opts.SetDefaultPublishHandler(in.handleMessage)

	in.client = mqtt.NewClient(opts)
	return in, nil
}

func loadTLSConfig(caPath string) (*tls.Config, error) {
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caPath)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// handleMessage is the paho callback: copy and enqueue only, never decode.
func (in *Intake) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	select {
	case in.Frames <- RawFrame{Topic: msg.Topic(), Payload: payload}:
	default:
		metrics.RecordFrameDropped("queue_full")
		in.logger.WithField("topic", msg.Topic()).Warn("ingest queue full, dropping frame")
	}
}

// Run connects and subscribes at QoS 1, blocking until ctx is cancelled.
func (in *Intake) Run(ctx context.Context) error {
	token := in.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return fmt.Errorf("mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect failed: %w", err)
	}

	subToken := in.client.Subscribe(in.cfg.TopicFilter, 1, nil)
	if !subToken.WaitTimeout(30 * time.Second) {
		return fmt.Errorf("mqtt subscribe timed out")
	}
	if err := subToken.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe failed: %w", err)
	}
	in.logger.WithField("filter", in.cfg.TopicFilter).Info("mqtt subscribed")

	<-ctx.Done()
	in.client.Disconnect(250)
	return ctx.Err()
}

// PublishRebirth issues an NCMD/DCMD rebirth request for a throttled
// RebirthRequest (§4.2).
func (in *Intake) PublishRebirth(req RebirthRequest) error {
	cmdType := "NCMD"
	device := req.Device
	topic := fmt.Sprintf("spBv1.0/%s/%s/%s", req.Group, cmdType, req.Edge)
	if device != "" {
		topic = fmt.Sprintf("spBv1.0/%s/DCMD/%s/%s", req.Group, req.Edge, device)
	}

	token := in.client.Publish(topic, 1, false, []byte{})
	token.WaitTimeout(5 * time.Second)
	return token.Error()
}
