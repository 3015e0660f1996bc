package arc

import (
	"context"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// publisher sends write payloads to an MQTT broker that Arc subscribes to
type publisher struct {
	client  pahomqtt.Client
	topic   string
	qos     byte
	timeout time.Duration
	logger  zerolog.Logger
}

type mqttConfig struct {
	Broker   string
	ClientID string
	Topic    string
	Username string
	Password string
	QoS      int
	Timeout  time.Duration
}

func newPublisher(cfg mqttConfig, logger zerolog.Logger) (*publisher, error) {
	p := &publisher{
		topic:   cfg.Topic,
		qos:     byte(cfg.QoS),
		timeout: cfg.Timeout,
		logger:  logger.With().Str("broker", cfg.Broker).Str("topic", cfg.Topic).Logger(),
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetConnectTimeout(cfg.Timeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		p.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	p.client = pahomqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("mqtt connect timeout after %s", cfg.Timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	p.logger.Info().Msg("Connected to MQTT broker")
	return p, nil
}

func (p *publisher) publish(ctx context.Context, payload []byte) error {
	token := p.client.Publish(p.topic, p.qos, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.timeout):
		return fmt.Errorf("mqtt publish timeout after %s", p.timeout)
	}
}

func (p *publisher) close() {
	if p.client.IsConnected() {
		p.client.Disconnect(1000)
	}
}
