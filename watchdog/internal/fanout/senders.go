package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/heartwatch/heartwatch/watchdog/internal/config"
)

const (
	sendTimeout        = 10 * time.Second
	defaultTelegramAPI = "https://api.telegram.org"
)

// Sender delivers a Message to one endpoint.
type Sender interface {
	ID() string
	Send(ctx context.Context, msg Message) error
}

// NewSender returns the Sender for ep. HTTP senders share client.
func NewSender(ep config.Endpoint, client *http.Client) (Sender, error) {
	switch ep.Type {
	case "telegram":
		base := ep.BaseURL
		if base == "" {
			base = defaultTelegramAPI
		}
		return &telegramSender{ep: ep, base: strings.TrimRight(base, "/"), client: client}, nil
	case "webhook":
		return &webhookSender{ep: ep, client: client}, nil
	case "slack":
		return &slackSender{ep: ep, client: client}, nil
	case "kafka":
		return newKafkaSender(ep), nil
	default:
		return nil, fmt.Errorf("fanout: unsupported endpoint type %q", ep.Type)
	}
}

// telegramSender posts to the Bot API sendMessage method.
type telegramSender struct {
	ep     config.Endpoint
	base   string
	client *http.Client
}

func (s *telegramSender) ID() string { return s.ep.ID }

func (s *telegramSender) Send(ctx context.Context, msg Message) error {
	key := s.ep.BotKey()
	if key == "" {
		return fmt.Errorf("telegram bot key is not set")
	}
	target := fmt.Sprintf("%s/bot%s/sendMessage?parse_mode=html&chat_id=%s",
		s.base, key, url.QueryEscape(s.ep.ChatID))
	// Under parse_mode=html a bare & or < in a service name is rejected
	// by the Bot API with 400 "can't parse entities".
	body, _ := json.Marshal(map[string]string{"text": html.EscapeString(msg.Text)})
	return post(ctx, s.client, target, body)
}

// webhookSender posts the whole Message as JSON.
type webhookSender struct {
	ep     config.Endpoint
	client *http.Client
}

func (s *webhookSender) ID() string { return s.ep.ID }

func (s *webhookSender) Send(ctx context.Context, msg Message) error {
	target := s.ep.URL()
	if target == "" {
		return fmt.Errorf("webhook url is not set (%s)", s.ep.URLEnv)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return post(ctx, s.client, target, body)
}

// slackSender posts to a Slack incoming webhook.
type slackSender struct {
	ep     config.Endpoint
	client *http.Client
}

func (s *slackSender) ID() string { return s.ep.ID }

func (s *slackSender) Send(ctx context.Context, msg Message) error {
	target := s.ep.URL()
	if target == "" {
		return fmt.Errorf("slack webhook url is not set (%s)", s.ep.URLEnv)
	}
	body, _ := json.Marshal(map[string]string{"text": msg.Text})
	return post(ctx, s.client, target, body)
}

// post sends body as JSON and treats any non-2xx status as a failure.
// The URL is kept out of errors because it may embed a bot key.
func post(ctx context.Context, client *http.Client, target string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// kafkaSender publishes each Message to a topic, keyed by host so alerts for
// one host stay ordered within a partition.
type kafkaSender struct {
	id     string
	writer *kafka.Writer
}

func newKafkaSender(ep config.Endpoint) *kafkaSender {
	return &kafkaSender{
		id: ep.ID,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(ep.Brokers...),
			Topic:        ep.Topic,
			Balancer:     &kafka.Hash{},
			WriteTimeout: sendTimeout,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

func (s *kafkaSender) ID() string { return s.id }

func (s *kafkaSender) Send(ctx context.Context, msg Message) error {
	km, err := buildKafkaMessage(msg)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (s *kafkaSender) Close() error { return s.writer.Close() }

func buildKafkaMessage(msg Message) (kafka.Message, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal message: %w", err)
	}
	key := msg.Host
	if key == "" {
		key = msg.Service
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "message_id", Value: []byte(msg.ID)},
			{Key: "service", Value: []byte(msg.Service)},
		},
		Time: msg.CreatedAt,
	}, nil
}
