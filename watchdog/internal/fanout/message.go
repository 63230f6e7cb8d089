package fanout

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConnectionFailedText is broadcast when the data source cannot be reached.
const ConnectionFailedText = "[ERROR] Connection to Monitoring Server Failed"

// Message is one alert notification. Text is what humans read; the other
// fields travel with structured sinks (webhook, kafka) and logs.
type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Service   string    `json:"service,omitempty"`
	Host      string    `json:"host,omitempty"`
	Category  string    `json:"category,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DownMessage builds the alert for a host of service reported down.
func DownMessage(service, host, category string) Message {
	return Message{
		ID:        uuid.NewString(),
		Text:      fmt.Sprintf("[ERROR] %s -- instance %s down!", service, host),
		Service:   service,
		Host:      host,
		Category:  category,
		CreatedAt: time.Now().UTC(),
	}
}

// ConnectionFailedMessage builds the data source unavailability alert.
func ConnectionFailedMessage() Message {
	return Message{
		ID:        uuid.NewString(),
		Text:      ConnectionFailedText,
		CreatedAt: time.Now().UTC(),
	}
}
