package summary

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// Title is the fixed title of the daily notification.
	Title = "🌿 Daily Soil Summary"

	// NotificationType tags the envelope so session clients can dispatch on it.
	NotificationType = "send_notification"

	// ContentType is the media type of encoded notifications.
	ContentType = "application/json"
)

// Message is the payload delivered to every subscriber. It is identical for
// all recipients of a run.
type Message struct {
	ID      string  `json:"id,omitempty"`
	Title   string  `json:"title"`
	Message string  `json:"message"`
	Date    string  `json:"date"`
	Summary Figures `json:"summary"`
}

// Notification is the envelope written to the channel transport.
type Notification struct {
	Type      string  `json:"type"`
	Message   Message `json:"message"`
	Timestamp string  `json:"timestamp"`
}

// NewMessage builds the notification payload for agg, stamped with at.
func NewMessage(id string, agg DailyAggregate, at time.Time) Message {
	figures := agg.Rounded()
	return Message{
		ID:      id,
		Title:   Title,
		Message: FormatSummary(figures),
		Date:    at.Format(time.RFC3339),
		Summary: figures,
	}
}

// FormatSummary renders the one-line human readable summary.
func FormatSummary(f Figures) string {
	return fmt.Sprintf("🌡 %.1f°C | 💧 pH: %.2f | 🌿 N:%.1f P:%.1f K:%.1f",
		f.Temperature, f.PH, f.Nitrogen, f.Phosphorus, f.Potassium)
}

// Encode wraps msg in its transport envelope and marshals it.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(Notification{
		Type:      NotificationType,
		Message:   msg,
		Timestamp: msg.Date,
	})
}

// Decode parses an encoded notification envelope.
func Decode(data []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	return n, nil
}
