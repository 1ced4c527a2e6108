// Package obslog is the relay's process-level (stderr) echo of the events
// the Log Ring already records durably in memory. It mirrors the teacher's
// backend-go structured session-logging shape (internal/utils/logging.go)
// applied to relay lifecycle events instead of session provisioning events.
package obslog

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// RelayLogEntry is a structured stderr record for one lifecycle event.
type RelayLogEntry struct {
	Timestamp string                 `json:"timestamp"`
	ClientID  string                 `json:"client_id,omitempty"`
	EventType string                 `json:"event_type"`
	Status    string                 `json:"status,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// structuredLogging mirrors the teacher's STRUCTURED_LOGGING toggle,
// defaulting to on.
var structuredLogging = os.Getenv("STRUCTURED_LOGGING") != "false"

// LogRelayEvent emits one structured (or, if disabled, plain) lifecycle line.
func LogRelayEvent(event RelayLogEntry) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	if structuredLogging {
		jsonBytes, err := json.Marshal(event)
		if err != nil {
			log.Printf("relay: error marshaling log entry: %v", err)
			return
		}
		log.Println(string(jsonBytes))
		return
	}

	if event.Error != "" {
		log.Printf("[%s] client %s: %s (error: %s)", event.EventType, event.ClientID, event.Status, event.Error)
	} else {
		log.Printf("[%s] client %s: %s", event.EventType, event.ClientID, event.Status)
	}
}

// LogExtensionConnected echoes a new extension attachment.
func LogExtensionConnected(superseded bool) {
	LogRelayEvent(RelayLogEntry{
		EventType: "EXTENSION_CONNECTED",
		Status:    "ready",
		Metadata:  map[string]interface{}{"superseded_prior": superseded},
	})
}

// LogExtensionDisconnected echoes the extension socket going away.
func LogExtensionDisconnected() {
	LogRelayEvent(RelayLogEntry{EventType: "EXTENSION_DISCONNECTED", Status: "absent"})
}

// LogClientConnected echoes a new CDP client socket.
func LogClientConnected(clientID, label string) {
	LogRelayEvent(RelayLogEntry{
		ClientID:  clientID,
		EventType: "CLIENT_CONNECTED",
		Status:    "connected",
		Metadata:  map[string]interface{}{"label": label},
	})
}

// LogClientDisconnected echoes a CDP client socket closing.
func LogClientDisconnected(clientID string) {
	LogRelayEvent(RelayLogEntry{ClientID: clientID, EventType: "CLIENT_DISCONNECTED", Status: "closed"})
}

// LogClientDropped echoes a client dropped for a full outbound queue.
func LogClientDropped(clientID string) {
	LogRelayEvent(RelayLogEntry{
		ClientID:  clientID,
		EventType: "CLIENT_DROPPED",
		Status:    "backpressure",
	})
}
