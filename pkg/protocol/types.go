// Package protocol defines the JSON-lines messages exchanged with the
// resource-manager bridge and with task executors.
//
// Every line is one Message envelope carrying a type, a timestamp and a
// type-specific payload. The bridge sends OFFERS and STATUS and receives
// ACCEPT and DECLINE. An executor announces itself with READY, receives CMD
// and answers with EVENT, DONE or ERROR.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/offerd/pkg/offer"
	"github.com/openfroyo/offerd/pkg/stores"
)

// Version is the protocol version announced in READY messages.
const Version = "1"

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady announces a peer ready to exchange messages
	MessageTypeReady MessageType = "READY"
	// MessageTypeOffers carries resource offers from the bridge
	MessageTypeOffers MessageType = "OFFERS"
	// MessageTypeStatus carries a task status update from the bridge
	MessageTypeStatus MessageType = "STATUS"
	// MessageTypeAccept accepts an offer with an ordered list of operations
	MessageTypeAccept MessageType = "ACCEPT"
	// MessageTypeDecline declines offers
	MessageTypeDecline MessageType = "DECLINE"
	// MessageTypeCommand is a command to an executor
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeEvent is progress reported by an executor
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone indicates successful completion of a command
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError indicates a failed command or a protocol error
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit announces a peer is going away
	MessageTypeExit MessageType = "EXIT"
)

// CommandType represents the type of command sent to an executor.
type CommandType string

const (
	// CommandTypeShutdown stops the executor and the tasks it runs
	CommandTypeShutdown CommandType = "shutdown"
)

// Message is the envelope of every protocol line.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when a peer is ready to receive messages.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Role     string            `json:"role,omitempty"`
	PID      int               `json:"pid,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OffersMessage carries one batch of offers, the input of one offer cycle.
type OffersMessage struct {
	Offers []offer.Offer `json:"offers"`
}

// StatusMessage is a task status update. The task name is derived from
// the task id.
type StatusMessage struct {
	TaskID    string           `json:"task_id"`
	State     stores.TaskState `json:"state"`
	Message   string           `json:"message,omitempty"`
	Healthy   bool             `json:"healthy"`
	Timestamp time.Time        `json:"timestamp"`
}

// ToTaskStatus converts the message into a stored task status.
func (m *StatusMessage) ToTaskStatus() (*stores.TaskStatus, error) {
	name, err := stores.TaskNameFromID(m.TaskID)
	if err != nil {
		return nil, err
	}
	if err := m.State.Validate(); err != nil {
		return nil, err
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &stores.TaskStatus{
		TaskName:  name,
		TaskID:    m.TaskID,
		State:     m.State,
		Message:   m.Message,
		Healthy:   m.Healthy,
		Timestamp: ts,
	}, nil
}

// AcceptMessage accepts one offer. Operations are applied in order.
type AcceptMessage struct {
	OfferID    string                 `json:"offer_id"`
	Operations []offer.Recommendation `json:"operations"`
}

// DeclineMessage declines offers.
type DeclineMessage struct {
	OfferIDs      []string `json:"offer_ids"`
	RefuseSeconds float64  `json:"refuse_seconds,omitempty"`
}

// CommandMessage contains a command for an executor.
type CommandMessage struct {
	ID       string            `json:"id"`
	Type     CommandType       `json:"type"`
	Timeout  int               `json:"timeout"` // seconds
	Params   json.RawMessage   `json:"params"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EventMessage contains progress information during command execution.
type EventMessage struct {
	CommandID string `json:"command_id"`
	Level     string `json:"level"` // info, warn, debug
	Message   string `json:"message"`
}

// DoneMessage indicates successful command completion.
type DoneMessage struct {
	CommandID string          `json:"command_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Duration  float64         `json:"duration"` // seconds
}

// ErrorMessage indicates an error occurred.
type ErrorMessage struct {
	CommandID string            `json:"command_id,omitempty"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Retryable bool              `json:"retryable"`
}

// Error implements the error interface.
func (e *ErrorMessage) Error() string {
	if e.CommandID != "" {
		return fmt.Sprintf("command %s failed (%s): %s", e.CommandID, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ExitMessage is sent before a peer terminates.
type ExitMessage struct {
	Reason   string `json:"reason"`
	ExitCode int    `json:"exit_code"`
}

// ShutdownParams are the parameters of a shutdown command.
type ShutdownParams struct {
	ExecutorID string `json:"executor_id"`
	// GracePeriod is how long tasks get to stop before being killed, in seconds.
	GracePeriod int `json:"grace_period,omitempty"`
}

// ShutdownResult is the result of a shutdown command.
type ShutdownResult struct {
	ExecutorID string   `json:"executor_id"`
	Stopped    []string `json:"stopped,omitempty"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeOffers, MessageTypeStatus,
		MessageTypeAccept, MessageTypeDecline, MessageTypeCommand,
		MessageTypeEvent, MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command type is valid.
func (ct CommandType) Validate() error {
	switch ct {
	case CommandTypeShutdown:
		return nil
	default:
		return fmt.Errorf("invalid command type: %s", ct)
	}
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if err := cmd.Type.Validate(); err != nil {
		return err
	}
	if cmd.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if len(cmd.Params) == 0 {
		return fmt.Errorf("command params are required")
	}
	return nil
}

// Validate checks if the event message is valid.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return fmt.Errorf("command ID is required")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	validLevels := map[string]bool{"info": true, "warn": true, "debug": true}
	if !validLevels[evt.Level] {
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
	return nil
}

// Validate checks if the accept message is valid.
func (a *AcceptMessage) Validate() error {
	if a.OfferID == "" {
		return fmt.Errorf("offer ID is required")
	}
	if len(a.Operations) == 0 {
		return fmt.Errorf("accept of offer %s has no operations", a.OfferID)
	}
	for i, op := range a.Operations {
		if err := op.Type().Validate(); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
		if op.OfferID != a.OfferID {
			return fmt.Errorf("operation %d targets offer %s, not %s", i, op.OfferID, a.OfferID)
		}
	}
	return nil
}
