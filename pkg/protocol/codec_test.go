package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/openfroyo/offerd/pkg/offer"
	"github.com/openfroyo/offerd/pkg/stores"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{
			name:    "encode ready message",
			msgType: MessageTypeReady,
			data:    &ReadyMessage{Version: Version, Role: "executor", PID: 1234},
		},
		{
			name:    "encode offers message",
			msgType: MessageTypeOffers,
			data: &OffersMessage{Offers: []offer.Offer{{
				ID:        "offer-1",
				AgentID:   "agent-1",
				Resources: []offer.Resource{offer.NewScalar(offer.ResourceCPUs, 2)},
			}}},
		},
		{
			name:    "encode event message",
			msgType: MessageTypeEvent,
			data: &EventMessage{
				CommandID: "cmd-123",
				Level:     "info",
				Message:   "stopping tasks",
			},
		},
		{
			name:    "encode error message",
			msgType: MessageTypeError,
			data: &ErrorMessage{
				CommandID: "cmd-123",
				Code:      "SHUTDOWN_FAILED",
				Message:   "executor not found",
			},
		},
		{
			name:    "encode exit message",
			msgType: MessageTypeExit,
			data:    &ExitMessage{Reason: "shutdown"},
		},
		{
			name:    "invalid message type",
			msgType: MessageType("INVALID"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			enc := NewEncoder(&buf)

			err := enc.Encode(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("Encode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				line := strings.TrimSpace(buf.String())
				var msg Message
				if err := json.Unmarshal([]byte(line), &msg); err != nil {
					t.Errorf("Output is not valid JSON: %v", err)
				}
				if msg.Type != tt.msgType {
					t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
				}
			}
		})
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		msgType MessageType
	}{
		{
			name:    "decode ready message",
			input:   `{"type":"READY","timestamp":"2024-01-01T00:00:00Z","data":{"version":"1"}}`,
			msgType: MessageTypeReady,
		},
		{
			name:    "decode command message",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"id":"cmd-123","type":"shutdown","timeout":30,"params":{"executor_id":"e-1"}}}`,
			msgType: MessageTypeCommand,
		},
		{
			name:    "decode status message",
			input:   `{"type":"STATUS","timestamp":"2024-01-01T00:00:00Z","data":{"task_id":"node-0__1","state":"RUNNING"}}`,
			msgType: MessageTypeStatus,
		},
		{
			name:    "unknown type",
			input:   `{"type":"PING","timestamp":"2024-01-01T00:00:00Z"}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			input:   `{invalid json`,
			wantErr: true,
		},
		{
			name:    "empty line",
			input:   ``,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input + "\n"))
			msg, err := dec.Decode()

			if (err != nil) != tt.wantErr {
				t.Errorf("Decode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && msg.Type != tt.msgType {
				t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
			}
		})
	}
}

func TestDecoderEOF(t *testing.T) {
	dec := NewDecoder(strings.NewReader(""))
	if _, err := dec.Decode(); err != io.EOF {
		t.Errorf("Decode() error = %v, want io.EOF", err)
	}
}

func TestDecoderBrokenStream(t *testing.T) {
	dec := NewDecoder(strings.NewReader(strings.Repeat("x", maxLineSize+1) + "\n"))
	for i := 0; i < 2; i++ {
		if _, err := dec.Decode(); !errors.Is(err, ErrStreamBroken) {
			t.Fatalf("Decode() #%d error = %v, want ErrStreamBroken", i, err)
		}
	}
}

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{
			name:  "valid shutdown command",
			input: `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"id":"cmd-123","type":"shutdown","timeout":30,"params":{"executor_id":"e-1"}}}`,
		},
		{
			name:    "wrong message type",
			input:   `{"type":"EVENT","timestamp":"2024-01-01T00:00:00Z","data":{}}`,
			wantErr: true,
		},
		{
			name:    "unknown command",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"id":"cmd-123","type":"exec","timeout":30,"params":{}}}`,
			wantErr: true,
		},
		{
			name:    "missing command id",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"type":"shutdown","timeout":30,"params":{}}}`,
			wantErr: true,
		},
		{
			name:    "invalid timeout",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"id":"cmd-123","type":"shutdown","timeout":0,"params":{}}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input + "\n"))
			cmd, err := dec.DecodeCommand()

			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeCommand() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				var params ShutdownParams
				if err := ParseParams(cmd.Params, &params); err != nil {
					t.Fatalf("ParseParams: %v", err)
				}
				if params.ExecutorID != "e-1" {
					t.Errorf("ExecutorID = %q, want e-1", params.ExecutorID)
				}
			}
		})
	}
}

func TestAcceptRoundTrip(t *testing.T) {
	disk := offer.NewDisk(offer.DiskSourceMount, 2000, "/mnt/disk1").
		Reserve("cassandra-role", "cassandra-principal", "r-1")
	o := &offer.Offer{ID: "offer-1", AgentID: "agent-1"}
	accept := &AcceptMessage{
		OfferID: o.ID,
		Operations: []offer.Recommendation{
			offer.Reserve(o, disk),
			offer.Create(o, disk.WithPersistence("p-1", "cassandra-data")),
		},
	}

	var buf bytes.Buffer
	if err := NewEncoder(&buf).EncodeAccept(accept); err != nil {
		t.Fatalf("EncodeAccept: %v", err)
	}

	msg, err := NewDecoder(&buf).Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var got AcceptMessage
	if err := DecodeData(msg, &got); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if diff := cmp.Diff(accept, &got); diff != "" {
		t.Errorf("accept mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeAcceptValidates(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	if err := enc.EncodeAccept(&AcceptMessage{OfferID: "offer-1"}); err == nil {
		t.Error("expected error for accept without operations")
	}
	mismatched := &AcceptMessage{
		OfferID:    "offer-1",
		Operations: []offer.Recommendation{offer.Reserve(&offer.Offer{ID: "offer-2"}, offer.NewScalar(offer.ResourceCPUs, 1))},
	}
	if err := enc.EncodeAccept(mismatched); err == nil {
		t.Error("expected error for operation of another offer")
	}
	if err := enc.EncodeDecline(&DeclineMessage{}); err == nil {
		t.Error("expected error for empty decline")
	}
	if buf.Len() != 0 {
		t.Errorf("nothing should be written for invalid messages, got %q", buf.String())
	}
}

func TestStatusMessageToTaskStatus(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	msg := &StatusMessage{TaskID: stores.NewTaskID("node-0"), State: stores.TaskStateRunning, Timestamp: ts}

	status, err := msg.ToTaskStatus()
	if err != nil {
		t.Fatalf("ToTaskStatus: %v", err)
	}
	if status.TaskName != "node-0" || status.State != stores.TaskStateRunning || !status.Timestamp.Equal(ts) {
		t.Errorf("unexpected status %+v", status)
	}

	if _, err := (&StatusMessage{TaskID: "no-separator", State: stores.TaskStateRunning}).ToTaskStatus(); err == nil {
		t.Error("expected error for a task id without a name")
	}
	if _, err := (&StatusMessage{TaskID: "node-0__1", State: "BOGUS"}).ToTaskStatus(); err == nil {
		t.Error("expected error for an unknown state")
	}
}
