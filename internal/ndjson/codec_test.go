package ndjson

import (
	"bytes"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/iambrandonn/overseer/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEncoderDecoderUpdate(t *testing.T) {
	var buf bytes.Buffer
	logger := testLogger()

	encoder := NewEncoder(&buf, logger)
	decoder := NewDecoder(&buf, logger)

	upd := protocol.Update{
		Type:       protocol.UpdateApprovalRequired,
		UserID:     "u-1",
		Message:    "Approval required: force push",
		ApprovalID: "a-1",
		ApprovalDetails: &protocol.ApprovalDetails{
			Action: "force push",
			Repo:   "demo",
		},
		Timestamp: time.Now().UTC(),
	}

	if err := encoder.Encode(upd); err != nil {
		t.Fatalf("failed to encode update: %v", err)
	}

	decoded, err := decoder.DecodeUpdate()
	if err != nil {
		t.Fatalf("failed to decode update: %v", err)
	}

	if decoded.ApprovalID != upd.ApprovalID {
		t.Errorf("approval_id mismatch: got %s, want %s", decoded.ApprovalID, upd.ApprovalID)
	}
	if decoded.ApprovalDetails == nil || decoded.ApprovalDetails.Action != "force push" {
		t.Errorf("approval details mismatch: got %+v", decoded.ApprovalDetails)
	}
}

func TestDecodeUpdateRejectsUnknownType(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"missing type", `{"user_id":"u-1","message":"x"}`, "missing or invalid 'type'"},
		{"unknown type", `{"type":"HEARTBEAT","user_id":"u-1"}`, "unknown update type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoder := NewDecoder(strings.NewReader(tt.input+"\n"), testLogger())
			_, err := decoder.DecodeUpdate()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestEncoderSizeLimit(t *testing.T) {
	var buf bytes.Buffer
	encoder := NewEncoder(&buf, testLogger())

	upd := protocol.Update{
		Type:    protocol.UpdateStatus,
		Message: strings.Repeat("x", MaxMessageSize),
	}

	err := encoder.Encode(upd)
	if err == nil {
		t.Fatal("expected error for oversized message, got nil")
	}

	if !strings.Contains(err.Error(), "exceeds limit") {
		t.Errorf("expected 'exceeds limit' error, got: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("nothing should be written for an oversized message, got %d bytes", buf.Len())
	}
}

func TestEncoderFlushesHTTPResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	encoder := NewEncoder(rec, testLogger())

	if err := encoder.Encode(protocol.Update{Type: protocol.UpdateStatus, Message: "hi"}); err != nil {
		t.Fatalf("failed to encode: %v", err)
	}

	if !rec.Flushed {
		t.Error("encoder should flush the underlying http.Flusher")
	}
	if !strings.HasSuffix(rec.Body.String(), "\n") {
		t.Errorf("encoded line should end with newline, got %q", rec.Body.String())
	}
}

func TestDecoderSizeLimit(t *testing.T) {
	largeLine := strings.Repeat("x", MaxMessageSize+1000)
	decoder := NewDecoder(strings.NewReader(largeLine+"\n"), testLogger())

	var msg map[string]any
	if err := decoder.Decode(&msg); err == nil {
		t.Error("expected error for oversized line, got nil")
	}
}

func TestDecoderEmptyLines(t *testing.T) {
	input := strings.NewReader("\n\n{\"type\":\"ERROR\",\"user_id\":\"u-1\",\"message\":\"boom\",\"timestamp\":\"2026-01-02T12:00:00Z\"}\n")
	decoder := NewDecoder(input, testLogger())

	upd, err := decoder.DecodeUpdate()
	if err != nil {
		t.Fatalf("failed to decode after empty lines: %v", err)
	}

	if upd.Message != "boom" {
		t.Errorf("got message %s, want boom", upd.Message)
	}
	if decoder.Line() != 3 {
		t.Errorf("Line() = %d, want 3", decoder.Line())
	}
}

func TestDecoderEOF(t *testing.T) {
	decoder := NewDecoder(strings.NewReader(""), testLogger())

	var msg map[string]any
	if err := decoder.Decode(&msg); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestMultipleMessages(t *testing.T) {
	var buf bytes.Buffer
	logger := testLogger()
	encoder := NewEncoder(&buf, logger)

	messages := []protocol.Update{
		{Type: protocol.UpdateStatus, UserID: "u-1", Message: "Starting task"},
		{Type: protocol.UpdateStatus, UserID: "u-1", Message: "Approved: force push"},
		{Type: protocol.UpdateTaskComplete, UserID: "u-1", Message: "Committed changes"},
	}

	for _, msg := range messages {
		if err := encoder.Encode(msg); err != nil {
			t.Fatalf("failed to encode message: %v", err)
		}
	}

	decoder := NewDecoder(&buf, logger)
	for i, expected := range messages {
		decoded, err := decoder.DecodeUpdate()
		if err != nil {
			t.Fatalf("failed to decode message %d: %v", i, err)
		}
		if decoded.Type != expected.Type || decoded.Message != expected.Message {
			t.Errorf("message %d: got %s/%q, want %s/%q", i, decoded.Type, decoded.Message, expected.Type, expected.Message)
		}
	}

	if _, err := decoder.DecodeUpdate(); err != io.EOF {
		t.Errorf("expected EOF after all messages, got %v", err)
	}
}
