package ndjson

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/iambrandonn/overseer/internal/protocol"
)

// MaxMessageSize is the maximum NDJSON message size (256 KiB)
const MaxMessageSize = 256 * 1024

// Encoder writes NDJSON messages to an output stream
type Encoder struct {
	writer *bufio.Writer
	flush  func()
	logger *slog.Logger
}

// NewEncoder creates a new NDJSON encoder
func NewEncoder(w io.Writer, logger *slog.Logger) *Encoder {
	e := &Encoder{
		writer: bufio.NewWriter(w),
		logger: logger,
	}
	// HTTP response writers need their own flush after ours to reach the client
	if f, ok := w.(interface{ Flush() }); ok {
		e.flush = f.Flush
	}
	return e
}

// Encode writes a message as a single JSON line
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if len(data) > MaxMessageSize {
		e.logger.Error("message exceeds size limit",
			"size", len(data),
			"limit", MaxMessageSize,
			"overflow", len(data)-MaxMessageSize)
		return fmt.Errorf("message size %d exceeds limit %d", len(data), MaxMessageSize)
	}

	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	// Flush immediately for real-time delivery
	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	if e.flush != nil {
		e.flush()
	}

	return nil
}

// Decoder reads NDJSON messages from an input stream
type Decoder struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
	lineNum int
}

// NewDecoder creates a new NDJSON decoder
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	scanner := bufio.NewScanner(r)

	buf := make([]byte, MaxMessageSize)
	scanner.Buffer(buf, MaxMessageSize)

	return &Decoder{
		scanner: scanner,
		logger:  logger,
	}
}

// Line returns the number of the last line read
func (d *Decoder) Line() int {
	return d.lineNum
}

// Decode reads the next NDJSON message, skipping blank lines
func (d *Decoder) Decode(v any) error {
	for {
		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				return fmt.Errorf("scanner error at line %d: %w", d.lineNum, err)
			}
			return io.EOF
		}

		d.lineNum++
		data := d.scanner.Bytes()
		if len(data) == 0 {
			continue
		}

		if err := json.Unmarshal(data, v); err != nil {
			d.logger.Error("failed to unmarshal JSON",
				"line", d.lineNum,
				"error", err,
				"data", string(data[:min(100, len(data))]))
			return fmt.Errorf("failed to unmarshal line %d: %w", d.lineNum, err)
		}
		return nil
	}
}

// DecodeUpdate reads the next update event and validates its type
func (d *Decoder) DecodeUpdate() (*protocol.Update, error) {
	var upd protocol.Update
	if err := d.Decode(&upd); err != nil {
		return nil, err
	}

	switch upd.Type {
	case protocol.UpdateStatus,
		protocol.UpdateApprovalRequired,
		protocol.UpdateTaskComplete,
		protocol.UpdateError:
		return &upd, nil
	case "":
		return nil, fmt.Errorf("line %d: missing or invalid 'type' field", d.lineNum)
	default:
		d.logger.Warn("unknown update type",
			"line", d.lineNum,
			"type", upd.Type)
		return nil, fmt.Errorf("line %d: unknown update type: %s", d.lineNum, upd.Type)
	}
}
