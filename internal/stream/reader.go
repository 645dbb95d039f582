// Package stream reassembles the line-delimited output of an agent subprocess,
// tracks how much of the output budget it has consumed and detects truncation.
//
// A Reader is a plain state accumulator: it does not know whether its chunks come
// from a pipe, a channel or a test, and it is not safe for concurrent use.
package stream

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
	"github.com/iambrandonn/overseer/internal/protocol"
)

const (
	// DefaultTokenLimit is the output budget used when none is configured
	DefaultTokenLimit = 32000
	// DefaultWarningRatio is the share of the budget at which one warning fires
	DefaultWarningRatio = 0.8
	// DefaultCharsPerToken is the average characters per token for the estimate
	DefaultCharsPerToken = 4.0
	// MaxLineBytes bounds one line (1 MiB); longer lines are read as raw pieces of this size
	MaxLineBytes = 1 << 20
)

// subAgentTools are tool names that spawn a sub-agent
var subAgentTools = map[string]struct{}{
	"Task":  {},
	"Agent": {},
}

// Options configures a Reader
type Options struct {
	TokenLimit    int
	WarningRatio  float64
	CharsPerToken float64
	Rules         RuleSet
}

// DefaultOptions returns the built-in budget and truncation rules
func DefaultOptions() Options {
	return Options{
		TokenLimit:    DefaultTokenLimit,
		WarningRatio:  DefaultWarningRatio,
		CharsPerToken: DefaultCharsPerToken,
		Rules:         DefaultRuleSet(),
	}
}

// Warning is raised once per execution when the estimate crosses the warning threshold
type Warning struct {
	Estimate int
	Limit    int
	Chars    int
	Words    int
}

// SubAgent is a sub-agent the agent spawned through a tool call
type SubAgent struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	StartedAt   time.Time `json:"started_at"`
}

// SubAgentEvent reports a sub-agent starting or finishing
type SubAgentEvent struct {
	SubAgent SubAgent
	Started  bool
}

// Result is returned by Finalize
type Result struct {
	// Text is every text unit of the execution joined by newlines
	Text string
	// Final is the agent's final answer: the result record when present, else Text
	Final string
	// Truncation is the latched truncation reason, empty when the output completed
	Truncation string
	Chars      int
	Words      int
	Estimate   int
	Records    int
	RawLines   int
}

// Truncated reports whether a truncation reason was latched
func (r Result) Truncated() bool {
	return r.Truncation != ""
}

// Reader consumes output chunks of one subprocess execution
type Reader struct {
	opts Options

	pending []byte
	units   []string
	final   string

	chars      int
	words      int
	warned     bool
	truncation string

	sawAssistant bool
	records      int
	rawLines     int

	active map[string]SubAgent
	order  []string

	onWarning  func(Warning)
	onSubAgent func(SubAgentEvent)

	finalized bool
	result    Result
	now       func() time.Time
}

// NewReader creates a Reader. Zero option values fall back to the defaults.
func NewReader(opts Options) *Reader {
	if opts.WarningRatio <= 0 {
		opts.WarningRatio = DefaultWarningRatio
	}
	if opts.CharsPerToken <= 0 {
		opts.CharsPerToken = DefaultCharsPerToken
	}
	if opts.Rules.Rules == nil {
		opts.Rules = DefaultRuleSet()
	}
	return &Reader{
		opts:   opts,
		active: make(map[string]SubAgent),
		now:    time.Now,
	}
}

// SetWarningHandler sets the callback fired when the budget warning threshold is crossed
func (r *Reader) SetWarningHandler(handler func(Warning)) {
	r.onWarning = handler
}

// SetSubAgentHandler sets the callback for sub-agent start and finish
func (r *Reader) SetSubAgentHandler(handler func(SubAgentEvent)) {
	r.onSubAgent = handler
}

// Feed appends a chunk of output. Complete lines are handled immediately and an
// unterminated trailing fragment is kept for the next call.
func (r *Reader) Feed(chunk []byte) {
	if r.finalized || len(chunk) == 0 {
		return
	}

	r.pending = append(r.pending, chunk...)
	start := 0
	for {
		i := bytes.IndexByte(r.pending[start:], '\n')
		if i < 0 {
			break
		}
		r.handleBounded(r.pending[start : start+i])
		start += i + 1
	}

	for len(r.pending)-start >= MaxLineBytes {
		r.handleLine(r.pending[start : start+MaxLineBytes])
		start += MaxLineBytes
	}

	// Release the consumed prefix of the backing array
	switch {
	case start == len(r.pending):
		r.pending = nil
	case start > 0:
		r.pending = append([]byte(nil), r.pending[start:]...)
	}
}

// handleBounded cuts a complete line at the same MaxLineBytes offsets Feed uses
// for an unterminated one, so a long line is read the same way however it is chunked.
func (r *Reader) handleBounded(line []byte) {
	for len(line) >= MaxLineBytes {
		r.handleLine(line[:MaxLineBytes])
		line = line[MaxLineBytes:]
	}
	r.handleLine(line)
}

// Finalize flushes the buffered fragment and returns the execution result.
// Calling it more than once returns the same result.
func (r *Reader) Finalize() Result {
	if r.finalized {
		return r.result
	}

	if len(r.pending) > 0 {
		r.handleLine(r.pending)
		r.pending = nil
	}
	r.finalized = true

	text := strings.Join(r.units, "\n")
	final := r.final
	if strings.TrimSpace(final) == "" {
		final = text
	}

	r.result = Result{
		Text:       text,
		Final:      final,
		Truncation: r.truncation,
		Chars:      r.chars,
		Words:      r.words,
		Estimate:   r.estimate(),
		Records:    r.records,
		RawLines:   r.rawLines,
	}
	return r.result
}

// Truncation returns the latched truncation reason, if any
func (r *Reader) Truncation() string {
	return r.truncation
}

// Estimate returns the approximate number of budget units consumed so far
func (r *Reader) Estimate() int {
	return r.estimate()
}

// ActiveSubAgents returns sub-agents that have started and not yet finished, oldest first
func (r *Reader) ActiveSubAgents() []SubAgent {
	out := make([]SubAgent, 0, len(r.order))
	for _, id := range r.order {
		if sa, ok := r.active[id]; ok {
			out = append(out, sa)
		}
	}
	return out
}

func (r *Reader) handleLine(raw []byte) {
	raw = bytes.TrimSuffix(raw, []byte{'\r'})
	trimmed := bytes.TrimSpace(raw)

	if len(trimmed) > 0 && trimmed[0] == '{' {
		var rec protocol.Record
		if err := json.Unmarshal(trimmed, &rec); err == nil && rec.Type != "" {
			r.records++
			r.handleRecord(&rec)
			return
		}
	}

	r.rawLines++
	r.unit(ansi.Strip(string(raw)))
}

func (r *Reader) handleRecord(rec *protocol.Record) {
	if rec.StopReason == protocol.StopReasonMaxTokens {
		r.latch(MaxTokensReason)
	}

	switch rec.Type {
	case protocol.RecordTypeAssistant:
		if rec.Message == nil {
			return
		}
		r.sawAssistant = true
		if rec.Message.StopReason == protocol.StopReasonMaxTokens {
			r.latch(MaxTokensReason)
		}
		for _, block := range rec.Message.Content {
			switch block.Type {
			case "text":
				r.unit(block.Text)
			case "tool_use":
				r.toolUse(block.ID, block.Name, block.Input)
			}
		}

	case protocol.RecordTypeUser:
		// Tool output is not agent text; it only closes sub-agents
		if rec.Message == nil {
			return
		}
		for _, block := range rec.Message.Content {
			if block.Type == "tool_result" {
				r.endSubAgent(block.ToolUseID)
			}
		}

	case protocol.RecordTypeToolResult:
		// tool output, not agent text

	case protocol.RecordTypeResult:
		if strings.Contains(rec.Subtype, protocol.StopReasonMaxTokens) {
			r.latch(MaxTokensReason)
		}
		r.final = rec.Result
		if r.sawAssistant {
			r.checkTruncation(rec.Result)
		} else {
			r.unit(rec.Result)
		}

	case protocol.RecordTypeToolUse:
		r.toolUse("", rec.Name, rec.Input)

	case protocol.RecordTypeSystem:
		// session metadata only

	default:
		switch {
		case rec.Text != "":
			r.unit(rec.Text)
		case rec.Content != "":
			r.unit(rec.Content)
		case rec.Result != "":
			r.unit(rec.Result)
		}
	}
}

func (r *Reader) toolUse(id, name string, input map[string]any) {
	if _, ok := subAgentTools[name]; ok && id != "" {
		desc, _ := input["description"].(string)
		if desc == "" {
			desc, _ = input["subagent_type"].(string)
		}
		sa := SubAgent{ID: id, Description: desc, StartedAt: r.now()}
		if _, exists := r.active[id]; !exists {
			r.order = append(r.order, id)
		}
		r.active[id] = sa
		if r.onSubAgent != nil {
			r.onSubAgent(SubAgentEvent{SubAgent: sa, Started: true})
		}
	}

	// Commands the agent executes become lines of their own so they can be scanned
	if cmd, ok := input["command"].(string); ok && strings.TrimSpace(cmd) != "" {
		r.unit(cmd)
	}
}

func (r *Reader) endSubAgent(id string) {
	sa, ok := r.active[id]
	if !ok {
		return
	}
	delete(r.active, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.onSubAgent != nil {
		r.onSubAgent(SubAgentEvent{SubAgent: sa, Started: false})
	}
}

// unit records one piece of agent text
func (r *Reader) unit(text string) {
	r.units = append(r.units, text)
	r.checkTruncation(text)

	r.chars += utf8.RuneCountInString(text)
	r.words += len(strings.Fields(text))

	if r.warned || r.opts.TokenLimit <= 0 {
		return
	}
	threshold := float64(r.opts.TokenLimit) * r.opts.WarningRatio
	if est := r.estimate(); float64(est) >= threshold {
		r.warned = true
		if r.onWarning != nil {
			r.onWarning(Warning{
				Estimate: est,
				Limit:    r.opts.TokenLimit,
				Chars:    r.chars,
				Words:    r.words,
			})
		}
	}
}

func (r *Reader) checkTruncation(text string) {
	if r.truncation != "" || text == "" {
		return
	}
	if reason, ok := r.opts.Rules.match(text); ok {
		r.latch(reason)
	}
}

// latch keeps the first truncation reason
func (r *Reader) latch(reason string) {
	if r.truncation == "" {
		r.truncation = reason
	}
}

// estimate is max(ceil(chars/charsPerToken), words)
func (r *Reader) estimate() int {
	byChars := int(math.Ceil(float64(r.chars) / r.opts.CharsPerToken))
	return max(byChars, r.words)
}
