package orchestrator

import (
	"encoding/json"
	"strings"
)

// Segment is one finalized unit of an assistant turn.
type Segment struct {
	Seq        int             `json:"seq"`
	Kind       Kind            `json:"kind"`
	Text       string          `json:"text,omitempty"`
	Tool       *ToolCall       `json:"tool,omitempty"`
	QuestionID string          `json:"question_id,omitempty"`
	Question   json.RawMessage `json:"question,omitempty"`
}

// ToolCall describes a tool segment.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Segmenter turns a stream of text deltas and structural boundaries into
// ordered segments. Pending text is always emitted before the boundary that
// interrupts it. A Segmenter is not safe for concurrent use.
type Segmenter struct {
	emit func(Segment)
	seq  int
	text strings.Builder
}

// NewSegmenter creates a Segmenter delivering finalized segments to emit.
func NewSegmenter(emit func(Segment)) *Segmenter {
	return &Segmenter{emit: emit}
}

// Text appends a delta to the open text segment.
func (s *Segmenter) Text(delta string) {
	s.text.WriteString(delta)
}

// Pending returns the text accumulated since the last boundary.
func (s *Segmenter) Pending() string { return s.text.String() }

// Tool closes the open text segment and emits a tool segment.
func (s *Segmenter) Tool(call ToolCall) {
	s.Flush()
	s.next(Segment{Kind: KindTool, Tool: &call})
}

// Question closes the open text segment and emits a question segment.
func (s *Segmenter) Question(id string, payload json.RawMessage) {
	s.Flush()
	s.next(Segment{Kind: KindQuestion, QuestionID: id, Question: payload})
}

// Flush emits the open text segment, if any.
func (s *Segmenter) Flush() {
	if s.text.Len() == 0 {
		return
	}
	text := s.text.String()
	s.text.Reset()
	s.next(Segment{Kind: KindText, Text: text})
}

func (s *Segmenter) next(seg Segment) {
	s.seq++
	seg.Seq = s.seq
	s.emit(seg)
}
