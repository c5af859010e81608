package analysis

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Extractor recovers a Verdict from captured analyzer stdout.
//
// Without a prefix the payload is the last non-empty line and every earlier
// line is treated as progress output. With a prefix the payload is the last
// line starting with it, prefix stripped.
type Extractor struct {
	prefix string
}

// NewExtractor returns an extractor. An empty prefix selects the last-line rule.
func NewExtractor(prefix string) *Extractor {
	return &Extractor{prefix: prefix}
}

// Extract parses stdout. Errors wrap ErrNoPayload or ErrInvalidPayload.
func (e *Extractor) Extract(stdout []byte) (*Verdict, error) {
	line, ok := e.candidate(stdout)
	if !ok {
		return nil, ErrNoPayload
	}
	return parseVerdict(line)
}

func (e *Extractor) candidate(stdout []byte) ([]byte, bool) {
	lines := bytes.Split(bytes.TrimSpace(stdout), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		if e.prefix == "" {
			return line, true
		}
		if rest, found := bytes.CutPrefix(line, []byte(e.prefix)); found {
			return bytes.TrimSpace(rest), true
		}
	}
	return nil, false
}

func parseVerdict(line []byte) (*Verdict, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: payload is null", ErrInvalidPayload)
	}

	rawIsReal, ok := fields["is_real"]
	if !ok || isNull(rawIsReal) {
		return nil, fmt.Errorf("%w: missing is_real", ErrInvalidPayload)
	}
	rawConfidence, ok := fields["confidence"]
	if !ok || isNull(rawConfidence) {
		return nil, fmt.Errorf("%w: missing confidence", ErrInvalidPayload)
	}

	verdict := &Verdict{}
	if err := json.Unmarshal(rawIsReal, &verdict.IsReal); err != nil {
		return nil, fmt.Errorf("%w: is_real is not a boolean", ErrInvalidPayload)
	}
	if err := json.Unmarshal(rawConfidence, &verdict.Confidence); err != nil {
		return nil, fmt.Errorf("%w: confidence is not a number", ErrInvalidPayload)
	}

	delete(fields, "is_real")
	delete(fields, "confidence")
	if len(fields) > 0 {
		verdict.Extra = fields
	}
	return verdict, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
