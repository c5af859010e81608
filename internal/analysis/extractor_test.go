package analysis

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestExtractLastLine(t *testing.T) {
	cases := []struct {
		name       string
		stdout     string
		isReal     bool
		confidence float64
	}{
		{name: "single line", stdout: `{"is_real": true, "confidence": 91.2}`, isReal: true, confidence: 91.2},
		{name: "after progress", stdout: "Loading model...\n{\"is_real\": false, \"confidence\": 87.3}", isReal: false, confidence: 87.3},
		{name: "many diagnostic lines", stdout: "a\nb\nc\nModel loaded\n{\"is_real\": true, \"confidence\": 50}\n", isReal: true, confidence: 50},
		{name: "trailing blank lines", stdout: "x\n{\"is_real\": true, \"confidence\": 60}\n\n  \n", isReal: true, confidence: 60},
		{name: "crlf", stdout: "Loading\r\n{\"is_real\": false, \"confidence\": 12.5}\r\n", isReal: false, confidence: 12.5},
		{name: "out of range kept", stdout: `{"is_real": true, "confidence": 250}`, isReal: true, confidence: 250},
	}

	extractor := NewExtractor("")
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict, err := extractor.Extract([]byte(tc.stdout))
			if err != nil {
				t.Fatalf("expected success, got %v", err)
			}
			if verdict.IsReal != tc.isReal || verdict.Confidence != tc.confidence {
				t.Fatalf("unexpected verdict: %+v", verdict)
			}
		})
	}
}

func TestExtractMalformed(t *testing.T) {
	cases := []struct {
		name   string
		stdout string
		want   error
	}{
		{name: "empty", stdout: "", want: ErrNoPayload},
		{name: "whitespace", stdout: " \n\n ", want: ErrNoPayload},
		{name: "human readable", stdout: "Processing...", want: ErrInvalidPayload},
		{name: "truncated", stdout: `{"is_real": true, "confid`, want: ErrInvalidPayload},
		{name: "json before text", stdout: "{\"is_real\": true, \"confidence\": 1}\nDone", want: ErrInvalidPayload},
		{name: "array", stdout: `[true, 90]`, want: ErrInvalidPayload},
		{name: "null", stdout: `null`, want: ErrInvalidPayload},
		{name: "missing is_real", stdout: `{"confidence": 90}`, want: ErrInvalidPayload},
		{name: "missing confidence", stdout: `{"is_real": true}`, want: ErrInvalidPayload},
		{name: "null is_real", stdout: `{"is_real": null, "confidence": 90}`, want: ErrInvalidPayload},
		{name: "string confidence", stdout: `{"is_real": true, "confidence": "90"}`, want: ErrInvalidPayload},
		{name: "string is_real", stdout: `{"is_real": "yes", "confidence": 90}`, want: ErrInvalidPayload},
		{name: "analyzer error object", stdout: `{"error": "Invalid image file: cannot identify image"}`, want: ErrInvalidPayload},
	}

	extractor := NewExtractor("")
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := extractor.Extract([]byte(tc.stdout))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if !errors.Is(err, ErrMalformedOutput) {
				t.Fatalf("expected ErrMalformedOutput in chain, got %v", err)
			}
		})
	}
}

func TestExtractWithPrefix(t *testing.T) {
	extractor := NewExtractor("RESULT:")

	stdout := "RESULT: {\"is_real\": true, \"confidence\": 10}\nnoise\nRESULT:{\"is_real\": false, \"confidence\": 77}\nshutting down\n"
	verdict, err := extractor.Extract([]byte(stdout))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if verdict.IsReal || verdict.Confidence != 77 {
		t.Fatalf("expected last prefixed payload, got %+v", verdict)
	}

	_, err = extractor.Extract([]byte("{\"is_real\": true, \"confidence\": 10}\n"))
	if !errors.Is(err, ErrNoPayload) {
		t.Fatalf("expected ErrNoPayload without marker, got %v", err)
	}

	_, err = extractor.Extract([]byte("RESULT: not json\n"))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for bad marked payload, got %v", err)
	}
}

func TestVerdictPassesThroughExtraFields(t *testing.T) {
	verdict, err := NewExtractor("").Extract([]byte(`{"is_real": false, "confidence": 87.3, "model": "v2", "scores": [0.1, 0.9]}`))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	encoded, err := json.Marshal(verdict)
	if err != nil {
		t.Fatalf("failed to marshal verdict: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("failed to decode verdict: %v", err)
	}
	if decoded["is_real"] != false || decoded["confidence"] != 87.3 {
		t.Fatalf("unexpected core fields: %v", decoded)
	}
	if decoded["model"] != "v2" {
		t.Fatalf("expected extra field to pass through, got %v", decoded)
	}
	if scores, ok := decoded["scores"].([]any); !ok || len(scores) != 2 {
		t.Fatalf("expected scores to pass through, got %v", decoded["scores"])
	}
}
