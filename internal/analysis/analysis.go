// Package analysis runs the external currency analyzer and turns its output
// into a Verdict.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrProcessFailed covers spawn failures, non-zero exits, timeouts and cancellation.
	ErrProcessFailed = errors.New("analysis process failed")
	// ErrMalformedOutput is returned when no valid verdict can be read from stdout.
	ErrMalformedOutput = errors.New("malformed analysis output")
	// ErrNoPayload means stdout held no candidate payload line.
	ErrNoPayload = fmt.Errorf("%w: no payload found", ErrMalformedOutput)
	// ErrInvalidPayload means a payload line was found but failed validation.
	ErrInvalidPayload = fmt.Errorf("%w: invalid payload", ErrMalformedOutput)
	// ErrServiceBusy is returned when no analyzer slot frees up in time.
	ErrServiceBusy = errors.New("analysis service busy")
)

// Verdict is the analyzer's real/fake classification. Fields beyond is_real and
// confidence are kept in Extra and written back out unchanged.
type Verdict struct {
	IsReal     bool
	Confidence float64
	Extra      map[string]json.RawMessage
}

// MarshalJSON emits is_real, confidence and every extra field.
func (v Verdict) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(v.Extra)+2)
	for key, value := range v.Extra {
		out[key] = value
	}

	isReal, err := json.Marshal(v.IsReal)
	if err != nil {
		return nil, err
	}
	confidence, err := json.Marshal(v.Confidence)
	if err != nil {
		return nil, err
	}
	out["is_real"] = isReal
	out["confidence"] = confidence
	return json.Marshal(out)
}

// Invocation records one run of the external process.
type Invocation struct {
	Command  string
	Args     []string
	ExitCode *int
	Stdout   []byte
	Stderr   []byte
}

// Analyzer runs the external process against an image on disk.
type Analyzer interface {
	Analyze(ctx context.Context, imagePath string) (*Invocation, error)
}
