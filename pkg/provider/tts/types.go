package tts

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"unicode/utf8"
)

// ErrInvalidInput is returned when the text to synthesize is empty or only
// whitespace, or when no voice was given. It is never worth retrying.
var ErrInvalidInput = errors.New("tts: invalid input")

// BackendError reports a failure inside a synthesis backend.
type BackendError struct {
	// Backend is the identifier of the failing backend.
	Backend string

	// Op is the operation that failed ("list voices", "generate").
	Op string

	// StatusCode is the HTTP status returned by a remote backend, or 0.
	StatusCode int

	// Err is the underlying cause.
	Err error
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s: status %d: %v", e.Backend, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Errorf builds a *BackendError with a formatted cause.
func Errorf(backend, op string, format string, args ...any) *BackendError {
	return &BackendError{Backend: backend, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap turns err into a *BackendError for backend and op. It returns nil for
// a nil err and leaves [ErrInvalidInput] and existing *BackendError values
// untouched.
func Wrap(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidInput) {
		return err
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	return &BackendError{Backend: backend, Op: op, Err: err}
}

// Params carries backend-specific synthesis parameters such as the selected
// model. Keys are lower-case; values are opaque strings. A nil Params is valid.
type Params map[string]string

// Well-known parameter keys.
const (
	ParamModel  = "model"
	ParamSpeed  = "speed"
	ParamFormat = "format"
)

// Get returns the value for key, or "" when absent.
func (p Params) Get(key string) string {
	if p == nil {
		return ""
	}
	return p[key]
}

// With returns a copy of p with key set to value. An empty value deletes the
// key.
func (p Params) With(key, value string) Params {
	out := make(Params, len(p)+1)
	maps.Copy(out, p)
	if value == "" {
		delete(out, key)
	} else {
		out[key] = value
	}
	return out
}

// Canonical renders p as "k1=v1;k2=v2" with keys sorted, skipping empty
// values. Equal parameter sets always render identically.
func (p Params) Canonical() string {
	keys := slices.Sorted(maps.Keys(p))
	var b strings.Builder
	for _, k := range keys {
		v := p[k]
		if v == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}

// ValidateRequest returns [ErrInvalidInput] when text is blank or voiceID is
// empty. Backends call it at the top of Generate.
func ValidateRequest(text, voiceID string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidInput)
	}
	if strings.TrimSpace(voiceID) == "" {
		return fmt.Errorf("%w: empty voice", ErrInvalidInput)
	}
	return nil
}

// DefaultWordsPerSecond is a typical neutral speaking rate.
const DefaultWordsPerSecond = 2.5

// EstimateDuration estimates the playback length of text at wordsPerSecond.
// Words are approximated as six runes each, rounded up, counting every rune
// of text including surrounding whitespace, so the estimate never decreases
// as text grows. The minimum is 1.0 second.
func EstimateDuration(text string, wordsPerSecond float64) float64 {
	if wordsPerSecond <= 0 {
		wordsPerSecond = DefaultWordsPerSecond
	}
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 1.0
	}
	words := float64((n + 5) / 6)
	return max(1.0, words/wordsPerSecond)
}
