// Package types defines the shared types used across all narrator packages.
//
// These types form the common vocabulary between synthesis backends, caches,
// persistence sinks, and the orchestrator. They are intentionally minimal: each
// package defines its own domain types, but cross-cutting data structures live
// here to avoid circular imports.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Voice describes a single synthesis voice offered by a backend.
// Voices are immutable once fetched; their lifetime is bounded by the voice
// catalog cache TTL.
type Voice struct {
	// ID is the backend-namespaced voice identifier. It is opaque to everything
	// except the owning backend.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Language is an optional BCP 47 language tag (e.g., "en-US").
	Language string

	// Gender is an optional gender tag as reported by the backend.
	Gender string

	// Backend identifies which synthesis backend owns this voice.
	Backend string
}

// SpeakableItem is anything that can be turned into speech. The orchestrator
// only ever works through this interface; concrete variants never leak into
// the generation path.
type SpeakableItem interface {
	// SpeakableText returns the text to be synthesized.
	SpeakableText() string

	// BackendID returns the identifier of the backend the item should be
	// synthesized with. An empty string means "use the batch backend".
	BackendID() string

	// VoiceID returns the backend-namespaced voice identifier.
	VoiceID() string
}

// Ref carries the backend and voice reference shared by every item variant.
// Embed it to satisfy the BackendID and VoiceID halves of [SpeakableItem].
type Ref struct {
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"`
	Voice   string `json:"voice" yaml:"voice"`
}

// BackendID implements [SpeakableItem].
func (r Ref) BackendID() string { return r.Backend }

// VoiceID implements [SpeakableItem].
func (r Ref) VoiceID() string { return r.Voice }

// Message is a plain piece of text.
type Message struct {
	Ref
	Text string `json:"text" yaml:"text"`
}

// SpeakableText implements [SpeakableItem].
func (m Message) SpeakableText() string { return m.Text }

// Dialogue is a line attributed to a named speaker. The speaker name is
// read before the line.
type Dialogue struct {
	Ref
	Speaker string `json:"speaker" yaml:"speaker"`
	Line    string `json:"line" yaml:"line"`
}

// SpeakableText implements [SpeakableItem].
func (d Dialogue) SpeakableText() string {
	if strings.TrimSpace(d.Line) == "" {
		return ""
	}
	if strings.TrimSpace(d.Speaker) == "" {
		return d.Line
	}
	return d.Speaker + ": " + d.Line
}

// Article is long-form text with an optional title.
type Article struct {
	Ref
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
	Body  string `json:"body" yaml:"body"`
}

// SpeakableText implements [SpeakableItem].
func (a Article) SpeakableText() string {
	if strings.TrimSpace(a.Body) == "" {
		return ""
	}
	if strings.TrimSpace(a.Title) == "" {
		return a.Body
	}
	return a.Title + ".\n\n" + a.Body
}

// Notification is a timestamped announcement.
type Notification struct {
	Ref
	At    time.Time `json:"at" yaml:"at"`
	Title string    `json:"title,omitempty" yaml:"title,omitempty"`
	Body  string    `json:"body" yaml:"body"`
}

// SpeakableText implements [SpeakableItem]. The timestamp is rendered as a
// spoken clock time; a zero timestamp is omitted. A notification without a
// body has nothing to say.
func (n Notification) SpeakableText() string {
	if strings.TrimSpace(n.Body) == "" {
		return ""
	}
	var b strings.Builder
	if !n.At.IsZero() {
		b.WriteString("At ")
		b.WriteString(n.At.Format("3:04 PM"))
		b.WriteString(". ")
	}
	if t := strings.TrimSpace(n.Title); t != "" {
		b.WriteString(t)
		b.WriteString(". ")
	}
	b.WriteString(n.Body)
	return b.String()
}

// Step is one entry of a numbered list of instructions.
type Step struct {
	Ref
	Number      int    `json:"number" yaml:"number"`
	Instruction string `json:"instruction" yaml:"instruction"`
}

// SpeakableText implements [SpeakableItem].
func (s Step) SpeakableText() string {
	if strings.TrimSpace(s.Instruction) == "" {
		return ""
	}
	return fmt.Sprintf("Step %d. %s", s.Number, s.Instruction)
}

// Compile-time interface assertions.
var (
	_ SpeakableItem = Message{}
	_ SpeakableItem = Dialogue{}
	_ SpeakableItem = Article{}
	_ SpeakableItem = Notification{}
	_ SpeakableItem = Step{}
)
