package types

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrUnknownKind is returned by [DecodeItem] when the "kind" discriminator
// does not name a known item variant.
var ErrUnknownKind = errors.New("types: unknown item kind")

// Item kinds used as the "kind" discriminator in encoded items.
const (
	KindMessage      = "message"
	KindDialogue     = "dialogue"
	KindArticle      = "article"
	KindNotification = "notification"
	KindStep         = "step"
)

// DecodeItem decodes one JSON object into the matching [SpeakableItem]
// variant. The object must carry a "kind" field; a missing kind decodes as a
// [Message].
func DecodeItem(raw []byte) (SpeakableItem, error) {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("types: decode item: %w", err)
	}

	var (
		item SpeakableItem
		err  error
	)
	switch strings.ToLower(strings.TrimSpace(head.Kind)) {
	case "", KindMessage:
		var v Message
		err = json.Unmarshal(raw, &v)
		item = v
	case KindDialogue:
		var v Dialogue
		err = json.Unmarshal(raw, &v)
		item = v
	case KindArticle:
		var v Article
		err = json.Unmarshal(raw, &v)
		item = v
	case KindNotification:
		var v Notification
		err = json.Unmarshal(raw, &v)
		item = v
	case KindStep:
		var v Step
		err = json.Unmarshal(raw, &v)
		item = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, head.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("types: decode %s: %w", head.Kind, err)
	}
	return item, nil
}

// KindOf returns the discriminator for a known variant, or "" for foreign
// implementations of [SpeakableItem].
func KindOf(item SpeakableItem) string {
	switch item.(type) {
	case Message, *Message:
		return KindMessage
	case Dialogue, *Dialogue:
		return KindDialogue
	case Article, *Article:
		return KindArticle
	case Notification, *Notification:
		return KindNotification
	case Step, *Step:
		return KindStep
	default:
		return ""
	}
}

// ReadItems decodes newline-delimited JSON items from r. Blank lines and
// lines starting with '#' are skipped. Errors carry the 1-based line number.
func ReadItems(r io.Reader) ([]SpeakableItem, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var items []SpeakableItem
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		item, err := DecodeItem([]byte(text))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		items = append(items, item)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("types: read items: %w", err)
	}
	return items, nil
}
