package models

import (
	"encoding/json"
	"fmt"
)

// Part types for multi-part tool content.
const (
	PartTypeText  = "text"
	PartTypeImage = "image"
	PartTypeAudio = "audio"
)

// Part is one element of multi-part tool content. Binary parts carry
// base64-encoded data with a MIME type.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	MIME string `json:"mime_type,omitempty"`
	Data string `json:"data,omitempty"`
}

// Content is a tagged variant: either plain text or a multi-part list.
// Text-only tool results collapse to a plain JSON string on the wire;
// anything carrying binary parts serializes as an array of parts.
type Content struct {
	Text  string
	Parts []Part
}

// TextContent wraps a plain string.
func TextContent(s string) Content {
	return Content{Text: s}
}

// MultiContent wraps a list of parts.
func MultiContent(parts []Part) Content {
	return Content{Parts: parts}
}

// IsMulti reports whether the content carries structured parts.
func (c Content) IsMulti() bool {
	return c.Parts != nil
}

// String renders the content for contexts that need plain text (logs, LLM
// observation fallback). Binary parts are represented by their MIME type.
func (c Content) String() string {
	if !c.IsMulti() {
		return c.Text
	}
	var out string
	for _, p := range c.Parts {
		switch p.Type {
		case PartTypeText:
			out += p.Text
		default:
			out += fmt.Sprintf("[%s: %s]", p.Type, p.MIME)
		}
	}
	return out
}

// MarshalJSON emits a bare string for text content and an array for
// multi-part content.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsMulti() {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts either a string or an array of parts.
func (c *Content) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var parts []Part
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		c.Parts = parts
		c.Text = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("content must be a string or part array: %w", err)
	}
	c.Text = s
	c.Parts = nil
	return nil
}
