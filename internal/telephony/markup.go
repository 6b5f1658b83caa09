// Package telephony renders turn-controller output as the XML instruction
// document the telephony signaling provider executes: speak an utterance,
// then either gather the caller's next speech with a bounded timeout, or
// hang up.
//
// The document syntax is the signaling layer's concern; nothing in the core
// engine imports this package.
package telephony

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/parley-ai/parley/internal/call"
)

// Say speaks text to the caller.
type Say struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

// Gather collects the caller's next speech input and posts it to Action.
type Gather struct {
	XMLName       xml.Name `xml:"Gather"`
	Input         string   `xml:"input,attr"`
	Action        string   `xml:"action,attr,omitempty"`
	Timeout       int      `xml:"timeout,attr,omitempty"`
	SpeechTimeout string   `xml:"speechTimeout,attr,omitempty"`
}

// Hangup terminates the call.
type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// Document is one complete instruction set for the current turn. Child order
// is execution order: speak first, then gather or hang up.
type Document struct {
	XMLName xml.Name `xml:"Response"`
	Say     *Say     `xml:",omitempty"`
	Gather  *Gather  `xml:",omitempty"`
	Hangup  *Hangup  `xml:",omitempty"`
}

// Renderer builds instruction documents with fixed provider settings.
type Renderer struct {
	// Voice is the provider voice name for spoken utterances.
	Voice string

	// GatherAction is the webhook URL speech results are posted to.
	GatherAction string

	// GatherTimeout bounds the wait for caller speech. Zero means the
	// provider default.
	GatherTimeout time.Duration
}

// Render converts controller output into an instruction document. A hangup
// wins over listening when both are set; output with neither leaves a bare
// document, which providers treat as "do nothing and wait".
func (r Renderer) Render(out call.Output) Document {
	doc := Document{}
	if out.Utterance != "" {
		doc.Say = &Say{Voice: r.Voice, Text: out.Utterance}
	}
	switch {
	case out.Hangup:
		doc.Hangup = &Hangup{}
	case out.Listen:
		g := &Gather{
			Input:         "speech",
			Action:        r.GatherAction,
			SpeechTimeout: "auto",
		}
		if r.GatherTimeout > 0 {
			g.Timeout = int(r.GatherTimeout / time.Second)
		}
		doc.Gather = g
	}
	return doc
}

// RenderError produces the safe fallback document for a failed turn: apologise
// and keep listening, or hang up when the session is already over.
func (r Renderer) RenderError(hangup bool) Document {
	doc := Document{
		Say: &Say{Voice: r.Voice, Text: "Sorry, I didn't catch that. Could you say it again?"},
	}
	if hangup {
		doc.Say = &Say{Voice: r.Voice, Text: "Sorry, something went wrong on our end. Goodbye."}
		doc.Hangup = &Hangup{}
	} else {
		doc.Gather = &Gather{Input: "speech", Action: r.GatherAction, SpeechTimeout: "auto"}
		if r.GatherTimeout > 0 {
			doc.Gather.Timeout = int(r.GatherTimeout / time.Second)
		}
	}
	return doc
}

// Encode serialises the document with the XML declaration prepended.
func (d Document) Encode() ([]byte, error) {
	body, err := xml.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("telephony: encode document: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
