// Package demux splits a fragment-delivered text stream into a chat preamble
// and a document body at the first occurrence of a fixed marker. The marker
// may straddle any number of fragment boundaries.
package demux

import "strings"

// DefaultMarker separates conversational preamble from document content.
const DefaultMarker = "\n\n\n\n"

// escapedNewline is the two-character sequence some upstream producers emit
// in place of a real newline.
const escapedNewline = `\n`

// Emission is what a single Feed call produced.
type Emission struct {
	// Preamble is newly revealed chat text, if any.
	Preamble string
	// BodyAppend is text appended to the document body by this fragment.
	BodyAppend string
	// Started is true only on the call that found the marker.
	Started bool
}

// Demuxer holds the per-generation split state. It is driven by a single
// stream-read loop and is not safe for concurrent use.
type Demuxer struct {
	marker     string
	onPreamble func(string)
	onStart    func()

	raw     string
	started bool
	body    strings.Builder
}

// Option configures a Demuxer.
type Option func(*Demuxer)

// WithMarker replaces DefaultMarker. An empty marker is ignored.
func WithMarker(m string) Option {
	return func(d *Demuxer) {
		if m != "" {
			d.marker = m
		}
	}
}

// WithPreamble registers a callback receiving each non-empty preamble piece.
func WithPreamble(fn func(string)) Option {
	return func(d *Demuxer) { d.onPreamble = fn }
}

// WithStart registers a callback invoked once, synchronously, when the
// marker is found.
func WithStart(fn func()) Option {
	return func(d *Demuxer) { d.onStart = fn }
}

// New creates a Demuxer in its initial state.
func New(opts ...Option) *Demuxer {
	d := &Demuxer{marker: DefaultMarker}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Reset clears all state so the Demuxer can serve a new generation.
func (d *Demuxer) Reset() {
	d.raw = ""
	d.started = false
	d.body.Reset()
}

// Started reports whether the marker has been seen.
func (d *Demuxer) Started() bool { return d.started }

// Body returns the document text accumulated after the marker.
func (d *Demuxer) Body() string { return d.body.String() }

// Marker returns the configured marker.
func (d *Demuxer) Marker() string { return d.marker }

// Normalize rewrites literal `\n` escapes to real newlines.
func Normalize(s string) string {
	if !strings.Contains(s, escapedNewline) {
		return s
	}
	return strings.ReplaceAll(s, escapedNewline, "\n")
}

// Feed processes one fragment.
func (d *Demuxer) Feed(fragment string) Emission {
	f := Normalize(fragment)

	if d.started {
		d.body.WriteString(f)
		return Emission{BodyAppend: f}
	}

	tail := d.tail()
	searchArea := tail + f
	d.raw += f

	k := strings.Index(searchArea, d.marker)
	if k < 0 {
		// Only the tail is needed to catch a marker split at the next
		// boundary; nothing before it can be part of a future match.
		d.raw = d.tail()
		d.emitPreamble(f)
		return Emission{Preamble: f}
	}

	d.started = true
	var out Emission
	out.Started = true
	if k > len(tail) {
		out.Preamble = searchArea[len(tail):k]
	}

	offset := len(d.raw) - len(searchArea) + k
	out.BodyAppend = d.raw[offset+len(d.marker):]
	d.body.WriteString(out.BodyAppend)
	d.raw = ""

	d.emitPreamble(out.Preamble)
	if d.onStart != nil {
		d.onStart()
	}
	return out
}

func (d *Demuxer) tail() string {
	n := len(d.marker) - 1
	if len(d.raw) <= n {
		return d.raw
	}
	return d.raw[len(d.raw)-n:]
}

func (d *Demuxer) emitPreamble(s string) {
	if s != "" && d.onPreamble != nil {
		d.onPreamble(s)
	}
}
