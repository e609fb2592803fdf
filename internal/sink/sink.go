// Package sink defines where received video units go. Decoding and
// muxing live outside this module; the video session only feeds raw
// units to a Decoder and, while recording, to a Recorder.
package sink

import "sync/atomic"

// Decoder consumes raw video units. The payload is opaque to the network
// layer. If a Decoder also implements io.Closer, the video session closes
// it exactly once at teardown.
type Decoder interface {
	Feed(unit []byte) error
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(unit []byte) error

func (f DecoderFunc) Feed(unit []byte) error { return f(unit) }

// Discard accepts and drops every unit.
var Discard Decoder = DecoderFunc(func([]byte) error { return nil })

// Counter is a Decoder that only counts what it is fed.
type Counter struct {
	units atomic.Uint64
	bytes atomic.Uint64
}

func (c *Counter) Feed(unit []byte) error {
	c.units.Add(1)
	c.bytes.Add(uint64(len(unit)))
	return nil
}

// Units returns the number of units fed so far.
func (c *Counter) Units() uint64 { return c.units.Load() }

// Bytes returns the payload bytes fed so far.
func (c *Counter) Bytes() uint64 { return c.bytes.Load() }

// Recorder stores the raw stream while recording is active. Methods are
// called from the video session goroutine only.
type Recorder interface {
	StartRecording(path string) error
	StopRecording() error
	Recording() bool
	Feed(unit []byte) error
}
