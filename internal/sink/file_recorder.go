package sink

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
)

var (
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrNotRecording     = errors.New("not recording")
)

var startCode = []byte{0, 0, 0, 1}

// FileRecorder writes units to a file as an Annex-B elementary stream.
// Units that do not begin with a start code get one prepended, so the
// file plays with `ffplay -f h264`. Not safe for concurrent use.
type FileRecorder struct {
	f     *os.File
	w     *bufio.Writer
	path  string
	units int
}

// NewFileRecorder returns an idle recorder.
func NewFileRecorder() *FileRecorder {
	return &FileRecorder{}
}

// StartRecording creates (or truncates) path and starts recording.
func (r *FileRecorder) StartRecording(path string) error {
	if r.f != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyRecording, r.path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	r.f = f
	r.w = bufio.NewWriterSize(f, 256*1024)
	r.path = path
	r.units = 0
	return nil
}

// Recording reports whether a file is open.
func (r *FileRecorder) Recording() bool {
	return r.f != nil
}

// Path returns the current (or last) recording path.
func (r *FileRecorder) Path() string {
	return r.path
}

// Units returns how many units the current (or last) recording holds.
func (r *FileRecorder) Units() int {
	return r.units
}

// Feed appends unit to the recording. Empty units are skipped.
func (r *FileRecorder) Feed(unit []byte) error {
	if r.f == nil {
		return ErrNotRecording
	}
	if len(unit) == 0 {
		return nil
	}
	if !hasStartCode(unit) {
		if _, err := r.w.Write(startCode); err != nil {
			return err
		}
	}
	if _, err := r.w.Write(unit); err != nil {
		return err
	}
	r.units++
	return nil
}

// StopRecording flushes and closes the file.
func (r *FileRecorder) StopRecording() error {
	if r.f == nil {
		return ErrNotRecording
	}
	flushErr := r.w.Flush()
	closeErr := r.f.Close()
	r.f = nil
	r.w = nil
	if flushErr != nil {
		return fmt.Errorf("flush recording: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close recording: %w", closeErr)
	}
	return nil
}

func hasStartCode(unit []byte) bool {
	return bytes.HasPrefix(unit, startCode) || bytes.HasPrefix(unit, startCode[1:])
}
