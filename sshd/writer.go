package sshd

import "io"

// StringWriter is how command callbacks talk back to the ssh user.
type StringWriter interface {
	WriteLine(string) error
	Write(string) error
	WriteBytes([]byte) error
	GetWriter() io.Writer
}

type stringWriter struct {
	w io.Writer
}

// NewStringWriter wraps w, mostly for running commands outside a session.
func NewStringWriter(w io.Writer) StringWriter {
	return &stringWriter{w: w}
}

func (w *stringWriter) WriteLine(s string) error {
	return w.Write(s + "\n")
}

func (w *stringWriter) Write(s string) error {
	_, err := io.WriteString(w.w, s)
	return err
}

func (w *stringWriter) WriteBytes(b []byte) error {
	_, err := w.w.Write(b)
	return err
}

func (w *stringWriter) GetWriter() io.Writer {
	return w.w
}
