package log

import "io"

// MultiWriter fans every log line out to all registered sinks. A
// failing sink does not stop delivery to the others; the last error
// wins.
type MultiWriter struct {
	sinks []io.Writer
}

// NewMultiWriter returns a fan-out writer over the given sinks.
func NewMultiWriter(sinks ...io.Writer) *MultiWriter {
	return &MultiWriter{sinks: sinks}
}

// Add registers another sink and returns m for chaining.
func (m *MultiWriter) Add(w io.Writer) *MultiWriter {
	m.sinks = append(m.sinks, w)
	return m
}

func (m *MultiWriter) Write(p []byte) (int, error) {
	var err error
	for _, w := range m.sinks {
		if _, e := w.Write(p); e != nil {
			err = e
		}
	}
	return len(p), err
}
