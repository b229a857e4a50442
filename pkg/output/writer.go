package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer emits watch records. Implementations are safe for concurrent use
// and write each record as one complete line.
type Writer interface {
	WriteStatus(ctx context.Context, st *StatusRecord) error
	WriteResults(ctx context.Context, res *ResultsRecord) error
	WriteError(ctx context.Context, err *ErrorRecord) error
	WriteSummary(ctx context.Context, sum *SummaryRecord) error

	// Close stops further writes. The underlying io.Writer is left open.
	Close() error
}

// JSONLWriter writes records for one job as newline-delimited JSON.
type JSONLWriter struct {
	w     io.Writer
	jobID string
	now   func() time.Time

	mu     sync.Mutex
	closed bool
}

// NewJSONLWriter creates a writer stamping every record with jobID.
func NewJSONLWriter(w io.Writer, jobID string) *JSONLWriter {
	return &JSONLWriter{w: w, jobID: jobID, now: time.Now}
}

func (jw *JSONLWriter) WriteStatus(ctx context.Context, st *StatusRecord) error {
	return jw.writeRecord(ctx, TypeStatus, st)
}

func (jw *JSONLWriter) WriteResults(ctx context.Context, res *ResultsRecord) error {
	return jw.writeRecord(ctx, TypeResults, res)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, err)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, sum)
}

func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}

	line, err := json.Marshal(Record{
		Type:  recordType,
		TS:    jw.now().UTC(),
		JobID: jw.jobID,
		Data:  dataBytes,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	if err := writeAll(jw.w, append(line, '\n')); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// writeAll loops over short writes so a line is never truncated.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
