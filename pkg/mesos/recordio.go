package mesos

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxRecordSize bounds a single RecordIO record so a corrupt length prefix
// cannot turn into a huge allocation.
const maxRecordSize = 4 << 20

// RecordReader reads RecordIO-framed records as used by the v1 scheduler
// event stream: a decimal byte count, a newline, then that many bytes.
type RecordReader struct {
	r *bufio.Reader
}

// NewRecordReader wraps r for record-by-record reads. Short reads from r
// are fine; records are reassembled across chunk boundaries.
func NewRecordReader(r io.Reader) *RecordReader {
	return &RecordReader{r: bufio.NewReader(r)}
}

// Next returns the next record. It returns io.EOF once the stream ends on a
// record boundary; a stream ending mid-record is an error.
func (r *RecordReader) Next() ([]byte, error) {
	line, err := r.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line == "" {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read record length: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("malformed record length %q", strings.TrimSpace(line))
	}
	if n > maxRecordSize {
		return nil, fmt.Errorf("record of %d bytes exceeds the %d byte limit", n, maxRecordSize)
	}
	record := make([]byte, n)
	if _, err := io.ReadFull(r.r, record); err != nil {
		return nil, fmt.Errorf("read %d-byte record: %w", n, err)
	}
	return record, nil
}

// RecordWriter frames records onto w.
type RecordWriter struct {
	w io.Writer
}

// NewRecordWriter wraps w for framed writes.
func NewRecordWriter(w io.Writer) *RecordWriter {
	return &RecordWriter{w: w}
}

// Write frames one record.
func (w *RecordWriter) Write(record []byte) error {
	if _, err := fmt.Fprintf(w.w, "%d\n", len(record)); err != nil {
		return fmt.Errorf("write record length: %w", err)
	}
	if _, err := w.w.Write(record); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}
