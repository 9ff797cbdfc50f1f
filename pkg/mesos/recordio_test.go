package mesos

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func TestRecordIO_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewRecordWriter(&buf)
	records := []string{
		`{"type":"SUBSCRIBED"}`,
		"",
		`{"type":"OFFERS","offers":{"offers":[]}}`,
		"payload\nwith\nnewlines",
	}
	for _, rec := range records {
		if err := w.Write([]byte(rec)); err != nil {
			t.Fatalf("Write(%q): %v", rec, err)
		}
	}

	r := NewRecordReader(&buf)
	for i, want := range records {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("Next() #%d: %v", i, err)
		}
		if string(got) != want {
			t.Errorf("record #%d = %q, want %q", i, got, want)
		}
	}
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("Next() past the last record error = %v, want io.EOF", err)
	}
}

// The reader must reassemble records across arbitrary chunk boundaries; a
// chunked HTTP stream delivers them in fragments.
func TestRecordReader_FragmentedStream(t *testing.T) {
	var buf bytes.Buffer
	w := NewRecordWriter(&buf)
	if err := w.Write([]byte(`{"type":"HEARTBEAT"}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Write([]byte(`{"type":"UPDATE"}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	r := NewRecordReader(iotest.OneByteReader(&buf))
	for i := 0; i < 2; i++ {
		if _, err := r.Next(); err != nil {
			t.Fatalf("Next() #%d over one-byte reads: %v", i, err)
		}
	}
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("Next() at end error = %v, want io.EOF", err)
	}
}

func TestRecordReader_MalformedLength(t *testing.T) {
	for _, in := range []string{"banana\npayload", "-4\nxxxx", "1 2\nxx"} {
		r := NewRecordReader(strings.NewReader(in))
		if _, err := r.Next(); err == nil {
			t.Errorf("Next() on %q returned nil error, want malformed length", in)
		}
	}
}

func TestRecordReader_TruncatedRecord(t *testing.T) {
	r := NewRecordReader(strings.NewReader("10\nabc"))
	if _, err := r.Next(); err == nil {
		t.Error("Next() on a truncated record returned nil error")
	}
}

func TestRecordReader_OversizedRecord(t *testing.T) {
	r := NewRecordReader(strings.NewReader("99999999999\n"))
	if _, err := r.Next(); err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Errorf("Next() error = %v, want size limit error", err)
	}
}
