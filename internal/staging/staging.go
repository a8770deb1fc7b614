// Package staging implements the length-prefixed binary record stream used
// to hand a query's result set off from a runner to a materializer without
// buffering the whole set in memory. See spec §4.1.
//
// Wire format: a sequence of records. Each record is an 8-byte big-endian
// length prefix followed by that many bytes of payload. Record 0 is the
// ordered column names; record 1 is the ordered backend-reported type
// strings; every record after that is one data row, column-aligned.
package staging

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

// ValueKind tags the type of a single column value within a row record.
type ValueKind byte

const (
	KindNull ValueKind = iota
	KindInt64
	KindFloat64
	KindBool
	KindString
	KindBytes
	KindTimestamp
)

// Value is one column's value in one row. Exactly one of the typed fields is
// meaningful, selected by Kind.
type Value struct {
	Kind  ValueKind
	Int   int64
	Float float64
	Bool  bool
	Str   string
	Bytes []byte
	Time  time.Time
}

func Null() Value                    { return Value{Kind: KindNull} }
func Int64(v int64) Value            { return Value{Kind: KindInt64, Int: v} }
func Float64(v float64) Value        { return Value{Kind: KindFloat64, Float: v} }
func Bool(v bool) Value              { return Value{Kind: KindBool, Bool: v} }
func String(v string) Value          { return Value{Kind: KindString, Str: v} }
func Bytes(v []byte) Value           { return Value{Kind: KindBytes, Bytes: v} }

// Timestamp stores t as UTC; a timestamp without a timezone is treated as
// already being UTC, per spec §4.1.
func Timestamp(t time.Time) Value {
	return Value{Kind: KindTimestamp, Time: t.UTC()}
}

// Writer appends records to an underlying io.Writer.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// WriteHeader writes the two header records (column names, then type
// strings). Must be called exactly once, before any WriteRow call.
func (w *Writer) WriteHeader(names, types []string) error {
	if err := w.writeRecord(encodeStrings(names)); err != nil {
		return fmt.Errorf("write column names: %w", err)
	}
	if err := w.writeRecord(encodeStrings(types)); err != nil {
		return fmt.Errorf("write column types: %w", err)
	}
	return nil
}

// WriteRow appends one data record.
func (w *Writer) WriteRow(values []Value) error {
	return w.writeRecord(encodeValues(values))
}

func (w *Writer) writeRecord(payload []byte) error {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(payload)))
	if _, err := w.w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.w.Write(payload)
	return err
}

// Reader consumes records from an underlying io.Reader.
type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader { return &Reader{r: r} }

// ReadHeader reads the two header records. Must be called before any
// ReadRow call.
func (r *Reader) ReadHeader() (names, types []string, err error) {
	namesPayload, err := r.readRecord()
	if err != nil {
		return nil, nil, fmt.Errorf("read column names: %w", err)
	}
	names, err = decodeStrings(namesPayload)
	if err != nil {
		return nil, nil, fmt.Errorf("decode column names: %w", err)
	}
	typesPayload, err := r.readRecord()
	if err != nil {
		return nil, nil, fmt.Errorf("read column types: %w", err)
	}
	types, err = decodeStrings(typesPayload)
	if err != nil {
		return nil, nil, fmt.Errorf("decode column types: %w", err)
	}
	return names, types, nil
}

// ReadRow reads one data record. Returns io.EOF when the stream ends cleanly
// at a record boundary; any other error (including a truncated record) is
// returned as-is.
func (r *Reader) ReadRow() ([]Value, error) {
	payload, err := r.readRecord()
	if err != nil {
		return nil, err
	}
	return decodeValues(payload)
}

func (r *Reader) readRecord() ([]byte, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r.r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		// A partial length prefix is a truncated stream, not a clean EOF.
		return nil, fmt.Errorf("truncated record length: %w", err)
	}
	n := binary.BigEndian.Uint64(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, fmt.Errorf("truncated record payload: %w", err)
	}
	return payload, nil
}

// --- payload encoding -------------------------------------------------

func encodeStrings(values []string) []byte {
	buf := make([]byte, 0, 64)
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(values)))
	buf = append(buf, countBuf[:]...)
	for _, s := range values {
		buf = appendString(buf, s)
	}
	return buf
}

func decodeStrings(payload []byte) ([]string, error) {
	if len(payload) < 4 {
		return nil, errors.New("short strings payload")
	}
	count := binary.BigEndian.Uint32(payload[:4])
	payload = payload[4:]
	out := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		s, rest, err := readString(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
		payload = rest
	}
	return out, nil
}

func encodeValues(values []Value) []byte {
	buf := make([]byte, 0, 64)
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(values)))
	buf = append(buf, countBuf[:]...)
	for _, v := range values {
		buf = appendValue(buf, v)
	}
	return buf
}

func decodeValues(payload []byte) ([]Value, error) {
	if len(payload) < 4 {
		return nil, errors.New("short values payload")
	}
	count := binary.BigEndian.Uint32(payload[:4])
	payload = payload[4:]
	out := make([]Value, 0, count)
	for i := uint32(0); i < count; i++ {
		v, rest, err := readValue(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		payload = rest
	}
	return out, nil
}

func appendString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func readString(payload []byte) (string, []byte, error) {
	if len(payload) < 4 {
		return "", nil, errors.New("short string length")
	}
	n := binary.BigEndian.Uint32(payload[:4])
	payload = payload[4:]
	if uint32(len(payload)) < n {
		return "", nil, errors.New("short string bytes")
	}
	return string(payload[:n]), payload[n:], nil
}

func appendValue(buf []byte, v Value) []byte {
	buf = append(buf, byte(v.Kind))
	switch v.Kind {
	case KindNull:
	case KindInt64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.Int))
		buf = append(buf, b[:]...)
	case KindFloat64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v.Float))
		buf = append(buf, b[:]...)
	case KindBool:
		if v.Bool {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case KindString:
		buf = appendString(buf, v.Str)
	case KindBytes:
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v.Bytes)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, v.Bytes...)
	case KindTimestamp:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.Time.UTC().UnixNano()))
		buf = append(buf, b[:]...)
	}
	return buf
}

func readValue(payload []byte) (Value, []byte, error) {
	if len(payload) < 1 {
		return Value{}, nil, errors.New("short value kind")
	}
	kind := ValueKind(payload[0])
	payload = payload[1:]
	switch kind {
	case KindNull:
		return Value{Kind: KindNull}, payload, nil
	case KindInt64:
		if len(payload) < 8 {
			return Value{}, nil, errors.New("short int64")
		}
		n := int64(binary.BigEndian.Uint64(payload[:8]))
		return Value{Kind: KindInt64, Int: n}, payload[8:], nil
	case KindFloat64:
		if len(payload) < 8 {
			return Value{}, nil, errors.New("short float64")
		}
		f := math.Float64frombits(binary.BigEndian.Uint64(payload[:8]))
		return Value{Kind: KindFloat64, Float: f}, payload[8:], nil
	case KindBool:
		if len(payload) < 1 {
			return Value{}, nil, errors.New("short bool")
		}
		return Value{Kind: KindBool, Bool: payload[0] != 0}, payload[1:], nil
	case KindString:
		s, rest, err := readString(payload)
		if err != nil {
			return Value{}, nil, err
		}
		return Value{Kind: KindString, Str: s}, rest, nil
	case KindBytes:
		if len(payload) < 4 {
			return Value{}, nil, errors.New("short bytes length")
		}
		n := binary.BigEndian.Uint32(payload[:4])
		payload = payload[4:]
		if uint32(len(payload)) < n {
			return Value{}, nil, errors.New("short bytes data")
		}
		b := make([]byte, n)
		copy(b, payload[:n])
		return Value{Kind: KindBytes, Bytes: b}, payload[n:], nil
	case KindTimestamp:
		if len(payload) < 8 {
			return Value{}, nil, errors.New("short timestamp")
		}
		nanos := int64(binary.BigEndian.Uint64(payload[:8]))
		return Value{Kind: KindTimestamp, Time: time.Unix(0, nanos).UTC()}, payload[8:], nil
	default:
		return Value{}, nil, fmt.Errorf("unknown value kind %d", kind)
	}
}
