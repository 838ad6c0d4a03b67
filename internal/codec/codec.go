// Package codec defines the key/value serialization boundary spec.md §6
// names as an external collaborator ("Serialization: BytesWriter,
// SizedReader (caller-supplied codec) ... Explicitly out of scope") plus a
// minimal default implementation so pkg/sharedmap is usable without every
// caller writing their own codec for common key/value shapes.
//
// © 2025 sharedmap authors. MIT License.
package codec

import (
	"encoding/binary"
	"fmt"
	"io"
)

// KeyCodec serializes and deserializes a map's key type. Write must be
// deterministic: equal keys must always serialize to equal byte strings,
// since entry equality is decided by comparing these bytes (spec.md §4.5
// step 2: "compare full keys byte-wise").
type KeyCodec[K comparable] interface {
	Write(w io.Writer, k K) error
	Read(r io.Reader) (K, error)
}

// ValueCodec serializes and deserializes a map's value type. Unused for
// set semantics (spec.md §3: "a serialized value, or nothing for set
// semantics").
type ValueCodec[V any] interface {
	Write(w io.Writer, v V) error
	Read(r io.Reader) (V, error)
}

// StringKeyCodec is the default KeyCodec for string keys: length-prefixed
// UTF-8 bytes.
type StringKeyCodec struct{}

func (StringKeyCodec) Write(w io.Writer, k string) error {
	return writeBytes(w, []byte(k))
}

func (StringKeyCodec) Read(r io.Reader) (string, error) {
	b, err := readBytes(r)
	return string(b), err
}

// BytesKeyCodec is the default KeyCodec for []byte keys: length-prefixed
// raw bytes.
type BytesKeyCodec struct{}

func (BytesKeyCodec) Write(w io.Writer, k []byte) error { return writeBytes(w, k) }

func (BytesKeyCodec) Read(r io.Reader) ([]byte, error) { return readBytes(r) }

// StringValueCodec is the default ValueCodec for string values.
type StringValueCodec struct{}

func (StringValueCodec) Write(w io.Writer, v string) error {
	return writeBytes(w, []byte(v))
}

func (StringValueCodec) Read(r io.Reader) (string, error) {
	b, err := readBytes(r)
	return string(b), err
}

// BytesValueCodec is the default ValueCodec for []byte values.
type BytesValueCodec struct{}

func (BytesValueCodec) Write(w io.Writer, v []byte) error { return writeBytes(w, v) }

func (BytesValueCodec) Read(r io.Reader) ([]byte, error) { return readBytes(r) }

// Int64KeyCodec is the default KeyCodec for int64 keys: fixed 8-byte
// big-endian two's complement. Lexicographic byte order matches numeric
// order among non-negative keys; negative keys sort after all non-negative
// ones.
type Int64KeyCodec struct{}

func (Int64KeyCodec) Write(w io.Writer, k int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(k))
	_, err := w.Write(buf[:])
	return err
}

func (Int64KeyCodec) Read(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

func writeBytes(w io.Writer, b []byte) error {
	if len(b) > 0xFFFF {
		return fmt.Errorf("codec: value of %d bytes exceeds the 65535-byte length prefix", len(b))
	}
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint16(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
