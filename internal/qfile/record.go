// Package qfile implements the on-disk queue file format: a sequence of
// typed, length-prefixed records, grouped into directories that form the
// lifecycle of a message (maildrop -> incoming -> active -> deferred, with
// hold/corrupt/bounce/defer as siblings).
//
// A record is <type:1 byte> <length:varint> <payload:bytes>. The varint is
// little-endian base-128, one byte per 7 bits, high bit set to continue
// (the same encoding used for protobuf varints).
//
// Queue files are committed by setting the owner-execute bit once they are
// fully written; a file without that bit is considered partially written
// and is discarded on startup scan.
package qfile

import (
	"bufio"
	"fmt"
	"io"
)

// Type is a record type tag.
type Type byte

// Record types. Numeric values are arbitrary but must stay stable across
// restarts, since they are persisted to disk.
const (
	// Envelope section.
	Size Type = 1 // total message size + offset to extracted-info section
	Time Type = 2 // arrival time, seconds since epoch
	Full Type = 3 // submitter full name
	From Type = 4 // envelope sender (internal form)
	Rcpt Type = 5 // pending recipient
	Done Type = 6 // completed recipient (tombstone; same length as Rcpt)
	Orcp Type = 7 // original recipient (for DSN)
	Warn Type = 8 // unix time at which a delay warning is due
	Attr Type = 9 // name=value named attribute
	Verp Type = 10 // VERP delimiter pair

	// Boundary / content section.
	Mesg Type = 20 // start of message content
	Norm Type = 21 // one body line, terminated by the codec
	Cont Type = 22 // body fragment, continuation to next record
	Xtra Type = 23 // start of extracted-info section

	// Extracted-info section.
	Rrto Type = 30 // return-receipt address
	Erto Type = 31 // errors-to address
	Prio Type = 32 // priority

	// Terminator.
	End Type = 99
)

var typeNames = map[Type]string{
	Size: "message_size", Time: "time", Full: "fullname", From: "sender",
	Rcpt: "recipient", Done: "done", Orcp: "original_recipient",
	Warn: "warning_message_time", Attr: "named_attribute", Verp: "verp_delimiters",
	Mesg: "message_content", Norm: "normal_data", Cont: "unterminated",
	Xtra: "extracted_info", Rrto: "return_receipt", Erto: "errors_to",
	Prio: "priority", End: "message_end",
}

// Name returns a printable name for the record type, for logging.
func (t Type) Name() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "unknown_record_type"
}

// putUvarint encodes v into buf (which must have room for at least
// MaxVarintLen) and returns the number of bytes written, high-bit-continued
// little-endian base-128, matching the protobuf varint encoding.
func putUvarint(buf []byte, v uint64) int {
	i := 0
	for v >= 0x80 {
		buf[i] = byte(v) | 0x80
		v >>= 7
		i++
	}
	buf[i] = byte(v)
	return i + 1
}

// MaxVarintLen is the maximum number of bytes a varint-encoded uint64 can
// take.
const MaxVarintLen = 10

// WriteRecord writes one record to w.
func WriteRecord(w io.Writer, t Type, payload []byte) error {
	hdr := make([]byte, 1+MaxVarintLen)
	hdr[0] = byte(t)
	n := putUvarint(hdr[1:], uint64(len(payload)))
	if _, err := w.Write(hdr[:1+n]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadRecord reads one record from r.
func ReadRecord(r *bufio.Reader) (Type, []byte, error) {
	tb, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}

	length, err := readUvarint(r)
	if err != nil {
		return 0, nil, fmt.Errorf("reading record length: %v", err)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("reading record payload: %v", err)
	}

	return Type(tb), payload, nil
}

func readUvarint(r *bufio.Reader) (uint64, error) {
	var v uint64
	var shift uint
	for i := 0; i < MaxVarintLen; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		v |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return v, nil
		}
		shift += 7
	}
	return 0, fmt.Errorf("varint too long")
}
