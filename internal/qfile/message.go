package qfile

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// RecipientStatus is the status of one recipient record within a queue
// file. Only two exist on disk: Pending (a Rcpt record) and Done (the same
// record tombstoned in place, a Done record of identical length, §3
// invariant 6 / §6).
type RecipientStatus int

const (
	Pending RecipientStatus = iota
	Delivered
)

// RecipientRecord is one recipient as read from (or to be written to) a
// queue file.
type RecipientRecord struct {
	Address  string
	Status   RecipientStatus
	Offset   int64 // byte offset of the record's type tag, for in-place tombstoning
	RawLen   int   // length of the payload, needed to keep tombstones same-length
}

// Envelope is the in-memory representation of a message's envelope
// section, as read from or about to be written to a queue file.
type Envelope struct {
	ID         string
	ArrivalTime time.Time
	FullName   string
	From       string
	Recipients []RecipientRecord
	OrigRcpt   map[string]string // recipient -> original recipient (ORCP, for DSN)
	WarnTime   time.Time         // when a delay warning becomes due
	Attrs      map[string]string
	VerpLeft   string
	VerpRight  string

	Size int64 // total message size

	// ContentOffset is the file offset of the MESG record's payload start,
	// so delivery agents can seek directly to content without re-parsing
	// the envelope.
	ContentOffset int64
}

// WriteEnvelope writes the envelope section of a new message. Content must
// be written next via WriteContent, then WriteExtracted (which also writes
// the End record).
func WriteEnvelope(h *Handle, e *Envelope) error {
	if err := h.WriteRecord(Time, []byte(strconv.FormatInt(e.ArrivalTime.Unix(), 10))); err != nil {
		return err
	}
	if e.FullName != "" {
		if err := h.WriteRecord(Full, []byte(e.FullName)); err != nil {
			return err
		}
	}
	if err := h.WriteRecord(From, []byte(e.From)); err != nil {
		return err
	}
	for _, rcpt := range e.Recipients {
		if err := h.WriteRecord(Rcpt, []byte(rcpt.Address)); err != nil {
			return err
		}
		if orig, ok := e.OrigRcpt[rcpt.Address]; ok {
			if err := h.WriteRecord(Orcp, []byte(orig)); err != nil {
				return err
			}
		}
	}
	if !e.WarnTime.IsZero() {
		if err := h.WriteRecord(Warn, []byte(strconv.FormatInt(e.WarnTime.Unix(), 10))); err != nil {
			return err
		}
	}
	for k, v := range e.Attrs {
		if err := h.WriteRecord(Attr, []byte(k+"="+v)); err != nil {
			return err
		}
	}
	if e.VerpLeft != "" || e.VerpRight != "" {
		if err := h.WriteRecord(Verp, []byte(e.VerpLeft+"\x00"+e.VerpRight)); err != nil {
			return err
		}
	}
	return nil
}

// WriteContent writes the MESG boundary and the message body as a single
// (possibly large) CONT record, followed by the XTRA boundary.
func WriteContent(h *Handle, data []byte) error {
	if err := h.WriteRecord(Mesg, nil); err != nil {
		return err
	}
	if err := h.WriteRecord(Cont, data); err != nil {
		return err
	}
	return h.WriteRecord(Xtra, nil)
}

// ExtractedInfo holds the header-derived metadata appended after the
// content section (§6).
type ExtractedInfo struct {
	ReturnReceipt string
	ErrorsTo      string
	Priority      string
}

// WriteExtracted writes the extracted-info records and the terminating END
// record. It does not commit the file; the caller calls Commit.
func WriteExtracted(h *Handle, x ExtractedInfo) error {
	if x.ReturnReceipt != "" {
		if err := h.WriteRecord(Rrto, []byte(x.ReturnReceipt)); err != nil {
			return err
		}
	}
	if x.ErrorsTo != "" {
		if err := h.WriteRecord(Erto, []byte(x.ErrorsTo)); err != nil {
			return err
		}
	}
	if x.Priority != "" {
		if err := h.WriteRecord(Prio, []byte(x.Priority)); err != nil {
			return err
		}
	}
	return h.WriteRecord(End, nil)
}

// ReadMessage parses an entire queue file, in one pass, into an Envelope
// plus its content bytes. Recipient offsets are recorded so callers can
// tombstone them in place later.
func ReadMessage(h *Handle) (*Envelope, []byte, error) {
	e := &Envelope{
		ID:       h.ID(),
		OrigRcpt: map[string]string{},
		Attrs:    map[string]string{},
	}
	var content bytes.Buffer
	var lastRcpt string

	for {
		off, err := h.Offset()
		if err != nil {
			return nil, nil, err
		}

		t, payload, err := h.ReadRecord()
		if err != nil {
			return nil, nil, fmt.Errorf("corrupt queue file %s: %v", h.ID(), err)
		}

		switch t {
		case Time:
			secs, _ := strconv.ParseInt(string(payload), 10, 64)
			e.ArrivalTime = time.Unix(secs, 0).UTC()
		case Full:
			e.FullName = string(payload)
		case From:
			e.From = string(payload)
		case Rcpt:
			lastRcpt = string(payload)
			e.Recipients = append(e.Recipients, RecipientRecord{
				Address: lastRcpt,
				Status:  Pending,
				Offset:  off,
				RawLen:  len(payload),
			})
		case Done:
			lastRcpt = string(payload)
			e.Recipients = append(e.Recipients, RecipientRecord{
				Address: lastRcpt,
				Status:  Delivered,
				Offset:  off,
				RawLen:  len(payload),
			})
		case Orcp:
			e.OrigRcpt[lastRcpt] = string(payload)
		case Warn:
			secs, _ := strconv.ParseInt(string(payload), 10, 64)
			e.WarnTime = time.Unix(secs, 0).UTC()
		case Attr:
			kv := bytes.SplitN(payload, []byte("="), 2)
			if len(kv) == 2 {
				e.Attrs[string(kv[0])] = string(kv[1])
			}
		case Verp:
			parts := bytes.SplitN(payload, []byte("\x00"), 2)
			e.VerpLeft = string(parts[0])
			if len(parts) == 2 {
				e.VerpRight = string(parts[1])
			}
		case Mesg:
			e.ContentOffset = off
		case Cont:
			content.Write(payload)
		case Norm:
			content.Write(payload)
			content.WriteByte('\n')
		case Xtra:
			// boundary only
		case Rrto, Erto, Prio:
			// extracted-info, skipped: ReadMessage does not return it
		case End:
			return e, content.Bytes(), nil
		default:
			return nil, nil, fmt.Errorf("unknown record type %d in %s", t, h.ID())
		}
	}
}

// TombstoneRecipient overwrites a Rcpt record's type byte with Done,
// in-place, same length -- the sole mutation allowed on a sealed queue
// file (§3). Idempotent: tombstoning an already-Done record is a no-op.
func TombstoneRecipient(r *Root, d Dir, id string, rec RecipientRecord) error {
	if rec.Status == Delivered {
		return nil
	}
	f, err := openForWrite(r, d, id)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteAt([]byte{byte(Done)}, rec.Offset); err != nil {
		return err
	}
	return nil
}
