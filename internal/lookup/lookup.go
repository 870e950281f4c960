// Package lookup implements the one-to-one address mapping pipeline
// (§4.3.1): given an address and an ordered list of tables, repeatedly
// rewrite it until the result stabilizes or a recursion limit is hit.
//
// Tables are an open set behind a small capability trait (§9 design
// notes: "dynamic dispatch over address mapping"), registered by scheme
// so that cleanup configuration can name a table as "hash:/etc/...",
// "static:...", or similar without this package knowing the concrete
// backend.
package lookup

import (
	"fmt"
	"strings"

	"blitiri.com.ar/go/log"
)

// maxRecursion bounds the number of rewrite iterations for a single
// address (§4.3.1).
const maxRecursion = 10

// Result is what a Table lookup returns: either a replacement value
// (possibly multi-valued, comma-separated in canonical form) or a
// not-found/transient-error outcome.
type Result struct {
	// Values holds the matched entry, split into its comma-separated
	// components in canonical order. A single-valued entry has len 1.
	Values []string
}

// Table is the capability trait every lookup backend implements.
// Lookup returns (nil, false, nil) on a clean miss, and a non-nil error
// only for a transient/table-layer problem (the caller treats this as
// the recoverable-error case in §4.3.1, aborting the pipeline for this
// address while preserving its current value).
type Table interface {
	Lookup(key string) (*Result, bool, error)
}

// Factory builds a Table from a scheme-specific spec string (the part
// after "scheme:"), e.g. a file path for "hash:" or "static:".
type Factory func(spec string) (Table, error)

var registry = map[string]Factory{}

// Register adds a Table constructor under the given scheme name. It is
// meant to be called from package init() by concrete backends.
func Register(scheme string, f Factory) {
	registry[scheme] = f
}

// Open constructs a Table from a "scheme:spec" reference, such as
// "static:postmaster=root" or "hash:/etc/aliases".
func Open(ref string) (Table, error) {
	scheme, spec, ok := strings.Cut(ref, ":")
	if !ok {
		return nil, fmt.Errorf("lookup: malformed table reference %q", ref)
	}
	f, ok := registry[scheme]
	if !ok {
		return nil, fmt.Errorf("lookup: unknown table scheme %q", scheme)
	}
	return f(spec)
}

// ErrRecoverable wraps a table-layer error encountered mid-pipeline; the
// caller's current value is still valid and must be used as-is.
type ErrRecoverable struct {
	Table string
	Addr  string
	Err   error
}

func (e *ErrRecoverable) Error() string {
	return fmt.Sprintf("%s map lookup problem for %s: %v", e.Table, e.Addr, e.Err)
}

func (e *ErrRecoverable) Unwrap() error { return e.Err }

// Pipeline is an ordered list of tables applied in the one-to-one
// mapping contract of §4.3.1: tables are tried in order for each
// iteration, and the first one that matches wins that iteration.
type Pipeline struct {
	Name   string // used only in log messages, e.g. "virtual" or "canonical"
	Tables []Table
}

// Rewrite runs the one-to-one mapping pipeline on addr (already in
// external/quoted form) and returns the final address. On a recoverable
// table-layer error, it returns the address as it stood before the
// failing lookup and the wrapped error; the caller should log it and
// otherwise proceed normally (the pipeline does not abort the whole
// message, only stops rewriting this one address).
func (p *Pipeline) Rewrite(queueID, addr string) (string, error) {
	for count := 0; count < maxRecursion; count++ {
		res, matched, err := p.lookupFirst(addr)
		if err != nil {
			return addr, &ErrRecoverable{Table: p.Name, Addr: addr, Err: err}
		}
		if !matched {
			return addr, nil
		}
		if len(res.Values) > 1 {
			log.Errorf("%s: multi-valued %s entry for %s", queueID, p.Name, addr)
		}
		next := res.Values[0]
		same := strings.EqualFold(addr, next)
		addr = next
		if same {
			return addr, nil
		}
	}
	log.Errorf("%s: unreasonable %s map nesting for %s", queueID, p.Name, addr)
	return addr, nil
}

// lookupFirst tries each table in order, returning the first match.
func (p *Pipeline) lookupFirst(addr string) (*Result, bool, error) {
	for _, t := range p.Tables {
		res, ok, err := t.Lookup(addr)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return res, true, nil
		}
	}
	return nil, false, nil
}

// SplitValues turns a canonical comma-separated table entry into its
// component addresses, trimming surrounding whitespace and dropping
// empty fields.
func SplitValues(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
