// Package expand implements the one-to-many address expansion pipeline
// (§4.3.2): unlike the one-to-one mapping pipeline in internal/lookup,
// a single lookup result can fan out into many addresses, each of which
// is itself subject to further expansion.
package expand

import (
	"strings"

	"blitiri.com.ar/go/log"

	"remta.dev/remta/internal/lookup"
)

// Caps from §4.3.2: a message with a pathological alias loop must not
// consume unbounded memory or CPU.
const (
	maxRecursion = 1000
	maxExpansion = 1000
)

// List runs the one-to-many expansion of addr against tbl, returning the
// final ordered list of addresses. Expansion proceeds slot by slot: a
// lookup result is split on commas, the first component replaces the
// current slot, the rest are appended to the end of the list, and newly
// appended slots are themselves visited in turn.
//
// The loop stops early, preserving the current list, in three cases:
// the expansion list would exceed maxExpansion, any one slot's own
// rewrite chain would exceed maxRecursion, or a lookup result contains
// the left-hand side being expanded (case-insensitive, unquoted form) --
// the historical self-reference shortcut that lets an alias legitimately
// include its own name as one of its expansions without looping forever.
func List(queueID string, tbl lookup.Table, addr string) []string {
	addrs := []string{addr}

	for i := 0; i < len(addrs); i++ {
		if len(addrs) > maxExpansion {
			log.Errorf("%s: unreasonable map expansion size for %s", queueID, addr)
			break
		}

		lhs := addrs[i]
		selfRef := false

	recurse:
		for count := 0; ; count++ {
			if count >= maxRecursion {
				log.Errorf("%s: unreasonable map nesting for %s", queueID, lhs)
				break
			}

			res, matched, err := tbl.Lookup(lhs)
			if err != nil {
				log.Errorf("%s: map lookup problem for %s: %v", queueID, lhs, err)
				break
			}
			if !matched {
				break
			}

			saved := lhs
			for j, v := range res.Values {
				if strings.EqualFold(saved, v) {
					selfRef = true
				}
				if j == 0 {
					addrs[i] = v
					lhs = v
				} else {
					addrs = append(addrs, v)
				}
			}
			if selfRef {
				break recurse
			}
		}

		if selfRef {
			return addrs
		}
	}

	return addrs
}
