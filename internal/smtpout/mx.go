package smtpout

import (
	"fmt"
	"net"
	"sort"

	"golang.org/x/net/idna"
)

// candidate is one resolved delivery target: a host and the MX
// preference it was found at (or a synthetic preference when falling
// back to A-record lookup on the domain itself, per §4.6.1).
type candidate struct {
	Host string
	Pref uint16
	Addr net.IP
}

// fallbackPref is the synthetic preference assigned when a domain has
// no MX records and we fall back to its own A records (the original's
// "implicit MX 0"). It is only used when there are no MX records, so it
// never sits in the same list as a real preference.
const fallbackPref = 0

// selfLoopError is returned when MX resolution determines that mail for
// a domain would loop back to this host.
type selfLoopError struct {
	domain string
}

func (e *selfLoopError) Error() string {
	return fmt.Sprintf("mail for %s loops back to myself", e.domain)
}

// IsSelfLoop reports whether err represents a mailer-loop permanent
// failure from ResolveMX.
func IsSelfLoop(err error) bool {
	_, ok := err.(*selfLoopError)
	return ok
}

// retryError marks a failure as transient: the caller should defer
// rather than bounce.
type retryError struct {
	msg string
}

func (e *retryError) Error() string { return e.msg }

// IsRetryable reports whether err from ResolveMX should be treated as a
// transient (defer) rather than permanent (bounce) outcome.
func IsRetryable(err error) bool {
	_, ok := err.(*retryError)
	return ok
}

// lookupMX and lookupHost are package vars so tests can stub DNS.
var (
	lookupMX   = net.LookupMX
	lookupHost = net.LookupIP
)

// Resolver finds and self-loop-truncates delivery candidates for a
// domain (§4.6.1).
type Resolver struct {
	// SelfAddrs is this host's own set of listening addresses, used to
	// detect "mail for X loops back to myself" (own_inet_addr_list in
	// the original). cmd/mta-smtp fills it at startup from the local
	// interface addresses; there is no configuration setting for it.
	SelfAddrs []net.IP

	// BestMXTransport, if non-empty, turns a "local host is the sole
	// best MX" result into bestMXIsLocal instead of a permanent
	// failure, after var_bestmx_transp in the original. cmd/mta-smtp
	// does not set it.
	BestMXTransport string

	// MaxCandidates caps how many resolved hosts are tried, mirroring
	// the teacher's own 5-host cap in internal/courier/smtp.go.
	MaxCandidates int
}

// ResolveMX returns the ordered list of candidate hosts to try for
// domain, already MX-sorted and self-truncated. BestMXIsLocal is true
// only in the "best-MX-transport override" case, where the caller
// should deliver locally instead of over SMTP.
func (r *Resolver) ResolveMX(domain string) (hosts []string, bestMXIsLocal bool, err error) {
	asciiDomain, err := idna.ToASCII(domain)
	if err != nil {
		return nil, false, fmt.Errorf("invalid domain %q: %v", domain, err) // not a retryError: IDNA failure is permanent
	}

	mxRecords, mxErr := lookupMX(asciiDomain)

	var candidates []candidate
	var bestPref uint16 = 0xFFFF

	if mxErr == nil && len(mxRecords) > 0 {
		sort.Slice(mxRecords, func(i, j int) bool { return mxRecords[i].Pref < mxRecords[j].Pref })
		bestPref = mxRecords[0].Pref
		for _, mx := range mxRecords {
			ips, _ := lookupHost(mx.Host)
			for _, ip := range ips {
				candidates = append(candidates, candidate{Host: mx.Host, Pref: mx.Pref, Addr: ip})
			}
		}
		if len(candidates) == 0 {
			return nil, false, &retryError{msg: fmt.Sprintf("no MX host for %s has a valid address record", domain)}
		}
	} else {
		// No MX (or lookup failed outright): fall back to A records on
		// the domain name itself, implicit preference 0.
		ips, ipErr := lookupHost(asciiDomain)
		if ipErr != nil || len(ips) == 0 {
			return nil, false, &retryError{msg: fmt.Sprintf("could not find mail server for %s: %v", domain, ipErr)}
		}
		for _, ip := range ips {
			candidates = append(candidates, candidate{Host: asciiDomain, Pref: fallbackPref, Addr: ip})
		}
		bestPref = fallbackPref
	}

	bestFound := candidates[0].Pref

	selfPref, foundSelf := r.findSelf(candidates)
	if foundSelf {
		candidates = truncateAtPreference(candidates, selfPref)
		if len(candidates) == 0 {
			switch {
			case bestPref != bestFound:
				return nil, false, &retryError{msg: fmt.Sprintf("unable to find primary relay for %s", domain)}
			case r.BestMXTransport != "":
				return nil, true, nil
			default:
				return nil, false, &selfLoopError{domain: domain}
			}
		}
	}

	hosts = dedupHosts(candidates)
	if r.MaxCandidates > 0 && len(hosts) > r.MaxCandidates {
		hosts = hosts[:r.MaxCandidates]
	}
	return hosts, false, nil
}

// findSelf looks for this host's own address in the candidate list,
// returning the preference it was found at.
func (r *Resolver) findSelf(candidates []candidate) (uint16, bool) {
	for _, c := range candidates {
		for _, self := range r.SelfAddrs {
			if c.Addr.Equal(self) {
				return c.Pref, true
			}
		}
	}
	return 0, false
}

// truncateAtPreference drops every candidate at exactly pref -- the
// local host and any co-equally-preferred MX, matching
// smtp_truncate_self in the original: only entries at that one
// preference are removed, not everything at or below it.
func truncateAtPreference(candidates []candidate, pref uint16) []candidate {
	var out []candidate
	for _, c := range candidates {
		if c.Pref != pref {
			out = append(out, c)
		}
	}
	return out
}

func dedupHosts(candidates []candidate) []string {
	seen := map[string]bool{}
	var hosts []string
	for _, c := range candidates {
		if seen[c.Host] {
			continue
		}
		seen[c.Host] = true
		hosts = append(hosts, c.Host)
	}
	return hosts
}
