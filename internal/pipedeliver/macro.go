package pipedeliver

import (
	"regexp"
	"strings"

	"remta.dev/remta/internal/envelope"
)

// macroRef matches $name, ${name}, or $(name) references.
var macroRef = regexp.MustCompile(`\$(?:\{(\w+)\}|\((\w+)\)|(\w+))`)

// recipientMacros are the macro names whose value differs per
// recipient; any argv element containing one of these expands once per
// recipient instead of once per command invocation (§4.7.2).
var recipientMacros = map[string]bool{
	"recipient": true, "user": true, "extension": true, "mailbox": true,
}

// Macros holds the values substituted into argv templates.
type Macros struct {
	Sender    string
	NextHop   string
	Recipient string // filled in per call to Expand
	User      string // local-part before the recipient delimiter
	Extension string // local-part after the recipient delimiter, if any
	Mailbox   string // final mailbox name, after any alias/forward resolution
}

func (m Macros) value(name string) (string, bool) {
	switch name {
	case "sender":
		return m.Sender, true
	case "nexthop":
		return m.NextHop, true
	case "recipient":
		return m.Recipient, true
	case "user":
		return m.User, true
	case "extension":
		return m.Extension, true
	case "mailbox":
		return m.Mailbox, true
	default:
		return "", false
	}
}

// hasRecipientMacro reports whether arg references any per-recipient
// macro name.
func hasRecipientMacro(arg string) bool {
	for _, match := range macroRef.FindAllStringSubmatch(arg, -1) {
		name := firstNonEmpty(match[1], match[2], match[3])
		if recipientMacros[name] {
			return true
		}
	}
	return false
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}

// expandArg substitutes every macro reference in arg using m.
func expandArg(arg string, m Macros) string {
	return macroRef.ReplaceAllStringFunc(arg, func(ref string) string {
		match := macroRef.FindStringSubmatch(ref)
		name := firstNonEmpty(match[1], match[2], match[3])
		if v, ok := m.value(name); ok {
			return v
		}
		return ref
	})
}

// ExpandArgv builds the per-recipient argv lists for one pipe
// invocation's template: arguments with no per-recipient macro expand
// once, identically for every recipient; arguments that do reference a
// per-recipient macro are expanded once per recipient and that many
// argv entries are emitted in their place (§4.7.2).
//
// delim is the recipient delimiter used to split user+extension (e.g.
// "+"); a blank user component (address starting with the delimiter)
// causes that recipient's argument to be omitted entirely, supporting
// catch-all delivery conventions.
func ExpandArgv(template []string, base Macros, recipients []string, delim string) []string {
	var out []string
	for _, arg := range template {
		if !hasRecipientMacro(arg) {
			out = append(out, expandArg(arg, base))
			continue
		}
		for _, rcpt := range recipients {
			m := base
			m.Recipient = rcpt
			m.User, m.Extension = splitRecipient(rcpt, delim)
			if m.User == "" {
				continue
			}
			if m.Mailbox == "" {
				m.Mailbox = m.User
			}
			out = append(out, expandArg(arg, m))
		}
	}
	return out
}

// splitRecipient splits an address's local part into user and
// extension components around delim, e.g. "alice+list" with delim "+"
// yields ("alice", "list").
func splitRecipient(addr, delim string) (user, extension string) {
	local := envelope.UserOf(addr)
	if delim == "" {
		return local, ""
	}
	if i := strings.Index(local, delim); i >= 0 {
		return local[:i], local[i+len(delim):]
	}
	return local, ""
}
