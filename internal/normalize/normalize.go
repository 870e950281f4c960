// Package normalize contains functions to normalize usernames and addresses.
package normalize

import (
	"bytes"

	"remta.dev/remta/internal/envelope"
	"golang.org/x/text/secure/precis"
)

// User normalices an username using PRECIS.
// On error, it will also return the original username to simplify callers.
func User(user string) (string, error) {
	norm, err := precis.UsernameCaseMapped.String(user)
	if err != nil {
		return user, err
	}

	return norm, nil
}

// Addr normalices an email address using PRECIS.
// On error, it will also return the original address to simplify callers.
func Addr(addr string) (string, error) {
	user, domain := envelope.Split(addr)

	user, err := User(user)
	if err != nil {
		return addr, err
	}

	return user + "@" + domain, nil
}

// ToCRLF normalizes line endings to CRLF, as required by the wire format of
// SMTP and by the external commands we hand message content to (MDAs,
// pipe transports). It treats bare LF and CRLF input uniformly so callers
// don't need to know which convention the content arrived in.
func ToCRLF(data []byte) []byte {
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(data, []byte("\n"), []byte("\r\n"))
}
