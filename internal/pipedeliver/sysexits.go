package pipedeliver

// Exit codes from the sysexits(3) taxonomy (/usr/include/sysexits.h),
// as referenced by §4.7.2 and §6. Only EX_OK is a success; everything
// else maps to bounce (permanent) or defer (temporary).
const (
	exOK          = 0
	exUsage       = 64
	exDataErr     = 65
	exNoInput     = 66
	exNoUser      = 67
	exNoHost      = 68
	exUnavailable = 69
	exSoftware    = 70
	exOSErr       = 71
	exOSFile      = 72
	exCantCreat   = 73
	exIOErr       = 74
	exTempFail    = 75
	exProtocol    = 76
	exNoPerm      = 77
	exConfig      = 78
)

// temporaryExitCodes are the sysexits values that mean "try again
// later" rather than "this will never work" -- historically just
// EX_TEMPFAIL, but EX_OSERR and EX_IOERR are resource exhaustion, which
// is also worth retrying rather than bouncing the mail permanently.
var temporaryExitCodes = map[int]bool{
	exTempFail:  true,
	exOSErr:     true,
	exIOErr:     true,
	exCantCreat: true,
}

// classifyExit maps a child process's exit code to a delivery outcome:
// ok means delivered, temporary means defer, and neither means bounce.
func classifyExit(code int) (ok, temporary bool) {
	if code == exOK {
		return true, false
	}
	return false, temporaryExitCodes[code]
}
