package acceptor

import (
	"regexp"
	"strings"
)

var acceptorURLPattern = regexp.MustCompile(`https?://\S+`)

// extractURL returns the first http(s):// URL in line, or "" if none.
func extractURL(line string) string {
	return acceptorURLPattern.FindString(line)
}

// fakeResponseFor returns the canned reply sent for low/medium engagement
// lines, before any handoff to the interactive engine. It never reveals
// that the connection is a honeypot.
func fakeResponseFor(line string) string {
	lower := strings.ToLower(strings.TrimSpace(line))
	switch {
	case lower == "":
		return ""
	case strings.HasPrefix(lower, "ssh-"):
		return ""
	case strings.Contains(lower, "login"), strings.Contains(lower, "password"), strings.Contains(lower, "user"):
		return "Password: \n"
	default:
		return "-bash: " + line + ": command not found\n"
	}
}

// isExpectedTransportError reports whether err is an ordinary peer-side
// disconnect that should end the session quietly, without an [ERROR] event.
func isExpectedTransportError(err error) bool {
	msg := err.Error()
	for _, needle := range []string{
		"connection reset",
		"broken pipe",
		"connection aborted",
		"use of closed network connection",
		"EOF",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
