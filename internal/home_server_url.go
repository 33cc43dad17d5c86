package internal

import "strings"

// HomeServerUrl is either an http(s) base URL or an absolute path to a unix socket which
// serves the client-server API.
type HomeServerUrl struct {
	HttpOrUnixStr string
}

func (u HomeServerUrl) IsUnixSocket() bool {
	return strings.HasPrefix(u.HttpOrUnixStr, "/")
}

func (u HomeServerUrl) GetUnixSocket() string {
	if u.IsUnixSocket() {
		return u.HttpOrUnixStr
	}
	return ""
}

func (u HomeServerUrl) GetBaseUrl() string {
	if u.IsUnixSocket() {
		return "http://unix"
	}
	return u.HttpOrUnixStr
}
