package clients

import (
	"net/http"
	"strings"

	"keyreg/internal/config"
)

// ApplyKey attaches key to req the way auth describes. A nil auth means the
// Google default of a "key" query parameter.
func ApplyKey(req *http.Request, auth *config.AuthConfig, key string) {
	if auth == nil {
		auth = &config.AuthConfig{Mode: config.AuthModeQuery, Name: config.DefaultAuthName}
	}
	switch auth.Mode {
	case config.AuthModeHeader:
		req.Header.Set(auth.Name, auth.Prefix+key)
	default:
		q := req.URL.Query()
		q.Set(auth.Name, key)
		req.URL.RawQuery = q.Encode()
	}
}

// JoinPath appends rest to base without doubling or dropping slashes.
func JoinPath(base, rest string) string {
	if rest == "" {
		if base == "" {
			return "/"
		}
		return base
	}
	if base == "" || base == "/" {
		if strings.HasPrefix(rest, "/") {
			return rest
		}
		return "/" + rest
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(rest, "/")
}
