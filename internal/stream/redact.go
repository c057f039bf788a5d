package stream

import (
	"net/url"
)

// redact hides credential query parameters before a URL is logged.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable url>"
	}

	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}

	return u.Redacted()
}
