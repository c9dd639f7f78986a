package launcher

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const defaultNetconfPort = 830

// ParseServerURL normalizes and validates the positional "server"
// argument of §6: a "netconf://host[:port]" URL, or a bare
// "host[:port]" which is normalized by prefixing "netconf://". Any
// other scheme is a fatal configuration error.
func ParseServerURL(raw string) (addr string, err error) {
	candidate := raw
	if !strings.Contains(candidate, "://") {
		candidate = "netconf://" + candidate
	}

	u, err := url.Parse(candidate)
	if err != nil {
		return "", errors.Wrapf(err, "parsing server address %q", raw)
	}
	if u.Scheme != "netconf" {
		return "", errors.Errorf("connection to NETCONF server(s) only, got scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", errors.Errorf("server address %q has no host", raw)
	}

	port := defaultNetconfPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", errors.Wrapf(err, "parsing server port in %q", raw)
		}
	}

	return u.Hostname() + ":" + strconv.Itoa(port), nil
}
