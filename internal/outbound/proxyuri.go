// Package outbound builds proxy-aware HTTP clients and parses proxy URIs
// supplied at import time.
package outbound

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ProxyURIParts is the decomposed form of a proxy URI accepted at import.
type ProxyURIParts struct {
	Scheme   string
	Host     string
	Port     int
	Username string
	Password string
	HasAuth  bool
}

var allowedProxySchemes = map[string]bool{
	"http": true, "https": true, "socks4": true, "socks5": true,
}

func stripAuthority(rest string) string {
	for _, sep := range []string{"/", "?", "#"} {
		if idx := strings.Index(rest, sep); idx >= 0 {
			return rest[:idx]
		}
	}
	return rest
}

func parseHostPort(hostport string) (string, int, error) {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return "", 0, fmt.Errorf("missing hostport")
	}

	var host, portS string
	if strings.HasPrefix(hostport, "[") {
		rb := strings.Index(hostport, "]")
		if rb <= 0 {
			return "", 0, fmt.Errorf("invalid ipv6 hostport")
		}
		host = strings.TrimSpace(hostport[1:rb])
		rest := strings.TrimSpace(hostport[rb+1:])
		if !strings.HasPrefix(rest, ":") {
			return "", 0, fmt.Errorf("missing port")
		}
		portS = strings.TrimSpace(rest[1:])
	} else {
		idx := strings.LastIndex(hostport, ":")
		if idx < 0 {
			return "", 0, fmt.Errorf("missing port")
		}
		host = strings.TrimSpace(hostport[:idx])
		portS = strings.TrimSpace(hostport[idx+1:])
	}

	if host == "" {
		return "", 0, fmt.Errorf("missing host")
	}
	port, err := strconv.Atoi(portS)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port")
	}
	return host, port, nil
}

// ParseProxyURI parses a proxy URI of the form
// scheme://[user:pass@]host:port, accepting only http/https/socks4/socks5
// schemes and IPv6 bracket notation. Userinfo must contain the colon; the
// password after it may be empty.
func ParseProxyURI(uri string) (ProxyURIParts, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return ProxyURIParts{}, fmt.Errorf("uri is required")
	}
	idx := strings.Index(uri, "://")
	if idx < 0 {
		return ProxyURIParts{}, fmt.Errorf("invalid uri")
	}
	scheme := strings.ToLower(strings.TrimSpace(uri[:idx]))
	if !allowedProxySchemes[scheme] {
		return ProxyURIParts{}, fmt.Errorf("unsupported scheme")
	}

	authority := stripAuthority(strings.TrimSpace(uri[idx+3:]))
	if authority == "" {
		return ProxyURIParts{}, fmt.Errorf("invalid uri")
	}

	var username, password, hostport string
	hasAuth := false
	if at := strings.LastIndex(authority, "@"); at >= 0 {
		userinfo, hp := authority[:at], authority[at+1:]
		colon := strings.Index(userinfo, ":")
		if colon < 0 {
			return ProxyURIParts{}, fmt.Errorf("invalid userinfo")
		}
		u, err := url.QueryUnescape(strings.TrimSpace(userinfo[:colon]))
		if err != nil {
			return ProxyURIParts{}, fmt.Errorf("invalid userinfo")
		}
		p, err := url.QueryUnescape(userinfo[colon+1:])
		if err != nil {
			return ProxyURIParts{}, fmt.Errorf("invalid userinfo")
		}
		if u == "" {
			return ProxyURIParts{}, fmt.Errorf("invalid userinfo")
		}
		username, password, hasAuth = u, p, true
		hostport = hp
	} else {
		hostport = authority
	}

	host, port, err := parseHostPort(hostport)
	if err != nil {
		return ProxyURIParts{}, err
	}

	return ProxyURIParts{
		Scheme:   scheme,
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		HasAuth:  hasAuth,
	}, nil
}
