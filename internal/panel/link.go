package panel

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// StreamSettings is the subset of an inbound's transport config that ends up in
// a share link.
type StreamSettings struct {
	Network     string `json:"network"`
	Security    string `json:"security"`
	TLSSettings struct {
		ServerName string `json:"serverName"`
	} `json:"tlsSettings"`
	WSSettings struct {
		Path string `json:"path"`
	} `json:"wsSettings"`
}

// BuildLink renders a vless:// or trojan:// share link.
func BuildLink(protocol, secret, host string, port int, stream StreamSettings, name string) (string, error) {
	scheme := strings.ToLower(protocol)
	if scheme != "vless" && scheme != "trojan" {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedProtocol, protocol)
	}
	if secret == "" || host == "" || port <= 0 {
		return "", fmt.Errorf("incomplete link parameters for %s", name)
	}

	network := stream.Network
	if network == "" {
		network = "tcp"
	}
	security := stream.Security
	if security == "" {
		security = "none"
	}

	q := url.Values{}
	q.Set("type", network)
	q.Set("security", security)
	if scheme == "vless" {
		q.Set("encryption", "none")
	}
	if security == "tls" && stream.TLSSettings.ServerName != "" {
		q.Set("sni", stream.TLSSettings.ServerName)
	}
	if network == "ws" && stream.WSSettings.Path != "" {
		q.Set("path", stream.WSSettings.Path)
	}

	u := url.URL{
		Scheme:   scheme,
		User:     url.User(secret),
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		RawQuery: q.Encode(),
		Fragment: name,
	}
	return u.String(), nil
}
