package config

import (
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"slices"
	"strings"
	"time"
)

const (
	PopupModeTracker = "tracker"
	PopupModeBrowser = "browser"

	defaultPopupTimeout = 10 * time.Minute
	defaultPollInterval = 500 * time.Millisecond
)

type PortalConfig struct {
	BaseURL             string        `yaml:"baseURL" json:"baseURL"`
	AllowedOrigins      []string      `yaml:"allowedOrigins" json:"allowedOrigins"`
	AllowedRedirectURLs []string      `yaml:"allowedRedirectURLs" json:"allowedRedirectURLs"`
	CORS                bool          `yaml:"cors" json:"cors"`
	PopupMode           string        `yaml:"popupMode" json:"popupMode"`
	PopupTimeout        time.Duration `yaml:"popupTimeout" json:"popupTimeout"`
	PollInterval        time.Duration `yaml:"pollInterval" json:"pollInterval"`
	TrustedProxies      []string      `yaml:"trustedProxies" json:"trustedProxies"`

	regexAllowedRedirectURLs []*regexp.Regexp
	trustedProxies           []netip.Prefix
}

// ValidateRedirectURL reports whether an authorization window may be
// opened at url.
func (p *PortalConfig) ValidateRedirectURL(url string) bool {
	if url == "" {
		return false
	}
	if len(p.regexAllowedRedirectURLs) == 0 {
		return true
	}
	for _, r := range p.regexAllowedRedirectURLs {
		if r.MatchString(url) {
			return true
		}
	}
	return false
}

func (p *PortalConfig) AcceptsOrigin(origin string) bool {
	return origin != "" && slices.Contains(p.AllowedOrigins, strings.ToLower(origin))
}

// Origin returns the scheme and host of the portal base URL.
func (p *PortalConfig) Origin() string {
	o, _ := originOf(p.BaseURL)
	return o
}

func (p *PortalConfig) SecureCookies() bool {
	return strings.HasPrefix(strings.ToLower(p.BaseURL), "https://")
}

// TrustsProxy reports whether X-Forwarded-* headers sent from remoteAddr
// are honored. remoteAddr may carry a port.
func (p *PortalConfig) TrustsProxy(remoteAddr string) bool {
	if len(p.trustedProxies) == 0 {
		return false
	}
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range p.trustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func buildPrefixList(in []string, out *[]netip.Prefix) error {
	for _, s := range in {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			addr, addrErr := netip.ParseAddr(s)
			if addrErr != nil {
				return fmt.Errorf("failed to parse '%s' as a CIDR or IP address: %w", s, err)
			}
			prefix = netip.PrefixFrom(addr, addr.BitLen())
		}
		*out = append(*out, prefix.Masked())
	}
	return nil
}
