package responder

import (
	"errors"
	"os"
	"strings"

	"github.com/miekg/dns"
)

// serviceName returns the service type without its trailing dot, e.g.
// "_http._tcp." becomes "_http._tcp".
func serviceName(typ string) string {
	return strings.TrimSuffix(typ, ".")
}

// domainName returns the fully qualified domain, defaulting to local.
func domainName(domain string) string {
	if domain == "" || domain == "." {
		return DefaultDomain
	}
	return dns.Fqdn(domain)
}

// bareDomain returns the domain without its trailing dot.
func bareDomain(domain string) string {
	return strings.TrimSuffix(domainName(domain), ".")
}

func fqdn(s string) string {
	if s == "" {
		return ""
	}
	return dns.Fqdn(s)
}

// instanceName extracts the instance label from a full service instance
// name such as "My Printer._ipp._tcp.local.".
func instanceName(full, typ, domain string) string {
	full = dns.Fqdn(full)
	suffix := "." + serviceName(typ) + "." + domainName(domain)
	if strings.HasSuffix(full, suffix) {
		return unescapeLabel(strings.TrimSuffix(full, suffix))
	}
	if labels := dns.SplitDomainName(full); len(labels) > 0 {
		return unescapeLabel(labels[0])
	}
	return full
}

func unescapeLabel(label string) string {
	if !strings.Contains(label, `\`) {
		return label
	}
	var b strings.Builder
	escaped := false
	for _, r := range label {
		if r == '\\' && !escaped {
			escaped = true
			continue
		}
		escaped = false
		b.WriteRune(r)
	}
	return b.String()
}

// defaultInstanceName is used when a registration leaves the name empty,
// matching the daemon's use of the computer name.
func defaultInstanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "netservice"
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return host
}

func validateRegister(req *RegisterRequest) error {
	if req.Type == "" {
		return ErrBadParam
	}
	if req.Port <= 0 || req.Port > 65535 {
		return ErrBadParam
	}
	if req.Name == "" {
		req.Name = defaultInstanceName()
	}
	return nil
}

func validateResolve(req ResolveRequest) error {
	if req.Name == "" || req.Type == "" {
		return ErrBadParam
	}
	return nil
}

func validateBrowse(req BrowseRequest) error {
	if req.Type == "" {
		return ErrBadParam
	}
	return nil
}

// classifyError maps a backend error onto a responder status code.
func classifyError(err error) ErrorCode {
	if err == nil {
		return NoError
	}
	var code ErrorCode
	if errors.As(err, &code) {
		return code
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "missing"), strings.Contains(msg, "invalid"):
		return ErrBadParam
	case strings.Contains(msg, "conflict"):
		return ErrNameConflict
	default:
		return ErrUnknown
	}
}
