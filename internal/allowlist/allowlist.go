package allowlist

import (
	"fmt"
	"net/netip"
	"strings"

	"go.uber.org/zap"

	"github.com/kehao95/gh-listener/internal/telemetry"
)

// List is an ordered set of address ranges. The zero value is empty and
// allows every address.
type List struct {
	prefixes []netip.Prefix
}

// Parse builds a List from CIDR strings. Bare addresses are accepted as
// single-host ranges. A malformed entry is a configuration error.
func Parse(entries []string) (List, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		prefix, err := parseEntry(entry)
		if err != nil {
			return List{}, fmt.Errorf("invalid allow-list entry %q: %w", entry, err)
		}
		prefixes = append(prefixes, prefix)
	}
	return List{prefixes: prefixes}, nil
}

func parseEntry(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, err
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Empty reports whether validation is disabled.
func (l List) Empty() bool {
	return len(l.prefixes) == 0
}

// Len returns the number of ranges.
func (l List) Len() int {
	return len(l.prefixes)
}

// Allowed reports whether addr may submit events. An empty list allows
// everything; an unparseable address is never allowed by a non-empty list.
func (l List) Allowed(addr string) bool {
	if l.Empty() {
		return true
	}
	ip, err := netip.ParseAddr(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, prefix := range l.prefixes {
		if prefix.Contains(ip) {
			return true
		}
	}
	return false
}

// Validator checks caller addresses against a List and records the result.
type Validator struct {
	list    List
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

func NewValidator(list List, metrics *telemetry.Metrics, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{list: list, metrics: metrics, logger: logger}
}

// Valid reports whether addr passes the allow-list. Rejections are logged
// with the offending address.
func (v *Validator) Valid(addr string) bool {
	ok := v.list.Allowed(addr)
	v.metrics.IPChecked(ok)
	if !ok {
		v.logger.Warn("payload sent from an invalid ip", zap.String("ip", addr))
	}
	return ok
}
