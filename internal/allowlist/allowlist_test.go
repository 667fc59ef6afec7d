package allowlist

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kehao95/gh-listener/internal/telemetry"
)

type ListSuite struct {
	suite.Suite
	list List
}

func (s *ListSuite) SetupTest() {
	var err error
	s.list, err = Parse([]string{"10.0.0.0/8", "192.30.252.0/22", "2001:db8::/32", "203.0.113.7"})
	s.Require().NoError(err)
}

func TestListSuite(t *testing.T) {
	suite.Run(t, new(ListSuite))
}

func (s *ListSuite) TestAllowed() {
	tests := map[string]struct {
		addr string
		want bool
	}{
		"inside 10/8":            {"10.1.2.3", true},
		"outside":                {"192.168.1.1", false},
		"second range":           {"192.30.253.17", true},
		"ipv6 inside":            {"2001:db8::1", true},
		"ipv6 outside":           {"2001:db9::1", false},
		"bare host":              {"203.0.113.7", true},
		"bare host neighbour":    {"203.0.113.8", false},
		"ipv4 mapped ipv6":       {"::ffff:10.9.9.9", true},
		"garbage":                {"not-an-ip", false},
		"empty":                  {"", false},
		"surrounding whitespace": {" 10.0.0.1 ", true},
	}

	for name, tc := range tests {
		s.Run(name, func() {
			s.Assert().Equal(tc.want, s.list.Allowed(tc.addr))
		})
	}
}

func (s *ListSuite) TestLen() {
	s.Assert().Equal(4, s.list.Len())
	s.Assert().False(s.list.Empty())
}

func TestEmptyListAllowsEverything(t *testing.T) {
	for _, entries := range [][]string{nil, {}, {"", "  "}} {
		list, err := Parse(entries)
		require.NoError(t, err)
		assert.True(t, list.Empty())
		for _, addr := range []string{"10.1.2.3", "192.168.1.1", "::1", "garbage", ""} {
			assert.True(t, list.Allowed(addr), addr)
		}
	}
}

func TestParseRejectsMalformedEntries(t *testing.T) {
	for _, entry := range []string{"10.0.0.0/33", "300.1.1.1", "example.com"} {
		_, err := Parse([]string{"10.0.0.0/8", entry})
		assert.Error(t, err, entry)
	}
}

func TestValidatorRecordsResult(t *testing.T) {
	list, err := Parse([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	core, logs := observer.New(zapcore.DebugLevel)
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	v := NewValidator(list, metrics, zap.New(core))

	assert.True(t, v.Valid("10.1.2.3"))
	assert.False(t, v.Valid("192.168.1.1"))

	entries := logs.FilterField(zap.String("ip", "192.168.1.1")).All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, 1, logs.Len())

	reg := prometheus.NewRegistry()
	m2 := telemetry.NewMetrics(reg)
	v2 := NewValidator(List{}, m2, nil)
	assert.True(t, v2.Valid("192.168.1.1"))
	count, err := testutil.GatherAndCount(reg, "gh_listener_ip_checks_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
