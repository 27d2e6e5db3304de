package adapters

import (
	"net"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fablab-io/machine-agent/internal/models"
)

// deviceForServer builds a device whose connection parameters point at the
// given test server.
func deviceForServer(t *testing.T, ts *httptest.Server, kind models.AdapterKind, profile string) models.Device {
	t.Helper()

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return models.Device{
		ID:   "dev-1",
		Name: "bench device",
		Kind: kind,
		Conn: models.ConnectionParams{
			Address: host,
			Port:    port,
			APIKey:  "secret",
			Profile: profile,
		},
	}
}
