package httpclient

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_NoOverallTimeout(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	client := New(0)
	req.Zero(client.Timeout, "callers bound requests with context")
	transport, ok := client.Transport.(*http.Transport)
	req.True(ok, "Transport=%T", client.Transport)
	req.Positive(transport.TLSHandshakeTimeout)
}
