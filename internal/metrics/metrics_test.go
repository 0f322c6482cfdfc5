package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	require.NotPanics(t, func() {
		Init()
		Init()
	})
}

func TestObserversDoNotPanic(t *testing.T) {
	Init()
	require.NotPanics(t, func() {
		ObservePage("acme", "crawled")
		ObservePage("acme", "failed")
		ObserveBytesStored("acme", 2048)
		ObserveBytesStored("acme", 0)
		ObserveClaim("acme", "won")
		ObserveStaleClaims("acme", 3)
		ObserveStaleClaims("acme", 0)
		ObservePipeline("acme", 250*time.Millisecond)
		IncActivePipelines()
		DecActivePipelines()
		ObserveHTTPRequest("GET", "/v1/search", 200, 42*time.Millisecond)
	})
}

func TestHandlerServesMetrics(t *testing.T) {
	Init()
	require.NotNil(t, Handler())
}
