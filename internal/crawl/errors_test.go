package crawl

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFailureTerminal(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		failure  Failure
		terminal bool
	}{
		{"not allowed", Failure{Kind: KindNotAllowed}, true},
		{"robots disallowed", Failure{Kind: KindRobotsDisallowed}, true},
		{"invalid url", Failure{Kind: KindInvalidURL}, true},
		{"http 404", Failure{Kind: KindHTTPError, StatusCode: 404}, true},
		{"http 410", Failure{Kind: KindHTTPError, StatusCode: 410}, true},
		{"http 500", Failure{Kind: KindHTTPError, StatusCode: 500}, false},
		{"http 503", Failure{Kind: KindHTTPError, StatusCode: 503}, false},
		{"network", Failure{Kind: KindNetworkError}, false},
		{"storage", Failure{Kind: KindStorageWrite}, false},
		{"index", Failure{Kind: KindIndexWrite}, false},
		{"metadata", Failure{Kind: KindMetadataCommit}, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.terminal, tc.failure.Terminal())
		})
	}
}

func TestFailureErrorIncludesStatusCode(t *testing.T) {
	t.Parallel()

	f := &Failure{Kind: KindHTTPError, StatusCode: 503, Message: "server melted"}
	require.Contains(t, f.Error(), "503")
	require.Contains(t, f.Error(), "server melted")
}

func TestAsFailurePreservesTypedErrors(t *testing.T) {
	t.Parallel()

	orig := &Failure{Kind: KindRobotsDisallowed, Message: "disallow /"}
	wrapped := fmt.Errorf("fetch: %w", orig)

	got := AsFailure(wrapped, KindNetworkError)
	require.Equal(t, KindRobotsDisallowed, got.Kind)
}

func TestAsFailureClassifiesUnknownErrors(t *testing.T) {
	t.Parallel()

	got := AsFailure(errors.New("connection reset"), KindNetworkError)
	require.Equal(t, KindNetworkError, got.Kind)
	require.Equal(t, "connection reset", got.Message)
}
