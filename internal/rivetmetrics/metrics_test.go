package rivetmetrics_test

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivetkit-go/rivetkit/internal/rivetmetrics"
)

func TestMetricsHandlerExposesRegisteredCollectors(t *testing.T) {
	m := rivetmetrics.New()
	m.SetLiveActors(3)
	m.ObserveMailboxDepth(2)
	m.IncHibernations()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf strings.Builder
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	body := buf.String()

	assert.Contains(t, body, "rivetkit_live_actors 3")
	assert.Contains(t, body, "rivetkit_hibernations_total 1")
	assert.Contains(t, body, "rivetkit_mailbox_depth")
}

func TestTwoMetricsInstancesDoNotCollide(t *testing.T) {
	// Each Metrics owns its own registry, so constructing a second one in
	// the same process (e.g. two test cases, or two Hosts) must not panic
	// on duplicate collector registration against a shared default registry.
	assert.NotPanics(t, func() {
		_ = rivetmetrics.New()
		_ = rivetmetrics.New()
	})
}
