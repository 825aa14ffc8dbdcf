package egtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"egcoord/pkg/gateway"
	"egcoord/pkg/guardian"
	"egcoord/pkg/mediator"
	"egcoord/pkg/resolver"
)

// URLs returns the base URLs of services.
func URLs(services ...*Service) []string {
	out := make([]string, len(services))
	for i, s := range services {
		out[i] = s.URL
	}
	return out
}

// Clients wires typed clients to the given fakes through real resolvers
// and gateways.
func Clients(t testing.TB, mediators, guardians []*Service) (*mediator.Client, *guardian.Client) {
	t.Helper()
	log := zap.NewNop()

	mr, err := resolver.New("mediator", URLs(mediators...), resolver.WithLogger(log), resolver.WithTimeout(2*time.Second))
	require.NoError(t, err)
	gr, err := resolver.New("guardian", URLs(guardians...), resolver.WithLogger(log), resolver.WithTimeout(2*time.Second))
	require.NoError(t, err)

	return mediator.New(gateway.New(mr, gateway.WithLogger(log), gateway.WithTimeout(5*time.Second))),
		guardian.New(gateway.New(gr, gateway.WithLogger(log), gateway.WithTimeout(5*time.Second)))
}
