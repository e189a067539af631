package correlation_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"taskorchestrator/correlation"
)

func TestIdentifiers_Shared_CorrelationEqualsDelivery(t *testing.T) {
	ids := correlation.New(correlation.Shared)
	dest := correlation.Path{Name: "a"}
	c := ids.DeliveryToCorrelation(dest, 7)
	require.Equal(t, correlation.CorrelationID(7), c)

	d, err := ids.CorrelationToDelivery(dest, c)
	require.NoError(t, err)
	require.Equal(t, correlation.DeliveryID(7), d)
}

func TestIdentifiers_Distinct_PerDestinationSequence(t *testing.T) {
	ids := correlation.New(correlation.Distinct)
	a := correlation.Path{Name: "a"}
	b := correlation.Path{Name: "b"}

	c0 := ids.DeliveryToCorrelation(a, 100)
	c1 := ids.DeliveryToCorrelation(a, 101)
	cb0 := ids.DeliveryToCorrelation(b, 200)

	require.Equal(t, correlation.CorrelationID(0), c0)
	require.Equal(t, correlation.CorrelationID(1), c1)
	require.Equal(t, correlation.CorrelationID(0), cb0, "sequence is per destination")

	d, err := ids.CorrelationToDelivery(a, c1)
	require.NoError(t, err)
	require.Equal(t, correlation.DeliveryID(101), d)

	_, err = ids.CorrelationToDelivery(a, 99)
	require.Error(t, err)
}

func TestIdentifiers_RestoreMapping_FastForwardsCounter(t *testing.T) {
	ids := correlation.New(correlation.Distinct)
	dest := correlation.Path{Name: "a"}

	ids.RestoreMapping(dest, 5, 500)
	next := ids.DeliveryToCorrelation(dest, 999)
	require.Equal(t, correlation.CorrelationID(6), next, "allocation must continue past the restored id, not restart at 0")

	d, err := ids.CorrelationToDelivery(dest, 5)
	require.NoError(t, err)
	require.Equal(t, correlation.DeliveryID(500), d)
}

func TestIdentifiers_Snapshot_SortedByCorrelationID(t *testing.T) {
	ids := correlation.New(correlation.Distinct)
	dest := correlation.Path{Name: "a"}
	ids.DeliveryToCorrelation(dest, 10)
	ids.DeliveryToCorrelation(dest, 11)
	ids.DeliveryToCorrelation(dest, 12)

	snap := ids.Snapshot()
	entries := snap[dest]
	require.Len(t, entries, 3)
	for i := 1; i < len(entries); i++ {
		require.Less(t, entries[i-1].C, entries[i].C)
	}
}
