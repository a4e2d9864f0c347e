package netstack_test

import (
	"testing"

	netstack "github.com/simeonmiteff/go-netstack"
	"github.com/stretchr/testify/require"
)

func TestConnStatsTracksFirstAndLastActivity(t *testing.T) {
	cs := netstack.NewConnStats("c1", "10.0.0.1:80", "10.0.0.2:9000", 100)
	require.Equal(t, int64(100), cs.OpenedAt)

	cs.RecordTx(10, 200)
	cs.RecordTx(5, 300)
	require.Equal(t, int64(200), cs.FirstTxAt)
	require.Equal(t, int64(300), cs.LastTxAt)
	require.Equal(t, int64(15), cs.TxBytes)

	cs.RecordRx(7, 250)
	require.Equal(t, int64(250), cs.FirstRxAt)
	require.Equal(t, int64(7), cs.RxBytes)

	cs.CloseAt(400)
	require.Equal(t, int64(400), cs.ClosedAt)
}

func TestStateMapNames(t *testing.T) {
	require.Equal(t, "open", netstack.StateMap[netstack.StatsOpen])
	require.Equal(t, "close", netstack.StateMap[netstack.StatsClose])
}
