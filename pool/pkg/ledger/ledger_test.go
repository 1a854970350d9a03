package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goodstack/givepool/pool/pkg/ledger"
	pooltesting "github.com/goodstack/givepool/utils/pkg/testing"
)

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(ledger.Config{Logger: pooltesting.NewLogger()})
	require.NoError(t, err)
	return l
}

func TestPool_Ledger_MintBurn(t *testing.T) {
	t.Parallel()

	l := newLedger(t)
	l.Mint("alice", 100)
	l.Mint("bob", 50)

	require.Equal(t, uint64(150), l.TotalSupply())
	require.Equal(t, uint64(100), l.BalanceOf("alice"))

	require.NoError(t, l.Burn("alice", 60))
	require.Equal(t, uint64(40), l.BalanceOf("alice"))
	require.Equal(t, uint64(90), l.TotalSupply())

	require.ErrorIs(t, l.Burn("alice", 41), ledger.ErrInsufficientBalance)
	require.Equal(t, uint64(40), l.BalanceOf("alice"))
}

func TestPool_Ledger_NonTransferable(t *testing.T) {
	t.Parallel()

	l := newLedger(t)
	l.Mint("alice", 100)

	require.ErrorIs(t, l.Transfer("alice", "bob", 10), ledger.ErrNonTransferable)
	require.ErrorIs(t, l.Approve("alice", "bob", 10), ledger.ErrNonTransferable)
	require.Equal(t, uint64(100), l.BalanceOf("alice"))
	require.Equal(t, uint64(0), l.BalanceOf("bob"))
}
