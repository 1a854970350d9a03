package vault_test

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/goodstack/givepool/pool/pkg/vault"
	pooltesting "github.com/goodstack/givepool/utils/pkg/testing"
)

func newSimBackend(t *testing.T, clock clockwork.Clock, bank *vault.Bank, skimRate uint64) *vault.SimBackend {
	t.Helper()
	b, err := vault.NewSimBackend(vault.SimBackendConfig{
		Logger:            pooltesting.NewLogger(),
		Clock:             clock,
		Bank:              bank,
		Account:           "backend",
		FinalizationDelay: time.Minute,
		SkimRate:          skimRate,
	})
	require.NoError(t, err)
	return b
}

func TestPool_Vault_Bank(t *testing.T) {
	t.Parallel()

	t.Run("credit debit transfer", func(t *testing.T) {
		t.Parallel()
		bank := vault.NewBank()
		bank.Credit("alice", 100)
		require.Equal(t, uint64(100), bank.Balance("alice"))

		require.NoError(t, bank.Transfer("alice", "bob", 40))
		require.Equal(t, uint64(60), bank.Balance("alice"))
		require.Equal(t, uint64(40), bank.Balance("bob"))

		require.NoError(t, bank.Debit("bob", 40))
		require.Equal(t, uint64(0), bank.Balance("bob"))
	})

	t.Run("insufficient funds", func(t *testing.T) {
		t.Parallel()
		bank := vault.NewBank()
		bank.Credit("alice", 10)
		require.ErrorIs(t, bank.Transfer("alice", "bob", 11), vault.ErrInsufficientFunds)
		require.ErrorIs(t, bank.Debit("alice", 11), vault.ErrInsufficientFunds)
		require.Equal(t, uint64(10), bank.Balance("alice"))
	})
}

func TestPool_Vault_SimBackend_DepositAndValue(t *testing.T) {
	t.Parallel()

	bank := vault.NewBank()
	bank.Credit("alice", 1_000)
	b := newSimBackend(t, clockwork.NewFakeClock(), bank, 0)

	credited, err := b.Deposit("alice", 600)
	require.NoError(t, err)
	require.Equal(t, uint64(600), credited)

	v, err := b.Value()
	require.NoError(t, err)
	require.Equal(t, uint64(600), v)
	require.Equal(t, uint64(400), bank.Balance("alice"))
	require.Equal(t, uint64(600), bank.Balance("backend"))
}

func TestPool_Vault_SimBackend_WithdrawalLifecycle(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	bank := vault.NewBank()
	bank.Credit("alice", 1_000)
	b := newSimBackend(t, clock, bank, 0)

	_, err := b.Deposit("alice", 1_000)
	require.NoError(t, err)

	id, err := b.RequestWithdrawal(300)
	require.NoError(t, err)

	// Earmarked funds leave the reported value immediately.
	v, err := b.Value()
	require.NoError(t, err)
	require.Equal(t, uint64(700), v)

	fin, err := b.IsWithdrawalFinalized(id)
	require.NoError(t, err)
	require.False(t, fin)

	_, err = b.ClaimWithdrawal(id, "alice")
	require.ErrorIs(t, err, vault.ErrNotFinalized)

	clock.Advance(time.Minute)

	fin, err = b.IsWithdrawalFinalized(id)
	require.NoError(t, err)
	require.True(t, fin)

	released, err := b.ClaimWithdrawal(id, "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(300), released)
	require.Equal(t, uint64(300), bank.Balance("alice"))

	_, err = b.ClaimWithdrawal(id, "alice")
	require.ErrorIs(t, err, vault.ErrAlreadyClaimed)
}

func TestPool_Vault_SimBackend_RequestExceedsValue(t *testing.T) {
	t.Parallel()

	bank := vault.NewBank()
	bank.Credit("alice", 100)
	b := newSimBackend(t, clockwork.NewFakeClock(), bank, 0)

	_, err := b.Deposit("alice", 100)
	require.NoError(t, err)

	_, err = b.RequestWithdrawal(101)
	require.ErrorIs(t, err, vault.ErrInsufficientValue)
}

func TestPool_Vault_SimBackend_UnknownRequest(t *testing.T) {
	t.Parallel()

	b := newSimBackend(t, clockwork.NewFakeClock(), vault.NewBank(), 0)
	_, err := b.IsWithdrawalFinalized(999_999_999)
	require.ErrorIs(t, err, vault.ErrUnknownRequest)
	_, err = b.ClaimWithdrawal(999_999_999, "alice")
	require.ErrorIs(t, err, vault.ErrUnknownRequest)
}

func TestPool_Vault_SimBackend_AccrueAppliesSkim(t *testing.T) {
	t.Parallel()

	bank := vault.NewBank()
	bank.Credit("alice", 1_000)
	// 10% skim.
	b := newSimBackend(t, clockwork.NewFakeClock(), bank, 10_000)

	_, err := b.Deposit("alice", 1_000)
	require.NoError(t, err)

	require.NoError(t, b.Accrue(100))
	v, err := b.Value()
	require.NoError(t, err)
	require.Equal(t, uint64(1_090), v)
}

func TestPool_Vault_SimBackend_Slash(t *testing.T) {
	t.Parallel()

	bank := vault.NewBank()
	bank.Credit("alice", 1_000)
	b := newSimBackend(t, clockwork.NewFakeClock(), bank, 0)

	_, err := b.Deposit("alice", 1_000)
	require.NoError(t, err)

	require.NoError(t, b.Slash(400))
	v, err := b.Value()
	require.NoError(t, err)
	require.Equal(t, uint64(600), v)

	require.ErrorIs(t, b.Slash(601), vault.ErrInsufficientValue)
}
