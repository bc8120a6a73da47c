package events

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStableEventsRender(t *testing.T) {
	mint := TokenMint{Account: "alice.near", Amount: big.NewInt(42), Memo: "buy"}.Event()
	require.Equal(t, TypeTokenMint, mint.Type)
	require.Equal(t, map[string]string{"account": "alice.near", "amount": "42", "memo": "buy"}, mint.Attributes)

	burn := TokenBurn{Account: "bob.near"}.Event()
	require.Equal(t, "0", burn.Attributes["amount"])

	added := StableLiquidityAdded{Pool: 79, Shares: big.NewInt(9), Amounts: []*big.Int{big.NewInt(1), nil}}.Event()
	require.Equal(t, "79", added.Attributes["pool"])
	require.Equal(t, "1,0", added.Attributes["amounts"])

	failed := StableTransferFailed{Account: "bob.near", Amount: big.NewInt(5), Burned: big.NewInt(6), Error: "rejected"}.Event()
	require.Equal(t, TypeStableTransferFailed, failed.Type)
	require.Equal(t, "6", failed.Attributes["burned"])
}

func TestRecorderKeepsMostRecent(t *testing.T) {
	rec := NewRecorder(2)
	rec.Emit(TokenMint{Account: "a", Amount: big.NewInt(1)})
	rec.Emit(TokenBurn{Account: "b", Amount: big.NewInt(2)})
	rec.Emit(StableRefund{Account: "c", Amount: big.NewInt(3)})
	rec.Emit(nil)

	got := rec.Events()
	require.Len(t, got, 2)
	require.Equal(t, TypeTokenBurn, got[0].EventType())
	require.Equal(t, TypeStableRefund, got[1].EventType())
	require.Len(t, rec.OfType(TypeTokenMint), 0)
	require.Len(t, rec.Rendered(), 2)
}

func TestMultiFansOut(t *testing.T) {
	a, b := NewRecorder(0), NewRecorder(0)
	Multi{a, nil, b, NoopEmitter{}}.Emit(TokenMint{Account: "x"})
	require.Len(t, a.Events(), 1)
	require.Len(t, b.Events(), 1)
}
