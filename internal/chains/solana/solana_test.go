package solana

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/url"
	"strings"
	"testing"

	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sand/ripplebids-settlement/backend/config"
	"github.com/sand/ripplebids-settlement/backend/internal/chains"
	"github.com/sand/ripplebids-settlement/backend/internal/entities"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

var testMint = sol.MustPublicKeyFromBase58("Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadPrivateKey(t *testing.T) {
	fromSeed, err := LoadPrivateKey("", testMnemonic)
	require.NoError(t, err)
	require.Len(t, fromSeed, 64)

	again, err := LoadPrivateKey("", testMnemonic)
	require.NoError(t, err)
	assert.Equal(t, fromSeed.PublicKey(), again.PublicKey())

	fromBase58, err := LoadPrivateKey(fromSeed.String(), "")
	require.NoError(t, err)
	assert.Equal(t, fromSeed.PublicKey(), fromBase58.PublicKey())

	none, err := LoadPrivateKey("", "")
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = LoadPrivateKey("", "not a mnemonic")
	require.Error(t, err)
}

func TestBuildTransferInstructions(t *testing.T) {
	owner := sol.NewWallet().PublicKey()
	recipient := sol.NewWallet().PublicKey()

	instrs, err := BuildTransferInstructions(owner, recipient, testMint, 1_500_000, 6, true)
	require.NoError(t, err)
	require.Len(t, instrs, 2)
	assert.Equal(t, sol.SPLAssociatedTokenAccountProgramID, instrs[0].ProgramID())
	assert.Equal(t, sol.TokenProgramID, instrs[1].ProgramID())

	data, err := instrs[1].Data()
	require.NoError(t, err)
	require.NotEmpty(t, data)
	assert.Equal(t, byte(token.Instruction_TransferChecked), data[0])

	instrs, err = BuildTransferInstructions(owner, recipient, testMint, 1, 6, false)
	require.NoError(t, err)
	require.Len(t, instrs, 1)

	dstATA, _, err := sol.FindAssociatedTokenAddress(recipient, testMint)
	require.NoError(t, err)
	accounts := instrs[0].Accounts()
	require.Len(t, accounts, 4)
	assert.Equal(t, dstATA, accounts[2].PublicKey)
	assert.Equal(t, owner, accounts[3].PublicKey)
}

func TestTokenBalanceDelta(t *testing.T) {
	owner := sol.NewWallet().PublicKey()
	other := sol.NewWallet().PublicKey()
	otherMint := sol.NewWallet().PublicKey()

	bal := func(o sol.PublicKey, mint sol.PublicKey, amount string) rpc.TokenBalance {
		return rpc.TokenBalance{Owner: &o, Mint: mint, UiTokenAmount: &rpc.UiTokenAmount{Amount: amount}}
	}

	pre := []rpc.TokenBalance{bal(owner, testMint, "1000000"), bal(other, testMint, "9000000")}
	post := []rpc.TokenBalance{
		bal(owner, testMint, "21000000"),
		bal(other, testMint, "0"),
		bal(owner, otherMint, "5"),
	}
	assert.Equal(t, 0, big.NewInt(20_000_000).Cmp(TokenBalanceDelta(pre, post, testMint, owner)))

	fresh := TokenBalanceDelta(nil, []rpc.TokenBalance{bal(owner, testMint, "7")}, testMint, owner)
	assert.Equal(t, int64(7), fresh.Int64())
}

func TestSendTokenPaymentExternalWallet(t *testing.T) {
	a, err := NewAdapter(testLogger(), nil, config.Solana{Mint: testMint.String(), Decimals: 6})
	require.NoError(t, err)
	assert.Nil(t, a.PlatformWallet())

	recipient := sol.NewWallet().PublicKey()
	res, err := a.SendTokenPayment(context.Background(), chains.ExternalWallet{Network: entities.ChainSolana, Account: "buyer"}, recipient.String(), decimal.RequireFromString("1.25"))
	require.NoError(t, err)
	assert.True(t, res.Pending)
	require.True(t, strings.HasPrefix(res.PaymentURI, "solana:"+recipient.String()+"?"))

	u, err := url.Parse(res.PaymentURI)
	require.NoError(t, err)
	assert.Equal(t, "1.25", u.Query().Get("amount"))
	assert.Equal(t, testMint.String(), u.Query().Get("spl-token"))
}

func TestSendTokenPaymentValidation(t *testing.T) {
	a, err := NewAdapter(testLogger(), nil, config.Solana{Mint: testMint.String(), Decimals: 6, WalletSeed: testMnemonic})
	require.NoError(t, err)
	require.NotNil(t, a.PlatformWallet())

	_, err = a.SendTokenPayment(context.Background(), nil, sol.NewWallet().PublicKey().String(), decimal.NewFromInt(1))
	require.ErrorIs(t, err, chains.ErrWalletNotConnected)

	_, err = a.SendTokenPayment(context.Background(), a.PlatformWallet(), "0xnotsolana", decimal.NewFromInt(1))
	require.ErrorIs(t, err, chains.ErrValidation)

	_, err = a.SendTokenPayment(context.Background(), a.PlatformWallet(), sol.NewWallet().PublicKey().String(), decimal.RequireFromString("0.0000001"))
	require.ErrorIs(t, err, chains.ErrValidation)
}

type fakeRPC struct {
	RPC
	result *rpc.GetTransactionResult
}

func (f *fakeRPC) GetTransaction(context.Context, sol.Signature, *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	if f.result == nil {
		return nil, rpc.ErrNotFound
	}
	return f.result, nil
}

func signedTransfer(t *testing.T, payer sol.PrivateKey, dest sol.PublicKey, pre, post []rpc.TokenBalance) (*rpc.GetTransactionResult, sol.Signature) {
	t.Helper()
	instrs, err := BuildTransferInstructions(payer.PublicKey(), dest, testMint, 5_000_000, 6, false)
	require.NoError(t, err)
	tx, err := sol.NewTransaction(instrs, sol.Hash{1}, sol.TransactionPayer(payer.PublicKey()))
	require.NoError(t, err)
	_, err = tx.Sign(func(key sol.PublicKey) *sol.PrivateKey {
		if key.Equals(payer.PublicKey()) {
			return &payer
		}
		return nil
	})
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	var env rpc.TransactionResultEnvelope
	require.NoError(t, json.Unmarshal([]byte(fmt.Sprintf(`[%q,"base64"]`, base64.StdEncoding.EncodeToString(raw))), &env))
	return &rpc.GetTransactionResult{
		Slot:        1,
		Transaction: &env,
		Meta:        &rpc.TransactionMeta{PreTokenBalances: pre, PostTokenBalances: post},
	}, tx.Signatures[0]
}

func TestVerifyTransferRequiresSender(t *testing.T) {
	buyer := sol.NewWallet().PrivateKey
	escrow := sol.NewWallet().PublicKey()
	stranger := sol.NewWallet().PublicKey()

	bal := func(o sol.PublicKey, amount string) rpc.TokenBalance {
		return rpc.TokenBalance{Owner: &o, Mint: testMint, UiTokenAmount: &rpc.UiTokenAmount{Amount: amount}}
	}
	res, sig := signedTransfer(t, buyer, escrow,
		[]rpc.TokenBalance{bal(buyer.PublicKey(), "10000000"), bal(escrow, "0")},
		[]rpc.TokenBalance{bal(buyer.PublicKey(), "5000000"), bal(escrow, "5000000")},
	)
	v := NewVerifier(testLogger(), &fakeRPC{result: res}, testMint, 6)

	got, err := v.VerifyTransfer(context.Background(), sig.String(), buyer.PublicKey().String(), escrow.String(), decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.Equal(t, "5", got.Amount.String())

	_, err = v.VerifyTransfer(context.Background(), sig.String(), stranger.String(), escrow.String(), decimal.NewFromInt(5))
	require.ErrorIs(t, err, chains.ErrTransferMismatch)

	_, err = v.VerifyTransfer(context.Background(), sig.String(), "", escrow.String(), decimal.NewFromInt(5))
	require.ErrorIs(t, err, chains.ErrValidation)

	_, err = NewVerifier(testLogger(), &fakeRPC{}, testMint, 6).
		VerifyTransfer(context.Background(), sig.String(), buyer.PublicKey().String(), escrow.String(), decimal.NewFromInt(5))
	require.ErrorIs(t, err, chains.ErrNotConfirmed)
}
