package stellar

import (
	"context"
	"errors"
	"testing"

	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/protocols/horizon/base"
	"github.com/stellar/go/protocols/horizon/operations"
	"github.com/stellar/go/txnbuild"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pifp/escrow-backend/internal/custody"
	"pifp/escrow-backend/internal/ledger"
)

func newTestCustody(t *testing.T) (*Custody, *horizonclient.MockClient) {
	t.Helper()
	kp, err := keypair.Random()
	require.NoError(t, err)
	client := &horizonclient.MockClient{}
	return NewWithClient(client, kp, network.TestNetworkPassphrase, nil), client
}

func randomAddress(t *testing.T) string {
	t.Helper()
	kp, err := keypair.Random()
	require.NoError(t, err)
	return kp.Address()
}

func TestParseAsset(t *testing.T) {
	native, err := ParseAsset("native")
	require.NoError(t, err)
	assert.Equal(t, txnbuild.NativeAsset{}, native)

	issuer := randomAddress(t)
	credit, err := ParseAsset("USDC:" + issuer)
	require.NoError(t, err)
	assert.Equal(t, txnbuild.CreditAsset{Code: "USDC", Issuer: issuer}, credit)

	for _, bad := range []string{"", "USDC", "USDC:not-an-account", ":" + issuer, "WAYTOOLONGCODE1:" + issuer} {
		_, err := ParseAsset(bad)
		assert.Error(t, err, bad)
	}
}

func paymentPage(records ...operations.Operation) operations.OperationsPage {
	var page operations.OperationsPage
	page.Embedded.Records = records
	return page
}

func TestCollectFindsMatchingPayment(t *testing.T) {
	c, client := newTestCustody(t)
	donor := randomAddress(t)
	issuer := randomAddress(t)

	client.On("Operations", horizonclient.OperationRequest{ForTransaction: "abc"}).Return(paymentPage(
		operations.Payment{
			Base:   operations.Base{TransactionSuccessful: true},
			Asset:  base.Asset{Type: "native"},
			From:   donor,
			To:     randomAddress(t),
			Amount: "5.0000000",
		},
		operations.Payment{
			Base:   operations.Base{TransactionSuccessful: true},
			Asset:  base.Asset{Type: "credit_alphanum4", Code: "USDC", Issuer: issuer},
			From:   donor,
			To:     c.Address(),
			Amount: "12.5000000",
		},
	), nil)

	err := c.Collect(context.Background(), donor, "USDC:"+issuer, 125000000, "abc")
	assert.NoError(t, err)
	client.AssertExpectations(t)
}

func TestCollectRejectsMismatch(t *testing.T) {
	c, client := newTestCustody(t)
	donor := randomAddress(t)

	client.On("Operations", mock.Anything).Return(paymentPage(
		operations.Payment{
			Base:   operations.Base{TransactionSuccessful: true},
			Asset:  base.Asset{Type: "native"},
			From:   donor,
			To:     c.Address(),
			Amount: "1.0000000",
		},
	), nil)

	err := c.Collect(context.Background(), donor, NativeToken, 20000000, "abc")
	assert.ErrorIs(t, err, custody.ErrPaymentNotFound)

	err = c.Collect(context.Background(), randomAddress(t), NativeToken, 10000000, "abc")
	assert.ErrorIs(t, err, custody.ErrPaymentNotFound)
}

func TestCollectNeedsReference(t *testing.T) {
	c, client := newTestCustody(t)
	err := c.Collect(context.Background(), randomAddress(t), NativeToken, 1, "")
	assert.ErrorIs(t, err, custody.ErrPaymentNotFound)
	client.AssertNotCalled(t, "Operations", mock.Anything)
}

func TestCollectHorizonFailure(t *testing.T) {
	c, client := newTestCustody(t)
	client.On("Operations", mock.Anything).Return(operations.OperationsPage{}, errors.New("horizon down"))

	err := c.Collect(context.Background(), randomAddress(t), NativeToken, 1, "abc")
	assert.ErrorIs(t, err, custody.ErrTransferFailed)
}

func TestDisburseSubmitsOneTransaction(t *testing.T) {
	c, client := newTestCustody(t)
	creator := randomAddress(t)
	issuer := randomAddress(t)

	client.On("AccountDetail", horizonclient.AccountRequest{AccountID: c.Address()}).
		Return(hProtocol.Account{AccountID: c.Address()}, nil)
	client.On("SubmitTransaction", mock.MatchedBy(func(tx *txnbuild.Transaction) bool {
		return len(tx.Operations()) == 2
	})).Return(hProtocol.Transaction{Hash: "deadbeef", Successful: true}, nil).Once()

	err := c.Disburse(context.Background(), creator, []ledger.TokenAmount{
		{Token: NativeToken, Amount: 10000000},
		{Token: "USDC:" + issuer, Amount: 5},
	})
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestDisburseSubmitFailure(t *testing.T) {
	c, client := newTestCustody(t)
	client.On("AccountDetail", mock.Anything).Return(hProtocol.Account{AccountID: c.Address()}, nil)
	client.On("SubmitTransaction", mock.Anything).Return(hProtocol.Transaction{}, errors.New("tx_failed"))

	err := c.Disburse(context.Background(), randomAddress(t), []ledger.TokenAmount{{Token: NativeToken, Amount: 1}})
	assert.ErrorIs(t, err, custody.ErrTransferFailed)
}

func TestDisburseRejectsBadRecipient(t *testing.T) {
	c, client := newTestCustody(t)
	err := c.Disburse(context.Background(), "nobody", []ledger.TokenAmount{{Token: NativeToken, Amount: 1}})
	assert.ErrorIs(t, err, custody.ErrRecipientRejected)
	client.AssertNotCalled(t, "AccountDetail", mock.Anything)
}
