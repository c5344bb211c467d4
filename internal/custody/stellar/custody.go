// Package stellar implements custody.Custody against the Stellar network.
// The escrow account signs every outbound payment; inbound deposits are
// verified against the donor's submitted transaction.
package stellar

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stellar/go/amount"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/protocols/horizon/operations"
	"github.com/stellar/go/txnbuild"
	"go.uber.org/zap"

	"pifp/escrow-backend/internal/custody"
	"pifp/escrow-backend/internal/ledger"
)

// NativeToken is the token id used for lumens
const NativeToken = "native"

// Config contains Stellar network configuration
type Config struct {
	HorizonURL      string        `json:"horizon_url"`
	Network         string        `json:"network"` // "testnet" or "public"
	EscrowSecretKey string        `json:"escrow_secret_key"`
	TxTimeout       time.Duration `json:"tx_timeout"`
	RequestTimeout  time.Duration `json:"request_timeout"`
}

// Custody holds escrowed funds in one Stellar account
type Custody struct {
	client     horizonclient.ClientInterface
	escrow     *keypair.Full
	passphrase string
	txTimeout  time.Duration
	logger     *zap.Logger
}

var _ custody.Custody = (*Custody)(nil)

// New creates a Horizon-backed custody from configuration
func New(cfg Config, logger *zap.Logger) (*Custody, error) {
	kp, err := keypair.ParseFull(cfg.EscrowSecretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow key pair: %w", err)
	}

	passphrase := network.TestNetworkPassphrase
	horizonURL := horizonclient.DefaultTestNetClient.HorizonURL
	if cfg.Network == "public" {
		passphrase = network.PublicNetworkPassphrase
		horizonURL = horizonclient.DefaultPublicNetClient.HorizonURL
	}
	if cfg.HorizonURL != "" {
		horizonURL = cfg.HorizonURL
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	client := &horizonclient.Client{
		HorizonURL: horizonURL,
		HTTP:       &http.Client{Timeout: requestTimeout},
	}

	c := NewWithClient(client, kp, passphrase, logger)
	if cfg.TxTimeout > 0 {
		c.txTimeout = cfg.TxTimeout
	}
	return c, nil
}

// NewWithClient wires an explicit Horizon client, used by tests
func NewWithClient(client horizonclient.ClientInterface, escrow *keypair.Full, passphrase string, logger *zap.Logger) *Custody {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Custody{
		client:     client,
		escrow:     escrow,
		passphrase: passphrase,
		txTimeout:  5 * time.Minute,
		logger:     logger,
	}
}

// Address is the escrow account donors pay into
func (c *Custody) Address() string { return c.escrow.Address() }

// ParseAsset converts a token id ("native" or "CODE:ISSUER") to a txnbuild asset
func ParseAsset(token string) (txnbuild.Asset, error) {
	if token == NativeToken {
		return txnbuild.NativeAsset{}, nil
	}
	code, issuer, ok := strings.Cut(token, ":")
	if !ok || code == "" || len(code) > 12 {
		return nil, fmt.Errorf("invalid asset %q: want native or CODE:ISSUER", token)
	}
	if _, err := keypair.ParseAddress(issuer); err != nil {
		return nil, fmt.Errorf("invalid issuer in asset %q: %w", token, err)
	}
	return txnbuild.CreditAsset{Code: code, Issuer: issuer}, nil
}

func tokenOf(p operations.Payment) string {
	if p.Asset.Type == "native" {
		return NativeToken
	}
	return p.Asset.Code + ":" + p.Asset.Issuer
}

// Collect checks that reference is a successful transaction paying amount of
// token from the donor into the escrow account.
func (c *Custody) Collect(ctx context.Context, from, token string, amt int64, reference string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if reference == "" {
		return fmt.Errorf("%w: stellar deposits need the payment transaction hash", custody.ErrPaymentNotFound)
	}

	page, err := c.client.Operations(horizonclient.OperationRequest{ForTransaction: reference})
	if err != nil {
		return fmt.Errorf("%w: failed to load transaction %s: %v", custody.ErrTransferFailed, reference, err)
	}

	for _, record := range page.Embedded.Records {
		p, ok := record.(operations.Payment)
		if !ok || !p.TransactionSuccessful {
			continue
		}
		if p.From != from || p.To != c.escrow.Address() || tokenOf(p) != token {
			continue
		}
		paid, err := amount.ParseInt64(p.Amount)
		if err != nil {
			c.logger.Warn("Unparseable payment amount",
				zap.String("transaction", reference),
				zap.String("amount", p.Amount))
			continue
		}
		if paid == amt {
			return nil
		}
	}
	return fmt.Errorf("%w: no payment of %s %s from %s in %s", custody.ErrPaymentNotFound, amount.StringFromInt64(amt), token, from, reference)
}

// Disburse sends every entry in a single transaction, so the network applies
// all payments or none.
func (c *Custody) Disburse(ctx context.Context, to string, amounts []ledger.TokenAmount) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(amounts) == 0 {
		return nil
	}
	if _, err := keypair.ParseAddress(to); err != nil {
		return fmt.Errorf("%w: invalid recipient %q: %v", custody.ErrRecipientRejected, to, err)
	}

	ops := make([]txnbuild.Operation, 0, len(amounts))
	for _, a := range amounts {
		if a.Amount <= 0 {
			return fmt.Errorf("%w: amount %d of %s", custody.ErrTransferFailed, a.Amount, a.Token)
		}
		asset, err := ParseAsset(a.Token)
		if err != nil {
			return fmt.Errorf("%w: %v", custody.ErrTransferFailed, err)
		}
		ops = append(ops, &txnbuild.Payment{
			Destination: to,
			Amount:      amount.StringFromInt64(a.Amount),
			Asset:       asset,
		})
	}

	account, err := c.client.AccountDetail(horizonclient.AccountRequest{AccountID: c.escrow.Address()})
	if err != nil {
		return fmt.Errorf("%w: failed to get escrow account: %v", custody.ErrTransferFailed, err)
	}

	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &account,
		IncrementSequenceNum: true,
		Operations:           ops,
		BaseFee:              txnbuild.MinBaseFee,
		Preconditions: txnbuild.Preconditions{
			TimeBounds: txnbuild.NewTimeout(int64(c.txTimeout / time.Second)),
		},
	})
	if err != nil {
		return fmt.Errorf("%w: failed to build transaction: %v", custody.ErrTransferFailed, err)
	}
	tx, err = tx.Sign(c.passphrase, c.escrow)
	if err != nil {
		return fmt.Errorf("%w: failed to sign transaction: %v", custody.ErrTransferFailed, err)
	}

	resp, err := c.client.SubmitTransaction(tx)
	if err != nil {
		fields := []zap.Field{zap.String("recipient", to), zap.Error(err)}
		if hErr := horizonclient.GetError(err); hErr != nil {
			if codes, cerr := hErr.ResultCodes(); cerr == nil && codes != nil {
				fields = append(fields,
					zap.String("tx_code", codes.TransactionCode),
					zap.Strings("op_codes", codes.OperationCodes))
			}
		}
		c.logger.Error("Disbursement rejected", fields...)
		return fmt.Errorf("%w: failed to submit transaction: %v", custody.ErrTransferFailed, err)
	}
	if !resp.Successful {
		return fmt.Errorf("%w: transaction %s failed", custody.ErrTransferFailed, resp.Hash)
	}

	c.logger.Info("Disbursed escrow funds",
		zap.String("recipient", to),
		zap.String("transaction", resp.Hash),
		zap.Int("payments", len(ops)))
	return nil
}
