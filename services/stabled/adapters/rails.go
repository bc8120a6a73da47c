package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"stablecore/native/stable"
	"stablecore/services/stabled/config"
)

// ErrTransferRejected is returned by Confirm when the rail reports the
// transfer as failed.
var ErrTransferRejected = errors.New("transfer rejected by payment rail")

type restClient struct {
	client   HTTPDoer
	endpoint string
	apiKey   string
}

func newRESTClient(client HTTPDoer, cfg config.EndpointConfig) restClient {
	if client == nil {
		timeout := cfg.Timeout.Duration
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return restClient{client: client, endpoint: strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"), apiKey: strings.TrimSpace(cfg.APIKey)}
}

func (c restClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return getJSON(c.client, req, c.apiKey, out)
}

// ErrPaymentInvalid is returned by Collect when a payment exists but cannot
// back a buy.
var ErrPaymentInvalid = errors.New("payment does not pay the treasury")

// PaymentRail moves the base asset in and out of the treasury. It implements
// stable.BaseTransfer and stable.PaymentCollector against a REST payment
// service.
type PaymentRail struct {
	rest     restClient
	treasury string
	poll     time.Duration
	confirm  time.Duration
}

var (
	_ stable.BaseTransfer     = (*PaymentRail)(nil)
	_ stable.PaymentCollector = (*PaymentRail)(nil)
)

// NewPaymentRail constructs the payment rail client for treasury. A nil client
// builds one with the configured timeout.
func NewPaymentRail(client HTTPDoer, cfg config.EndpointConfig, treasury string) *PaymentRail {
	poll := cfg.PollInterval.Duration
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	confirm := cfg.ConfirmTimeout.Duration
	if confirm <= 0 {
		confirm = stable.DefaultConfirmTimeout
	}
	return &PaymentRail{
		rest:     newRESTClient(client, cfg),
		treasury: strings.TrimSpace(treasury),
		poll:     poll,
		confirm:  confirm,
	}
}

type transferStatus struct {
	Status string `json:"status"`
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Error  string `json:"error"`
}

func (p *PaymentRail) status(ctx context.Context, ref string) (transferStatus, error) {
	var out transferStatus
	path := "/v1/transfers/" + url.PathEscape(strings.TrimSpace(ref))
	if err := p.rest.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return out, fmt.Errorf("payment rail: status %s: %w", ref, err)
	}
	out.Status = strings.ToLower(strings.TrimSpace(out.Status))
	return out, nil
}

// Collect verifies that ref is a settled payment from sender to the treasury
// and returns its amount.
func (p *PaymentRail) Collect(ctx context.Context, from, ref string) (*big.Int, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrPaymentInvalid)
	}
	out, err := p.status(ctx, ref)
	if err != nil {
		return nil, err
	}
	switch {
	case out.Status != "confirmed" && out.Status != "settled":
		return nil, fmt.Errorf("%w: %s is %q", ErrPaymentInvalid, ref, out.Status)
	case strings.TrimSpace(out.From) != strings.TrimSpace(from):
		return nil, fmt.Errorf("%w: %s was sent by %q", ErrPaymentInvalid, ref, out.From)
	case strings.TrimSpace(out.To) != p.treasury:
		return nil, fmt.Errorf("%w: %s was sent to %q", ErrPaymentInvalid, ref, out.To)
	}
	amount, err := parseAmount("amount", out.Amount)
	if err != nil {
		return nil, err
	}
	if amount.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s carries no amount", ErrPaymentInvalid, ref)
	}
	return amount, nil
}

// Transfer submits a payment and returns its reference.
func (p *PaymentRail) Transfer(ctx context.Context, to string, amount *big.Int) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", stable.ErrZeroInput
	}
	var out struct {
		ID string `json:"id"`
	}
	in := map[string]string{"to": strings.TrimSpace(to), "amount": amount.String()}
	if err := p.rest.do(ctx, http.MethodPost, "/v1/transfers", in, &out); err != nil {
		return "", fmt.Errorf("payment rail: submit: %w", err)
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", fmt.Errorf("payment rail: empty transfer id")
	}
	return out.ID, nil
}

// Confirm polls the transfer until the rail reports a final status, the
// confirm timeout elapses or ctx is done.
func (p *PaymentRail) Confirm(ctx context.Context, ref string) error {
	ctx, cancel := context.WithTimeout(ctx, p.confirm)
	defer cancel()
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	for {
		out, err := p.status(ctx, ref)
		if err != nil {
			return err
		}
		switch out.Status {
		case "confirmed", "settled":
			return nil
		case "failed", "rejected":
			return fmt.Errorf("%w: %s: %s", ErrTransferRejected, ref, strings.TrimSpace(out.Error))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// AssetLedgerClient transfers the second asset held by the treasury. It
// implements stable.AssetLedger.
type AssetLedgerClient struct {
	rest restClient
}

var _ stable.AssetLedger = (*AssetLedgerClient)(nil)

// NewAssetLedger constructs the asset ledger client.
func NewAssetLedger(client HTTPDoer, cfg config.EndpointConfig) *AssetLedgerClient {
	return &AssetLedgerClient{rest: newRESTClient(client, cfg)}
}

// TransferCall sends amount to the receiver and returns what it accepted.
func (a *AssetLedgerClient) TransferCall(ctx context.Context, to string, amount *big.Int, msg string) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, stable.ErrZeroInput
	}
	var out struct {
		Accepted string `json:"accepted"`
	}
	in := map[string]string{"to": strings.TrimSpace(to), "amount": amount.String(), "msg": msg}
	if err := a.rest.do(ctx, http.MethodPost, "/v1/transfer_call", in, &out); err != nil {
		return nil, fmt.Errorf("asset ledger: transfer_call: %w", err)
	}
	return parseAmount("accepted", out.Accepted)
}

// PoolClient talks to the stable pool. It implements stable.LiquidityPool and,
// registered on the stable ledger for the pool account, the transfer receiver
// that credits the pool deposit.
type PoolClient struct {
	rest restClient
}

var (
	_ stable.LiquidityPool    = (*PoolClient)(nil)
	_ stable.TransferReceiver = (*PoolClient)(nil)
)

// NewPoolClient constructs the pool client.
func NewPoolClient(client HTTPDoer, cfg config.EndpointConfig) *PoolClient {
	return &PoolClient{rest: newRESTClient(client, cfg)}
}

// Deposits returns the per-token deposits held by account.
func (p *PoolClient) Deposits(ctx context.Context, account string) (map[string]*big.Int, error) {
	var out map[string]string
	if err := p.rest.do(ctx, http.MethodGet, "/v1/deposits/"+url.PathEscape(strings.TrimSpace(account)), nil, &out); err != nil {
		return nil, fmt.Errorf("pool: deposits: %w", err)
	}
	deposits := make(map[string]*big.Int, len(out))
	for token, raw := range out {
		amount, err := parseAmount(token, raw)
		if err != nil {
			return nil, err
		}
		deposits[strings.TrimSpace(token)] = amount
	}
	return deposits, nil
}

// Pool returns the composition of pool poolID.
func (p *PoolClient) Pool(ctx context.Context, poolID uint64) (stable.PoolInfo, error) {
	var out struct {
		Tokens            []string `json:"token_account_ids"`
		Decimals          []uint8  `json:"decimals"`
		Amounts           []string `json:"amounts"`
		SharesTotalSupply string   `json:"shares_total_supply"`
	}
	if err := p.rest.do(ctx, http.MethodGet, "/v1/pools/"+strconv.FormatUint(poolID, 10), nil, &out); err != nil {
		return stable.PoolInfo{}, fmt.Errorf("pool: info: %w", err)
	}
	info := stable.PoolInfo{Tokens: out.Tokens, Decimals: out.Decimals, Amounts: make([]*big.Int, len(out.Amounts))}
	for i, raw := range out.Amounts {
		amount, err := parseAmount("amount", raw)
		if err != nil {
			return stable.PoolInfo{}, err
		}
		info.Amounts[i] = amount
	}
	shares, err := parseAmount("shares_total_supply", out.SharesTotalSupply)
	if err != nil {
		return stable.PoolInfo{}, err
	}
	info.SharesTotalSupply = shares
	return info, nil
}

// AddLiquidity adds amounts, ordered as the pool's tokens, and returns the
// minted shares.
func (p *PoolClient) AddLiquidity(ctx context.Context, poolID uint64, amounts []*big.Int, minShares *big.Int) (*big.Int, error) {
	encoded := make([]string, len(amounts))
	for i, amount := range amounts {
		encoded[i] = amountString(amount)
	}
	in := map[string]any{"amounts": encoded, "min_shares": amountString(minShares)}
	var out struct {
		Shares string `json:"shares"`
	}
	if err := p.rest.do(ctx, http.MethodPost, "/v1/pools/"+strconv.FormatUint(poolID, 10)+"/liquidity", in, &out); err != nil {
		return nil, fmt.Errorf("pool: add liquidity: %w", err)
	}
	return parseAmount("shares", out.Shares)
}

// OnTransfer forwards a stable token transfer to the pool and returns the
// amount it did not take.
func (p *PoolClient) OnTransfer(ctx context.Context, token, sender string, amount *big.Int, msg string) (*big.Int, error) {
	in := map[string]string{"token": token, "sender": sender, "amount": amountString(amount), "msg": msg}
	var out struct {
		Unused string `json:"unused"`
	}
	if err := p.rest.do(ctx, http.MethodPost, "/v1/on_transfer", in, &out); err != nil {
		return nil, fmt.Errorf("pool: on_transfer: %w", err)
	}
	return parseAmount("unused", out.Unused)
}

func parseAmount(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(big.Int), nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid %s amount %q", field, raw)
	}
	return value, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
