package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"stablecore/native/stable"
	"stablecore/services/stabled/config"
	"stablecore/services/stabled/oracle"
)

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// priceShift is the power of ten carried by price sources on top of the base
// asset precision, so 11.1439 for a 24 decimal asset quotes as 111439 @ 28.
const priceShift = 4

// Registry constructs oracle sources based on configuration.
type Registry struct {
	HTTPClient HTTPDoer
}

// NewRegistry builds a registry whose sources use their configured timeouts.
func NewRegistry() *Registry {
	return &Registry{}
}

// Build creates a source from the supplied configuration.
//
//	oracle: GET {endpoint}/v1/prices/{asset} returning a multiplier report
//	price:  GET {endpoint}?asset={asset} returning a decimal price
//	static: a fixed multiplier, observed at every fetch
func (r *Registry) Build(src config.Source) (oracle.Source, error) {
	name := strings.TrimSpace(src.Name)
	switch typ := strings.ToLower(strings.TrimSpace(src.Type)); typ {
	case "oracle", "http":
		if strings.TrimSpace(src.Endpoint) == "" {
			return nil, fmt.Errorf("source %s: endpoint required", label(name, typ))
		}
		return &oracleSource{name: label(name, "oracle"), client: r.client(src.Timeout.Duration), endpoint: strings.TrimRight(strings.TrimSpace(src.Endpoint), "/"), apiKey: strings.TrimSpace(src.APIKey)}, nil
	case "price":
		if strings.TrimSpace(src.Endpoint) == "" {
			return nil, fmt.Errorf("source %s: endpoint required", label(name, typ))
		}
		return &priceSource{name: label(name, "price"), client: r.client(src.Timeout.Duration), endpoint: strings.TrimSpace(src.Endpoint), apiKey: strings.TrimSpace(src.APIKey), assetDecimals: src.Decimals}, nil
	case "static":
		multiplier, ok := new(big.Int).SetString(strings.TrimSpace(src.Multiplier), 10)
		if !ok || multiplier.Sign() <= 0 {
			return nil, fmt.Errorf("source %s: invalid multiplier %q", label(name, typ), src.Multiplier)
		}
		return &staticSource{name: label(name, "static"), multiplier: multiplier, decimals: src.Decimals, clock: time.Now}, nil
	default:
		return nil, fmt.Errorf("unknown oracle type %q", src.Type)
	}
}

// BuildAll creates every configured source.
func (r *Registry) BuildAll(sources []config.Source) ([]oracle.Source, error) {
	out := make([]oracle.Source, 0, len(sources))
	for _, src := range sources {
		built, err := r.Build(src)
		if err != nil {
			return nil, err
		}
		out = append(out, built)
	}
	return out, nil
}

func (r *Registry) client(timeout time.Duration) HTTPDoer {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

type oracleSource struct {
	name     string
	client   HTTPDoer
	endpoint string
	apiKey   string
}

func (s *oracleSource) Name() string { return s.name }

func (s *oracleSource) Fetch(ctx context.Context, assetID string) (stable.PriceData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"/v1/prices/"+url.PathEscape(assetID), nil)
	if err != nil {
		return stable.PriceData{}, err
	}
	var payload struct {
		AssetID    string `json:"asset_id"`
		Multiplier string `json:"multiplier"`
		Decimals   uint8  `json:"decimals"`
		Timestamp  int64  `json:"timestamp"`
	}
	if err := getJSON(s.client, req, s.apiKey, &payload); err != nil {
		return stable.PriceData{}, fmt.Errorf("%s oracle: %w", s.name, err)
	}
	multiplier, ok := new(big.Int).SetString(strings.TrimSpace(payload.Multiplier), 10)
	if !ok {
		return stable.PriceData{}, fmt.Errorf("%s oracle: invalid multiplier %q", s.name, payload.Multiplier)
	}
	return stable.PriceData{
		AssetID:    assetID,
		Multiplier: multiplier,
		Decimals:   payload.Decimals,
		ObservedAt: time.Unix(payload.Timestamp, 0),
	}, nil
}

type priceSource struct {
	name          string
	client        HTTPDoer
	endpoint      string
	apiKey        string
	assetDecimals uint8
}

func (s *priceSource) Name() string { return s.name }

func (s *priceSource) Fetch(ctx context.Context, assetID string) (stable.PriceData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return stable.PriceData{}, err
	}
	values := url.Values{}
	values.Set("asset", assetID)
	req.URL.RawQuery = values.Encode()
	var payload struct {
		Price     string `json:"price"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := getJSON(s.client, req, s.apiKey, &payload); err != nil {
		return stable.PriceData{}, fmt.Errorf("%s price: %w", s.name, err)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(payload.Price))
	if err != nil || !price.IsPositive() {
		return stable.PriceData{}, fmt.Errorf("%s price: invalid price %q", s.name, payload.Price)
	}
	return stable.PriceData{
		AssetID:    assetID,
		Multiplier: price.Shift(priceShift).Truncate(0).BigInt(),
		Decimals:   s.assetDecimals + priceShift,
		ObservedAt: time.Unix(payload.Timestamp, 0),
	}, nil
}

type staticSource struct {
	name       string
	multiplier *big.Int
	decimals   uint8
	clock      func() time.Time
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Fetch(_ context.Context, assetID string) (stable.PriceData, error) {
	return stable.PriceData{
		AssetID:    assetID,
		Multiplier: new(big.Int).Set(s.multiplier),
		Decimals:   s.decimals,
		ObservedAt: s.clock(),
	}, nil
}

func getJSON(client HTTPDoer, req *http.Request, apiKey string, out any) error {
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func label(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return fallback
}
