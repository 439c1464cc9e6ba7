// internal/pricing/price.go
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"
)

const msatsPerBTC = 100_000_000_000

// source is one public BTC-USD spot ticker. A failing source reports 0 and
// is ignored by the median.
type source struct {
	name  string
	url   string
	parse func([]byte) (float64, error)
}

// Quoter converts a clip duration into a millisat price: a fixed USD fee
// plus a per-minute USD fee, at the current median exchange rate.
type Quoter struct {
	fixedUSD    float64
	variableUSD float64
	sources     []source
	client      *http.Client
	log         *slog.Logger
}

func NewQuoter(fixedUSD, variableUSD float64, log *slog.Logger) *Quoter {
	return &Quoter{
		fixedUSD:    fixedUSD,
		variableUSD: variableUSD,
		sources:     defaultSources(),
		client:      &http.Client{Timeout: 10 * time.Second},
		log:         log,
	}
}

// NewQuoterForTest returns a quoter whose only source is the given URL,
// parsed as the Coinbase spot payload. Lets other packages' tests run
// offline with a pinned exchange rate.
func NewQuoterForTest(fixedUSD, variableUSD float64, url string, log *slog.Logger) *Quoter {
	q := NewQuoter(fixedUSD, variableUSD, log)
	src := defaultSources()[0]
	src.url = url
	q.sources = []source{src}
	return q
}

// Quote prices a job of the given duration in msats.
func (q *Quoter) Quote(ctx context.Context, durationSeconds float64) (int64, error) {
	totalUSD := q.fixedUSD + (durationSeconds/60.0)*q.variableUSD
	return q.Msats(ctx, totalUSD)
}

// RateCard converts both fee components to msats at a single spot price,
// for offering announcements.
func (q *Quoter) RateCard(ctx context.Context) (fixed, variable int64, err error) {
	price, err := q.BitcoinPrice(ctx)
	if err != nil {
		return 0, 0, err
	}
	return usdToMillisats(q.fixedUSD, price), usdToMillisats(q.variableUSD, price), nil
}

// Msats converts a USD amount at the current median spot price.
func (q *Quoter) Msats(ctx context.Context, usd float64) (int64, error) {
	price, err := q.BitcoinPrice(ctx)
	if err != nil {
		return 0, err
	}
	return usdToMillisats(usd, price), nil
}

// BitcoinPrice returns the median of the configured tickers. Individual
// sources fail silently to 0; only an all-zero result is an error.
func (q *Quoter) BitcoinPrice(ctx context.Context) (float64, error) {
	prices := make([]float64, 0, len(q.sources))
	for _, src := range q.sources {
		p := q.fetch(ctx, src)
		prices = append(prices, p)
	}
	sort.Float64s(prices)
	median := prices[len(prices)/2]
	if median <= 0 {
		return 0, fmt.Errorf("all bitcoin price sources failed")
	}
	return median, nil
}

func (q *Quoter) fetch(ctx context.Context, src source) float64 {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.url, nil)
	if err != nil {
		return 0
	}
	resp, err := q.client.Do(req)
	if err != nil {
		q.log.Debug("price source unavailable", "source", src.name, "err", err)
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		q.log.Debug("price source unavailable", "source", src.name, "status", resp.StatusCode)
		return 0
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0
	}
	price, err := src.parse(body)
	if err != nil {
		q.log.Debug("price source unparseable", "source", src.name, "err", err)
		return 0
	}
	return price
}

func usdToMillisats(usd, btcPrice float64) int64 {
	if btcPrice <= 0 {
		return 0
	}
	return int64(math.Round(usd / btcPrice * msatsPerBTC))
}

func defaultSources() []source {
	return []source{
		{
			name: "coinbase",
			url:  "https://api.coinbase.com/v2/prices/BTC-USD/spot",
			parse: func(b []byte) (float64, error) {
				var v struct {
					Data struct {
						Amount string `json:"amount"`
					} `json:"data"`
				}
				if err := json.Unmarshal(b, &v); err != nil {
					return 0, err
				}
				return strconv.ParseFloat(v.Data.Amount, 64)
			},
		},
		{
			name: "kraken",
			url:  "https://api.kraken.com/0/public/Ticker?pair=XBTUSD",
			parse: func(b []byte) (float64, error) {
				var v struct {
					Result struct {
						Pair struct {
							A []string `json:"a"`
						} `json:"XXBTZUSD"`
					} `json:"result"`
				}
				if err := json.Unmarshal(b, &v); err != nil {
					return 0, err
				}
				if len(v.Result.Pair.A) == 0 {
					return 0, fmt.Errorf("no ask price")
				}
				return strconv.ParseFloat(v.Result.Pair.A[0], 64)
			},
		},
		{
			name: "coindesk",
			url:  "https://api.coindesk.com/v1/bpi/currentprice.json",
			parse: func(b []byte) (float64, error) {
				var v struct {
					BPI struct {
						USD struct {
							RateFloat float64 `json:"rate_float"`
						} `json:"USD"`
					} `json:"bpi"`
				}
				if err := json.Unmarshal(b, &v); err != nil {
					return 0, err
				}
				return v.BPI.USD.RateFloat, nil
			},
		},
		{
			name: "gemini",
			url:  "https://api.gemini.com/v2/ticker/BTCUSD",
			parse: func(b []byte) (float64, error) {
				var v struct {
					Bid string `json:"bid"`
				}
				if err := json.Unmarshal(b, &v); err != nil {
					return 0, err
				}
				return strconv.ParseFloat(v.Bid, 64)
			},
		},
		{
			name: "coingecko",
			url:  "https://api.coingecko.com/api/v3/simple/price?ids=bitcoin&vs_currencies=usd&precision=2",
			parse: func(b []byte) (float64, error) {
				var v struct {
					Bitcoin struct {
						USD float64 `json:"usd"`
					} `json:"bitcoin"`
				}
				if err := json.Unmarshal(b, &v); err != nil {
					return 0, err
				}
				return v.Bitcoin.USD, nil
			},
		},
	}
}
