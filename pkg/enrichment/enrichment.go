// Package enrichment is the C7 lookup client: given a business
// identifier and an optional type code, it augments a typed event row
// with catalogue ids (container_number / id_trailer / id_vehicle) from
// an external HTTP catalogue.
package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tfp-event-fabric/fabric/pkg/cache"
	"github.com/tfp-event-fabric/fabric/pkg/concurrency"
	"github.com/tfp-event-fabric/fabric/pkg/httpclient"
	"github.com/tfp-event-fabric/fabric/pkg/logger"
)

// Config configures the enrichment HTTP API.
type Config struct {
	BaseURL string `env:"ENRICHMENT_BASE_URL" validate:"required"`
	APIKey  string `env:"ENRICHMENT_API_KEY" validate:"required"`
}

// Result carries whichever catalogue ids the lookup resolved. All
// fields are optional: a failed or empty lookup returns a zero Result,
// never an error.
type Result struct {
	ContainerNumber string
	IDTrailer       string
	IDVehicle       string
}

// Client is the C7 contract.
type Client interface {
	Lookup(ctx context.Context, identifier, typeCode string) Result
}

type client struct {
	cfg Config
	http *httpclient.Client
}

func New(cfg Config, httpCfg httpclient.Config) Client {
	return &client{cfg: cfg, http: httpclient.New("enrichment", httpCfg)}
}

const (
	typeCodeContainer = "CONTAINER"
	unitTypeContainer = "c"
	unitTypeTrailer   = "t"
	unitTypeVehicle   = "v"
)

// Lookup implements the C7 decision tree. Every failure mode (network
// error, non-2xx, malformed body) downgrades to an empty Result; the
// caller's save must still succeed.
func (c *client) Lookup(ctx context.Context, identifier, typeCode string) Result {
	if strings.EqualFold(typeCode, typeCodeContainer) {
		q := normalizeContainerIdentifier(identifier)
		units, err := c.searchUnits(ctx, q, false)
		if err != nil {
			logger.L().WarnContext(ctx, "enrichment container search failed", "identifier", identifier, "error", err)
			return Result{}
		}
		if len(units) == 0 || units[0].UnitType != unitTypeContainer {
			return Result{}
		}
		return Result{ContainerNumber: units[0].Cassa}
	}

	units, err := c.searchUnits(ctx, identifier, true)
	if err != nil {
		logger.L().WarnContext(ctx, "enrichment unit search failed", "identifier", identifier, "error", err)
		return Result{}
	}
	if len(units) > 0 {
		switch units[0].UnitType {
		case unitTypeTrailer:
			return Result{IDTrailer: units[0].ID.String()}
		case unitTypeVehicle:
			return Result{IDVehicle: units[0].ID.String()}
		}
	}

	idVehicle, err := c.lookupByPlate(ctx, identifier)
	if err != nil {
		logger.L().WarnContext(ctx, "enrichment by-plate lookup failed", "identifier", identifier, "error", err)
		return Result{}
	}
	if idVehicle == "" {
		return Result{}
	}
	return Result{IDVehicle: idVehicle}
}

// cachingClient memoizes Lookup results so repeated catalogue ids
// within the cache TTL skip the HTTP round trip. Wraps any Client,
// typically over cache/adapters/redis so the memoization is shared
// across every orchestrator instance.
type cachingClient struct {
	next Client
	c    cache.Cache
	ttl  time.Duration
}

// WithCache wraps client with a cache-backed lookup memoizer.
func WithCache(client Client, c cache.Cache, ttl time.Duration) Client {
	return &cachingClient{next: client, c: c, ttl: ttl}
}

func (w *cachingClient) Lookup(ctx context.Context, identifier, typeCode string) Result {
	key := "enrichment:" + typeCode + ":" + identifier
	var cached Result
	if err := w.c.Get(ctx, key, &cached); err == nil {
		return cached
	}

	result := w.next.Lookup(ctx, identifier, typeCode)
	if err := w.c.Set(ctx, key, result, w.ttl); err != nil {
		logger.L().WarnContext(ctx, "enrichment cache write failed", "key", key, "error", err)
	}
	return result
}

// boundedClient caps how many Lookup calls run concurrently, independent
// of how many processor consumer loops call into the same Client.
type boundedClient struct {
	next Client
	sem  *concurrency.Semaphore
}

// WithConcurrencyLimit wraps client so at most limit Lookup calls are in
// flight at once.
func WithConcurrencyLimit(client Client, limit int64) Client {
	return &boundedClient{next: client, sem: concurrency.NewSemaphore(limit)}
}

func (w *boundedClient) Lookup(ctx context.Context, identifier, typeCode string) Result {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		logger.L().WarnContext(ctx, "enrichment concurrency limiter cancelled", "identifier", identifier, "error", err)
		return Result{}
	}
	defer w.sem.Release(1)
	return w.next.Lookup(ctx, identifier, typeCode)
}

type unitResult struct {
	ID       json.Number `json:"id"`
	UnitType string      `json:"unitType"`
	Cassa    string      `json:"cassa"`
}

func (c *client) searchUnits(ctx context.Context, q string, includeVehicles bool) ([]unitResult, error) {
	vals := url.Values{}
	vals.Set("q", q)
	vals.Set("limit", "1")
	if includeVehicles {
		vals.Set("includeVehicles", "true")
	}

	endpoint := fmt.Sprintf("%s/api/units/search?%s", c.cfg.BaseURL, vals.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unit search returned status %d", resp.StatusCode)
	}

	var units []unitResult
	if err := json.NewDecoder(resp.Body).Decode(&units); err != nil {
		return nil, err
	}
	return units, nil
}

type byPlateResponse struct {
	Status string `json:"status"`
	Data   struct {
		IDVehicle json.Number `json:"id_vehicle"`
	} `json:"data"`
}

func (c *client) lookupByPlate(ctx context.Context, plate string) (string, error) {
	endpoint := fmt.Sprintf("%s/api/vehicles/by-plate/%s", c.cfg.BaseURL, url.PathEscape(plate))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-API-Key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil
	}

	var body byPlateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.Status != "success" {
		return "", nil
	}
	return body.Data.IDVehicle.String(), nil
}

// normalizeContainerIdentifier applies the exact, ordered GBTU/BRND
// rewrite rules before a container search.
func normalizeContainerIdentifier(identifier string) string {
	if rest, ok := stripPrefixDigits(identifier, "GBTU", 2); ok {
		body := strings.TrimLeft(rest, "0")
		if len(body) < 2 {
			body = rightPad(rest, 2)
		}
		return "GBTU*" + body[:len(body)-1] + "." + body[len(body)-1:]
	}

	if rest, ok := stripPrefixDigits(identifier, "BRND", 1); ok {
		body := strings.TrimLeft(rest, "0")
		if body == "" {
			return "BRND*0"
		}
		return "BRND*" + body
	}

	return identifier
}

func stripPrefixDigits(identifier, prefix string, minDigits int) (string, bool) {
	if !strings.HasPrefix(identifier, prefix) {
		return "", false
	}
	rest := identifier[len(prefix):]
	if len(rest) < minDigits {
		return "", false
	}
	if _, err := strconv.Atoi(rest); err != nil {
		return "", false
	}
	return rest, true
}

// rightPad keeps the last n digits, padding on the left with zeros if
// the stripped body is shorter than n (mirrors "keep last two if fewer
// remain").
func rightPad(rest string, n int) string {
	trimmed := strings.TrimLeft(rest, "0")
	if len(trimmed) >= n {
		return trimmed
	}
	if len(rest) >= n {
		return rest[len(rest)-n:]
	}
	return rest
}
