package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/sunrise-health/emr-analytics/pkg/common/httpclient"
	"github.com/sunrise-health/emr-analytics/pkg/common/logger"
	"github.com/sunrise-health/emr-analytics/pkg/common/models"
)

// FetchError is a fatal failure reaching the record source; the run aborts
// before any output is written.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

type Config struct {
	BaseURL string

	// APIKey is sent as an x-api-key header when set.
	APIKey string

	// Client-credentials auth; used when ClientID is set.
	ClientID     string
	ClientSecret string
	TokenURL     string

	Timeout     time.Duration
	MaxAttempts int
	MaxPages    int
}

// Client fetches raw patient records from the paginated record source API.
type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1000
	}

	base := httpclient.New(cfg.Timeout)
	client := base
	if cfg.ClientID != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		client = cc.Client(ctx)
		client.Timeout = cfg.Timeout
	}

	return &Client{cfg: cfg, http: client}
}

type pageResponse struct {
	Data       []models.RawRecord `json:"data"`
	Pagination struct {
		HasNext bool `json:"hasNext"`
	} `json:"pagination"`
}

// FetchAll walks the source's pagination until hasNext is false and returns
// every raw record. Transient failures (network, 5xx, 429) are retried with
// capped backoff; anything else is a FetchError.
func (c *Client) FetchAll(ctx context.Context) ([]models.RawRecord, error) {
	var records []models.RawRecord

	for page := 1; page <= c.cfg.MaxPages; page++ {
		url := fmt.Sprintf("%s/patients?page=%d", c.cfg.BaseURL, page)

		var body pageResponse
		err := httpclient.Retry(ctx, c.cfg.MaxAttempts, 250*time.Millisecond, func() error {
			return c.fetchPage(ctx, url, &body)
		})
		if err != nil {
			return nil, &FetchError{URL: url, Err: err}
		}

		records = append(records, body.Data...)
		logger.ForStage("fetch").WithFields(map[string]interface{}{
			"page":    page,
			"records": len(body.Data),
		}).Debug("page fetched")

		if !body.Pagination.HasNext {
			return records, nil
		}
	}

	return nil, &FetchError{
		URL: c.cfg.BaseURL,
		Err: fmt.Errorf("pagination did not terminate within %d pages", c.cfg.MaxPages),
	}
}

func (c *Client) fetchPage(ctx context.Context, url string, out *pageResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("x-api-key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &httpclient.TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &httpclient.TransientError{Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("authentication rejected: status %d", resp.StatusCode)
	default:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	*out = pageResponse{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
