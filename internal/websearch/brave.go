package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	braveEndpoint     = "https://api.search.brave.com/res/v1/web/search"
	braveMaxBody      = 2 << 20
	braveMaxCount     = 10
	braveDefaultCount = 5
)

// StatusError is a non-2xx answer from the search backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("web search: status %d", e.Code)
	}
	return fmt.Sprintf("web search: status %d: %s", e.Code, e.Body)
}

// webHit is one ranked web result. Rank starts at 1.
type webHit struct {
	Rank    int
	Title   string
	URL     string
	Snippet string
	Age     string
}

type braveClient struct {
	endpoint *url.URL
	apiKey   string
	http     *http.Client
}

func newBraveClient(rawEndpoint string, apiKey string, hc *http.Client) (*braveClient, error) {
	if strings.TrimSpace(rawEndpoint) == "" {
		rawEndpoint = braveEndpoint
	}
	u, err := url.Parse(rawEndpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid web search endpoint %q", rawEndpoint)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &braveClient{endpoint: u, apiKey: apiKey, http: hc}, nil
}

func clampCount(n int) int {
	switch {
	case n <= 0:
		return braveDefaultCount
	case n > braveMaxCount:
		return braveMaxCount
	default:
		return n
	}
}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
			Age         string `json:"age"`
		} `json:"results"`
	} `json:"web"`
}

func (c *braveClient) search(ctx context.Context, query string, count int) ([]webHit, error) {
	u := *c.endpoint
	params := u.Query()
	params.Set("q", query)
	params.Set("count", strconv.Itoa(clampCount(count)))
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, braveMaxBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var decoded braveResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, errors.New("web search: malformed response")
	}

	hits := make([]webHit, 0, len(decoded.Web.Results))
	for _, r := range decoded.Web.Results {
		link := strings.TrimSpace(r.URL)
		if link == "" {
			continue
		}
		title := strings.TrimSpace(r.Title)
		if title == "" {
			title = link
		}
		hits = append(hits, webHit{
			Rank:    len(hits) + 1,
			Title:   title,
			URL:     link,
			Snippet: strings.TrimSpace(r.Description),
			Age:     strings.TrimSpace(r.Age),
		})
	}
	return hits, nil
}
