package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebSearch looks up a query against an HTTP search API and returns a short
// list of title/link pairs as text. This is the single capability the model
// can invoke mid-generation today.
type WebSearch struct {
	endpoint   string
	apiKey     string
	maxResults int
	client     *http.Client
}

// NewWebSearch creates the search tool against the given endpoint.
func NewWebSearch(endpoint, apiKey string, maxResults int) *WebSearch {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &WebSearch{
		endpoint:   endpoint,
		apiKey:     apiKey,
		maxResults: maxResults,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (w *WebSearch) Name() string { return "web_search" }

func (w *WebSearch) Description() string {
	return "Search the web and return a short list of result titles and links"
}

type searchArgs struct {
	Query string `json:"query"`
}

type searchResponse struct {
	Results []struct {
		Title string `json:"title"`
		Link  string `json:"link"`
	} `json:"results"`
}

// Invoke runs the search and renders results as "- title: link" lines.
func (w *WebSearch) Invoke(ctx context.Context, argsJSON string) (string, error) {
	var args searchArgs
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", fmt.Errorf("web_search: parse arguments: %w", err)
	}
	if args.Query == "" {
		return "", fmt.Errorf("web_search: query is required")
	}

	reqURL := w.endpoint + "?q=" + url.QueryEscape(args.Query)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("web_search: create request: %w", err)
	}
	if w.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("web_search: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("web_search: status %d: %s", resp.StatusCode, string(body))
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("web_search: decode response: %w", err)
	}

	if len(sr.Results) == 0 {
		return "No results found.", nil
	}

	var b strings.Builder
	for i, r := range sr.Results {
		if i == w.maxResults {
			break
		}
		fmt.Fprintf(&b, "- %s: %s\n", r.Title, r.Link)
	}
	return b.String(), nil
}
