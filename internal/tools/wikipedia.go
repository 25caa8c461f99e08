package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultWikipediaURL is the English Wikipedia action API.
const DefaultWikipediaURL = "https://en.wikipedia.org/w/api.php"

// Builtins maps builtin tool names to their factories.
var Builtins = map[string]func(w *Wikipedia) Tool{
	"search": func(w *Wikipedia) Tool { return w.SearchTool(3) },
	"lookup": func(w *Wikipedia) Tool { return w.LookupTool(3) },
}

var markup = regexp.MustCompile(`<[^>]*>`)

// Wikipedia is a small client for the MediaWiki action API.
type Wikipedia struct {
	endpoint   string
	httpClient *http.Client
}

// WikipediaOption configures a Wikipedia client.
type WikipediaOption func(*Wikipedia)

func WithWikipediaHTTPClient(hc *http.Client) WikipediaOption {
	return func(w *Wikipedia) { w.httpClient = hc }
}

func NewWikipedia(endpoint string, opts ...WikipediaOption) *Wikipedia {
	if endpoint == "" {
		endpoint = DefaultWikipediaURL
	}
	w := &Wikipedia{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SearchResult is one hit from a full-text search.
type SearchResult struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Search returns up to limit articles matching query.
func (w *Wikipedia) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	params := url.Values{
		"action":   {"query"},
		"list":     {"search"},
		"srsearch": {query},
		"srlimit":  {strconv.Itoa(limit)},
		"format":   {"json"},
	}
	var resp struct {
		Query struct {
			Search []SearchResult `json:"search"`
		} `json:"query"`
	}
	if err := w.get(ctx, params, &resp); err != nil {
		return nil, err
	}
	out := resp.Query.Search
	for i := range out {
		out[i].Snippet = html.UnescapeString(markup.ReplaceAllString(out[i].Snippet, ""))
	}
	return out, nil
}

// Summary returns the first sentences of an article's plain-text intro.
func (w *Wikipedia) Summary(ctx context.Context, title string, sentences int) (string, error) {
	params := url.Values{
		"action":      {"query"},
		"prop":        {"extracts"},
		"exintro":     {"1"},
		"explaintext": {"1"},
		"exsentences": {strconv.Itoa(sentences)},
		"redirects":   {"1"},
		"titles":      {title},
		"format":      {"json"},
	}
	var resp struct {
		Query struct {
			Pages map[string]struct {
				Title   string  `json:"title"`
				Extract string  `json:"extract"`
				Missing *string `json:"missing"`
			} `json:"pages"`
		} `json:"query"`
	}
	if err := w.get(ctx, params, &resp); err != nil {
		return "", err
	}
	for _, p := range resp.Query.Pages {
		if p.Missing != nil {
			continue
		}
		return strings.TrimSpace(p.Extract), nil
	}
	return "", fmt.Errorf("no article titled %q", title)
}

// Describe returns a short description of a named person or thing: the
// intro of the article with that exact title, else of the best search hit.
func (w *Wikipedia) Describe(ctx context.Context, name string) (string, error) {
	if summary, err := w.Summary(ctx, name, 3); err == nil && summary != "" {
		return summary, nil
	}
	hits, err := w.Search(ctx, name, 1)
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "", fmt.Errorf("nothing found for %q", name)
	}
	return w.Summary(ctx, hits[0].Title, 3)
}

func (w *Wikipedia) get(ctx context.Context, params url.Values, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "chat-runner/1.0")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wikipedia returned %d: %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// SearchTool lists the top matching articles with their snippets.
func (w *Wikipedia) SearchTool(limit int) Tool {
	return FuncWithOutput("search", "Search the internet", func(ctx context.Context, input string) (*Output, error) {
		hits, err := w.Search(ctx, input, limit)
		if err != nil {
			return nil, err
		}
		titles := make([]string, len(hits))
		lines := make([]string, len(hits))
		for i, h := range hits {
			titles[i] = h.Title
			lines[i] = h.Title + ": " + h.Snippet
		}
		return &Output{
			Context:  strings.Join(lines, "\n"),
			Metadata: map[string]any{"titles": titles},
		}, nil
	})
}

// LookupTool summarises the best matching article.
func (w *Wikipedia) LookupTool(sentences int) Tool {
	return FuncWithOutput("lookup", "Lookup more information about a topic", func(ctx context.Context, input string) (*Output, error) {
		hits, err := w.Search(ctx, input, 1)
		if err != nil {
			return nil, err
		}
		if len(hits) == 0 {
			return &Output{Metadata: map[string]any{"title": nil}}, nil
		}
		title := hits[0].Title
		summary, err := w.Summary(ctx, title, sentences)
		if err != nil {
			return nil, err
		}
		return &Output{
			Context: summary,
			Metadata: map[string]any{
				"title": title,
				"url":   "https://en.wikipedia.org/wiki/" + url.PathEscape(strings.ReplaceAll(title, " ", "_")),
			},
		}, nil
	})
}
