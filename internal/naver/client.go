// Package naver implements the remote search client for the Naver Open API
// news endpoint.
package naver

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

	"go.uber.org/zap"

	"github.com/twbeatles/navernews-tabsearch/internal/news"
)

// DefaultBaseURL is the production news search endpoint.
const DefaultBaseURL = "https://openapi.naver.com/v1/search/news.json"

// MaxStartIndex is the highest offset the API accepts; pages beyond it are
// not retrievable regardless of the reported total.
const MaxStartIndex = 1000

var boldTags = regexp.MustCompile(`</?b>`)

// Config controls Client behavior.
type Config struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	Timeout      time.Duration
	UserAgent    string
}

// Client calls the Naver news search API. It performs exactly one request per
// Search call; retry policy belongs to the fetch worker.
type Client struct {
	httpClient *http.Client
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		logger:     logger,
	}
}

type apiResponse struct {
	Total int       `json:"total"`
	Start int       `json:"start"`
	Items []apiItem `json:"items"`
}

type apiItem struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Link         string `json:"link"`
	OriginalLink string `json:"originallink"`
	PubDate      string `json:"pubDate"`
}

type apiError struct {
	ErrorMessage string `json:"errorMessage"`
	ErrorCode    string `json:"errorCode"`
}

// Search issues one request for a page of news, filtering out items that
// contain any of the key's exclusion words in title or description.
func (c *Client) Search(ctx context.Context, key news.FetchKey, startIndex, pageSize int) (news.SearchPage, error) {
	if startIndex < 1 {
		startIndex = 1
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL, nil)
	if err != nil {
		return news.SearchPage{}, fmt.Errorf("build search request: %w", err)
	}
	q := req.URL.Query()
	q.Set("query", key.Term)
	q.Set("display", strconv.Itoa(pageSize))
	q.Set("start", strconv.Itoa(startIndex))
	q.Set("sort", "date")
	req.URL.RawQuery = q.Encode()
	req.Header.Set("X-Naver-Client-Id", strings.TrimSpace(c.cfg.ClientID))
	req.Header.Set("X-Naver-Client-Secret", strings.TrimSpace(c.cfg.ClientSecret))
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return news.SearchPage{}, fmt.Errorf("search request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	c.logger.Debug("search response",
		zap.String("term", key.Term),
		zap.Int("start", startIndex),
		zap.Int("status", resp.StatusCode),
		zap.Duration("dur", time.Since(started)),
	)

	if resp.StatusCode == http.StatusTooManyRequests {
		return news.SearchPage{}, &news.Error{
			Code:       news.CodeRateLimited,
			StatusCode: resp.StatusCode,
			Message:    "api request quota exceeded",
		}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		// Server-side failures are transient; the fetch worker retries them.
		return news.SearchPage{}, &news.Error{
			Code:       news.CodeTimeout,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("transient server error HTTP %d", resp.StatusCode),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return news.SearchPage{}, c.rejectionError(resp)
	}

	var payload apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return news.SearchPage{}, &news.Error{
			Code:    news.CodeMalformedPayload,
			Message: "decode search response",
			Err:     err,
		}
	}

	page := news.SearchPage{Total: payload.Total}
	for _, raw := range payload.Items {
		item, excluded := cleanItem(raw, key.Exclusions)
		if excluded {
			page.Filtered++
			continue
		}
		page.Items = append(page.Items, item)
	}
	next := startIndex + pageSize
	page.HasMore = next <= payload.Total && next <= MaxStartIndex
	return page, nil
}

func (c *Client) rejectionError(resp *http.Response) error {
	var detail apiError
	message := fmt.Sprintf("HTTP %d", resp.StatusCode)
	if err := json.NewDecoder(resp.Body).Decode(&detail); err == nil && detail.ErrorMessage != "" {
		message = detail.ErrorMessage
		if detail.ErrorCode != "" {
			message = fmt.Sprintf("%s (%s)", detail.ErrorMessage, detail.ErrorCode)
		}
	}
	return &news.Error{
		Code:       news.CodeRemoteRejected,
		StatusCode: resp.StatusCode,
		Message:    message,
	}
}

// cleanItem strips the API's highlight markup, resolves the preferred link,
// and derives the publisher label the way the stored data expects.
func cleanItem(raw apiItem, exclusions []string) (news.Item, bool) {
	title := html.UnescapeString(boldTags.ReplaceAllString(raw.Title, ""))
	desc := html.UnescapeString(boldTags.ReplaceAllString(raw.Description, ""))

	for _, word := range exclusions {
		if word == "" {
			continue
		}
		lower := strings.ToLower(word)
		if strings.Contains(strings.ToLower(title), lower) || strings.Contains(strings.ToLower(desc), lower) {
			return news.Item{}, true
		}
	}

	link := preferredLink(raw.Link, raw.OriginalLink)
	item := news.Item{
		Title:       title,
		Description: desc,
		Link:        link,
		Publisher:   publisherLabel(raw.OriginalLink, link),
	}
	if ts, err := time.Parse(time.RFC1123Z, raw.PubDate); err == nil {
		item.PubDate = ts
	}
	return item, false
}

func preferredLink(naverLink, originalLink string) string {
	switch {
	case strings.Contains(naverLink, "news.naver.com"):
		return naverLink
	case strings.Contains(originalLink, "news.naver.com"):
		return originalLink
	case naverLink != "":
		return naverLink
	default:
		return originalLink
	}
}

func publisherLabel(originalLink, finalLink string) string {
	if originalLink != "" {
		if host := hostname(originalLink); host != "" {
			return host
		}
	}
	if finalLink != "" {
		if strings.Contains(finalLink, "news.naver.com") {
			return "naver-news"
		}
		if host := hostname(finalLink); host != "" {
			return host
		}
	}
	return "unknown"
}

func hostname(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return ""
	}
	return strings.TrimPrefix(parsed.Host, "www.")
}
