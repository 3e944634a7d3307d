// Package youtube resolves playlists, channels and video metadata through
// the YouTube Data API v3. Every request waits on the shared token bucket
// and is charged against the shared quota tracker before it is sent.
package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/cwygoda/ytfetch/internal/domain"
	"github.com/cwygoda/ytfetch/internal/logger"
	"github.com/cwygoda/ytfetch/internal/ratelimit"
)

const (
	DefaultBaseURL = "https://www.googleapis.com/youtube/v3"
	DefaultTimeout = 30 * time.Second
	DefaultRetries = 3

	pageSize = 50
)

// ErrNotFound is returned when a playlist or channel does not exist.
var ErrNotFound = errors.New("youtube resource not found")

// Config holds API client settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Retries int
	// RetryWaitMin and RetryWaitMax bound the wait between retries of 5xx and 429 responses.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// Client implements domain.Catalog.
type Client struct {
	http    *retryablehttp.Client
	baseURL string
	apiKey  string
	limiter *ratelimit.TokenBucket
	quota   *ratelimit.QuotaTracker
	log     logger.Logger
}

// New builds a Client. limiter and quota are shared by every caller in the
// process. log may be nil.
func New(cfg Config, limiter *ratelimit.TokenBucket, quota *ratelimit.QuotaTracker, log logger.Logger) *Client {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = DefaultRetries
	}

	hc := retryablehttp.NewClient()
	hc.HTTPClient.Timeout = cfg.Timeout
	hc.Logger = nil
	hc.RetryMax = cfg.Retries
	if cfg.RetryWaitMin > 0 {
		hc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		hc.RetryWaitMax = cfg.RetryWaitMax
	}
	// Return the last response instead of a generic error once retries run out.
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		http:    hc,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		limiter: limiter,
		quota:   quota,
		log:     log,
	}
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

func (c *Client) get(ctx context.Context, resource string, params url.Values, cost int, out any) error {
	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := c.quota.Consume(ctx, cost); err != nil {
		return err
	}

	params.Set("key", c.apiKey)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+resource+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("youtube %s: %w", resource, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("youtube %s: read body: %w", resource, err)
	}

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resource, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("youtube %s: decode: %w", resource, err)
	}
	return nil
}

func (c *Client) statusError(resource string, status int, body []byte) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)

	for _, e := range ae.Error.Errors {
		if e.Reason == "quotaExceeded" || e.Reason == "dailyLimitExceeded" {
			c.log.Warn("youtube api reported quota exhausted", logger.String("resource", resource))
			return &ratelimit.QuotaExceededError{
				Used:    c.quota.Used(),
				Limit:   c.quota.Limit(),
				ResetAt: c.quota.ResetAt(),
			}
		}
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("youtube %s: %w", resource, ErrNotFound)
	}
	msg := ae.Error.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	return fmt.Errorf("youtube %s: status %d: %s", resource, status, msg)
}

type playlistItemsResponse struct {
	NextPageToken string `json:"nextPageToken"`
	Items         []struct {
		ContentDetails struct {
			VideoID string `json:"videoId"`
		} `json:"contentDetails"`
	} `json:"items"`
}

// PlaylistItems returns the video ids of a playlist in playlist order.
func (c *Client) PlaylistItems(ctx context.Context, playlistID string) ([]string, error) {
	ids := []string{}
	token := ""
	for {
		params := url.Values{
			"part":       {"contentDetails"},
			"playlistId": {playlistID},
			"maxResults": {strconv.Itoa(pageSize)},
		}
		if token != "" {
			params.Set("pageToken", token)
		}

		var page playlistItemsResponse
		if err := c.get(ctx, "playlistItems", params, ratelimit.CostPlaylistItemsPage, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			if id := item.ContentDetails.VideoID; id != "" {
				ids = append(ids, id)
			}
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}

	c.log.Debug("expanded playlist", logger.String("playlist_id", playlistID), logger.Int("items", len(ids)))
	return ids, nil
}

type channelsResponse struct {
	Items []struct {
		ContentDetails struct {
			RelatedPlaylists struct {
				Uploads string `json:"uploads"`
			} `json:"relatedPlaylists"`
		} `json:"contentDetails"`
	} `json:"items"`
}

// ChannelUploads returns the uploads playlist id of a channel given its
// UC... id or @handle.
func (c *Client) ChannelUploads(ctx context.Context, channel string) (string, error) {
	params := url.Values{"part": {"contentDetails"}}
	if strings.HasPrefix(channel, "@") {
		params.Set("forHandle", channel)
	} else {
		params.Set("id", channel)
	}

	var resp channelsResponse
	if err := c.get(ctx, "channels", params, ratelimit.CostChannelsList, &resp); err != nil {
		return "", err
	}
	if len(resp.Items) == 0 || resp.Items[0].ContentDetails.RelatedPlaylists.Uploads == "" {
		return "", fmt.Errorf("channel %s: %w", channel, ErrNotFound)
	}
	return resp.Items[0].ContentDetails.RelatedPlaylists.Uploads, nil
}

type videosResponse struct {
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			Title        string `json:"title"`
			ChannelID    string `json:"channelId"`
			ChannelTitle string `json:"channelTitle"`
			PublishedAt  string `json:"publishedAt"`
		} `json:"snippet"`
		ContentDetails struct {
			Duration string `json:"duration"`
		} `json:"contentDetails"`
	} `json:"items"`
}

// VideoMetadata fetches metadata for ids in batches of 50. Unknown or
// private ids are absent from the result.
func (c *Client) VideoMetadata(ctx context.Context, ids []string) ([]domain.ContentRecord, error) {
	records := make([]domain.ContentRecord, 0, len(ids))
	for start := 0; start < len(ids); start += pageSize {
		end := min(start+pageSize, len(ids))

		params := url.Values{
			"part": {"snippet,contentDetails"},
			"id":   {strings.Join(ids[start:end], ",")},
		}
		var resp videosResponse
		if err := c.get(ctx, "videos", params, ratelimit.CostVideosList, &resp); err != nil {
			return nil, err
		}

		for _, item := range resp.Items {
			rec := domain.ContentRecord{
				ID:              item.ID,
				Title:           item.Snippet.Title,
				ChannelID:       item.Snippet.ChannelID,
				ChannelName:     item.Snippet.ChannelTitle,
				DurationSeconds: ParseDuration(item.ContentDetails.Duration),
			}
			if t, err := time.Parse(time.RFC3339, item.Snippet.PublishedAt); err == nil {
				rec.PublishedAt = &t
			}
			records = append(records, rec)
		}
	}
	return records, nil
}

var isoDuration = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// ParseDuration converts an ISO 8601 duration such as PT1H2M3S to seconds.
// Unparseable input yields 0.
func ParseDuration(s string) int {
	m := isoDuration.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	total := 0
	for i, unit := range []int{86400, 3600, 60, 1} {
		if m[i+1] == "" {
			continue
		}
		n, _ := strconv.Atoi(m[i+1])
		total += n * unit
	}
	return total
}
