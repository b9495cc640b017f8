package news

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// NoRecentNews is the placeholder injected into advisor prompts when no
// headlines are available. The advisor is told explicitly rather than left
// to guess why the section is empty.
const NoRecentNews = "No recent news available."

// Item is one news headline with source attribution
type Item struct {
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
}

// Service fetches symbol-scoped crypto headlines with a long-lived Redis
// cache. Headlines move slowly relative to scan cycles, so a stale cache
// beats an API call per escalation.
type Service struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	redis      *redis.Client
	cacheTTL   time.Duration
}

// Config contains news source settings
type Config struct {
	Endpoint string
	APIKey   string
	CacheTTL time.Duration
	Timeout  time.Duration
}

// NewService creates a news service. A nil Redis client disables caching.
func NewService(cfg Config, redisClient *redis.Client) *Service {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 4 * time.Hour
	}

	return &Service{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		redis:      redisClient,
		cacheTTL:   cfg.CacheTTL,
	}
}

// ItemsForTier returns how many headlines a symbol's prompt gets: blue
// chips get the most context, speculative tiers the least.
func ItemsForTier(tier int) int {
	switch tier {
	case 1:
		return 3
	case 2:
		return 2
	default:
		return 1
	}
}

// Headlines retrieves up to limit recent headlines for a symbol. Every
// failure path degrades to an empty slice; news is flavor, never a blocker.
func (s *Service) Headlines(ctx context.Context, symbol string, limit int) []Item {
	if s.endpoint == "" {
		return nil
	}

	asset := baseAsset(symbol)
	key := fmt.Sprintf("news:%s", asset)

	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, key).Result(); err == nil {
			var items []Item
			if err := json.Unmarshal([]byte(cached), &items); err == nil {
				return truncate(items, limit)
			}
		} else if err != redis.Nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("News cache read failed")
		}
	}

	items, err := s.fetch(ctx, asset)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("News fetch failed")
		return nil
	}

	if s.redis != nil {
		go func() {
			data, err := json.Marshal(items)
			if err != nil {
				return
			}
			setCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.redis.Set(setCtx, key, data, s.cacheTTL).Err(); err != nil {
				log.Warn().Err(err).Str("symbol", symbol).Msg("News cache write failed")
			}
		}()
	}

	return truncate(items, limit)
}

// FormatForPrompt renders headlines as a prompt section
func FormatForPrompt(items []Item) string {
	if len(items) == 0 {
		return NoRecentNews
	}

	var b strings.Builder
	for _, item := range items {
		fmt.Fprintf(&b, "- %s (%s, %s)\n", item.Title, item.Source, item.PublishedAt.Format("Jan 2 15:04"))
	}
	return strings.TrimRight(b.String(), "\n")
}

type apiResponse struct {
	Results []struct {
		Title       string `json:"title"`
		PublishedAt string `json:"published_at"`
		Source      struct {
			Title string `json:"title"`
		} `json:"source"`
	} `json:"results"`
}

func (s *Service) fetch(ctx context.Context, asset string) ([]Item, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid news endpoint: %w", err)
	}

	q := u.Query()
	q.Set("currencies", asset)
	q.Set("kind", "news")
	if s.apiKey != "" {
		q.Set("auth_token", s.apiKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create news request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch news: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("news API error (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse news response: %w", err)
	}

	items := make([]Item, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		item := Item{Title: r.Title, Source: r.Source.Title}
		if t, err := time.Parse(time.RFC3339, r.PublishedAt); err == nil {
			item.PublishedAt = t
		}
		items = append(items, item)
	}

	return items, nil
}

// baseAsset strips the quote currency from a trading pair, BTCUSDT -> BTC
func baseAsset(symbol string) string {
	for _, quote := range []string{"USDT", "USDC", "BUSD", "USD"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return strings.TrimSuffix(symbol, quote)
		}
	}
	return symbol
}

func truncate(items []Item, limit int) []Item {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
