package notify

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/twbeatles/navernews-tabsearch/internal/news"
	"github.com/twbeatles/navernews-tabsearch/internal/registry"
	"github.com/twbeatles/navernews-tabsearch/internal/worker"
)

// BridgeConfig controls which outcomes the bridge publishes and where.
type BridgeConfig struct {
	CompletionTopic string
	AlertTopic      string
	// AlertKeywords triggers an alert publish when a newly fetched article's
	// title contains any of them (case-insensitive).
	AlertKeywords  []string
	PublishTimeout time.Duration
}

// CompletionEvent is the payload published for each successful fetch.
type CompletionEvent struct {
	EventID    string    `json:"event_id"`
	TabID      string    `json:"tab_id"`
	RequestID  uint64    `json:"request_id"`
	Added      int       `json:"added"`
	Duplicates int       `json:"duplicates"`
	Filtered   int       `json:"filtered"`
	Total      int       `json:"total"`
	At         time.Time `json:"at"`
}

// AlertEvent is the payload published when an alert keyword matches.
type AlertEvent struct {
	EventID   string    `json:"event_id"`
	TabID     string    `json:"tab_id"`
	Keyword   string    `json:"keyword"`
	Title     string    `json:"title"`
	Link      string    `json:"link"`
	Publisher string    `json:"publisher"`
	At        time.Time `json:"at"`
}

// Bridge publishes fetch completions and keyword alerts. It implements the
// registry listener contract and ignores queries, jobs, and progress; those
// never leave the process.
type Bridge struct {
	publisher news.Publisher
	clock     news.Clock
	logger    *zap.Logger
	cfg       BridgeConfig
	alerts    []string
}

// NewBridge constructs a Bridge. Publish failures are logged, never
// propagated; notification is best-effort.
func NewBridge(publisher news.Publisher, clock news.Clock, cfg BridgeConfig, logger *zap.Logger) *Bridge {
	if cfg.CompletionTopic == "" {
		cfg.CompletionTopic = "newstab-fetch-completions"
	}
	if cfg.AlertTopic == "" {
		cfg.AlertTopic = "newstab-alerts"
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	alerts := make([]string, 0, len(cfg.AlertKeywords))
	for _, k := range cfg.AlertKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			alerts = append(alerts, k)
		}
	}
	return &Bridge{publisher: publisher, clock: clock, logger: logger, cfg: cfg, alerts: alerts}
}

func (b *Bridge) FetchDone(tabID string, id registry.RequestID, out worker.FetchOutcome) {
	now := b.clock.Now()
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.PublishTimeout)
	defer cancel()

	event := CompletionEvent{
		EventID:    uuid.NewString(),
		TabID:      tabID,
		RequestID:  uint64(id),
		Added:      out.Added,
		Duplicates: out.Duplicates,
		Filtered:   out.Filtered,
		Total:      out.Total,
		At:         now,
	}
	if _, err := b.publisher.Publish(ctx, b.cfg.CompletionTopic, event); err != nil {
		b.logger.Warn("publish fetch completion failed",
			zap.String("tab_id", tabID), zap.Error(err))
	}

	for _, item := range out.Items {
		keyword, ok := b.matchAlert(item.Title)
		if !ok {
			continue
		}
		alert := AlertEvent{
			EventID:   uuid.NewString(),
			TabID:     tabID,
			Keyword:   keyword,
			Title:     item.Title,
			Link:      item.Link,
			Publisher: item.Publisher,
			At:        now,
		}
		if _, err := b.publisher.Publish(ctx, b.cfg.AlertTopic, alert); err != nil {
			b.logger.Warn("publish alert failed",
				zap.String("keyword", keyword), zap.Error(err))
		}
	}
}

func (b *Bridge) matchAlert(title string) (string, bool) {
	lower := strings.ToLower(title)
	for _, k := range b.alerts {
		if strings.Contains(lower, k) {
			return k, true
		}
	}
	return "", false
}

func (b *Bridge) FetchFailed(string, registry.RequestID, error) {}

func (b *Bridge) QueryDone(string, registry.RequestID, worker.QueryOutcome) {}

func (b *Bridge) QueryFailed(string, registry.RequestID, error) {}

func (b *Bridge) JobDone(string, registry.RequestID, any) {}

func (b *Bridge) JobFailed(string, registry.RequestID, error) {}

func (b *Bridge) Progress(string, registry.RequestID, string) {}
