package portalsdk

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aussiebroadwan/portal/pkg/slogx"
)

// ClientConfig configures a Client. Only BaseURL is required.
type ClientConfig struct {
	// BaseURL is the REST API root, e.g. https://portal.example.com/api
	BaseURL string

	// WSBaseURL is the realtime root, e.g. wss://portal.example.com. When
	// empty it is derived from BaseURL's scheme and host.
	WSBaseURL string

	// HTTPClient is copied, its transport is wrapped with request logging.
	HTTPClient *http.Client

	Store  TokenStore
	Logger *slog.Logger

	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	RefreshLeeway  time.Duration
	RefreshTimeout time.Duration
}

// Client is the portal REST client. It attaches the session's access token
// to every request and recovers from one authorization failure per request
// by refreshing and replaying. Safe for concurrent use.
type Client struct {
	BaseURL    string
	WSBaseURL  string
	HTTPClient *http.Client

	tokens *TokenManager
	logger *slog.Logger
}

// NewClient creates a client and its TokenManager.
func NewClient(cfg ClientConfig) *Client {
	logger := slogx.OrDefault(cfg.Logger)

	var hc http.Client
	if cfg.HTTPClient != nil {
		hc = *cfg.HTTPClient
	} else {
		hc.Timeout = 10 * time.Second
	}
	hc.Transport = slogx.NewTransport(hc.Transport, logger)

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	wsURL := strings.TrimSuffix(cfg.WSBaseURL, "/")
	if wsURL == "" {
		wsURL = deriveWSBase(baseURL)
	}

	c := &Client{
		BaseURL:    baseURL,
		WSBaseURL:  wsURL,
		HTTPClient: &hc,
		logger:     logger,
	}
	c.tokens = newTokenManager(TokenManagerConfig{
		Store:          cfg.Store,
		Logger:         logger,
		Leeway:         cfg.RefreshLeeway,
		RefreshTimeout: cfg.RefreshTimeout,
		AccessTTL:      cfg.AccessTTL,
		RefreshTTL:     cfg.RefreshTTL,
	}, c)
	return c
}

// Tokens returns the client's token manager.
func (c *Client) Tokens() *TokenManager {
	return c.tokens
}

// deriveWSBase maps http(s)://host/api to ws(s)://host.
func deriveWSBase(base string) string {
	scheme, rest, ok := strings.Cut(base, "://")
	if !ok {
		return ""
	}
	host, _, _ := strings.Cut(rest, "/")

	switch scheme {
	case "https":
		return "wss://" + host
	default:
		return "ws://" + host
	}
}
