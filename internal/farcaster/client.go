// Package farcaster resolves wallet addresses to Farcaster profiles via the
// Neynar API, with an in-memory cache in front of it.
package farcaster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

const defaultAPIURL = "https://api.neynar.com"

// Cache TTLs. Misses are cached briefly so repeated lookups for wallets
// without an account don't hammer the API, but a newly created account shows
// up within a minute.
const (
	profileTTL   = 5 * time.Minute
	noAccountTTL = 1 * time.Minute
	cleanupEvery = 10 * time.Minute
)

// Profile is a Farcaster user profile.
type Profile struct {
	FID            int64    `json:"fid"`
	Username       string   `json:"username"`
	DisplayName    string   `json:"displayName"`
	PfpURL         string   `json:"pfpUrl"`
	FollowerCount  int      `json:"followerCount"`
	FollowingCount int      `json:"followingCount"`
	Verifications  []string `json:"verifications"`
	CustodyAddress string   `json:"custodyAddress"`
}

type cacheEntry struct {
	profile   *Profile // nil means "no account", cached with the shorter TTL
	fetchedAt time.Time
}

// Client looks up profiles by verified wallet address.
type Client struct {
	apiKey     string
	apiURL     string
	httpClient *http.Client
	logger     logrus.FieldLogger
	now        func() time.Time

	mu          sync.Mutex
	cache       map[string]cacheEntry
	lastCleanup time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithAPIURL overrides the API base URL. Used in tests.
func WithAPIURL(url string) Option {
	return func(c *Client) { c.apiURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClock overrides the cache clock. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a profile client authenticated with apiKey.
func NewClient(apiKey string, logger logrus.FieldLogger, opts ...Option) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Client{
		apiKey:     apiKey,
		apiURL:     defaultAPIURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.WithField("component", "farcaster"),
		now:        time.Now,
		cache:      make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lastCleanup = c.now()
	return c
}

// ProfileByWallet resolves a wallet address to its Farcaster profile.
// Returns (nil, nil) when the wallet has no Farcaster account.
func (c *Client) ProfileByWallet(ctx context.Context, walletAddress string) (*Profile, error) {
	if !common.IsHexAddress(walletAddress) {
		return nil, fmt.Errorf("invalid wallet address %q", walletAddress)
	}
	normalized := common.HexToAddress(walletAddress).Hex()

	if profile, ok := c.cached(normalized); ok {
		return profile, nil
	}

	profile, err := c.fetch(ctx, normalized)
	if err != nil {
		return nil, err
	}
	c.store(normalized, profile)
	return profile, nil
}

func (c *Client) cached(address string) (*Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Sub(c.lastCleanup) > cleanupEvery {
		for key, entry := range c.cache {
			if now.Sub(entry.fetchedAt) > entryTTL(entry) {
				delete(c.cache, key)
			}
		}
		c.lastCleanup = now
	}

	entry, ok := c.cache[address]
	if !ok || now.Sub(entry.fetchedAt) > entryTTL(entry) {
		return nil, false
	}
	return entry.profile, true
}

func entryTTL(entry cacheEntry) time.Duration {
	if entry.profile == nil {
		return noAccountTTL
	}
	return profileTTL
}

func (c *Client) store(address string, profile *Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[address] = cacheEntry{profile: profile, fetchedAt: c.now()}
}

type bulkUser struct {
	FID            int64    `json:"fid"`
	Username       string   `json:"username"`
	DisplayName    string   `json:"display_name"`
	PfpURL         string   `json:"pfp_url"`
	FollowerCount  int      `json:"follower_count"`
	FollowingCount int      `json:"following_count"`
	Verifications  []string `json:"verifications"`
	CustodyAddress string   `json:"custody_address"`
}

func (c *Client) fetch(ctx context.Context, address string) (*Profile, error) {
	url := fmt.Sprintf("%s/v2/farcaster/user/bulk-by-address?addresses=%s", c.apiURL, address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create profile request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile lookup failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read profile response: %w", err)
	}

	// The bulk endpoint 404s when none of the addresses have an account.
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("profile lookup returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var byAddress map[string][]bulkUser
	if err := json.Unmarshal(raw, &byAddress); err != nil {
		return nil, fmt.Errorf("parse profile response: %w", err)
	}

	for _, users := range byAddress {
		if len(users) == 0 {
			continue
		}
		u := users[0]
		return &Profile{
			FID:            u.FID,
			Username:       u.Username,
			DisplayName:    u.DisplayName,
			PfpURL:         normalizePfpURL(u.PfpURL),
			FollowerCount:  u.FollowerCount,
			FollowingCount: u.FollowingCount,
			Verifications:  u.Verifications,
			CustodyAddress: u.CustodyAddress,
		}, nil
	}
	return nil, nil
}

// normalizePfpURL rewrites cropped CDN avatar URLs to the original image so
// the video models get full resolution input.
func normalizePfpURL(url string) string {
	if !strings.Contains(url, "/rect") {
		return url
	}
	parts := strings.Split(url, "/")
	parts[len(parts)-1] = "original"
	return strings.Join(parts, "/")
}
