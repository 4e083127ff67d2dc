// Package station looks up internet radio stations in the radio-browser.info
// directory.
package station

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound    = errors.New("station not found")
	ErrUnavailable = errors.New("station directory unavailable")
)

// DefaultServers are used when DNS discovery finds nothing.
var DefaultServers = []string{
	"de1.api.radio-browser.info",
	"de2.api.radio-browser.info",
	"fi1.api.radio-browser.info",
	"nl1.api.radio-browser.info",
}

const (
	DefaultUserAgent = "streamcapture/1.0"
	DefaultTimeout   = 10 * time.Second
	DefaultLimit     = 50
	discoveryHost    = "all.api.radio-browser.info"
)

// Station is a directory entry.
type Station struct {
	UUID        string   `json:"uuid"`
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	URLResolved string   `json:"url_resolved,omitempty"`
	Homepage    string   `json:"homepage,omitempty"`
	Favicon     string   `json:"favicon,omitempty"`
	Country     string   `json:"country,omitempty"`
	CountryCode string   `json:"country_code,omitempty"`
	Language    string   `json:"language,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Codec       string   `json:"codec,omitempty"`
	Bitrate     int      `json:"bitrate,omitempty"`
	Votes       int      `json:"votes,omitempty"`
	ClickCount  int      `json:"click_count,omitempty"`
}

// StreamURL prefers the URL the directory already resolved from playlists.
func (s Station) StreamURL() string {
	if s.URLResolved != "" {
		return s.URLResolved
	}
	return s.URL
}

// apiStation mirrors the directory's JSON.
type apiStation struct {
	StationUUID string `json:"stationuuid"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	URLResolved string `json:"url_resolved"`
	Homepage    string `json:"homepage"`
	Favicon     string `json:"favicon"`
	Country     string `json:"country"`
	CountryCode string `json:"countrycode"`
	Language    string `json:"language"`
	Tags        string `json:"tags"`
	Codec       string `json:"codec"`
	Bitrate     int    `json:"bitrate"`
	Votes       int    `json:"votes"`
	ClickCount  int    `json:"clickcount"`
}

func (a apiStation) station() Station {
	name := strings.TrimSpace(a.Name)
	if name == "" {
		name = "Unknown Station"
	}
	var tags []string
	for _, t := range strings.Split(a.Tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return Station{
		UUID:        a.StationUUID,
		Name:        name,
		URL:         a.URL,
		URLResolved: a.URLResolved,
		Homepage:    a.Homepage,
		Favicon:     a.Favicon,
		Country:     a.Country,
		CountryCode: a.CountryCode,
		Language:    a.Language,
		Tags:        tags,
		Codec:       a.Codec,
		Bitrate:     a.Bitrate,
		Votes:       a.Votes,
		ClickCount:  a.ClickCount,
	}
}

// Config configures a Client. Servers may be bare hostnames (https is
// assumed) or base URLs.
type Config struct {
	Servers   []string
	UserAgent string
	Timeout   time.Duration
}

// Client queries the directory, moving to the next server when one fails.
type Client struct {
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger

	mu      sync.Mutex
	servers []string
	current int
}

// NewClient creates a client. With no servers configured it uses
// DefaultServers in random order.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	servers := append([]string(nil), cfg.Servers...)
	if len(servers) == 0 {
		servers = append(servers, DefaultServers...)
		rand.Shuffle(len(servers), func(i, j int) { servers[i], servers[j] = servers[j], servers[i] })
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		userAgent:  cfg.UserAgent,
		logger:     logger,
		servers:    servers,
	}
}

// DiscoverServers resolves the directory's round-robin name to the current
// list of API hosts.
func DiscoverServers(ctx context.Context) ([]string, error) {
	var r net.Resolver
	ips, err := r.LookupHost(ctx, discoveryHost)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var hosts []string
	for _, ip := range ips {
		names, err := r.LookupAddr(ctx, ip)
		if err != nil || len(names) == 0 {
			continue
		}
		host := strings.TrimSuffix(names[0], ".")
		if !seen[host] {
			seen[host] = true
			hosts = append(hosts, host)
		}
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("no hosts behind %s", discoveryHost)
	}
	return hosts, nil
}

// Search finds stations whose name contains name, most played first.
func (c *Client) Search(ctx context.Context, name string, limit int) ([]Station, error) {
	return c.stations(ctx, "stations/search", listParams(limit, url.Values{"name": {name}}))
}

// ByTag lists stations with the given genre tag.
func (c *Client) ByTag(ctx context.Context, tag string, limit int) ([]Station, error) {
	return c.stations(ctx, "stations/bytag/"+url.PathEscape(tag), listParams(limit, nil))
}

// ByCountry lists stations from a country.
func (c *Client) ByCountry(ctx context.Context, country string, limit int) ([]Station, error) {
	return c.stations(ctx, "stations/bycountry/"+url.PathEscape(country), listParams(limit, nil))
}

// Popular lists the most played stations.
func (c *Client) Popular(ctx context.Context, limit int) ([]Station, error) {
	return c.stations(ctx, "stations/topclick", url.Values{
		"limit":      {strconv.Itoa(orDefault(limit))},
		"hidebroken": {"true"},
	})
}

// ByUUID fetches one station.
func (c *Client) ByUUID(ctx context.Context, uuid string) (Station, error) {
	list, err := c.stations(ctx, "stations/byuuid/"+url.PathEscape(uuid), nil)
	if err != nil {
		return Station{}, err
	}
	if len(list) == 0 {
		return Station{}, fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	return list[0], nil
}

// Click registers a play with the directory, which keeps its popularity
// ranking meaningful.
func (c *Client) Click(ctx context.Context, uuid string) error {
	var out struct {
		OK bool `json:"ok"`
	}
	return c.get(ctx, "url/"+url.PathEscape(uuid), nil, &out)
}

func listParams(limit int, extra url.Values) url.Values {
	v := url.Values{
		"limit":      {strconv.Itoa(orDefault(limit))},
		"order":      {"clickcount"},
		"reverse":    {"true"},
		"hidebroken": {"true"},
	}
	for k, vals := range extra {
		v[k] = vals
	}
	return v
}

func orDefault(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}

func (c *Client) stations(ctx context.Context, endpoint string, params url.Values) ([]Station, error) {
	var raw []apiStation
	if err := c.get(ctx, endpoint, params, &raw); err != nil {
		return nil, err
	}
	out := make([]Station, 0, len(raw))
	for _, a := range raw {
		out = append(out, a.station())
	}
	return out, nil
}

// get tries each server once, starting with the last one that worked.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	c.mu.Lock()
	servers := c.servers
	start := c.current
	c.mu.Unlock()

	var lastErr error
	for i := range servers {
		idx := (start + i) % len(servers)
		err := c.getFrom(ctx, servers[idx], endpoint, params, out)
		if err == nil {
			c.mu.Lock()
			c.current = idx
			c.mu.Unlock()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("Station directory request failed, trying next server", "server", servers[idx], "error", err)
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *Client) getFrom(ctx context.Context, server, endpoint string, params url.Values, out any) error {
	u := baseURL(server) + "/json/" + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func baseURL(server string) string {
	if strings.Contains(server, "://") {
		return strings.TrimRight(server, "/")
	}
	return "https://" + server
}
