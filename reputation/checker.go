package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bskmt/risk-engine/store"
)

// DefaultBaseURL points at the AbuseIPDB v2 API.
const DefaultBaseURL = "https://api.abuseipdb.com/api/v2"

const (
	cacheTTL          = 24 * time.Hour
	DefaultMaxAgeDays = 90
)

// Result is the engine's view of an address's abuse intelligence.
type Result struct {
	IP                   string  `json:"ip"`
	AbuseConfidenceScore int     `json:"abuse_confidence_score"`
	TotalReports         int     `json:"total_reports"`
	LastReportedAt       string  `json:"last_reported_at,omitempty"`
	CountryCode          string  `json:"country_code,omitempty"`
	UsageType            string  `json:"usage_type,omitempty"`
	ISP                  string  `json:"isp,omitempty"`
	IsWhitelisted        bool    `json:"is_whitelisted"`
	IsBlocked            bool    `json:"is_blocked"`
	BlockReason          string  `json:"block_reason,omitempty"`
}

type providerResponse struct {
	Data struct {
		IPAddress            string `json:"ipAddress"`
		IsWhitelisted        bool   `json:"isWhitelisted"`
		AbuseConfidenceScore int    `json:"abuseConfidenceScore"`
		CountryCode          string `json:"countryCode"`
		UsageType            string `json:"usageType"`
		ISP                  string `json:"isp"`
		TotalReports         int    `json:"totalReports"`
		LastReportedAt       string `json:"lastReportedAt"`
	} `json:"data"`
}

// Checker queries and caches third-party abuse intelligence. Missing
// credentials and provider failures both degrade to "not blocked": this
// component scores abuse, it does not gate authentication.
type Checker struct {
	apiKey     string
	baseURL    string
	trustedIPs map[string]struct{}
	store      store.Store
	httpClient *http.Client
	logger     *log.Logger
}

// NewChecker builds a checker. An empty apiKey disables provider lookups
// without error. trusted is the operator-configured allowlist on top of
// loopback.
func NewChecker(apiKey string, trusted []string, s store.Store, logger *log.Logger) *Checker {
	if logger == nil {
		logger = log.Default()
	}
	trustedIPs := map[string]struct{}{
		"127.0.0.1": {},
		"::1":       {},
		"localhost": {},
	}
	for _, ip := range trusted {
		ip = strings.TrimSpace(ip)
		if ip != "" {
			trustedIPs[ip] = struct{}{}
		}
	}

	return &Checker{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		trustedIPs: trustedIPs,
		store:      s,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// SetBaseURL overrides the provider endpoint, used by tests.
func (c *Checker) SetBaseURL(u string) {
	c.baseURL = strings.TrimSuffix(u, "/")
}

// Check resolves the reputation of an address: credential short-circuit,
// allowlist, 24h cache, then the provider. Every failure path yields a
// zeroed, unblocked result.
func (c *Checker) Check(ctx context.Context, ip string, maxAgeDays int) Result {
	if maxAgeDays <= 0 {
		maxAgeDays = DefaultMaxAgeDays
	}

	if c.apiKey == "" {
		return Result{IP: ip}
	}

	if c.IsTrusted(ip) {
		return Result{IP: ip, IsWhitelisted: true}
	}

	cacheKey := store.ReputationKey(ip)
	if cached, err := c.store.Get(ctx, cacheKey); err == nil {
		var res Result
		if err := json.Unmarshal([]byte(cached), &res); err == nil {
			return res
		}
	}

	res, err := c.lookup(ctx, ip, maxAgeDays)
	if err != nil {
		c.logger.Printf("ip reputation lookup failed for %s, not blocking: %v", ip, err)
		return Result{IP: ip}
	}

	if data, err := json.Marshal(res); err == nil {
		if err := c.store.SetEx(ctx, cacheKey, string(data), cacheTTL); err != nil {
			c.logger.Printf("ip reputation cache write failed for %s: %v", ip, err)
		}
	}

	return res
}

// IsTrusted reports whether the address is on the static allowlist.
func (c *Checker) IsTrusted(ip string) bool {
	_, ok := c.trustedIPs[ip]
	return ok
}

func (c *Checker) lookup(ctx context.Context, ip string, maxAgeDays int) (Result, error) {
	endpoint := fmt.Sprintf("%s/check?ipAddress=%s&maxAgeInDays=%d&verbose", c.baseURL, url.QueryEscape(ip), maxAgeDays)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(body))
	}

	var pr providerResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return Result{}, err
	}

	res := Result{
		IP:                   pr.Data.IPAddress,
		AbuseConfidenceScore: pr.Data.AbuseConfidenceScore,
		TotalReports:         pr.Data.TotalReports,
		LastReportedAt:       pr.Data.LastReportedAt,
		CountryCode:          pr.Data.CountryCode,
		UsageType:            pr.Data.UsageType,
		ISP:                  pr.Data.ISP,
		IsWhitelisted:        pr.Data.IsWhitelisted,
	}
	if res.IP == "" {
		res.IP = ip
	}

	if shouldBlock(res.AbuseConfidenceScore, res.TotalReports) {
		res.IsBlocked = true
		res.BlockReason = fmt.Sprintf("abuse confidence %d%% across %d reports", res.AbuseConfidenceScore, res.TotalReports)
	}

	return res, nil
}

// shouldBlock applies the three-tier policy: a high-confidence score blocks
// alone, lower tiers need increasing report volume behind them.
func shouldBlock(score, reports int) bool {
	if score >= 75 {
		return true
	}
	if score >= 50 && reports >= 10 {
		return true
	}
	if score >= 25 && reports >= 50 {
		return true
	}
	return false
}

// Report submits an abuse report to the provider. Best-effort: a false
// return means the report did not go through.
func (c *Checker) Report(ctx context.Context, ip string, categories []int, comment string) bool {
	if c.apiKey == "" {
		return false
	}

	payload, err := json.Marshal(map[string]interface{}{
		"ip":         ip,
		"categories": categories,
		"comment":    comment,
	})
	if err != nil {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/report", strings.NewReader(string(payload)))
	if err != nil {
		return false
	}
	req.Header.Set("Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Printf("ip abuse report failed for %s: %v", ip, err)
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// Provider category codes used when reporting.
const (
	CategoryDDoSAttack   = 4
	CategoryOpenProxy    = 9
	CategoryWebSpam      = 10
	CategoryPortScan     = 14
	CategoryHacking      = 15
	CategorySQLInjection = 16
	CategoryBruteForce   = 18
	CategoryBadWebBot    = 19
	CategoryWebAppAttack = 21
)
