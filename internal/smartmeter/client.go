package smartmeter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultBaseURL is the production Netz NOE orchestration API
const DefaultBaseURL = "https://smartmeter.netz-noe.at/orchestration/"

// API endpoints (relative to the base URL)
const (
	endpointLogin            = "Authentication/Login"
	endpointUserInfo         = "User/GetBasicInfo"
	endpointMeteringPoints   = "User/GetMeteringPointsByBusinesspartnerId?context=2"
	endpointConsumptionDay   = "ConsumptionRecord/Day"
	endpointConsumptionMonth = "ConsumptionRecord/Month"
	endpointConsumptionYear  = "ConsumptionRecord/Year"
)

const apiDateFormat = "2006-01-02"

// MeteringPoint describes one physical consumption point of the account,
// as returned by the metering-point listing after login.
type MeteringPoint struct {
	MeteringPointID string  `json:"meteringPointId"`
	AccountID       string  `json:"accountId"`
	SmartMeterType  *string `json:"smartMeterType"`
	Communicative   bool    `json:"communicative"`
	Locked          bool    `json:"locked"`
}

// Active reports whether the metering point is an unlocked smart meter.
func (p MeteringPoint) Active() bool {
	return p.SmartMeterType != nil && !p.Locked
}

// SubHourly reports whether the meter delivers intra-day interval readings.
// Non-communicative meters report at most one value per day.
func (p MeteringPoint) SubHourly() bool {
	return p.Communicative
}

// consumptionRecord is the payload shape of the ConsumptionRecord endpoints.
// The API wraps it in a single-element array. Missing readings are null.
type consumptionRecord struct {
	PeakDemandTimes []string   `json:"peakDemandTimes"`
	MeteredValues   []*float64 `json:"meteredValues"`
	Values          []*float64 `json:"values"`
}

// Client is an authenticated session against the Netz NOE portal API.
// One client is shared by all metering points of the account; the login
// mutex serializes re-authentication attempts so that concurrently
// updating meters do not race to log in twice.
type Client struct {
	username   string
	password   string
	baseURL    *url.URL
	httpClient *http.Client
	logger     *zap.Logger

	loginMu       sync.Mutex
	stateMu       sync.Mutex
	authenticated bool
	points        []MeteringPoint
}

// NewClient creates a new API client. The session cookie jar is shared
// across all requests made through the client.
func NewClient(username, password, baseURL string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &Client{
		username: username,
		password: password,
		baseURL:  parsed,
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: timeout,
		},
		logger: logger,
	}, nil
}

// IsLoggedIn reports whether the client currently holds an authenticated
// session. It does not hit the network.
func (c *Client) IsLoggedIn() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.authenticated
}

// Login authenticates against the portal. An existing session is reused
// when it still validates. Safe to call from multiple meter updates at once.
func (c *Client) Login(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	if c.IsLoggedIn() && c.validateSession(ctx) {
		return nil
	}

	body, err := json.Marshal(map[string]string{
		"user": c.username,
		"pwd":  c.password,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	loginURL := c.baseURL.JoinPath(endpointLogin).String()
	c.logger.Debug("attempting login", zap.String("url", loginURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: HTTP %d, check username/password", ErrLogin, resp.StatusCode)
	}

	c.setAuthenticated(true)

	if err := c.loadMeteringPoints(ctx); err != nil {
		return fmt.Errorf("failed to load metering points: %w", err)
	}

	return nil
}

// validateSession checks whether the current session cookie is still
// accepted by the API.
func (c *Client) validateSession(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.JoinPath(endpointUserInfo).String(), nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) setAuthenticated(v bool) {
	c.stateMu.Lock()
	c.authenticated = v
	c.stateMu.Unlock()
}

// loadMeteringPoints refreshes the cached metering-point listing.
func (c *Client) loadMeteringPoints(ctx context.Context) error {
	var points []MeteringPoint
	if err := c.callAPI(ctx, endpointMeteringPoints, nil, &points); err != nil {
		return err
	}

	c.stateMu.Lock()
	c.points = points
	c.stateMu.Unlock()

	c.logger.Debug("metering points loaded", zap.Int("count", len(points)))
	return nil
}

// MeteringPoints returns the metering points discovered at login.
func (c *Client) MeteringPoints() []MeteringPoint {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	points := make([]MeteringPoint, len(c.points))
	copy(points, c.points)
	return points
}

// callAPI performs an authenticated GET and decodes the JSON response.
func (c *Client) callAPI(ctx context.Context, endpoint string, query url.Values, out interface{}) error {
	if !c.IsLoggedIn() {
		return fmt.Errorf("%w: not authenticated, call Login first", ErrConnection)
	}

	ref, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: invalid endpoint %s", ErrQuery, endpoint)
	}
	target := c.baseURL.ResolveReference(ref)
	if query != nil {
		values := target.Query()
		for key, vals := range query {
			for _, v := range vals {
				values.Add(key, v)
			}
		}
		target.RawQuery = values.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.setAuthenticated(false)
		return ErrSessionExpired
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: HTTP %d from %s", ErrQuery, resp.StatusCode, endpoint)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", ErrQuery, err)
	}

	return nil
}

// callConsumption fetches one ConsumptionRecord endpoint. The API returns
// a single-element array; an empty array means no data.
func (c *Client) callConsumption(ctx context.Context, endpoint string, query url.Values) (consumptionRecord, error) {
	var records []consumptionRecord
	if err := c.callAPI(ctx, endpoint, query, &records); err != nil {
		return consumptionRecord{}, err
	}
	if len(records) == 0 {
		return consumptionRecord{}, nil
	}
	return records[0], nil
}

// ConsumptionDay returns the peak demand times and interval readings of a
// single calendar day. Missing readings are nil.
func (c *Client) ConsumptionDay(ctx context.Context, day time.Time, meterID string) ([]string, []*float64, error) {
	if meterID == "" {
		return nil, nil, fmt.Errorf("%w: no metering point ID available", ErrQuery)
	}

	query := url.Values{}
	query.Set("meterId", meterID)
	query.Set("day", day.Format(apiDateFormat))

	record, err := c.callConsumption(ctx, endpointConsumptionDay, query)
	if err != nil {
		return nil, nil, err
	}
	return record.PeakDemandTimes, record.MeteredValues, nil
}

// ConsumptionMonth returns one value per day of the month; index 0 is day 1.
// Days without data are nil.
func (c *Client) ConsumptionMonth(ctx context.Context, year int, month time.Month, meterID string) ([]string, []*float64, error) {
	if meterID == "" {
		return nil, nil, fmt.Errorf("%w: no metering point ID available", ErrQuery)
	}

	query := url.Values{}
	query.Set("meterId", meterID)
	query.Set("year", fmt.Sprintf("%d", year))
	query.Set("month", fmt.Sprintf("%d", int(month)))

	record, err := c.callConsumption(ctx, endpointConsumptionMonth, query)
	if err != nil {
		return nil, nil, err
	}
	return record.PeakDemandTimes, record.MeteredValues, nil
}

// ConsumptionYear returns one value per month of the year.
func (c *Client) ConsumptionYear(ctx context.Context, year int, meterID string) ([]string, []*float64, error) {
	if meterID == "" {
		return nil, nil, fmt.Errorf("%w: no metering point ID available", ErrQuery)
	}

	query := url.Values{}
	query.Set("meterId", meterID)
	query.Set("year", fmt.Sprintf("%d", year))

	record, err := c.callConsumption(ctx, endpointConsumptionYear, query)
	if err != nil {
		return nil, nil, err
	}
	return record.PeakDemandTimes, record.Values, nil
}

// LatestMeterReading returns the most recent full-day consumption total in
// kWh, trying yesterday first and then the day before.
func (c *Client) LatestMeterReading(ctx context.Context, meterID string) (float64, error) {
	now := time.Now().UTC()

	var lastErr error
	for _, daysAgo := range []int{1, 2} {
		day := now.AddDate(0, 0, -daysAgo)
		_, values, err := c.ConsumptionDay(ctx, day, meterID)
		if err != nil {
			c.logger.Warn("could not get reading",
				zap.String("day", day.Format(apiDateFormat)),
				zap.Error(err))
			lastErr = err
			continue
		}
		if len(values) == 0 {
			continue
		}
		total := 0.0
		for _, v := range values {
			if v != nil {
				total += *v
			}
		}
		return total, nil
	}

	if lastErr != nil {
		return 0, lastErr
	}
	return 0, fmt.Errorf("%w: no recent readings available", ErrQuery)
}
