// Package refusol fetches generation history from the REFU-Log portal.
//
// The portal is a classic ASP.NET web-forms application: login replays the
// page's viewstate fields, and chart data comes from the statistics web
// service the dashboard itself calls.
package refusol

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	acquisition "solarsync/internal/acquisition/domain"
	"solarsync/internal/energy"
)

const (
	// DefaultBaseURL is the public REFU-Log endpoint.
	DefaultBaseURL = "https://refu-log.com"

	// defaultAccountID is the portal account the plant map is scoped to.
	defaultAccountID = 6586
)

var (
	viewStateRE          = regexp.MustCompile(`id="__VIEWSTATE"\s*value="(.*?)"`)
	viewStateGeneratorRE = regexp.MustCompile(`id="__VIEWSTATEGENERATOR"\s*value="(.*?)"`)
	eventValidationRE    = regexp.MustCompile(`id="__EVENTVALIDATION"\s*value="(.*?)"`)
)

// Client talks to the REFU-Log portal.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *log.Logger
	accountID  int
}

// NewClient constructs a client. An empty baseURL selects the public portal.
// The portal serves an incomplete certificate chain, so verification is off,
// matching the browser-with-warning access the portal itself expects.
func NewClient(baseURL string, logger *log.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		return nil, errors.New("refusol: nil logger")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("refusol: cookie jar: %w", err)
	}
	client := &Client{
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
		accountID: defaultAccountID,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Option configures the client.
type Option func(*Client)

// WithAccountID overrides the portal account the plant map is read from.
func WithAccountID(id int) Option {
	return func(c *Client) {
		if id > 0 {
			c.accountID = id
		}
	}
}

// Vendor implements the adapter interface.
func (c *Client) Vendor() string { return "refusol" }

// Login replays the web-forms login: fetch the page for its viewstate, then
// post it back with the credentials.
func (c *Client) Login(ctx context.Context, cred acquisition.Credential) error {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return err
	}
	c.httpClient.Jar.SetCookies(base, []*http.Cookie{{Name: "PL", Value: "pt-PT"}})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/Default.aspx", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("refusol: login page: %w", err)
	}
	page, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return err
	}

	form := url.Values{
		"__EVENTTARGET":   {""},
		"__EVENTARGUMENT": {""},
		"ctl00$headerControl$loginControl$txtUsername": {cred.Username},
		"ctl00$headerControl$loginControl$txtPassword": {cred.Password},
		"ctl00$headerControl$loginControl$btnLogin":    {"Login"},
	}
	for field, re := range map[string]*regexp.Regexp{
		"__VIEWSTATE":          viewStateRE,
		"__VIEWSTATEGENERATOR": viewStateGeneratorRE,
		"__EVENTVALIDATION":    eventValidationRE,
	} {
		m := re.FindSubmatch(page)
		if m == nil {
			return fmt.Errorf("refusol: %s not found on login page", field)
		}
		form.Set(field, string(m[1]))
	}

	postReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/Default.aspx", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	postReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	postResp, err := c.httpClient.Do(postReq)
	if err != nil {
		return fmt.Errorf("refusol: login post: %w", err)
	}
	defer postResp.Body.Close()
	if postResp.StatusCode != http.StatusOK {
		return fmt.Errorf("refusol: login post: status %d", postResp.StatusCode)
	}
	return nil
}

type mapMarkersResponse struct {
	D []struct {
		PlantName string      `json:"PlantName"`
		PlantID   json.Number `json:"PlantID"`
		Latitude  float64     `json:"Latitude"`
		Longitude float64     `json:"Longitude"`
	} `json:"d"`
}

// chart interval and channel presets taken from the dashboard's own requests
const (
	intervalIntraday = 0
	intervalDaily    = 1
	intervalMonthly  = 3
)

type chartPoint struct {
	DateTime struct {
		Year   int `json:"Year"`
		Month  int `json:"Month"`
		Day    int `json:"Day"`
		Hour   int `json:"Hour"`
		Minute int `json:"Minute"`
	} `json:"DateTime"`
	Value struct {
		Value1 float64 `json:"Value1"`
	} `json:"Value"`
}

type channelDataResponse struct {
	D []struct {
		ChartData []chartPoint `json:"ChartData"`
	} `json:"d"`
}

// Plants lists the account's plants from the map markers call, enriched with
// today's and the current month's sums.
func (c *Client) Plants(ctx context.Context) ([]acquisition.Plant, error) {
	var markers mapMarkersResponse
	err := c.postJSON(ctx, "/Ajax/RenderMapScript.aspx/GetGoogleMapMarkers", map[string]any{
		"publicMap":         "False",
		"accountId":         c.accountID,
		"isMapAdmin":        "False",
		"selectedIconsType": 0,
	}, &markers)
	if err != nil {
		return nil, fmt.Errorf("refusol: map markers: %w", err)
	}

	now := time.Now()
	plants := make([]acquisition.Plant, 0, len(markers.D))
	for _, marker := range markers.D {
		plant := acquisition.Plant{
			Vendor:        "refusol",
			VendorPlantID: marker.PlantID.String(),
			Name:          marker.PlantName,
			Latitude:      marker.Latitude,
			Longitude:     marker.Longitude,
		}

		if points, err := c.channelData(ctx, marker.PlantID.String(), intervalDaily, now); err == nil {
			for _, point := range points {
				if point.DateTime.Day == now.Day() {
					plant.EnergyTodayWh = energy.ToWh(fmt.Sprintf("%v kwh", point.Value.Value1))
					break
				}
			}
		}
		if points, err := c.channelData(ctx, marker.PlantID.String(), intervalMonthly, now); err == nil {
			var sum float64
			for _, point := range points {
				sum += point.Value.Value1
			}
			plant.EnergyTotalWh = energy.ToWh(fmt.Sprintf("%v kwh", sum))
		}
		plants = append(plants, plant)
	}
	return plants, nil
}

// FetchDay returns the power points of one day. The service replies with the
// surrounding window, so points of other days are dropped.
func (c *Client) FetchDay(ctx context.Context, plant acquisition.Plant, day time.Time) ([]acquisition.Reading, error) {
	points, err := c.powerData(ctx, plant.VendorPlantID, day)
	if err != nil {
		return nil, err
	}
	readings := make([]acquisition.Reading, 0, len(points))
	for _, point := range points {
		if point.DateTime.Day != day.Day() || point.DateTime.Month != int(day.Month()) || point.DateTime.Year != day.Year() {
			continue
		}
		readings = append(readings, acquisition.Reading{
			PlantID: plant.ID,
			TS: time.Date(point.DateTime.Year, time.Month(point.DateTime.Month), point.DateTime.Day,
				point.DateTime.Hour, point.DateTime.Minute, 0, 0, day.Location()),
			EnergyWh: point.Value.Value1,
		})
	}
	return readings, nil
}

// FetchMonth returns the daily kWh totals of the cursor's month.
func (c *Client) FetchMonth(ctx context.Context, plant acquisition.Plant, month time.Time) ([]acquisition.Reading, error) {
	points, err := c.channelData(ctx, plant.VendorPlantID, intervalDaily, month)
	if err != nil {
		return nil, err
	}
	readings := make([]acquisition.Reading, 0, len(points))
	for _, point := range points {
		readings = append(readings, acquisition.Reading{
			PlantID: plant.ID,
			TS: time.Date(point.DateTime.Year, time.Month(point.DateTime.Month), point.DateTime.Day,
				0, 0, 0, 0, month.Location()),
			EnergyWh: point.Value.Value1 * 1_000,
		})
	}
	return readings, nil
}

// channelData requests the energy channel (kWh) at the given interval.
func (c *Client) channelData(ctx context.Context, plantID string, interval int, at time.Time) ([]chartPoint, error) {
	return c.chartData(ctx, plantID, map[string]any{
		"ChannelId":       5,
		"ChartInterval":   interval,
		"DataType":        11,
		"MeasureUnit":     5,
		"MeasureUnitCode": "kWh",
	}, at)
}

// powerData requests the instantaneous power channel (W).
func (c *Client) powerData(ctx context.Context, plantID string, at time.Time) ([]chartPoint, error) {
	return c.chartData(ctx, plantID, map[string]any{
		"ChannelId":       1,
		"ChartInterval":   intervalIntraday,
		"DataType":        4,
		"MeasureUnit":     0,
		"MeasureUnitCode": "W",
	}, at)
}

func (c *Client) chartData(ctx context.Context, plantID string, channel map[string]any, at time.Time) ([]chartPoint, error) {
	channel["ChartData"] = []any{}
	channel["IsPlantDataAccessibleBasedOnLicense"] = true
	channel["Visible"] = true
	// the web service wants the numeric id the map markers carry
	var solarID any = plantID
	if n, err := strconv.Atoi(plantID); err == nil {
		solarID = n
	}
	channel["SolarObject"] = map[string]any{
		"Firmware": nil,
		"Id":       solarID,
		"Type":     0,
	}

	var out channelDataResponse
	err := c.postJSON(ctx, "/Ajax/StatisticsWebService.aspx/GetDataForChannels", map[string]any{
		"channels": []any{channel},
		"year":     at.Year(),
		"month":    int(at.Month()),
		"day":      at.Day(),
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("refusol: channel data: %w", err)
	}
	if len(out.D) == 0 {
		return nil, nil
	}
	return out.D[0].ChartData, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return acquisition.ErrSessionExpired
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.Unmarshal(raw, out)
}
