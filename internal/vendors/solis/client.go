// Package solis fetches generation history from SolisCloud.
//
// Every request to the portal API must carry a per-request HMAC signature
// alongside a CSRF token obtained at login. The signing scheme is replicated
// from the portal's own front-end; see signer.go.
package solis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	acquisition "solarsync/internal/acquisition/domain"
	"solarsync/internal/energy"
)

// DefaultBaseURL is the SolisCloud API endpoint.
const DefaultBaseURL = "https://www.soliscloud.com:15555"

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/113.0.0.0 Safari/537.36 OPR/97.0.0.0"

// Client talks to the SolisCloud API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *log.Logger
	csrfToken  string
	now        func() time.Time
}

// NewClient constructs a client. An empty baseURL selects the public API.
func NewClient(baseURL string, logger *log.Logger) (*Client, error) {
	if logger == nil {
		return nil, errors.New("solis: nil logger")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Vendor implements the adapter interface.
func (c *Client) Vendor() string { return "solis" }

// Field order matters in these request bodies: the signature covers the
// serialized JSON, and the portal serializes in exactly this order.

type loginRequest struct {
	UserInfo      string `json:"userInfo"`
	PassWord      string `json:"passWord"`
	YingZhenType  int    `json:"yingZhenType"`
	LocalTimeZone int    `json:"localTimeZone"`
	Language      string `json:"language"`
}

type stationListRequest struct {
	PageNo        int    `json:"pageNo"`
	PageSize      int    `json:"pageSize"`
	States        string `json:"states"`
	StationType   string `json:"stationType"`
	LocalTimeZone int    `json:"localTimeZone"`
	Language      string `json:"language"`
}

type dayChartRequest struct {
	ID            string `json:"id"`
	Language      string `json:"language"`
	LocalTimeZone int    `json:"localTimeZone"`
	Money         string `json:"money"`
	Time          string `json:"time"`
	TimeZone      int    `json:"timeZone"`
	Version       int    `json:"version"`
}

type monthChartRequest struct {
	ID            string `json:"id"`
	Language      string `json:"language"`
	LocalTimeZone int    `json:"localTimeZone"`
	Money         string `json:"money"`
	Month         string `json:"month"`
	TimeZone      int    `json:"timeZone"`
	Version       int    `json:"version"`
}

// Login posts the MD5-hashed password and stores the CSRF token every later
// call must carry.
func (c *Client) Login(ctx context.Context, cred acquisition.Credential) error {
	body := loginRequest{
		UserInfo:      cred.Username,
		PassWord:      hashPassword(cred.Password),
		YingZhenType:  1,
		LocalTimeZone: -3,
		Language:      "9",
	}
	var out struct {
		CSRFToken string `json:"csrfToken"`
	}
	if err := c.post(ctx, "/user/login2", body, &out); err != nil {
		return fmt.Errorf("solis: login: %w", err)
	}
	if out.CSRFToken == "" {
		return errors.New("solis: csrf token missing from login response")
	}
	c.csrfToken = out.CSRFToken
	return nil
}

type stationListResponse struct {
	Data struct {
		Page struct {
			Records []struct {
				ID           json.Number `json:"id"`
				StationName  string      `json:"stationName"`
				DayEnergy    float64     `json:"dayEnergy"`
				DayEnergyStr string      `json:"dayEnergyStr"`
				AllEnergy    float64     `json:"allEnergy"`
				AllEnergyStr string      `json:"allEnergyStr"`
				Latitude     float64     `json:"latitude"`
				Longitude    float64     `json:"longitude"`
			} `json:"records"`
		} `json:"page"`
	} `json:"data"`
}

// Plants lists the account's stations with today's and lifetime energy. The
// portal reports each value with its own unit string.
func (c *Client) Plants(ctx context.Context) ([]acquisition.Plant, error) {
	body := stationListRequest{
		PageNo:        1,
		PageSize:      10,
		States:        "0",
		StationType:   "1",
		LocalTimeZone: -3,
		Language:      "9",
	}
	var out stationListResponse
	if err := c.post(ctx, "/station/list", body, &out); err != nil {
		return nil, fmt.Errorf("solis: station list: %w", err)
	}

	plants := make([]acquisition.Plant, 0, len(out.Data.Page.Records))
	for _, record := range out.Data.Page.Records {
		plants = append(plants, acquisition.Plant{
			Vendor:        "solis",
			VendorPlantID: record.ID.String(),
			Name:          record.StationName,
			EnergyTodayWh: energy.ToWh(fmt.Sprintf("%v %s", record.DayEnergy, record.DayEnergyStr)),
			EnergyTotalWh: energy.ToWh(fmt.Sprintf("%v %s", record.AllEnergy, record.AllEnergyStr)),
			Latitude:      record.Latitude,
			Longitude:     record.Longitude,
		})
	}
	return plants, nil
}

type dayChartResponse struct {
	Data *struct {
		Power []float64 `json:"power"`
		Time  []int64   `json:"time"`
	} `json:"data"`
}

type monthChartResponse struct {
	Data []struct {
		Date   int64   `json:"date"`
		Energy float64 `json:"energy"`
	} `json:"data"`
}

// FetchDay returns the power curve of one day as parallel power and
// timestamp arrays. An absent data object marks the end of history.
func (c *Client) FetchDay(ctx context.Context, plant acquisition.Plant, day time.Time) ([]acquisition.Reading, error) {
	body := dayChartRequest{
		ID:            plant.VendorPlantID,
		Language:      "9",
		LocalTimeZone: -3,
		Money:         "BRL",
		Time:          day.Format("2006-01-02"),
		TimeZone:      -3,
		Version:       1,
	}
	var out dayChartResponse
	if err := c.post(ctx, "/chart/station/day/v2", body, &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		return nil, acquisition.ErrEndOfHistory
	}

	count := len(out.Data.Power)
	if len(out.Data.Time) < count {
		count = len(out.Data.Time)
	}
	readings := make([]acquisition.Reading, 0, count)
	for i := 0; i < count; i++ {
		readings = append(readings, acquisition.Reading{
			PlantID:  plant.ID,
			TS:       time.UnixMilli(out.Data.Time[i]).In(day.Location()),
			EnergyWh: out.Data.Power[i],
		})
	}
	return readings, nil
}

// FetchMonth returns the daily kWh totals of one month. An empty list marks
// the end of history.
func (c *Client) FetchMonth(ctx context.Context, plant acquisition.Plant, month time.Time) ([]acquisition.Reading, error) {
	body := monthChartRequest{
		ID:            plant.VendorPlantID,
		Language:      "9",
		LocalTimeZone: -3,
		Money:         "BRL",
		Month:         month.Format("2006-01"),
		TimeZone:      -3,
		Version:       1,
	}
	var out monthChartResponse
	if err := c.post(ctx, "/chart/station/month", body, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, acquisition.ErrEndOfHistory
	}

	readings := make([]acquisition.Reading, 0, len(out.Data))
	for _, point := range out.Data {
		readings = append(readings, acquisition.Reading{
			PlantID:  plant.ID,
			TS:       time.UnixMilli(point.Date).In(month.Location()),
			EnergyWh: energy.ToWh(fmt.Sprintf("%v kwh", point.Energy)),
		})
	}
	return readings, nil
}

// post signs and sends one API request. The date header, the body digest and
// the signature must agree or the portal rejects the call.
func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	date := c.now().UTC().Format(http.TimeFormat)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authorization(path, body, date))
	req.Header.Set("Content-MD5", contentMD5(body))
	req.Header.Set("Time", date)
	req.Header.Set("User-Agent", userAgent)
	if c.csrfToken != "" {
		req.Header.Set("Token", c.csrfToken)
	}

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
