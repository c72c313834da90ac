// Package abbfimer fetches generation history from the Aurora Vision portal
// used by ABB and FIMER inverters.
package abbfimer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	acquisition "solarsync/internal/acquisition/domain"
	"solarsync/internal/energy"
)

// DefaultBaseURL is the public Aurora Vision endpoint.
const DefaultBaseURL = "https://www.auroravision.net"

// Client talks to the Aurora Vision API. Authentication is a cookie handed
// out by a basic-auth login call.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *log.Logger
	loc        *time.Location
	now        func() time.Time
}

// NewClient constructs a client. An empty baseURL selects the public portal.
func NewClient(baseURL string, logger *log.Logger) (*Client, error) {
	if logger == nil {
		return nil, errors.New("abbfimer: nil logger")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("abbfimer: cookie jar: %w", err)
	}
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		return nil, fmt.Errorf("abbfimer: load location: %w", err)
	}
	return &Client{
		httpClient: &http.Client{Jar: jar, Timeout: 60 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		logger:     logger,
		loc:        loc,
		now:        time.Now,
	}, nil
}

// Vendor implements the adapter interface.
func (c *Client) Vendor() string { return "abb_fimer" }

// Login exchanges basic-auth credentials for a session cookie.
func (c *Client) Login(ctx context.Context, cred acquisition.Credential) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ums/v1/login?setCookie=true", nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(cred.Username, cred.Password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("abbfimer: login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("abbfimer: login: status %d", resp.StatusCode)
	}
	return nil
}

type userInfoResponse struct {
	PortfolioEntityID json.Number `json:"portfolioEntityId"`
}

type portfolioPlant struct {
	EntityID json.Number `json:"entityID"`
	Name     string      `json:"name"`
	Location struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location"`
}

type telemetryPoint struct {
	Start string   `json:"start"`
	Value *float64 `json:"value"`
}

func (p telemetryPoint) value() float64 {
	if p.Value == nil {
		return 0
	}
	return *p.Value
}

// Plants lists the portfolio's plants with today's and lifetime energy.
func (c *Client) Plants(ctx context.Context) ([]acquisition.Plant, error) {
	var info userInfoResponse
	if err := c.getJSON(ctx, "/ums/v1/users/me/info", nil, &info); err != nil {
		return nil, fmt.Errorf("abbfimer: user info: %w", err)
	}

	var entries []portfolioPlant
	path := fmt.Sprintf("/asset/v1/portfolios/%s/plants", info.PortfolioEntityID.String())
	if err := c.getJSON(ctx, path, url.Values{"includePerformanceProfiles": {"true"}}, &entries); err != nil {
		return nil, fmt.Errorf("abbfimer: portfolio plants: %w", err)
	}

	now := c.now().In(c.loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.loc)
	dayEnd := time.Date(now.Year(), now.Month(), now.Day(), 23, 59, 59, 0, c.loc)
	lifetimeStart := dayStart.AddDate(-10, 0, 0)

	plants := make([]acquisition.Plant, 0, len(entries))
	for _, entry := range entries {
		plant := acquisition.Plant{
			Vendor:        "abb_fimer",
			VendorPlantID: entry.EntityID.String(),
			Name:          entry.Name,
			Latitude:      entry.Location.Latitude,
			Longitude:     entry.Location.Longitude,
		}
		if today, err := c.energyWindow(ctx, entry.EntityID.String(), "All", dayStart, dayEnd); err == nil {
			plant.EnergyTodayWh = today
		} else {
			c.logger.Printf("abbfimer: plant %s today energy: %v", entry.EntityID, err)
		}
		if total, err := c.energyWindow(ctx, entry.EntityID.String(), "All", lifetimeStart, dayEnd); err == nil {
			plant.EnergyTotalWh = total
		} else {
			c.logger.Printf("abbfimer: plant %s total energy: %v", entry.EntityID, err)
		}
		plants = append(plants, plant)
	}
	return plants, nil
}

func (c *Client) energyWindow(ctx context.Context, plantID, agp string, from, to time.Time) (float64, error) {
	points, err := c.telemetry(ctx, plantID, "energy/GenerationEnergy", url.Values{
		"agp": {agp},
		"afx": {"Delta"},
		"sdt": {from.Format(time.RFC3339)},
		"edt": {to.Format(time.RFC3339)},
	})
	if err != nil {
		return 0, err
	}
	if len(points) == 0 {
		return 0, nil
	}
	return energy.ToWh(fmt.Sprintf("%v kwh", points[0].value())), nil
}

// FetchDay returns the 15-minute average power points of one day.
func (c *Client) FetchDay(ctx context.Context, plant acquisition.Plant, day time.Time) ([]acquisition.Reading, error) {
	date := day.Format("2006-01-02")
	points, err := c.telemetry(ctx, plant.VendorPlantID, "power/GenerationPower", url.Values{
		"agp": {"Min15"},
		"afx": {"Avg"},
		"sdt": {date + "T00:00:00.000Z"},
		"edt": {date + "T23:59:59.999Z"},
	})
	if err != nil {
		return nil, err
	}
	return c.toReadings(plant.ID, points, 1), nil
}

// FetchMonth returns the per-day energy totals of one month. Window bounds
// are the month's local midnight edges expressed in UTC.
func (c *Client) FetchMonth(ctx context.Context, plant acquisition.Plant, month time.Time) ([]acquisition.Reading, error) {
	first := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, c.loc)
	last := first.AddDate(0, 1, 0).Add(-time.Second)

	points, err := c.telemetry(ctx, plant.VendorPlantID, "energy/GenerationEnergy", url.Values{
		"agp": {"Day"},
		"afx": {"Delta"},
		"sdt": {first.UTC().Format("2006-01-02T15:04:05.000000Z")},
		"edt": {last.UTC().Format("2006-01-02T15:04:05.000000Z")},
	})
	if err != nil {
		return nil, err
	}
	return c.toReadings(plant.ID, points, 1_000), nil
}

func (c *Client) toReadings(plantID int64, points []telemetryPoint, scale float64) []acquisition.Reading {
	readings := make([]acquisition.Reading, 0, len(points))
	for _, point := range points {
		ts, err := time.Parse("2006-01-02T15:04:05Z07:00", point.Start)
		if err != nil {
			c.logger.Printf("abbfimer: bad point start %q", point.Start)
			continue
		}
		readings = append(readings, acquisition.Reading{
			PlantID:  plantID,
			TS:       ts,
			EnergyWh: point.value() * scale,
		})
	}
	return readings
}

func (c *Client) telemetry(ctx context.Context, plantID, metric string, params url.Values) ([]telemetryPoint, error) {
	var points []telemetryPoint
	path := fmt.Sprintf("/telemetry/v1/plants/%s/%s", plantID, metric)
	if err := c.getJSON(ctx, path, params, &points); err != nil {
		return nil, fmt.Errorf("abbfimer: %s: %w", metric, err)
	}
	return points, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	// The portal's session cookies expire silently; a gateway error means the
	// session needs to be rebuilt.
	if resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusUnauthorized {
		return acquisition.ErrSessionExpired
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.Unmarshal(body, out)
}
