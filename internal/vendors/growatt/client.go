// Package growatt fetches generation history from the Growatt server portal.
package growatt

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
	"strconv"
	"strings"
	"time"

	acquisition "solarsync/internal/acquisition/domain"
	"solarsync/internal/energy"
)

const (
	// DefaultBaseURL is the public Growatt server endpoint.
	DefaultBaseURL = "https://server.growatt.com/"

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/116.0.0.0 Safari/537.36 Edg/116.0.1938.81"

	installCommercial  = "comercial"
	installResidential = "residencial"
)

// Client talks to the Growatt portal. Sessions are cookie based; Login must
// succeed before any fetch.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *log.Logger
	cred       acquisition.Credential

	// install type and tlx serial per vendor plant id, discovered lazily
	devices map[string]deviceInfo
}

type deviceInfo struct {
	install string
	tlxSn   string
}

// NewClient constructs a client. An empty baseURL selects the public portal.
func NewClient(baseURL string, logger *log.Logger) (*Client, error) {
	if logger == nil {
		return nil, errors.New("growatt: nil logger")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("growatt: cookie jar: %w", err)
	}
	return &Client{
		httpClient: &http.Client{Jar: jar, Timeout: 60 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/") + "/",
		logger:     logger,
		devices:    make(map[string]deviceInfo),
	}, nil
}

// Vendor implements the adapter interface.
func (c *Client) Vendor() string { return "growatt" }

// Login establishes the portal session.
func (c *Client) Login(ctx context.Context, cred acquisition.Credential) error {
	c.cred = cred
	form := url.Values{
		"account":  {cred.Username},
		"password": {cred.Password},
	}
	resp, err := c.postForm(ctx, "login", form)
	if err != nil {
		return fmt.Errorf("growatt: login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("growatt: login: status %d", resp.StatusCode)
	}
	return nil
}

type plantListResponse struct {
	Pages int `json:"pages"`
	Datas []struct {
		ID        string `json:"id"`
		PlantName string `json:"plantName"`
		EToday    any    `json:"eToday"`
	} `json:"datas"`
}

type plantTotalResponse struct {
	Obj struct {
		ETotal   any `json:"eTotal"`
		PlantLat any `json:"plant_lat"`
		PlantLng any `json:"plant_lng"`
	} `json:"obj"`
}

// Plants lists every plant of the account, page by page, enriching each with
// its lifetime total and coordinates.
func (c *Client) Plants(ctx context.Context) ([]acquisition.Plant, error) {
	var plants []acquisition.Plant
	page := 1
	totalPages := 1
	for page <= totalPages {
		form := url.Values{
			"currPage":  {fmt.Sprint(page)},
			"plantType": {"-1"},
			"orderType": {"2"},
			"plantName": {""},
		}
		var list plantListResponse
		if err := c.postJSON(ctx, "selectPlant/getPlantList", form, &list); err != nil {
			return nil, fmt.Errorf("growatt: plant list page %d: %w", page, err)
		}
		if list.Pages > totalPages {
			totalPages = list.Pages
		}

		for _, entry := range list.Datas {
			plant := acquisition.Plant{
				Vendor:        "growatt",
				VendorPlantID: entry.ID,
				Name:          entry.PlantName,
				EnergyTodayWh: energy.ToWh(fmt.Sprintf("%v kwh", entry.EToday)),
			}

			var total plantTotalResponse
			err := c.postJSON(ctx, "plantbC/plantInfo/getPlantTotal", url.Values{"plantId": {entry.ID}}, &total)
			if err == nil {
				plant.EnergyTotalWh = energy.ToWh(fmt.Sprintf("%v kwh", total.Obj.ETotal))
				plant.Latitude = toFloat(total.Obj.PlantLat)
				plant.Longitude = toFloat(total.Obj.PlantLng)
			} else {
				c.logger.Printf("growatt: plant %s totals: %v", entry.ID, err)
			}
			plants = append(plants, plant)
		}
		page++
	}
	return plants, nil
}

type dayChartResponse struct {
	Obj struct {
		Pac []*float64 `json:"pac"`
	} `json:"obj"`
}

// FetchDay returns the 5-minute power curve of one day. A day with no curve
// at all marks the end of the plant's history.
func (c *Client) FetchDay(ctx context.Context, plant acquisition.Plant, day time.Time) ([]acquisition.Reading, error) {
	form := url.Values{
		"plantId": {plant.VendorPlantID},
		"date":    {day.Format("2006-01-02")},
	}
	var chart dayChartResponse
	if err := c.postJSON(ctx, "indexbC/inv/getInvEnergyDayChart", form, &chart); err != nil {
		return nil, fmt.Errorf("growatt: day chart: %w", err)
	}
	if len(chart.Obj.Pac) == 0 {
		return nil, acquisition.ErrEndOfHistory
	}

	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	readings := make([]acquisition.Reading, 0, len(chart.Obj.Pac))
	for i, value := range chart.Obj.Pac {
		var watts float64
		if value != nil {
			watts = *value
		}
		readings = append(readings, acquisition.Reading{
			PlantID:  plant.ID,
			TS:       midnight.Add(time.Duration(i) * 5 * time.Minute),
			EnergyWh: watts,
		})
	}
	return readings, nil
}

type devicesResponse struct {
	Obj map[string][][]string `json:"obj"`
}

type monthChartResponse struct {
	Obj struct {
		Energy []*float64 `json:"energy"`
		Charts struct {
			Energy []*float64 `json:"energy"`
		} `json:"charts"`
	} `json:"obj"`
}

// FetchMonth returns the daily totals of one month. A month with no chart at
// all marks the end of the plant's history.
func (c *Client) FetchMonth(ctx context.Context, plant acquisition.Plant, month time.Time) ([]acquisition.Reading, error) {
	device, err := c.deviceFor(ctx, plant.VendorPlantID)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"plantId": {plant.VendorPlantID},
		"date":    {month.Format("2006-01")},
	}
	endpoint := "indexbC/inv/getInvEnergyMonthChart"
	if device.install == installResidential {
		endpoint = "panel/tlx/getTLXEnergyMonthChart"
		form.Set("tlxSn", device.tlxSn)
	}

	var chart monthChartResponse
	if err := c.postJSON(ctx, endpoint, form, &chart); err != nil {
		return nil, fmt.Errorf("growatt: month chart: %w", err)
	}
	values := chart.Obj.Energy
	if device.install == installResidential {
		values = chart.Obj.Charts.Energy
	}
	if len(values) == 0 {
		return nil, acquisition.ErrEndOfHistory
	}

	lastDay := time.Date(month.Year(), month.Month()+1, 0, 0, 0, 0, 0, month.Location()).Day()
	readings := make([]acquisition.Reading, 0, len(values))
	for i, value := range values {
		dayOfMonth := i + 1
		if dayOfMonth > lastDay {
			break
		}
		var kwh float64
		if value != nil {
			kwh = *value
		}
		readings = append(readings, acquisition.Reading{
			PlantID:  plant.ID,
			TS:       time.Date(month.Year(), month.Month(), dayOfMonth, 0, 0, 0, 0, month.Location()),
			EnergyWh: kwh * 1_000,
		})
	}
	return readings, nil
}

// deviceFor resolves and caches the installation type of a plant. Plants with
// a "max" inverter use the commercial dashboard, plants with a "tlx" inverter
// the residential one.
func (c *Client) deviceFor(ctx context.Context, vendorPlantID string) (deviceInfo, error) {
	if device, ok := c.devices[vendorPlantID]; ok {
		return device, nil
	}

	var devices devicesResponse
	if err := c.postJSON(ctx, "panel/getDevicesByPlant", url.Values{"plantId": {vendorPlantID}}, &devices); err != nil {
		return deviceInfo{}, fmt.Errorf("growatt: devices: %w", err)
	}

	var device deviceInfo
	switch {
	case len(devices.Obj["max"]) > 0 && len(devices.Obj["max"][0]) > 0:
		device = deviceInfo{install: installCommercial, tlxSn: devices.Obj["max"][0][0]}
	case len(devices.Obj["tlx"]) > 0 && len(devices.Obj["tlx"][0]) > 0:
		device = deviceInfo{install: installResidential, tlxSn: devices.Obj["tlx"][0][0]}
	default:
		return deviceInfo{}, fmt.Errorf("growatt: plant %s has no known inverter kind", vendorPlantID)
	}
	c.devices[vendorPlantID] = device
	return device, nil
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)
	return c.httpClient.Do(req)
}

func (c *Client) postJSON(ctx context.Context, path string, form url.Values, out any) error {
	resp, err := c.postForm(ctx, path, form)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
