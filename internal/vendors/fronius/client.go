// Package fronius fetches generation history from Solar.web.
//
// The portal has no public API for this account tier, so the client drives
// the same browser flow the web app uses: an external-login handshake against
// the Fronius identity provider followed by scraping the chart endpoint.
package fronius

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
	"regexp"
	"strings"
	"time"

	acquisition "solarsync/internal/acquisition/domain"
	"solarsync/internal/energy"
	"solarsync/internal/geocode"
)

const (
	// DefaultBaseURL is the Solar.web portal.
	DefaultBaseURL = "https://www.solarweb.com"
	// DefaultAuthURL is the Fronius identity provider.
	DefaultAuthURL = "https://login.fronius.com"
)

var (
	sessionDataKeyRE = regexp.MustCompile(`sessionDataKey=([a-z0-9-]+)`)
	codeRE           = regexp.MustCompile(`name="code"\s*value="(.*?)"`)
	idTokenRE        = regexp.MustCompile(`name="id_token"\s*value="(.*?)"`)
	stateRE          = regexp.MustCompile(`name="state"\s*value="(.*?)"`)
	authIdPsRE       = regexp.MustCompile(`name="AuthenticatedIdPs"\s*value="(.*?)"`)
	sessionStateRE   = regexp.MustCompile(`name="session_state"\s*value="(.*?)"`)

	streetRE = regexp.MustCompile(`(?s)<label for="Street">Rua</label>.*?value="(.*?)"`)
	zipRE    = regexp.MustCompile(`(?s)<label for="ZipCode">CEP</label>.*?value="(.*?)"`)
	cityRE   = regexp.MustCompile(`(?s)<label for="City">Cidade</label>.*?value="(.*?)"`)
)

// Client talks to the Solar.web portal.
type Client struct {
	httpClient *http.Client
	baseURL    string
	authURL    string
	logger     *log.Logger
	geocoder   *geocode.Client
	now        func() time.Time
}

// NewClient constructs a client. The geocoder may be nil; plant coordinates
// are then left unset.
func NewClient(baseURL string, geocoder *geocode.Client, logger *log.Logger) (*Client, error) {
	if logger == nil {
		return nil, errors.New("fronius: nil logger")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("fronius: cookie jar: %w", err)
	}
	return &Client{
		httpClient: &http.Client{Jar: jar, Timeout: 60 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		authURL:    DefaultAuthURL,
		logger:     logger,
		geocoder:   geocoder,
		now:        time.Now,
	}, nil
}

// WithAuthURL overrides the identity provider host, used by tests.
func (c *Client) WithAuthURL(u string) *Client {
	if u != "" {
		c.authURL = strings.TrimSuffix(u, "/")
	}
	return c
}

// Vendor implements the adapter interface.
func (c *Client) Vendor() string { return "fronius" }

// Login runs the external-login handshake: fetch the session data key, post
// the credentials to the identity provider, then replay the returned OAuth
// artifacts to the portal's callback.
func (c *Client) Login(ctx context.Context, cred acquisition.Credential) error {
	page, err := c.getText(ctx, c.baseURL+"/Account/ExternalLogin")
	if err != nil {
		return fmt.Errorf("fronius: external login page: %w", err)
	}
	keyMatch := sessionDataKeyRE.FindStringSubmatch(page)
	if keyMatch == nil {
		return errors.New("fronius: session data key not found")
	}

	form := url.Values{
		"sessionDataKey": {keyMatch[1]},
		"username":       {cred.Username},
		"password":       {cred.Password},
	}
	authPage, err := c.postText(ctx, c.authURL+"/commonauth", form)
	if err != nil {
		return fmt.Errorf("fronius: commonauth: %w", err)
	}

	callback := url.Values{}
	for name, re := range map[string]*regexp.Regexp{
		"code":              codeRE,
		"id_token":          idTokenRE,
		"state":             stateRE,
		"AuthenticatedIdPs": authIdPsRE,
		"session_state":     sessionStateRE,
	} {
		if m := re.FindStringSubmatch(authPage); m != nil {
			callback.Set(name, m[1])
		}
	}
	if callback.Get("code") == "" {
		return errors.New("fronius: authentication rejected")
	}

	if _, err := c.postText(ctx, c.baseURL+"/Account/ExternalLoginCallback", callback); err != nil {
		return fmt.Errorf("fronius: login callback: %w", err)
	}
	return nil
}

type systemsResponse struct {
	Data []struct {
		PvSystemID   string `json:"PvSystemId"`
		PvSystemName string `json:"PvSystemName"`
	} `json:"data"`
}

type chartResponse struct {
	SumValue any `json:"sumValue"`
	Settings struct {
		Series []struct {
			Data [][2]float64 `json:"data"`
		} `json:"series"`
	} `json:"settings"`
}

// Plants lists the account's PV systems. Coordinates come from geocoding the
// profile page's address because the portal does not expose them directly.
func (c *Client) Plants(ctx context.Context) ([]acquisition.Plant, error) {
	raw, err := c.getText(ctx, c.baseURL+"/PvSystems/GetPvSystemsForListView")
	if err != nil {
		return nil, fmt.Errorf("fronius: system list: %w", err)
	}
	var systems systemsResponse
	if err := json.Unmarshal([]byte(raw), &systems); err != nil {
		return nil, fmt.Errorf("fronius: system list decode: %w", err)
	}

	now := c.now()
	plants := make([]acquisition.Plant, 0, len(systems.Data))
	for _, system := range systems.Data {
		plant := acquisition.Plant{
			Vendor:        "fronius",
			VendorPlantID: system.PvSystemID,
			Name:          system.PvSystemName,
		}

		if lat, lon, err := c.locate(ctx, system.PvSystemID); err == nil {
			plant.Latitude = lat
			plant.Longitude = lon
		} else if !errors.Is(err, geocode.ErrNotFound) {
			c.logger.Printf("fronius: locate %s: %v", system.PvSystemID, err)
		}

		if total, err := c.chart(ctx, system.PvSystemID, now, "all"); err == nil {
			plant.EnergyTotalWh = energy.ToWh(total.SumValue)
		}
		if today, err := c.chart(ctx, system.PvSystemID, now, "day"); err == nil {
			plant.EnergyTodayWh = energy.ToWh(today.SumValue)
		}
		plants = append(plants, plant)
	}
	return plants, nil
}

func (c *Client) locate(ctx context.Context, systemID string) (float64, float64, error) {
	if c.geocoder == nil {
		return 0, 0, geocode.ErrNotFound
	}
	page, err := c.getText(ctx, c.baseURL+"/PvSystemSettings/PvSystemProfile?pvSystemId="+url.QueryEscape(systemID))
	if err != nil {
		return 0, 0, err
	}
	street := firstGroup(streetRE, page)
	zip := firstGroup(zipRE, page)
	city := firstGroup(cityRE, page)
	if street == "" {
		return 0, 0, geocode.ErrNotFound
	}
	full := fmt.Sprintf("%s, %s, %s", street, city, zip)
	return c.geocoder.Search(ctx, full, street)
}

func firstGroup(re *regexp.Regexp, s string) string {
	if m := re.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return ""
}

// FetchDay returns the production points of one day. An absent series marks
// the end of the system's history.
func (c *Client) FetchDay(ctx context.Context, plant acquisition.Plant, day time.Time) ([]acquisition.Reading, error) {
	chart, err := c.chart(ctx, plant.VendorPlantID, day, "day")
	if err != nil {
		return nil, err
	}
	if len(chart.Settings.Series) == 0 {
		return nil, acquisition.ErrEndOfHistory
	}
	return c.toReadings(plant.ID, chart.Settings.Series[0].Data, day.Location(), 1), nil
}

// FetchMonth returns the daily production totals of one month.
func (c *Client) FetchMonth(ctx context.Context, plant acquisition.Plant, month time.Time) ([]acquisition.Reading, error) {
	chart, err := c.chart(ctx, plant.VendorPlantID, month, "month")
	if err != nil {
		return nil, err
	}
	if len(chart.Settings.Series) == 0 {
		return nil, acquisition.ErrEndOfHistory
	}
	return c.toReadings(plant.ID, chart.Settings.Series[0].Data, month.Location(), 1_000), nil
}

func (c *Client) toReadings(plantID int64, points [][2]float64, loc *time.Location, scale float64) []acquisition.Reading {
	readings := make([]acquisition.Reading, 0, len(points))
	for _, point := range points {
		readings = append(readings, acquisition.Reading{
			PlantID:  plantID,
			TS:       time.UnixMilli(int64(point[0])).In(loc),
			EnergyWh: point[1] * scale,
		})
	}
	return readings
}

func (c *Client) chart(ctx context.Context, systemID string, at time.Time, interval string) (*chartResponse, error) {
	params := url.Values{
		"pvSystemId": {systemID},
		"year":       {fmt.Sprint(at.Year())},
		"month":      {fmt.Sprint(int(at.Month()))},
		"day":        {fmt.Sprint(at.Day())},
		"interval":   {interval},
		"view":       {"production"},
	}
	raw, err := c.getText(ctx, c.baseURL+"/Chart/GetChartNew?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("fronius: chart: %w", err)
	}
	var chart chartResponse
	if err := json.Unmarshal([]byte(raw), &chart); err != nil {
		return nil, fmt.Errorf("fronius: chart decode: %w", err)
	}
	return &chart, nil
}

func (c *Client) getText(ctx context.Context, u string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	return c.do(req)
}

func (c *Client) postText(ctx context.Context, u string, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (string, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return "", acquisition.ErrSessionExpired
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	return string(body), nil
}
