// Package sungrow fetches generation history from the iSolarCloud portal.
//
// The gateway wraps every call in an encrypted envelope: the JSON body is
// AES-128-ECB encrypted with a per-request random key, and that key travels
// RSA sealed in a request header. Responses come back encrypted with the same
// key.
package sungrow

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	acquisition "solarsync/internal/acquisition/domain"
	"solarsync/internal/energy"
)

const (
	// DefaultLoginURL hosts the account login form.
	DefaultLoginURL = "https://www.isolarcloud.com"
	// DefaultBaseURL is the API gateway for the HK region.
	DefaultBaseURL = "https://gateway.isolarcloud.com.hk"
)

// Client talks to the iSolarCloud gateway.
type Client struct {
	httpClient *http.Client
	loginURL   string
	gatewayURL string
	logger     *log.Logger

	loginKey *rsa.PublicKey
	appKey   *rsa.PublicKey

	userToken string
	now       func() time.Time
}

// NewClient constructs a client. An empty baseURL selects the public gateway.
func NewClient(baseURL string, logger *log.Logger) (*Client, error) {
	if logger == nil {
		return nil, errors.New("sungrow: nil logger")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	loginKey, err := parsePublicKey(loginPublicKeyPEM)
	if err != nil {
		return nil, err
	}
	appRSAKey, err := parsePublicKey(appPublicKeyPEM)
	if err != nil {
		return nil, err
	}
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		loginURL:   DefaultLoginURL,
		gatewayURL: strings.TrimSuffix(baseURL, "/"),
		logger:     logger,
		loginKey:   loginKey,
		appKey:     appRSAKey,
		now:        time.Now,
	}, nil
}

// WithLoginURL overrides the login host, used by tests.
func (c *Client) WithLoginURL(u string) *Client {
	if u != "" {
		c.loginURL = strings.TrimSuffix(u, "/")
	}
	return c
}

// Vendor implements the adapter interface.
func (c *Client) Vendor() string { return "sungrow" }

type loginResponse struct {
	UserToken string `json:"user_token"`
}

// Login authenticates and stores the user token for the gateway envelope.
func (c *Client) Login(ctx context.Context, cred acquisition.Credential) error {
	sealed, err := encryptRSA(cred.Password, c.loginKey)
	if err != nil {
		return err
	}
	form := url.Values{
		"userAcct": {cred.Username},
		"userPswd": {sealed},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.loginURL+"/userLoginAction_login", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("_isMd5", "1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sungrow: login: %w", err)
	}
	defer resp.Body.Close()

	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("sungrow: login decode: %w", err)
	}
	if out.UserToken == "" {
		return errors.New("sungrow: login rejected")
	}
	c.userToken = out.UserToken
	return nil
}

// post sends one enveloped gateway call and returns the decrypted body.
func (c *Client) post(ctx context.Context, relativeURL string, payload map[string]any) ([]byte, error) {
	if c.userToken == "" {
		return nil, acquisition.ErrSessionExpired
	}
	userID, _, _ := strings.Cut(c.userToken, "_")

	envelope := make(map[string]any, len(payload)+6)
	for k, v := range payload {
		envelope[k] = v
	}
	envelope["api_key_param"] = map[string]any{
		"timestamp": c.now().UnixMilli(),
		"nonce":     randomWord(32),
	}
	envelope["user_id"] = userID
	envelope["appkey"] = appKey
	if _, ok := envelope["token"]; !ok {
		envelope["token"] = c.userToken
	}
	envelope["sys_code"] = 200
	envelope["lang"] = "_pt_BR"

	plain, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}

	requestKey := "web" + randomWord(13)
	body, err := encryptAES(string(plain), requestKey)
	if err != nil {
		return nil, err
	}
	sealedKey, err := encryptRSA(requestKey, c.appKey)
	if err != nil {
		return nil, err
	}
	sealedUser, err := encryptRSA(userID, c.appKey)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gatewayURL+relativeURL, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-access-key", accessKey)
	req.Header.Set("x-random-secret-key", sealedKey)
	req.Header.Set("x-limit-obj", sealedUser)
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, acquisition.ErrSessionExpired
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sungrow: %s: status %d", relativeURL, resp.StatusCode)
	}
	decrypted, err := decryptAES(strings.TrimSpace(string(raw)), requestKey)
	if err != nil {
		return nil, err
	}
	return []byte(decrypted), nil
}

type psListResponse struct {
	ResultData struct {
		PageList []struct {
			PsID        json.Number `json:"ps_id"`
			PsName      string      `json:"ps_name"`
			TodayEnergy valueUnit   `json:"today_energy"`
			TotalEnergy valueUnit   `json:"total_energy"`
			Latitude    json.Number `json:"latitude"`
			Longitude   json.Number `json:"longitude"`
		} `json:"pageList"`
	} `json:"result_data"`
}

type valueUnit struct {
	Value any    `json:"value"`
	Unit  string `json:"unit"`
}

func (v valueUnit) wh() float64 {
	return energy.ToWh(fmt.Sprintf("%v %s", v.Value, v.Unit))
}

// Plants lists the account's power stations.
func (c *Client) Plants(ctx context.Context) ([]acquisition.Plant, error) {
	raw, err := c.post(ctx, "/v1/powerStationService/getPsList", map[string]any{
		"share_type_list": []string{"0", "1", "2"},
	})
	if err != nil {
		return nil, err
	}

	var out psListResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("sungrow: plant list decode: %w", err)
	}

	plants := make([]acquisition.Plant, 0, len(out.ResultData.PageList))
	for _, entry := range out.ResultData.PageList {
		lat, _ := entry.Latitude.Float64()
		lon, _ := entry.Longitude.Float64()
		plants = append(plants, acquisition.Plant{
			Vendor:        "sungrow",
			VendorPlantID: entry.PsID.String(),
			Name:          entry.PsName,
			EnergyTodayWh: entry.TodayEnergy.wh(),
			EnergyTotalWh: entry.TotalEnergy.wh(),
			Latitude:      lat,
			Longitude:     lon,
		})
	}
	return plants, nil
}

type reportResponse struct {
	ResultData struct {
		DayData struct {
			PointData15List []struct {
				TimeStamp string `json:"time_stamp"`
				P83076    any    `json:"p83076"`
			} `json:"point_data_15_list"`
		} `json:"day_data"`
		MonthData struct {
			MonthDataDayList []struct {
				DateID json.Number `json:"date_id"`
				P83022 any         `json:"p83022"`
			} `json:"month_data_day_list"`
		} `json:"month_data"`
	} `json:"result_data"`
}

// FetchDay returns the 15-minute power points of one day.
func (c *Client) FetchDay(ctx context.Context, plant acquisition.Plant, day time.Time) ([]acquisition.Reading, error) {
	report, err := c.report(ctx, plant, day.Format("20060102"), "1")
	if err != nil {
		return nil, err
	}

	points := report.ResultData.DayData.PointData15List
	readings := make([]acquisition.Reading, 0, len(points))
	for _, point := range points {
		ts, err := time.ParseInLocation("20060102150405", point.TimeStamp, day.Location())
		if err != nil {
			c.logger.Printf("sungrow: bad point timestamp %q", point.TimeStamp)
			continue
		}
		readings = append(readings, acquisition.Reading{
			PlantID:  plant.ID,
			TS:       ts,
			EnergyWh: energy.ToWh(point.P83076),
		})
	}
	return readings, nil
}

// FetchMonth returns the per-day energy totals of one month.
func (c *Client) FetchMonth(ctx context.Context, plant acquisition.Plant, month time.Time) ([]acquisition.Reading, error) {
	report, err := c.report(ctx, plant, month.Format("200601"), "2")
	if err != nil {
		return nil, err
	}

	days := report.ResultData.MonthData.MonthDataDayList
	readings := make([]acquisition.Reading, 0, len(days))
	for _, day := range days {
		ts, err := time.ParseInLocation("20060102", day.DateID.String(), month.Location())
		if err != nil {
			c.logger.Printf("sungrow: bad day id %q", day.DateID.String())
			continue
		}
		readings = append(readings, acquisition.Reading{
			PlantID:  plant.ID,
			TS:       ts,
			EnergyWh: energy.ToWh(day.P83022),
		})
	}
	return readings, nil
}

func (c *Client) report(ctx context.Context, plant acquisition.Plant, dateID, dateType string) (*reportResponse, error) {
	raw, err := c.post(ctx, "/v1/powerStationService/getHouseholdStoragePsReport", map[string]any{
		"share_type_list": []string{"0", "1", "2"},
		"ps_id":           plant.VendorPlantID,
		"date_id":         dateID,
		"date_type":       dateType,
	})
	if err != nil {
		return nil, err
	}
	var out reportResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("sungrow: report decode: %w", err)
	}
	return &out, nil
}
