// Package ecosolys fetches generation history from the Ecosolys portal.
//
// The portal front-end authenticates against a Keycloak realm with the
// OAuth 2.0 authorization-code flow plus PKCE, then calls a JSON API on a
// separate port. The client replays both.
package ecosolys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html"
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
	// DefaultAPIURL is the portal's data API.
	DefaultAPIURL = "https://portal.ecosolys.com.br:8843"
	// DefaultProviderURL is the OpenID Connect endpoint of the portal's realm.
	DefaultProviderURL = "https://portal.ecosolys.com.br:9443/auth/realms/ecoSolys/protocol/openid-connect"

	clientID    = "ecosolyspwa"
	redirectURI = "https://portal.ecosolys.com.br/home/home"
	loginState  = "fooobarbaz"
)

var formActionRE = regexp.MustCompile(`(?s)<form\s+.*?\s+action="(.*?)"`)

// Client talks to the Ecosolys portal.
type Client struct {
	httpClient  *http.Client
	apiURL      string
	providerURL string
	logger      *log.Logger
	geocoder    *geocode.Client
	token       string

	// plant id to inverter id, filled by Plants
	inverters map[string]string
}

// NewClient constructs a client. Empty URLs select the public portal. The
// geocoder may be nil; plant coordinates are then left unset.
func NewClient(apiURL, providerURL string, geocoder *geocode.Client, logger *log.Logger) (*Client, error) {
	if logger == nil {
		return nil, errors.New("ecosolys: nil logger")
	}
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if providerURL == "" {
		providerURL = DefaultProviderURL
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("ecosolys: cookie jar: %w", err)
	}
	return &Client{
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: 60 * time.Second,
			// The portal redirects to its SPA after authentication; the
			// authorization code lives in the Location header.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		apiURL:      strings.TrimSuffix(apiURL, "/"),
		providerURL: strings.TrimSuffix(providerURL, "/"),
		logger:      logger,
		geocoder:    geocoder,
		inverters:   make(map[string]string),
	}, nil
}

// Vendor implements the adapter interface.
func (c *Client) Vendor() string { return "ecosolys" }

// Login runs the PKCE handshake: request an authorization code, submit the
// realm's login form, then exchange the code for a bearer token.
func (c *Client) Login(ctx context.Context, cred acquisition.Credential) error {
	verifier, challenge, err := pkcePair()
	if err != nil {
		return fmt.Errorf("ecosolys: pkce: %w", err)
	}

	authParams := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"scope":                 {"openid"},
		"redirect_uri":          {redirectURI},
		"state":                 {loginState},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	page, _, err := c.request(ctx, http.MethodGet, c.providerURL+"/auth?"+authParams.Encode(), nil)
	if err != nil {
		return fmt.Errorf("ecosolys: authorize: %w", err)
	}
	action := formActionRE.FindStringSubmatch(page)
	if action == nil {
		return errors.New("ecosolys: login form not found")
	}

	form := url.Values{
		"username": {cred.Username},
		"password": {cred.Password},
	}
	_, location, err := c.request(ctx, http.MethodPost, html.UnescapeString(action[1]), form)
	if err != nil {
		return fmt.Errorf("ecosolys: login form: %w", err)
	}
	if !strings.HasPrefix(location, redirectURI) {
		return errors.New("ecosolys: authentication rejected")
	}
	redirect, err := url.Parse(location)
	if err != nil {
		return fmt.Errorf("ecosolys: redirect: %w", err)
	}
	code := redirect.Query().Get("code")
	if code == "" {
		return errors.New("ecosolys: authorization code missing")
	}

	tokenForm := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"redirect_uri":  {redirectURI},
		"code":          {code},
		"code_verifier": {verifier},
	}
	body, _, err := c.request(ctx, http.MethodPost, c.providerURL+"/token", tokenForm)
	if err != nil {
		return fmt.Errorf("ecosolys: token exchange: %w", err)
	}
	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal([]byte(body), &token); err != nil {
		return fmt.Errorf("ecosolys: token decode: %w", err)
	}
	if token.AccessToken == "" {
		return errors.New("ecosolys: empty access token")
	}
	c.token = token.AccessToken
	return nil
}

// pkcePair builds the code verifier and its S256 challenge the way the
// portal's SPA does: random bytes, url-safe base64, non-alphanumerics
// stripped.
func pkcePair() (verifier, challenge string, err error) {
	raw := make([]byte, 40)
	if _, err = rand.Read(raw); err != nil {
		return "", "", err
	}
	verifier = base64.URLEncoding.EncodeToString(raw)
	verifier = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return -1
	}, verifier)
	sum := sha256.Sum256([]byte(verifier))
	challenge = strings.TrimRight(base64.URLEncoding.EncodeToString(sum[:]), "=")
	return verifier, challenge, nil
}

type portalPlant struct {
	ID         json.Number `json:"id"`
	Nome       string      `json:"nome"`
	Endereco   string      `json:"endereco"`
	CEP        string      `json:"cep"`
	Cidade     string      `json:"cidade"`
	UF         string      `json:"uf"`
	Inversores []struct {
		ID json.Number `json:"id"`
	} `json:"inversores"`
}

type generationResponse struct {
	GeracaoEnergia float64 `json:"geracaoEnergia"`
}

type chartResponse struct {
	Dados []struct {
		Data       string  `json:"data"`
		Quantidade float64 `json:"quantidade"`
	} `json:"dados"`
}

// Plants lists the account's plants, geocodes their addresses and reads the
// lifetime and today's totals from each plant's first inverter.
func (c *Client) Plants(ctx context.Context) ([]acquisition.Plant, error) {
	body, err := c.getAPI(ctx, "/api-v1/planta", nil)
	if err != nil {
		return nil, fmt.Errorf("ecosolys: plant list: %w", err)
	}
	var portalPlants []portalPlant
	if err := json.Unmarshal([]byte(body), &portalPlants); err != nil {
		return nil, fmt.Errorf("ecosolys: plant list decode: %w", err)
	}

	today := time.Now().Format("2006-01-02")
	plants := make([]acquisition.Plant, 0, len(portalPlants))
	for _, pp := range portalPlants {
		if len(pp.Inversores) == 0 {
			c.logger.Printf("ecosolys: plant %s has no inverter, skipping", pp.ID)
			continue
		}
		inverter := pp.Inversores[0].ID.String()
		c.inverters[pp.ID.String()] = inverter

		plant := acquisition.Plant{
			Vendor:        "ecosolys",
			VendorPlantID: pp.ID.String(),
			Name:          plantName(pp.Nome),
		}

		if c.geocoder != nil {
			full := fmt.Sprintf("%s, %s, %s, %s", pp.Endereco, pp.Cidade, pp.UF, pp.CEP)
			short := fmt.Sprintf("%s, %s", pp.Endereco, pp.Cidade)
			if lat, lon, err := c.geocoder.Search(ctx, full, short); err == nil {
				plant.Latitude = lat
				plant.Longitude = lon
			} else if !errors.Is(err, geocode.ErrNotFound) {
				c.logger.Printf("ecosolys: locate %s: %v", pp.ID, err)
			}
		}

		if total, err := c.generation(ctx, "/api-v1/inversor/geracao/total", url.Values{"inversorId": {inverter}}); err == nil {
			plant.EnergyTotalWh = total * 1_000
		}
		if day, err := c.generation(ctx, "/api-v1/inversor/geracao/dia", url.Values{"inversorId": {inverter}, "dia": {today}}); err == nil {
			plant.EnergyTodayWh = day * 1_000
		}
		plants = append(plants, plant)
	}
	return plants, nil
}

// plantName drops the portal's "- <serial>" suffix.
func plantName(nome string) string {
	if idx := strings.LastIndex(nome, "-"); idx >= 0 {
		return strings.TrimSpace(nome[:idx])
	}
	return strings.TrimSpace(nome)
}

// FetchDay returns the hourly chart of one day. An empty chart marks the end
// of the inverter's history.
func (c *Client) FetchDay(ctx context.Context, plant acquisition.Plant, day time.Time) ([]acquisition.Reading, error) {
	inverter, err := c.inverterFor(ctx, plant)
	if err != nil {
		return nil, err
	}
	chart, err := c.chart(ctx, "/api-v1/inversor/geracao/dia", url.Values{
		"inversorId": {inverter},
		"dia":        {day.Format("2006-01-02")},
	})
	if err != nil {
		return nil, err
	}
	if len(chart.Dados) == 0 {
		return nil, acquisition.ErrEndOfHistory
	}
	readings := make([]acquisition.Reading, 0, len(chart.Dados))
	for _, point := range chart.Dados {
		ts, err := time.ParseInLocation("2006-01-02T15:04", point.Data, day.Location())
		if err != nil {
			return nil, fmt.Errorf("ecosolys: day point %q: %w", point.Data, err)
		}
		readings = append(readings, acquisition.Reading{
			PlantID:  plant.ID,
			TS:       ts,
			EnergyWh: energy.ToWh(fmt.Sprintf("%v kwh", point.Quantidade)),
		})
	}
	return readings, nil
}

// FetchMonth returns the daily totals of one month. An empty chart marks the
// end of the inverter's history.
func (c *Client) FetchMonth(ctx context.Context, plant acquisition.Plant, month time.Time) ([]acquisition.Reading, error) {
	inverter, err := c.inverterFor(ctx, plant)
	if err != nil {
		return nil, err
	}
	chart, err := c.chart(ctx, "/api-v1/inversor/geracao/mes", url.Values{
		"inversorId": {inverter},
		"mes":        {month.Format("2006-01-02")},
	})
	if err != nil {
		return nil, err
	}
	if len(chart.Dados) == 0 {
		return nil, acquisition.ErrEndOfHistory
	}
	readings := make([]acquisition.Reading, 0, len(chart.Dados))
	for _, point := range chart.Dados {
		ts, err := time.ParseInLocation("2006-01-02", point.Data, month.Location())
		if err != nil {
			return nil, fmt.Errorf("ecosolys: month point %q: %w", point.Data, err)
		}
		readings = append(readings, acquisition.Reading{
			PlantID:  plant.ID,
			TS:       ts,
			EnergyWh: energy.ToWh(fmt.Sprintf("%v kwh", point.Quantidade)),
		})
	}
	return readings, nil
}

// inverterFor resolves the inverter behind a plant, refreshing the plant list
// when the mapping is not cached yet.
func (c *Client) inverterFor(ctx context.Context, plant acquisition.Plant) (string, error) {
	if inverter, ok := c.inverters[plant.VendorPlantID]; ok {
		return inverter, nil
	}
	if _, err := c.Plants(ctx); err != nil {
		return "", err
	}
	inverter, ok := c.inverters[plant.VendorPlantID]
	if !ok {
		return "", fmt.Errorf("ecosolys: no inverter for plant %s", plant.VendorPlantID)
	}
	return inverter, nil
}

func (c *Client) generation(ctx context.Context, path string, params url.Values) (float64, error) {
	body, err := c.getAPI(ctx, path, params)
	if err != nil {
		return 0, err
	}
	var out generationResponse
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return 0, err
	}
	return out.GeracaoEnergia, nil
}

func (c *Client) chart(ctx context.Context, path string, params url.Values) (*chartResponse, error) {
	body, err := c.getAPI(ctx, path, params)
	if err != nil {
		return nil, err
	}
	var out chartResponse
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, fmt.Errorf("ecosolys: chart decode: %w", err)
	}
	return &out, nil
}

func (c *Client) getAPI(ctx context.Context, path string, params url.Values) (string, error) {
	u := c.apiURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", acquisition.ErrSessionExpired
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	return string(body), nil
}

// request issues one non-following request and returns the body plus the
// Location header, when the response is a redirect.
func (c *Client) request(ctx context.Context, method, u string, form url.Values) (body, location string, err error) {
	var reader io.Reader
	if form != nil {
		reader = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return "", "", err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return "", "", fmt.Errorf("status %d", resp.StatusCode)
	}
	return string(raw), resp.Header.Get("Location"), nil
}
