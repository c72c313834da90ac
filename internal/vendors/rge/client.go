// Package rge pulls billing data from the CPFL/RGE customer portal.
//
// The portal splits in two: a browser-only login that hands out a bearer
// token (see browser.go) and a JSON web API the agency SPA calls with that
// token. Generation statements come back as a base64 Excel file.
package rge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// DefaultAPIBaseURL is the agency web API behind the customer portal.
const DefaultAPIBaseURL = "https://servicosonline.cpfl.com.br/agencia-webapi/api"

// noExpiration is the portal's placeholder for credits that never expire.
const noExpiration = "00/00/0000"

var (
	// ErrCPFNotFound means the portal asked for a holder document but the
	// stored credential has none.
	ErrCPFNotFound = errors.New("rge: cpf/cnpj missing from stored credential")
	// ErrPhoneNotFound means the portal's first-access form needs a phone
	// number but the stored credential has none.
	ErrPhoneNotFound = errors.New("rge: phone missing from stored credential")
)

// Session is one authenticated installation context collected by the browser
// flow: the bearer token plus the situation payload the SPA itself sent.
type Session struct {
	InstallationCode string
	Address          string
	Token            string
	Situation        map[string]json.RawMessage
}

// Installation returns the installation number from the captured payload.
func (s Session) Installation() string {
	return rawString(s.Situation["Instalacao"])
}

func rawString(raw json.RawMessage) string {
	var v string
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	return strings.Trim(string(raw), `"`)
}

// Client calls the agency web API with a browser-collected session.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *log.Logger
	now        func() time.Time
}

// NewClient constructs a client. An empty baseURL selects the public API.
func NewClient(baseURL string, logger *log.Logger) (*Client, error) {
	if logger == nil {
		return nil, errors.New("rge: nil logger")
	}
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: 90 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		logger:     logger,
		now:        time.Now,
	}, nil
}

// GenerationEntry is one row of the micro/mini-generation statement. The
// portal reports every quantity as a formatted string; values stay verbatim
// and are parsed by the billing layer.
type GenerationEntry struct {
	TipoGeracao                 string `json:"TipoGeracao"`
	TipoInstalacao              string `json:"TipoInstalacao"`
	MesReferencia               string `json:"MesReferencia"`
	Porcentagem                 string `json:"Porcentagem"`
	ConsumoMensalPonta          string `json:"ConsumoMensalPonta"`
	ConsumoMensalForaPonta      string `json:"ConsumoMensalForaPonta"`
	EnergiaInjetadaPonta        string `json:"EnergiaInjetadaPonta"`
	EnergiaInjetadaForaPonta    string `json:"EnergiaInjetadaForaPonta"`
	EnergiaRecebidaPonta        string `json:"EnergiaRecebidaPonta"`
	EnergiaRecebidaForaPonta    string `json:"EnergiaRecebidaForaPonta"`
	CreditosUtilizadosPonta     string `json:"CreditosUtilizadosPonta"`
	CreditosUtilizadosForaPonta string `json:"CreditosUtilizadosForaPonta"`
	CreditosExpiradosPonta      string `json:"CreditosExpiradosPonta"`
	CreditosExpiradosForaPonta  string `json:"CreditosExpiradosForaPonta"`
	SaldoMensalPonta            string `json:"SaldoMensalPonta"`
	SaldoMensalForaPonta        string `json:"SaldoMensalForaPonta"`
	CreditosExpirarPonta        string `json:"CreditosExpirarPonta"`
	CreditosExpirarForaPonta    string `json:"CreditosExpirarForaPonta"`
	MesExpiracao                string `json:"MesExpiracao"`
}

// ReferenceMonth parses the entry's reference date.
func (e GenerationEntry) ReferenceMonth(loc *time.Location) (time.Time, error) {
	return time.ParseInLocation("02/01/2006", e.MesReferencia, loc)
}

// ExpirationMonth parses the credit expiration date, nil when the portal
// reports the no-expiration placeholder.
func (e GenerationEntry) ExpirationMonth(loc *time.Location) (*time.Time, error) {
	if e.MesExpiracao == noExpiration || e.MesExpiracao == "" {
		return nil, nil
	}
	ts, err := time.ParseInLocation("02/01/2006", e.MesExpiracao, loc)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

// GenerationStatus is the validated micro/mini-generation situation.
type GenerationStatus struct {
	Protocolo string            `json:"Protocolo"`
	Entries   []GenerationEntry `json:"ListGeracoes"`
}

// ValidateGeneration replays the SPA's situation call with full details and
// returns the statement rows plus the protocol later calls need.
func (c *Client) ValidateGeneration(ctx context.Context, session Session) (*GenerationStatus, error) {
	payload := make(map[string]any, len(session.Situation)+1)
	for key, value := range session.Situation {
		payload[key] = value
	}
	payload["RetornarDetalhes"] = true

	var status GenerationStatus
	if err := c.postJSON(ctx, session.Token, "/micro-mini-geracao/validar-situacao", payload, &status); err != nil {
		return nil, fmt.Errorf("rge: validate generation: %w", err)
	}
	return &status, nil
}

// ReportRow is one line of the Excel statement, keyed by the current reading
// date so it can be joined against GenerationEntry.MesReferencia.
type ReportRow struct {
	PreviousReading    string
	AccumulatedBalance string
}

// GenerationReport downloads the Excel statement covering the thirteen
// months up to now and indexes its rows by the current reading date.
func (c *Client) GenerationReport(ctx context.Context, session Session, protocol string) (map[string]ReportRow, error) {
	now := c.now()
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	params := url.Values{
		"instalacao": {session.Installation()},
		"mesInicio":  {firstOfMonth.AddDate(0, -13, 0).Format("02012006")},
		"mesFim":     {now.Format("02012006")},
		"protocolo":  {protocol},
	}

	var out struct {
		Success bool   `json:"Success"`
		Bytes   string `json:"Bytes"`
	}
	if err := c.getJSON(ctx, session.Token, "/micro-mini-geracao/obter-relatorio-excel?"+params.Encode(), &out); err != nil {
		return nil, fmt.Errorf("rge: generation report: %w", err)
	}
	if !out.Success {
		return map[string]ReportRow{}, nil
	}
	raw, err := base64.StdEncoding.DecodeString(out.Bytes)
	if err != nil {
		return nil, fmt.Errorf("rge: report decode: %w", err)
	}
	return parseReport(raw)
}

// parseReport reads the statement workbook. The sheet has a header row with
// named columns; only the reading dates and the off-peak balance matter.
func parseReport(raw []byte) (map[string]ReportRow, error) {
	book, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("rge: report workbook: %w", err)
	}
	defer book.Close()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("rge: report workbook has no sheets")
	}
	rows, err := book.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("rge: report rows: %w", err)
	}
	if len(rows) == 0 {
		return map[string]ReportRow{}, nil
	}

	currentCol, previousCol, balanceCol := -1, -1, -1
	for i, name := range rows[0] {
		switch strings.TrimSpace(name) {
		case "Data de Leitura Atual":
			currentCol = i
		case "Data de Leitura Anterior":
			previousCol = i
		case "Saldo Acumulado (Fora Ponta)":
			balanceCol = i
		}
	}
	if currentCol < 0 {
		return nil, errors.New("rge: report is missing the current reading column")
	}

	report := make(map[string]ReportRow, len(rows)-1)
	for _, row := range rows[1:] {
		if currentCol >= len(row) || strings.TrimSpace(row[currentCol]) == "" {
			continue
		}
		entry := ReportRow{}
		if previousCol >= 0 && previousCol < len(row) {
			entry.PreviousReading = strings.TrimSpace(row[previousCol])
		}
		if balanceCol >= 0 && balanceCol < len(row) {
			entry.AccumulatedBalance = strings.TrimSpace(row[balanceCol])
		}
		report[strings.TrimSpace(row[currentCol])] = entry
	}
	return report, nil
}

// ContractNumber loads the installation's contract id, needed by the
// consumption history call.
func (c *Client) ContractNumber(ctx context.Context, session Session) (string, error) {
	var out struct {
		Contrato json.Number `json:"Contrato"`
	}
	if err := c.getJSON(ctx, session.Token, "/instalacao/"+url.PathEscape(session.Installation()), &out); err != nil {
		return "", fmt.Errorf("rge: contract: %w", err)
	}
	return out.Contrato.String(), nil
}

type priceList struct {
	Historico struct {
		DataProximaLeitura string `json:"DataProximaLeitura"`
	} `json:"Historico"`
	Precos []struct {
		Tarifa    string      `json:"Tarifa"`
		Descricao string      `json:"Descricao"`
		TipoPreco json.Number `json:"TipoPreco"`
	} `json:"Precos"`
}

type billingResponse struct {
	MesAtual    priceList `json:"MesAtual"`
	MesAnterior priceList `json:"MesAnterior"`
}

// BillingStatus carries the next scheduled meter read and the average
// consumption tariffs of the current and previous month.
type BillingStatus struct {
	NextReading    time.Time
	CurrentTariff  float64
	PreviousTariff float64
}

// BillingSituation reads the "conta fácil" snapshot. A 412 means the account
// never opened that page; the first-access log unlocks it.
func (c *Client) BillingSituation(ctx context.Context, session Session, loc *time.Location) (*BillingStatus, error) {
	installation := session.Situation["Instalacao"]
	var out billingResponse
	err := c.postJSON(ctx, session.Token, "/conta-facil/validar-situacao", map[string]any{
		"Instalacao": installation,
	}, &out)
	if errors.Is(err, errFirstAccess) {
		c.logger.Printf("rge: first access for installation %s, unlocking", session.Installation())
		if err := c.postJSON(ctx, session.Token, "/conta-facil/log-primeiro-acesso", map[string]any{
			"Instalacao": installation,
		}, &struct{}{}); err != nil {
			return nil, fmt.Errorf("rge: first access log: %w", err)
		}
		now := c.now()
		err = c.postJSON(ctx, session.Token, "/conta-facil/validar-situacao", map[string]any{
			"Instalacao":     installation,
			"DataReferencia": time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).Format("02/01/2006"),
		}, &out)
	}
	if err != nil {
		return nil, fmt.Errorf("rge: billing situation: %w", err)
	}

	next, err := time.ParseInLocation("02/01/2006", out.MesAtual.Historico.DataProximaLeitura, loc)
	if err != nil {
		return nil, fmt.Errorf("rge: next reading date: %w", err)
	}
	return &BillingStatus{
		NextReading:    next,
		CurrentTariff:  averageTariff(out.MesAtual),
		PreviousTariff: averageTariff(out.MesAnterior),
	}, nil
}

// averageTariff sums the averages of the two consumption price components,
// considering only the residential tariff class.
func averageTariff(prices priceList) float64 {
	var sumTU, sumTE float64
	var countTU, countTE int
	for _, price := range prices.Precos {
		if price.Tarifa != "2" {
			continue
		}
		value, err := price.TipoPreco.Float64()
		if err != nil {
			continue
		}
		switch price.Descricao {
		case "TU-Consumo":
			sumTU += value
			countTU++
		case "TE-Consumo":
			sumTE += value
			countTE++
		}
	}
	var tariff float64
	if countTU > 0 {
		tariff += sumTU / float64(countTU)
	}
	if countTE > 0 {
		tariff += sumTE / float64(countTE)
	}
	return tariff
}

// ConsumptionPoint is one month of metered consumption joined with its
// billed amount.
type ConsumptionPoint struct {
	Month          time.Time
	ConsumptionKWh float64
	AmountBRL      float64
}

type graphsResponse struct {
	Graficos []struct {
		TipoGrafico string `json:"TipoGrafico"`
		Dados       []struct {
			Categoria string      `json:"Categoria"`
			Valor     json.Number `json:"Valor"`
		} `json:"Dados"`
	} `json:"Graficos"`
}

// ConsumptionHistory joins the consumption and billing history charts into
// one point per month.
func (c *Client) ConsumptionHistory(ctx context.Context, session Session, contract string, loc *time.Location) ([]ConsumptionPoint, error) {
	var out graphsResponse
	err := c.postJSON(ctx, session.Token, "/historico-consumo/busca-graficos", map[string]any{
		"Instalacao":      session.Situation["Instalacao"],
		"CodigoClasse":    "1",
		"CodEmpresaSAP":   session.Situation["CodEmpresaSAP"],
		"NumeroContrato":  contract,
		"TipoGrafico":     "Todos",
		"ParceiroNegocio": session.Situation["ParceiroNegocio"],
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("rge: consumption history: %w", err)
	}

	consumption := make(map[time.Time]float64)
	var points []ConsumptionPoint
	for _, graph := range out.Graficos {
		if graph.TipoGrafico != "HistoricoConsumo" {
			continue
		}
		for _, item := range graph.Dados {
			// Estimated readings carry an asterisk in the month label.
			month, err := time.ParseInLocation("01/2006", strings.ReplaceAll(item.Categoria, "*", ""), loc)
			if err != nil {
				continue
			}
			value, _ := item.Valor.Float64()
			consumption[month] = value
		}
	}
	for _, graph := range out.Graficos {
		if graph.TipoGrafico != "HistoricoFaturamento" {
			continue
		}
		for _, item := range graph.Dados {
			month, err := time.ParseInLocation("01/2006", item.Categoria, loc)
			if err != nil {
				continue
			}
			amount, _ := item.Valor.Float64()
			points = append(points, ConsumptionPoint{
				Month:          month,
				ConsumptionKWh: consumption[month],
				AmountBRL:      amount,
			})
		}
	}
	return points, nil
}

var errFirstAccess = errors.New("rge: precondition failed")

func (c *Client) postJSON(ctx context.Context, token, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, token, out)
}

func (c *Client) getJSON(ctx context.Context, token, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, token, out)
}

func (c *Client) do(req *http.Request, token string, out any) error {
	req.Header.Set("Authorization", token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusPreconditionFailed {
		return errFirstAccess
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.Unmarshal(raw, out)
}

// ParseDecimal reads the portal's pt-BR formatted numbers ("1.234,56").
// Blank and malformed values count as zero, matching how the statement
// renders empty cells.
func ParseDecimal(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	s = strings.ReplaceAll(s, ".", "")
	s = strings.ReplaceAll(s, ",", ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
