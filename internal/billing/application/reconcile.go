package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	acquisition "solarsync/internal/acquisition/domain"
	billing "solarsync/internal/billing/domain"
)

// Machine-readable problem keys surfaced in the report's info block. The UI
// dispatches its warning banners on these values.
const (
	KeyMissingGeneration = "falta_geracao"
	KeyIncompleteSelfUse = "autoconsumo_incompleto"
	KeyMissingBaseline   = "falta_geracao_media"
	KeyMissingMeterRead  = "falta_leitura"
)

const (
	msgMissingGeneration = "DADOS INCONSISTENTES: Necessária atualização de geração ou há falta de comunicação do datalogger"
	msgIncompleteSelfUse = "Existem dias sem geração registrada nos meses indicados"
	msgMissingBaseline   = "Cadastre a geração média mensal do projeto para habilitar as comparações"
	msgMissingMeterRead  = "A distribuidora ainda não publicou a leitura do mês atual"
)

// reportWindow caps every per-installation listing at thirteen months, enough
// to show the current month next to the same month one year earlier.
const reportWindow = 13

// selfUsePlaceholder replaces the self-consumption figure for months whose
// generation series has gaps inside the billing window.
const selfUsePlaceholder = "*"

// MonthlyRecord is one billing month of one installation, shaped for the UI.
type MonthlyRecord struct {
	Month              string  `json:"mes"`
	ConsumptionKWh     float64 `json:"consumo"`
	AmountBRL          string  `json:"valor"`
	InjectedKWh        float64 `json:"injetada"`
	ReceivedKWh        float64 `json:"recebida"`
	SelfConsumption    string  `json:"soma_geracao"`
	BilledKWh          float64 `json:"energia_faturada"`
	TotalKWh           float64 `json:"consumo_total"`
	PercentConsumption float64 `json:"percent"`
	PercentInjection   float64 `json:"percent_inject"`
	PercentAmount      float64 `json:"percent_valor"`
	PercentTotal       float64 `json:"percent_consumo_total"`
	PercentTotalCons   float64 `json:"percent_ct_consumo"`
	PercentTotalGen    float64 `json:"percent_ct_geracao"`
}

// Info carries the economy-by-month figures and the data-quality flags.
// Problems never abort a reconciliation; they ride along for the UI banner.
type Info struct {
	Economy          map[string]float64 `json:"economia"`
	Problem          bool               `json:"problema"`
	ActionNeeded     string             `json:"acao_necessaria"`
	Details          []string           `json:"info_adicional"`
	KeyError         string             `json:"key_error"`
	BaselineKWh      float64            `json:"consumo_inicial_projeto"`
	AnnualAverageKWh float64            `json:"consumo_medio_anual"`
}

// Forecast is the year-over-year trend block.
type Forecast struct {
	TrendPercent   float64 `json:"percentagem_dif_medias"`
	MonthlyPercent float64 `json:"percentagem_media_anual"`
	MonthsCompared int     `json:"meses_analisados"`
}

// Report is the reconciliation result for one client: per-installation month
// listings keyed by "<code> - <kind>", plus the info and forecast blocks.
type Report struct {
	Installations map[string][]MonthlyRecord
	Info          Info
	Forecast      *Forecast
}

// Empty reports whether the client had no installations to reconcile.
func (r *Report) Empty() bool {
	return r == nil || len(r.Installations) == 0
}

// MarshalJSON flattens the report into the UI payload: installation labels as
// top-level keys next to "info" and "previsao". An empty report serializes to
// an empty object.
func (r *Report) MarshalJSON() ([]byte, error) {
	if r.Empty() {
		return []byte("{}"), nil
	}
	out := make(map[string]any, len(r.Installations)+2)
	for label, rows := range r.Installations {
		out[label] = rows
	}
	out["info"] = r.Info
	if r.Forecast != nil {
		out["previsao"] = r.Forecast
	}
	return json.Marshal(out)
}

func (r *Report) flagProblem(key, action string) {
	r.Info.Problem = true
	r.Info.KeyError = key
	r.Info.ActionNeeded = action
}

// Reconciler joins a client's utility billing records with its generation
// series and produces the monthly reconciliation report.
type Reconciler struct {
	plants        acquisition.PlantRepository
	installations billing.InstallationRepository
	consumptions  billing.ConsumptionRepository
	injections    billing.InjectionRepository
	readings      acquisition.ReadingRepository
	logger        *log.Logger
	loc           *time.Location
	now           func() time.Time
}

// NewReconciler constructs the engine.
func NewReconciler(
	plants acquisition.PlantRepository,
	installations billing.InstallationRepository,
	consumptions billing.ConsumptionRepository,
	injections billing.InjectionRepository,
	readings acquisition.ReadingRepository,
	logger *log.Logger,
) (*Reconciler, error) {
	if plants == nil || installations == nil || consumptions == nil || injections == nil || readings == nil {
		return nil, errors.New("reconciler: nil repository")
	}
	if logger == nil {
		return nil, errors.New("reconciler: nil logger")
	}
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		return nil, fmt.Errorf("reconciler: load location: %w", err)
	}
	return &Reconciler{
		plants:        plants,
		installations: installations,
		consumptions:  consumptions,
		injections:    injections,
		readings:      readings,
		logger:        logger,
		loc:           loc,
		now:           time.Now,
	}, nil
}

type yearMonth struct {
	year  int
	month time.Month
}

func keyOf(ts time.Time) yearMonth {
	return yearMonth{year: ts.Year(), month: ts.Month()}
}

func monthLabel(ts time.Time) string {
	return ts.Format("01/2006")
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Reconcile builds the report for one client. Data-quality findings are
// reported as flags, never as errors; only storage failures abort.
func (s *Reconciler) Reconcile(ctx context.Context, clientID int64) (*Report, error) {
	insts, err := s.installations.ListByClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("reconcile client %d: installations: %w", clientID, err)
	}
	if len(insts) == 0 {
		return &Report{}, nil
	}

	plant, err := s.plants.Get(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("reconcile client %d: plant: %w", clientID, err)
	}

	report := &Report{
		Installations: make(map[string][]MonthlyRecord, len(insts)),
		Info: Info{
			Economy:     make(map[string]float64),
			Details:     []string{},
			BaselineKWh: plant.ProjectAvgGeneration,
		},
	}
	if plant.ProjectAvgGeneration == 0 {
		report.flagProblem(KeyMissingBaseline, msgMissingBaseline)
	}

	latestGeneration, err := s.readings.LatestPositive(ctx, acquisition.SeriesComplete, clientID)
	if err != nil {
		return nil, fmt.Errorf("reconcile client %d: latest generation: %w", clientID, err)
	}

	nowMonth := keyOf(s.now().In(s.loc))
	var newestBilled time.Time
	totalsByMonth := make(map[yearMonth]float64)
	labelsTotals := make(map[string]float64)

	for _, inst := range insts {
		rows, kind, err := s.buildInstallation(ctx, report, inst, clientID, latestGeneration)
		if err != nil {
			return nil, err
		}
		if len(rows.records) == 0 {
			continue
		}
		if rows.newestMonth.After(newestBilled) {
			newestBilled = rows.newestMonth
		}
		label := fmt.Sprintf("%s - %s", inst.Code, kind)
		report.Installations[label] = rows.records

		for i, rec := range rows.records {
			totalsByMonth[rows.keys[i]] += rec.TotalKWh
			labelsTotals[rec.Month] += rec.TotalKWh
		}
	}

	if !newestBilled.IsZero() && keyOf(newestBilled) != nowMonth {
		report.flagProblem(KeyMissingMeterRead, msgMissingMeterRead)
		report.Info.Details = append(report.Info.Details, monthLabel(newestBilled))
	}

	report.Info.AnnualAverageKWh = annualAverage(labelsTotals, s.loc)
	report.Forecast = yearTrend(totalsByMonth, nowMonth.year)
	return report, nil
}

type installationRows struct {
	records     []MonthlyRecord
	keys        []yearMonth
	newestMonth time.Time
}

func (s *Reconciler) buildInstallation(
	ctx context.Context,
	report *Report,
	inst billing.Installation,
	clientID int64,
	latestGeneration time.Time,
) (installationRows, string, error) {
	var rows installationRows

	cons, err := s.consumptions.ListByInstallation(ctx, inst.ID)
	if err != nil {
		return rows, "", fmt.Errorf("reconcile installation %s: consumption: %w", inst.Code, err)
	}
	if len(cons) == 0 {
		return rows, "", nil
	}
	sort.Slice(cons, func(i, j int) bool { return cons[i].Month.After(cons[j].Month) })
	rows.newestMonth = cons[0].Month

	var tariff float64
	for _, c := range cons {
		if c.Tariff != nil {
			tariff = *c.Tariff
			break
		}
	}

	injs, err := s.injections.ListByInstallation(ctx, inst.ID, len(cons))
	if err != nil {
		return rows, "", fmt.Errorf("reconcile installation %s: injection: %w", inst.Code, err)
	}
	kind := billing.KindGeradora
	if len(injs) > 0 && injs[0].Kind != "" {
		kind = injs[0].Kind
	}
	injByMonth := make(map[yearMonth]billing.Injection, len(injs))
	for _, inj := range injs {
		injByMonth[keyOf(inj.ReferenceMonth)] = inj
	}

	window := cons
	if len(window) > reportWindow {
		window = window[:reportWindow]
	}

	type monthFacts struct {
		cons       billing.Consumption
		inj        billing.Injection
		selfKWh    float64
		incomplete bool
	}
	facts := make([]monthFacts, 0, len(window))
	var maxCons, maxAmount, maxExchange, maxTotal float64

	for _, c := range window {
		f := monthFacts{cons: c}
		key := keyOf(c.Month)
		f.inj = injByMonth[key]

		if kind != billing.KindBeneficiada && f.inj.PreviousReading != nil {
			windowDays := int(f.inj.ReferenceMonth.Sub(*f.inj.PreviousReading).Hours() / 24)
			staleDays := int(f.inj.ReferenceMonth.Sub(latestGeneration).Hours() / 24)
			if latestGeneration.IsZero() || staleDays > windowDays/10 {
				report.flagProblem(KeyMissingGeneration, msgMissingGeneration)
			}
			sumWh, days, err := s.readings.SumWindow(ctx, acquisition.SeriesComplete, clientID, *f.inj.PreviousReading, f.inj.ReferenceMonth)
			if err != nil {
				return rows, "", fmt.Errorf("reconcile installation %s: generation window: %w", inst.Code, err)
			}
			f.selfKWh = sumWh / 1000
			if days != windowDays && key != keyOf(rows.newestMonth) {
				f.incomplete = true
				report.flagProblem(KeyIncompleteSelfUse, msgIncompleteSelfUse)
				report.Info.Details = append(report.Info.Details, monthLabel(c.Month))
			}
		}

		exchange := f.inj.InjectedKWh
		if kind == billing.KindBeneficiada {
			exchange = f.inj.ReceivedKWh
		}
		if c.ConsumptionKWh > maxCons {
			maxCons = c.ConsumptionKWh
		}
		if c.AmountBRL > maxAmount {
			maxAmount = c.AmountBRL
		}
		if exchange > maxExchange {
			maxExchange = exchange
		}
		if total := s.monthTotal(kind, c, f.inj, f.selfKWh); total > maxTotal {
			maxTotal = total
		}
		facts = append(facts, f)
	}

	// Low billed amounts make the value bar jump around; pin the scale.
	if maxAmount < 200 {
		maxAmount = 400
	}

	rows.records = make([]MonthlyRecord, 0, len(facts))
	rows.keys = make([]yearMonth, 0, len(facts))
	for _, f := range facts {
		c, inj := f.cons, f.inj
		label := monthLabel(c.Month)
		total := s.monthTotal(kind, c, inj, f.selfKWh)

		rec := MonthlyRecord{
			Month:           label,
			ConsumptionKWh:  c.ConsumptionKWh,
			AmountBRL:       fmt.Sprintf("%.2f", c.AmountBRL),
			InjectedKWh:     inj.InjectedKWh,
			ReceivedKWh:     inj.ReceivedKWh,
			SelfConsumption: fmt.Sprintf("%.2f", f.selfKWh),
			TotalKWh:        total,
		}
		if f.incomplete {
			rec.SelfConsumption = selfUsePlaceholder
		}

		exchange := inj.InjectedKWh
		if kind == billing.KindBeneficiada {
			exchange = inj.ReceivedKWh
			rec.BilledKWh = c.ConsumptionKWh - inj.ReceivedKWh
			report.Info.Economy[label] += round2(inj.ReceivedKWh * tariff)
		} else {
			rec.BilledKWh = c.ConsumptionKWh - inj.InjectedKWh
			report.Info.Economy[label] += round2((c.ConsumptionKWh+f.selfKWh-inj.InjectedKWh)*tariff - c.AmountBRL)
		}

		if maxCons > 0 {
			rec.PercentConsumption = c.ConsumptionKWh / maxCons * 100
		}
		if maxExchange > 0 {
			rec.PercentInjection = exchange / maxExchange * 100
		}
		rec.PercentAmount = c.AmountBRL / maxAmount * 100
		if maxTotal > 0 {
			rec.PercentTotal = total / maxTotal * 100
		}
		if denom := c.ConsumptionKWh + f.selfKWh; denom > 0 {
			rec.PercentTotalCons = rec.PercentTotal * c.ConsumptionKWh / denom
			rec.PercentTotalGen = rec.PercentTotal * f.selfKWh / denom
		}

		rows.records = append(rows.records, rec)
		rows.keys = append(rows.keys, keyOf(c.Month))
	}
	return rows, kind, nil
}

// monthTotal is the billed-plus-self-consumed energy for one month. Only
// generating installations fold generation in; receiving ones are billed on
// metered consumption alone.
func (s *Reconciler) monthTotal(kind string, c billing.Consumption, inj billing.Injection, selfKWh float64) float64 {
	if kind == billing.KindBeneficiada {
		return round2(c.ConsumptionKWh)
	}
	return round2(c.ConsumptionKWh + selfKWh - inj.InjectedKWh)
}

// annualAverage averages the client-wide monthly totals over the twelve most
// recent months present.
func annualAverage(byLabel map[string]float64, loc *time.Location) float64 {
	if len(byLabel) == 0 {
		return 0
	}
	type monthTotal struct {
		ts    time.Time
		total float64
	}
	months := make([]monthTotal, 0, len(byLabel))
	for label, total := range byLabel {
		ts, err := time.ParseInLocation("01/2006", label, loc)
		if err != nil {
			continue
		}
		months = append(months, monthTotal{ts: ts, total: total})
	}
	sort.Slice(months, func(i, j int) bool { return months[i].ts.After(months[j].ts) })
	if len(months) > 12 {
		months = months[:12]
	}
	var sum float64
	for _, m := range months {
		sum += m.total
	}
	return round2(sum / float64(len(months)))
}

// yearTrend compares the months present in both the current and the previous
// year: the current-year average over all its months against the
// previous-year average over the shared months only. Nil when the two years
// share no months or the previous year has no consumption.
func yearTrend(totals map[yearMonth]float64, currentYear int) *Forecast {
	curMonths := make(map[time.Month]bool)
	prevMonths := make(map[time.Month]bool)
	for key := range totals {
		switch key.year {
		case currentYear:
			curMonths[key.month] = true
		case currentYear - 1:
			prevMonths[key.month] = true
		}
	}

	var shared []time.Month
	for m := range curMonths {
		if prevMonths[m] {
			shared = append(shared, m)
		}
	}
	if len(shared) == 0 {
		return nil
	}

	var curSum, curCount, prevSum float64
	for key, total := range totals {
		if key.year == currentYear {
			curSum += total
			curCount++
		}
	}
	for _, m := range shared {
		prevSum += totals[yearMonth{year: currentYear - 1, month: m}]
	}

	curMean := curSum / curCount
	prevMean := prevSum / float64(len(shared))
	if prevMean == 0 {
		return nil
	}

	trend := round2((curMean - prevMean) / prevMean * 100)
	return &Forecast{
		TrendPercent:   trend,
		MonthlyPercent: round2(trend / 12),
		MonthsCompared: len(shared),
	}
}
