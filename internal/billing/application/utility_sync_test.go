package application

import (
	"context"
	"errors"
	"log"
	"os"
	"testing"
	"time"

	acquisition "solarsync/internal/acquisition/domain"
	"solarsync/internal/vendors/rge"
)

type stubCredRepo struct {
	cred acquisition.Credential
	err  error
}

func (s *stubCredRepo) FindByVendor(context.Context, string) (acquisition.Credential, error) {
	return s.cred, s.err
}

type stubMarkRepo struct {
	nextReads map[int64]time.Time
}

func (s *stubMarkRepo) Get(context.Context, int64, acquisition.SeriesKind) (time.Time, error) {
	return time.Time{}, nil
}

func (s *stubMarkRepo) Advance(context.Context, int64, acquisition.SeriesKind, time.Time) error {
	return nil
}

func (s *stubMarkRepo) NextUtilityRead(_ context.Context, clientID int64) (time.Time, error) {
	return s.nextReads[clientID], nil
}

func (s *stubMarkRepo) SetNextUtilityRead(_ context.Context, clientID int64, ts time.Time) error {
	if s.nextReads == nil {
		s.nextReads = make(map[int64]time.Time)
	}
	s.nextReads[clientID] = ts
	return nil
}

type stubSessionSource struct {
	sessions []rge.Session
	failures int
	err      error
	calls    int
}

func (s *stubSessionSource) Sessions(context.Context, acquisition.Credential) ([]rge.Session, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.calls <= s.failures {
		return nil, errors.New("consent screen timeout")
	}
	return s.sessions, nil
}

type stubPortal struct {
	status   *rge.GenerationStatus
	report   map[string]rge.ReportRow
	bill     *rge.BillingStatus
	points   []rge.ConsumptionPoint
	contract string
}

func (s *stubPortal) ValidateGeneration(context.Context, rge.Session) (*rge.GenerationStatus, error) {
	return s.status, nil
}

func (s *stubPortal) GenerationReport(context.Context, rge.Session, string) (map[string]rge.ReportRow, error) {
	return s.report, nil
}

func (s *stubPortal) ContractNumber(context.Context, rge.Session) (string, error) {
	return s.contract, nil
}

func (s *stubPortal) BillingSituation(context.Context, rge.Session, *time.Location) (*rge.BillingStatus, error) {
	return s.bill, nil
}

func (s *stubPortal) ConsumptionHistory(context.Context, rge.Session, string, *time.Location) ([]rge.ConsumptionPoint, error) {
	return s.points, nil
}

func newTestUtilityService(
	t *testing.T,
	source SessionSource,
	portal UtilityPortal,
	creds *stubCredRepo,
	insts *stubInstallationRepo,
	cons *stubConsumptionRepo,
	injs *stubInjectionRepo,
	marks *stubMarkRepo,
) *UtilityService {
	t.Helper()
	svc, err := NewUtilityService(source, portal, creds, insts, cons, injs, marks, log.New(os.Stdout, "", 0))
	if err != nil {
		t.Fatalf("new utility service: %v", err)
	}
	svc.loginWait = 0
	return svc
}

func TestUtilityRunSkipsWithoutCredential(t *testing.T) {
	source := &stubSessionSource{}
	svc := newTestUtilityService(t, source, &stubPortal{}, &stubCredRepo{err: acquisition.ErrNoCredential},
		&stubInstallationRepo{}, &stubConsumptionRepo{}, &stubInjectionRepo{}, &stubMarkRepo{})

	if err := svc.Run(context.Background(), 9); err != nil {
		t.Fatalf("run: %v", err)
	}
	if source.calls != 0 {
		t.Fatalf("browser opened %d times, want 0 without a credential", source.calls)
	}
}

func TestUtilityRunRequiresDocument(t *testing.T) {
	creds := &stubCredRepo{cred: acquisition.Credential{Vendor: "rge", Username: "u"}}
	svc := newTestUtilityService(t, &stubSessionSource{}, &stubPortal{}, creds,
		&stubInstallationRepo{}, &stubConsumptionRepo{}, &stubInjectionRepo{}, &stubMarkRepo{})

	if err := svc.Run(context.Background(), 9); !errors.Is(err, rge.ErrCPFNotFound) {
		t.Fatalf("err = %v, want ErrCPFNotFound", err)
	}
}

func TestUtilityRunStoresRecords(t *testing.T) {
	loc := saoPaulo(t)
	cred := acquisition.Credential{Vendor: "rge", Username: "u", CPFCNPJ: "00011122233"}

	source := &stubSessionSource{sessions: []rge.Session{{InstallationCode: "4001", Address: "Rua A, 10"}}}
	portal := &stubPortal{
		status: &rge.GenerationStatus{
			Protocolo: "P-1",
			Entries: []rge.GenerationEntry{{
				TipoInstalacao:              "Geradora",
				MesReferencia:               "05/10/2023",
				EnergiaInjetadaPonta:        "10,25",
				EnergiaInjetadaForaPonta:    "1.234,50",
				EnergiaRecebidaPonta:        "5,00",
				EnergiaRecebidaForaPonta:    "0,00",
				CreditosUtilizadosPonta:     "2,50",
				CreditosUtilizadosForaPonta: "180,00",
				CreditosExpiradosPonta:      "0,00",
				CreditosExpiradosForaPonta:  "12,75",
				SaldoMensalPonta:            "7,75",
				SaldoMensalForaPonta:        "1.041,75",
				CreditosExpirarPonta:        "0,00",
				CreditosExpirarForaPonta:    "30,00",
				MesExpiracao:                "00/00/0000",
			}},
		},
		report: map[string]rge.ReportRow{
			"05/10/2023": {PreviousReading: "05/09/2023", AccumulatedBalance: "321.5"},
		},
		contract: "C-1",
		bill: &rge.BillingStatus{
			NextReading:    time.Date(2023, 11, 5, 0, 0, 0, 0, loc),
			CurrentTariff:  0.60,
			PreviousTariff: 0.55,
		},
		points: []rge.ConsumptionPoint{
			{Month: time.Date(2023, 9, 1, 0, 0, 0, 0, loc), ConsumptionKWh: 280, AmountBRL: 250},
			{Month: time.Date(2023, 10, 1, 0, 0, 0, 0, loc), ConsumptionKWh: 350, AmountBRL: 310},
			{Month: time.Date(2023, 8, 1, 0, 0, 0, 0, loc), ConsumptionKWh: 260, AmountBRL: 230},
		},
	}

	insts := &stubInstallationRepo{}
	cons := &stubConsumptionRepo{}
	injs := &stubInjectionRepo{}
	marks := &stubMarkRepo{}
	svc := newTestUtilityService(t, source, portal, &stubCredRepo{cred: cred}, insts, cons, injs, marks)

	if err := svc.Run(context.Background(), 9); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(insts.insts) != 1 || insts.insts[0].Code != "4001" || insts.insts[0].ClientID != 9 {
		t.Fatalf("installations = %+v", insts.insts)
	}

	if len(injs.upserted) != 1 {
		t.Fatalf("injections = %+v", injs.upserted)
	}
	inj := injs.upserted[0]
	if inj.InjectedKWh != 1234.5 {
		t.Fatalf("injected = %v, want pt-BR value parsed", inj.InjectedKWh)
	}
	if inj.InjectedPeakKWh != 10.25 || inj.ReceivedPeakKWh != 5 {
		t.Fatalf("peak exchange = %v/%v, want both postings kept", inj.InjectedPeakKWh, inj.ReceivedPeakKWh)
	}
	if inj.CreditsUsedKWh != 180 || inj.CreditsUsedPeakKWh != 2.5 {
		t.Fatalf("credits used = %v/%v", inj.CreditsUsedKWh, inj.CreditsUsedPeakKWh)
	}
	if inj.CreditsExpiredKWh != 12.75 || inj.CreditsExpiredPeakKWh != 0 {
		t.Fatalf("credits expired = %v/%v", inj.CreditsExpiredKWh, inj.CreditsExpiredPeakKWh)
	}
	if inj.CarriedKWh != 1041.75 || inj.CarriedPeakKWh != 7.75 {
		t.Fatalf("carried = %v/%v", inj.CarriedKWh, inj.CarriedPeakKWh)
	}
	if inj.ExpiringKWh != 30 || inj.ExpiringPeakKWh != 0 {
		t.Fatalf("expiring = %v/%v", inj.ExpiringKWh, inj.ExpiringPeakKWh)
	}
	if inj.PreviousReading == nil || inj.PreviousReading.Day() != 5 || inj.PreviousReading.Month() != time.September {
		t.Fatalf("previous reading = %v", inj.PreviousReading)
	}
	if inj.BalanceKWh != 321.5 {
		t.Fatalf("balance = %v", inj.BalanceKWh)
	}
	if inj.ExpirationMonth != nil {
		t.Fatalf("expiration = %v, want nil for the placeholder", inj.ExpirationMonth)
	}

	if len(cons.upserted) != 3 {
		t.Fatalf("consumption = %+v", cons.upserted)
	}
	newest := cons.upserted[0]
	if newest.Month.Month() != time.October || newest.Tariff == nil || *newest.Tariff != 0.60 {
		t.Fatalf("newest month = %+v, want the current tariff attached", newest)
	}
	if cons.upserted[1].Tariff == nil || *cons.upserted[1].Tariff != 0.55 {
		t.Fatalf("previous month = %+v, want the previous tariff attached", cons.upserted[1])
	}
	if cons.upserted[2].Tariff != nil {
		t.Fatalf("older month = %+v, want no tariff", cons.upserted[2])
	}

	if got := marks.nextReads[9]; !got.Equal(portal.bill.NextReading) {
		t.Fatalf("next read = %v, want %v", got, portal.bill.NextReading)
	}
}

func TestUtilityRunRetriesSessions(t *testing.T) {
	cred := acquisition.Credential{Vendor: "rge", Username: "u", CPFCNPJ: "00011122233"}
	source := &stubSessionSource{failures: 2}
	svc := newTestUtilityService(t, source, &stubPortal{
		status: &rge.GenerationStatus{},
		bill:   &rge.BillingStatus{},
	}, &stubCredRepo{cred: cred}, &stubInstallationRepo{}, &stubConsumptionRepo{}, &stubInjectionRepo{}, &stubMarkRepo{})

	if err := svc.Run(context.Background(), 9); err != nil {
		t.Fatalf("run: %v", err)
	}
	if source.calls != 3 {
		t.Fatalf("attempts = %d, want 3", source.calls)
	}
}

func TestUtilityRunStopsOnNamedErrors(t *testing.T) {
	cred := acquisition.Credential{Vendor: "rge", Username: "u", CPFCNPJ: "00011122233"}
	source := &stubSessionSource{err: rge.ErrPhoneNotFound}
	svc := newTestUtilityService(t, source, &stubPortal{}, &stubCredRepo{cred: cred},
		&stubInstallationRepo{}, &stubConsumptionRepo{}, &stubInjectionRepo{}, &stubMarkRepo{})

	if err := svc.Run(context.Background(), 9); !errors.Is(err, rge.ErrPhoneNotFound) {
		t.Fatalf("err = %v, want ErrPhoneNotFound", err)
	}
	if source.calls != 1 {
		t.Fatalf("attempts = %d, want no retry for a data-correction error", source.calls)
	}
}
