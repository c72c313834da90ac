package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	acquisition "solarsync/internal/acquisition/domain"
	billing "solarsync/internal/billing/domain"
	"solarsync/internal/vendors/rge"
)

const utilityVendor = "rge"

// SessionSource opens authenticated utility-portal sessions, one per
// installation the credential's document can see. Backed by the browser flow
// in production.
type SessionSource interface {
	Sessions(ctx context.Context, cred acquisition.Credential) ([]rge.Session, error)
}

// UtilityPortal is the agency web API surface the sync consumes.
type UtilityPortal interface {
	ValidateGeneration(ctx context.Context, session rge.Session) (*rge.GenerationStatus, error)
	GenerationReport(ctx context.Context, session rge.Session, protocol string) (map[string]rge.ReportRow, error)
	ContractNumber(ctx context.Context, session rge.Session) (string, error)
	BillingSituation(ctx context.Context, session rge.Session, loc *time.Location) (*rge.BillingStatus, error)
	ConsumptionHistory(ctx context.Context, session rge.Session, contract string, loc *time.Location) ([]rge.ConsumptionPoint, error)
}

// UtilityService pulls a client's utility-side records: installations,
// monthly grid exchange from the generation statement, consumption history
// and tariffs, plus the next scheduled meter read.
type UtilityService struct {
	sessions      SessionSource
	portal        UtilityPortal
	creds         acquisition.CredentialRepository
	installations billing.InstallationRepository
	consumptions  billing.ConsumptionRepository
	injections    billing.InjectionRepository
	marks         acquisition.WatermarkRepository
	logger        *log.Logger
	loc           *time.Location

	loginAttempts int
	loginWait     time.Duration
}

// NewUtilityService constructs the service.
func NewUtilityService(
	sessions SessionSource,
	portal UtilityPortal,
	creds acquisition.CredentialRepository,
	installations billing.InstallationRepository,
	consumptions billing.ConsumptionRepository,
	injections billing.InjectionRepository,
	marks acquisition.WatermarkRepository,
	logger *log.Logger,
) (*UtilityService, error) {
	if sessions == nil || portal == nil {
		return nil, errors.New("utility service: nil portal")
	}
	if creds == nil || installations == nil || consumptions == nil || injections == nil || marks == nil {
		return nil, errors.New("utility service: nil repository")
	}
	if logger == nil {
		return nil, errors.New("utility service: nil logger")
	}
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		return nil, fmt.Errorf("utility service: load location: %w", err)
	}
	return &UtilityService{
		sessions:      sessions,
		portal:        portal,
		creds:         creds,
		installations: installations,
		consumptions:  consumptions,
		injections:    injections,
		marks:         marks,
		logger:        logger,
		loc:           loc,
		loginAttempts: 3,
		loginWait:     30 * time.Second,
	}, nil
}

// RunScheduled resolves the owning client from the stored credential and
// runs one cycle. The utility login belongs to exactly one client; the
// credential's company id is that client.
func (s *UtilityService) RunScheduled(ctx context.Context) error {
	cred, err := s.creds.FindByVendor(ctx, utilityVendor)
	if errors.Is(err, acquisition.ErrNoCredential) {
		s.logger.Printf("utility sync: no credential, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("utility sync: credential lookup: %w", err)
	}
	if cred.CompanyID == 0 {
		return errors.New("utility sync: credential is not linked to a client")
	}
	return s.Run(ctx, cred.CompanyID)
}

// Run executes one utility cycle for a client. A missing credential skips the
// cycle; a missing CPF/CNPJ or phone surfaces as its named error so the API
// layer can ask for a data correction instead of a retry.
func (s *UtilityService) Run(ctx context.Context, clientID int64) error {
	cred, err := s.creds.FindByVendor(ctx, utilityVendor)
	if errors.Is(err, acquisition.ErrNoCredential) {
		s.logger.Printf("utility sync: no credential, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("utility sync: credential lookup: %w", err)
	}
	if cred.CPFCNPJ == "" {
		return rge.ErrCPFNotFound
	}

	sessions, err := s.openSessions(ctx, cred)
	if err != nil {
		return fmt.Errorf("utility sync: sessions: %w", err)
	}

	var nextRead time.Time
	for _, session := range sessions {
		readAt, err := s.syncInstallation(ctx, clientID, session)
		if err != nil {
			return fmt.Errorf("utility sync: installation %s: %w", session.InstallationCode, err)
		}
		if !readAt.IsZero() && (nextRead.IsZero() || readAt.Before(nextRead)) {
			nextRead = readAt
		}
	}

	if !nextRead.IsZero() {
		if err := s.marks.SetNextUtilityRead(ctx, clientID, nextRead); err != nil {
			return fmt.Errorf("utility sync: next read: %w", err)
		}
	}
	return nil
}

// openSessions retries the whole browser flow; the portal's consent and
// profile screens fail sporadically.
func (s *UtilityService) openSessions(ctx context.Context, cred acquisition.Credential) ([]rge.Session, error) {
	var err error
	for attempt := 0; attempt < s.loginAttempts; attempt++ {
		var sessions []rge.Session
		sessions, err = s.sessions.Sessions(ctx, cred)
		if err == nil {
			return sessions, nil
		}
		if errors.Is(err, rge.ErrCPFNotFound) || errors.Is(err, rge.ErrPhoneNotFound) {
			return nil, err
		}
		s.logger.Printf("utility sync: session attempt %d/%d failed: %v", attempt+1, s.loginAttempts, err)
		if attempt == s.loginAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.loginWait):
		}
	}
	return nil, err
}

func (s *UtilityService) syncInstallation(ctx context.Context, clientID int64, session rge.Session) (time.Time, error) {
	instID, err := s.installations.Upsert(ctx, billing.Installation{
		ClientID: clientID,
		Code:     session.InstallationCode,
		Address:  session.Address,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("installation upsert: %w", err)
	}

	status, err := s.portal.ValidateGeneration(ctx, session)
	if err != nil {
		return time.Time{}, err
	}
	report, err := s.portal.GenerationReport(ctx, session, status.Protocolo)
	if err != nil {
		return time.Time{}, err
	}
	if err := s.storeInjections(ctx, instID, status.Entries, report); err != nil {
		return time.Time{}, err
	}

	contract, err := s.portal.ContractNumber(ctx, session)
	if err != nil {
		return time.Time{}, err
	}
	bill, err := s.portal.BillingSituation(ctx, session, s.loc)
	if err != nil {
		return time.Time{}, err
	}
	points, err := s.portal.ConsumptionHistory(ctx, session, contract, s.loc)
	if err != nil {
		return time.Time{}, err
	}
	if err := s.storeConsumption(ctx, instID, points, bill); err != nil {
		return time.Time{}, err
	}
	return bill.NextReading, nil
}

// storeInjections joins the statement rows with the Excel report, which is
// the only source for the previous-read date bounding each billing window.
func (s *UtilityService) storeInjections(ctx context.Context, instID int64, entries []rge.GenerationEntry, report map[string]rge.ReportRow) error {
	records := make([]billing.Injection, 0, len(entries))
	for _, entry := range entries {
		ref, err := entry.ReferenceMonth(s.loc)
		if err != nil {
			s.logger.Printf("utility sync: bad reference month %q: %v", entry.MesReferencia, err)
			continue
		}
		expiration, err := entry.ExpirationMonth(s.loc)
		if err != nil {
			s.logger.Printf("utility sync: bad expiration month %q: %v", entry.MesExpiracao, err)
		}

		record := billing.Injection{
			InstallationID:  instID,
			ReferenceMonth:  ref,
			Kind:            entry.TipoInstalacao,
			InjectedKWh:     rge.ParseDecimal(entry.EnergiaInjetadaForaPonta),
			InjectedPeakKWh: rge.ParseDecimal(entry.EnergiaInjetadaPonta),
			ReceivedKWh:     rge.ParseDecimal(entry.EnergiaRecebidaForaPonta),
			ReceivedPeakKWh: rge.ParseDecimal(entry.EnergiaRecebidaPonta),

			CreditsUsedKWh:        rge.ParseDecimal(entry.CreditosUtilizadosForaPonta),
			CreditsUsedPeakKWh:    rge.ParseDecimal(entry.CreditosUtilizadosPonta),
			CreditsExpiredKWh:     rge.ParseDecimal(entry.CreditosExpiradosForaPonta),
			CreditsExpiredPeakKWh: rge.ParseDecimal(entry.CreditosExpiradosPonta),
			CarriedKWh:            rge.ParseDecimal(entry.SaldoMensalForaPonta),
			CarriedPeakKWh:        rge.ParseDecimal(entry.SaldoMensalPonta),
			ExpiringKWh:           rge.ParseDecimal(entry.CreditosExpirarForaPonta),
			ExpiringPeakKWh:       rge.ParseDecimal(entry.CreditosExpirarPonta),

			ExpirationMonth: expiration,
		}
		if row, ok := report[entry.MesReferencia]; ok {
			if prev, err := time.ParseInLocation("02/01/2006", row.PreviousReading, s.loc); err == nil {
				record.PreviousReading = &prev
			}
			record.BalanceKWh = reportBalance(row.AccumulatedBalance)
		}
		records = append(records, record)
	}
	return s.injections.UpsertAll(ctx, records)
}

// reportBalance parses the accumulated balance cell. The workbook stores a
// plain number; older statements carry the portal's pt-BR formatting.
func reportBalance(cell string) float64 {
	if v, err := strconv.ParseFloat(cell, 64); err == nil {
		return v
	}
	return rge.ParseDecimal(cell)
}

// storeConsumption persists the consumption chart, attaching the current and
// previous tariffs to the two newest months; older months keep whatever
// tariff an earlier run stored.
func (s *UtilityService) storeConsumption(ctx context.Context, instID int64, points []rge.ConsumptionPoint, bill *rge.BillingStatus) error {
	sort.Slice(points, func(i, j int) bool { return points[i].Month.After(points[j].Month) })

	records := make([]billing.Consumption, 0, len(points))
	for i, point := range points {
		record := billing.Consumption{
			InstallationID: instID,
			Month:          point.Month,
			ConsumptionKWh: point.ConsumptionKWh,
			AmountBRL:      point.AmountBRL,
		}
		switch {
		case i == 0 && bill.CurrentTariff > 0:
			tariff := bill.CurrentTariff
			record.Tariff = &tariff
		case i == 1 && bill.PreviousTariff > 0:
			tariff := bill.PreviousTariff
			record.Tariff = &tariff
		}
		records = append(records, record)
	}
	return s.consumptions.UpsertAll(ctx, records)
}
