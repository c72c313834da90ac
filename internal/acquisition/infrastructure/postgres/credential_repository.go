package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	acquisition "solarsync/internal/acquisition/domain"
)

const defaultCredentialsTable = "portal_credentials"

// CredentialRepository is a Postgres implementation for portal credentials.
type CredentialRepository struct {
	db    DBTX
	table string
}

// NewCredentialRepository constructs a repository.
func NewCredentialRepository(db DBTX, opts ...CredentialOption) *CredentialRepository {
	repo := &CredentialRepository{db: db, table: defaultCredentialsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// CredentialOption configures the repository.
type CredentialOption func(*CredentialRepository)

// WithCredentialsTable overrides the default table name.
func WithCredentialsTable(table string) CredentialOption {
	return func(repo *CredentialRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// FindByVendor returns the stored credential for a vendor portal.
func (r *CredentialRepository) FindByVendor(ctx context.Context, vendor string) (acquisition.Credential, error) {
	if r == nil || r.db == nil {
		return acquisition.Credential{}, errors.New("credential repo: nil db")
	}
	if vendor == "" {
		return acquisition.Credential{}, errors.New("credential repo: empty vendor")
	}

	query := fmt.Sprintf(`
SELECT vendor, company_id, username, password, cpf_cnpj, phone
FROM %s
WHERE vendor = $1
LIMIT 1`, r.table)

	var cred acquisition.Credential
	var cpf, phone sql.NullString
	if err := r.db.QueryRowContext(ctx, query, vendor).Scan(
		&cred.Vendor,
		&cred.CompanyID,
		&cred.Username,
		&cred.Password,
		&cpf,
		&phone,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return acquisition.Credential{}, acquisition.ErrNoCredential
		}
		return acquisition.Credential{}, err
	}
	cred.CPFCNPJ = cpf.String
	cred.Phone = phone.String
	return cred, nil
}

// Save upserts a credential keyed by vendor and company.
func (r *CredentialRepository) Save(ctx context.Context, cred acquisition.Credential) error {
	if r == nil || r.db == nil {
		return errors.New("credential repo: nil db")
	}
	if cred.Vendor == "" || cred.Username == "" {
		return errors.New("credential repo: invalid credential")
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	vendor,
	company_id,
	username,
	password,
	cpf_cnpj,
	phone
) VALUES (
	$1, $2, $3, $4, $5, $6
)
ON CONFLICT (vendor, company_id)
DO UPDATE SET
	username = EXCLUDED.username,
	password = EXCLUDED.password,
	cpf_cnpj = EXCLUDED.cpf_cnpj,
	phone = EXCLUDED.phone,
	updated_at = NOW()`, r.table)

	_, err := r.db.ExecContext(
		ctx,
		query,
		cred.Vendor,
		cred.CompanyID,
		cred.Username,
		cred.Password,
		nullable(cred.CPFCNPJ),
		nullable(cred.Phone),
	)
	return err
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
