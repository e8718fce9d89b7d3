package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the Postgres-backed Store implementation. Each write method
// opens its own short-lived pgxpool transaction and never holds it open
// across a network call to the cloud provider; read methods query the pool
// directly without a transaction.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps an existing connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

var _ Store = (*PGStore)(nil)

func (s *PGStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) EnsureIdentity(ctx context.Context, name, email, credentialsFile string) (Identity, error) {
	var id Identity
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT id, name, email, credentials_file, created_at, updated_at
			FROM identities WHERE name = $1`, name)
		if err := scanIdentity(row, &id); err == nil {
			return nil
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("looking up identity: %w", err)
		}

		newID := uuid.NewString()
		row = tx.QueryRow(ctx, `INSERT INTO identities (id, name, email, credentials_file)
			VALUES ($1, $2, $3, $4)
			RETURNING id, name, email, credentials_file, created_at, updated_at`,
			newID, name, email, credentialsFile)
		return scanIdentity(row, &id)
	})
	return id, err
}

func (s *PGStore) GetIdentityByName(ctx context.Context, name string) (Identity, error) {
	var id Identity
	row := s.pool.QueryRow(ctx, `SELECT id, name, email, credentials_file, created_at, updated_at
		FROM identities WHERE name = $1`, name)
	err := scanIdentity(row, &id)
	if errors.Is(err, pgx.ErrNoRows) {
		return id, fmt.Errorf("identity %q: %w", name, ErrNotFound)
	}
	return id, err
}

func (s *PGStore) ListIdentities(ctx context.Context) ([]Identity, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, email, credentials_file, created_at, updated_at
		FROM identities ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing identities: %w", err)
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var id Identity
		if err := scanIdentity(rows, &id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PGStore) UpsertBillingAccount(ctx context.Context, identityID, name, displayName, accountID string, isOpen bool) (BillingAccount, error) {
	var ba BillingAccount
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO billing_accounts (id, identity_id, name, display_name, account_id, is_open, is_used)
			VALUES ($1, $2, $3, $4, $5, $6, false)
			ON CONFLICT (identity_id, name) DO UPDATE
				SET display_name = EXCLUDED.display_name,
				    account_id   = EXCLUDED.account_id,
				    is_open      = EXCLUDED.is_open,
				    updated_at   = now()
			RETURNING id, identity_id, name, display_name, account_id, is_open, is_used, created_at, updated_at`,
			uuid.NewString(), identityID, name, displayName, accountID, isOpen)
		return scanBillingAccount(row, &ba)
	})
	return ba, err
}

func (s *PGStore) GetBillingAccountByAccountID(ctx context.Context, identityID, accountID string) (BillingAccount, error) {
	var ba BillingAccount
	row := s.pool.QueryRow(ctx, `SELECT id, identity_id, name, display_name, account_id, is_open, is_used, created_at, updated_at
		FROM billing_accounts WHERE identity_id = $1 AND account_id = $2`, identityID, accountID)
	err := scanBillingAccount(row, &ba)
	if errors.Is(err, pgx.ErrNoRows) {
		return ba, fmt.Errorf("billing account %q: %w", accountID, ErrNotFound)
	}
	return ba, err
}

func (s *PGStore) ListBillingAccounts(ctx context.Context, f BillingAccountFilter) ([]BillingAccount, error) {
	query := `SELECT ba.id, ba.identity_id, ba.name, ba.display_name, ba.account_id, ba.is_open, ba.is_used, ba.created_at, ba.updated_at
		FROM billing_accounts ba JOIN identities i ON i.id = ba.identity_id WHERE 1=1`
	args := []any{}
	if f.Identity != "" {
		args = append(args, f.Identity)
		query += fmt.Sprintf(" AND i.name = $%d", len(args))
	}
	if f.IsOpen != nil {
		args = append(args, *f.IsOpen)
		query += fmt.Sprintf(" AND ba.is_open = $%d", len(args))
	}
	query += " ORDER BY ba.name"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing billing accounts: %w", err)
	}
	defer rows.Close()

	var out []BillingAccount
	for rows.Next() {
		var ba BillingAccount
		if err := scanBillingAccount(rows, &ba); err != nil {
			return nil, err
		}
		out = append(out, ba)
	}
	return out, rows.Err()
}

func (s *PGStore) DeleteBillingAccount(ctx context.Context, identityID, accountID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM billing_accounts WHERE identity_id = $1 AND account_id = $2`, identityID, accountID)
		if err != nil {
			return fmt.Errorf("deleting billing account: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("billing account %q: %w", accountID, ErrNotFound)
		}
		return nil
	})
}

func (s *PGStore) BillingAccountReferenced(ctx context.Context, identityID, accountID string) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM projects WHERE identity_id = $1 AND billing_account_id = $2`,
		identityID, accountID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking billing account references: %w", err)
	}
	return n > 0, nil
}

func (s *PGStore) GetProjectByProjectID(ctx context.Context, identityID, projectID string) (Project, error) {
	var p Project
	row := s.pool.QueryRow(ctx, `SELECT id, identity_id, project_id, billing_account_id, billing_name, billing_display_name, created_at, updated_at
		FROM projects WHERE identity_id = $1 AND project_id = $2`, identityID, projectID)
	err := scanProject(row, &p)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, fmt.Errorf("project %q: %w", projectID, ErrNotFound)
	}
	return p, err
}

func (s *PGStore) ListProjects(ctx context.Context, f ProjectFilter) ([]Project, error) {
	query := `SELECT p.id, p.identity_id, p.project_id, p.billing_account_id, p.billing_name, p.billing_display_name, p.created_at, p.updated_at
		FROM projects p JOIN identities i ON i.id = p.identity_id WHERE 1=1`
	args := []any{}
	if f.Identity != "" {
		args = append(args, f.Identity)
		query += fmt.Sprintf(" AND i.name = $%d", len(args))
	}
	query += " ORDER BY p.project_id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		if err := scanProject(rows, &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) ClearProjectBilling(ctx context.Context, identityID, projectID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE projects SET billing_account_id = NULL, billing_name = NULL,
			billing_display_name = NULL, updated_at = now() WHERE identity_id = $1 AND project_id = $2`,
			identityID, projectID)
		if err != nil {
			return fmt.Errorf("clearing project billing: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("project %q: %w", projectID, ErrNotFound)
		}
		return nil
	})
}

func (s *PGStore) DeleteProject(ctx context.Context, identityID, projectID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM projects WHERE identity_id = $1 AND project_id = $2`, identityID, projectID)
		if err != nil {
			return fmt.Errorf("deleting project: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("project %q: %w", projectID, ErrNotFound)
		}
		return nil
	})
}

func (s *PGStore) PersistCycle(ctx context.Context, identityID string, bindings []ProjectBinding) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for _, b := range bindings {
			_, err := tx.Exec(ctx, `
				INSERT INTO projects (id, identity_id, project_id, billing_account_id, billing_name, billing_display_name)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (identity_id, project_id) DO UPDATE
					SET billing_account_id   = EXCLUDED.billing_account_id,
					    billing_name         = EXCLUDED.billing_name,
					    billing_display_name = EXCLUDED.billing_display_name,
					    updated_at           = now()`,
				uuid.NewString(), identityID, b.ProjectID, b.BillingAccountID, b.BillingName, b.BillingDisplayName)
			if err != nil {
				return fmt.Errorf("upserting project %q: %w", b.ProjectID, err)
			}
		}

		_, err := tx.Exec(ctx, `
			UPDATE billing_accounts ba SET is_used = EXISTS (
				SELECT 1 FROM projects p WHERE p.identity_id = ba.identity_id AND p.billing_name = ba.name
			), updated_at = now()
			WHERE ba.identity_id = $1`, identityID)
		if err != nil {
			return fmt.Errorf("recomputing is_used: %w", err)
		}
		return nil
	})
}

func (s *PGStore) LogEvent(ctx context.Context, ev OperationEvent) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO operation_events (id, type, identity, project_id, billing_account_id, old_value, new_value, status, message, already_absent)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			uuid.NewString(), ev.Type, ev.Identity, ev.ProjectID, ev.BillingAccountID, ev.OldValue, ev.NewValue, ev.Status, ev.Message, ev.AlreadyAbsent)
		if err != nil {
			return fmt.Errorf("logging event: %w", err)
		}
		return nil
	})
}

func (s *PGStore) HasSuccessfulEvent(ctx context.Context, identityID string, eventType EventType, projectID string) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM operation_events oe JOIN identities i ON i.name = oe.identity
		WHERE i.id = $1 AND oe.type = $2 AND oe.project_id = $3 AND oe.status = 'success'`,
		identityID, eventType, projectID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking safety gate: %w", err)
	}
	return n > 0, nil
}

func (s *PGStore) ListOperationEvents(ctx context.Context, f OperationLogFilter) ([]OperationEvent, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, type, identity, project_id, billing_account_id, old_value, new_value, status, message, already_absent, created_at
		FROM operation_events WHERE 1=1`
	args := []any{}
	if f.Identity != "" {
		args = append(args, f.Identity)
		query += fmt.Sprintf(" AND identity = $%d", len(args))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if f.Before != nil {
		args = append(args, f.Before.CreatedAtUnixMicro, f.Before.ID)
		query += fmt.Sprintf(" AND (created_at, id) < (to_timestamp($%d / 1000000.0), $%d)", len(args)-1, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing operation events: %w", err)
	}
	defer rows.Close()

	var out []OperationEvent
	for rows.Next() {
		var ev OperationEvent
		if err := scanEvent(rows, &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PGStore) RecentEventsForIdentity(ctx context.Context, identityID string, limit int) ([]OperationEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT oe.id, oe.type, oe.identity, oe.project_id, oe.billing_account_id, oe.old_value, oe.new_value, oe.status, oe.message, oe.already_absent, oe.created_at
		FROM operation_events oe JOIN identities i ON i.name = oe.identity
		WHERE i.id = $1 ORDER BY oe.created_at DESC LIMIT $2`, identityID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent events: %w", err)
	}
	defer rows.Close()

	var out []OperationEvent
	for rows.Next() {
		var ev OperationEvent
		if err := scanEvent(rows, &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ErrNotFound is returned when a lookup by name/id finds no row.
var ErrNotFound = errors.New("not found")

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner, id *Identity) error {
	return row.Scan(&id.ID, &id.Name, &id.Email, &id.CredentialsFile, &id.CreatedAt, &id.UpdatedAt)
}

func scanBillingAccount(row rowScanner, ba *BillingAccount) error {
	return row.Scan(&ba.ID, &ba.IdentityID, &ba.Name, &ba.DisplayName, &ba.AccountID, &ba.IsOpen, &ba.IsUsed, &ba.CreatedAt, &ba.UpdatedAt)
}

func scanProject(row rowScanner, p *Project) error {
	return row.Scan(&p.ID, &p.IdentityID, &p.ProjectID, &p.BillingAccountID, &p.BillingName, &p.BillingDisplayName, &p.CreatedAt, &p.UpdatedAt)
}

func scanEvent(row rowScanner, ev *OperationEvent) error {
	return row.Scan(&ev.ID, &ev.Type, &ev.Identity, &ev.ProjectID, &ev.BillingAccountID, &ev.OldValue, &ev.NewValue, &ev.Status, &ev.Message, &ev.AlreadyAbsent, &ev.CreatedAt)
}
