// Package repository provides durable storage for claims, rules, cases and
// entity histories.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/opensource-finance/axm/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := NewWithDB(db, cfg.Driver)
	if err := repo.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

// NewWithDB wraps an open database handle without migrating it.
func NewWithDB(db *sql.DB, driver string) *SQLRepository {
	return &SQLRepository{db: db, driver: driver}
}

// Migrate creates any missing tables.
func (r *SQLRepository) Migrate(ctx context.Context) error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.ExecContext(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveClaim stores a normalized claim. Claims are immutable; saving the same
// claim_id twice keeps the first copy.
func (r *SQLRepository) SaveClaim(ctx context.Context, ev *domain.ClaimEvent) error {
	if ev.ClaimID == "" {
		return fmt.Errorf("%w: claim id is required", domain.ErrInvalidInput)
	}

	docs, err := json.Marshal(ev.Documents)
	if err != nil {
		return fmt.Errorf("failed to encode documents: %w", err)
	}

	query := `
		INSERT INTO claims (
			claim_id, patient_id, provider_id, pharmacy_id, amount_minor, currency,
			medication_code, diagnosis_code, dosage, occurred_at, documents
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(claim_id) DO NOTHING
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		ev.ClaimID, ev.PatientID, ev.ProviderID, ev.PharmacyID,
		ev.AmountMinor, ev.Currency,
		ev.MedicationCode, ev.DiagnosisCode, ev.Dosage,
		ev.OccurredAt.UTC(), string(docs),
	)
	return err
}

// GetClaim retrieves a claim by ID.
func (r *SQLRepository) GetClaim(ctx context.Context, claimID string) (*domain.ClaimEvent, error) {
	query := `
		SELECT claim_id, patient_id, provider_id, pharmacy_id, amount_minor, currency,
			   medication_code, diagnosis_code, dosage, occurred_at, documents
		FROM claims
		WHERE claim_id = ?
	`

	var ev domain.ClaimEvent
	var pharmacy, medication, diagnosis sql.NullString
	var docs string

	err := r.db.QueryRowContext(ctx, r.rebind(query), claimID).Scan(
		&ev.ClaimID, &ev.PatientID, &ev.ProviderID, &pharmacy,
		&ev.AmountMinor, &ev.Currency,
		&medication, &diagnosis, &ev.Dosage,
		&ev.OccurredAt, &docs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("claim %s: %w", claimID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	ev.PharmacyID = pharmacy.String
	ev.MedicationCode = medication.String
	ev.DiagnosisCode = diagnosis.String
	ev.OccurredAt = ev.OccurredAt.UTC()
	if err := json.Unmarshal([]byte(docs), &ev.Documents); err != nil {
		return nil, fmt.Errorf("claim %s: failed to decode documents: %w", claimID, err)
	}

	return &ev, nil
}

// SaveRule stores one rule version. Re-saving a version updates its
// activation flag only; the predicate of a stored version never changes.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.Rule) error {
	if rule.ID == "" || rule.Version == "" {
		return fmt.Errorf("%w: rule id and version are required", domain.ErrInvalidInput)
	}

	predicate, err := json.Marshal(rule.Predicate)
	if err != nil {
		return fmt.Errorf("failed to encode predicate: %w", err)
	}

	active := 0
	if rule.Active {
		active = 1
	}

	query := `
		INSERT INTO rules (
			rule_id, version, name, description, category, priority, predicate, weight, active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_id, version) DO UPDATE SET
			active = excluded.active,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Version, rule.Name, rule.Description,
		string(rule.Category), string(rule.Priority), string(predicate),
		rule.Weight, active,
		rule.CreatedAt.UTC(), rule.UpdatedAt.UTC(),
	)
	return err
}

// ListRules returns every stored rule version ordered by rule_id.
func (r *SQLRepository) ListRules(ctx context.Context) ([]*domain.Rule, error) {
	query := `
		SELECT rule_id, version, name, description, category, priority, predicate, weight, active, created_at, updated_at
		FROM rules
		ORDER BY rule_id, created_at
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.Rule
	for rows.Next() {
		var rule domain.Rule
		var description sql.NullString
		var category, priority, predicate string
		var active int

		if err := rows.Scan(
			&rule.ID, &rule.Version, &rule.Name, &description,
			&category, &priority, &predicate,
			&rule.Weight, &active,
			&rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, err
		}

		rule.Description = description.String
		rule.Category = domain.Category(category)
		rule.Priority = domain.Priority(priority)
		rule.Active = active == 1
		if err := json.Unmarshal([]byte(predicate), &rule.Predicate); err != nil {
			return nil, fmt.Errorf("rule %s@%s: failed to decode predicate: %w", rule.ID, rule.Version, err)
		}

		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// SaveCase upserts the full case record.
func (r *SQLRepository) SaveCase(ctx context.Context, c *domain.Case) error {
	if c.ClaimID == "" {
		return fmt.Errorf("%w: claim id is required", domain.ErrInvalidInput)
	}

	event, _ := json.Marshal(c.Event)
	scores, _ := json.Marshal(c.ScoreHistory)
	decisions, _ := json.Marshal(c.DecisionHistory)
	transitions, _ := json.Marshal(c.Transitions)

	var lineage sql.NullString
	if c.ReopenedFrom != nil {
		b, _ := json.Marshal(c.ReopenedFrom)
		lineage = sql.NullString{String: string(b), Valid: true}
	}

	query := `
		INSERT INTO cases (
			claim_id, generation, status, event, score_history, decision_history,
			transitions, resolution, reopened_from, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(claim_id) DO UPDATE SET
			generation = excluded.generation,
			status = excluded.status,
			score_history = excluded.score_history,
			decision_history = excluded.decision_history,
			transitions = excluded.transitions,
			resolution = excluded.resolution,
			reopened_from = excluded.reopened_from,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		c.ClaimID, c.Generation, string(c.Status),
		string(event), string(scores), string(decisions), string(transitions),
		string(c.Resolution), lineage,
		c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
	)
	return err
}

const caseColumns = `claim_id, generation, status, event, score_history, decision_history,
			   transitions, resolution, reopened_from, created_at, updated_at`

// GetCase retrieves a case by claim ID.
func (r *SQLRepository) GetCase(ctx context.Context, claimID string) (*domain.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE claim_id = ?`

	c, err := scanCase(r.db.QueryRowContext(ctx, r.rebind(query), claimID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("case %s: %w", claimID, domain.ErrNotFound)
	}
	return c, err
}

// ListCases returns cases ordered by claim_id, optionally filtered by status.
// A limit of zero or less returns every match.
func (r *SQLRepository) ListCases(ctx context.Context, status domain.CaseStatus, limit int) ([]*domain.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY claim_id`
	if limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []*domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCase(s scanner) (*domain.Case, error) {
	var c domain.Case
	var status, event, scores, decisions, transitions string
	var resolution, lineage sql.NullString

	if err := s.Scan(
		&c.ClaimID, &c.Generation, &status,
		&event, &scores, &decisions, &transitions,
		&resolution, &lineage,
		&c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}

	c.Status = domain.CaseStatus(status)
	c.Resolution = domain.Resolution(resolution.String)

	for _, f := range []struct {
		name string
		raw  string
		dst  any
	}{
		{"event", event, &c.Event},
		{"score_history", scores, &c.ScoreHistory},
		{"decision_history", decisions, &c.DecisionHistory},
		{"transitions", transitions, &c.Transitions},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("case %s: failed to decode %s: %w", c.ClaimID, f.name, err)
		}
	}
	if lineage.Valid && lineage.String != "" {
		c.ReopenedFrom = &domain.Lineage{}
		if err := json.Unmarshal([]byte(lineage.String), c.ReopenedFrom); err != nil {
			return nil, fmt.Errorf("case %s: failed to decode lineage: %w", c.ClaimID, err)
		}
	}

	return &c, nil
}

// SaveEntity upserts an entity and its history.
func (r *SQLRepository) SaveEntity(ctx context.Context, e *domain.Entity) error {
	if e.ID == "" {
		return fmt.Errorf("%w: entity id is required", domain.ErrInvalidInput)
	}

	history, err := json.Marshal(e.History)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	active := 0
	if e.Active {
		active = 1
	}

	query := `
		INSERT INTO entities (kind, entity_id, active, last_activity, history)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind, entity_id) DO UPDATE SET
			active = excluded.active,
			last_activity = excluded.last_activity,
			history = excluded.history
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		string(e.Kind), e.ID, active, e.LastActivity.UTC(), string(history),
	)
	return err
}

// ListEntities returns every stored entity.
func (r *SQLRepository) ListEntities(ctx context.Context) ([]*domain.Entity, error) {
	query := `
		SELECT kind, entity_id, active, last_activity, history
		FROM entities
		ORDER BY kind, entity_id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []*domain.Entity
	for rows.Next() {
		var e domain.Entity
		var kind, history string
		var active int

		if err := rows.Scan(&kind, &e.ID, &active, &e.LastActivity, &history); err != nil {
			return nil, err
		}
		e.Kind = domain.EntityKind(kind)
		e.Active = active == 1
		if err := json.Unmarshal([]byte(history), &e.History); err != nil {
			return nil, fmt.Errorf("entity %s: failed to decode history: %w", e.Key(), err)
		}
		entities = append(entities, &e)
	}
	return entities, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, strconv.Itoa(n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
