package repository

// Schema definitions, valid for both SQLite and PostgreSQL. Nested values
// are stored as JSON text.

const schemaClaims = `
CREATE TABLE IF NOT EXISTS claims (
    claim_id TEXT PRIMARY KEY,
    patient_id TEXT NOT NULL,
    provider_id TEXT NOT NULL,
    pharmacy_id TEXT,
    amount_minor BIGINT NOT NULL,
    currency TEXT NOT NULL,
    medication_code TEXT,
    diagnosis_code TEXT,
    dosage BIGINT NOT NULL DEFAULT 0,
    occurred_at TIMESTAMP NOT NULL,
    documents TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_claims_patient ON claims(patient_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_claims_provider ON claims(provider_id, occurred_at);
`

const schemaRules = `
CREATE TABLE IF NOT EXISTS rules (
    rule_id TEXT NOT NULL,
    version TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    category TEXT NOT NULL,
    priority TEXT NOT NULL,
    predicate TEXT NOT NULL,
    weight REAL NOT NULL,
    active INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (rule_id, version)
);

CREATE INDEX IF NOT EXISTS idx_rules_active ON rules(active);
`

const schemaCases = `
CREATE TABLE IF NOT EXISTS cases (
    claim_id TEXT PRIMARY KEY,
    generation INTEGER NOT NULL,
    status TEXT NOT NULL,
    event TEXT NOT NULL,
    score_history TEXT NOT NULL,
    decision_history TEXT NOT NULL,
    transitions TEXT NOT NULL,
    resolution TEXT,
    reopened_from TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status, claim_id);
`

const schemaEntities = `
CREATE TABLE IF NOT EXISTS entities (
    kind TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    last_activity TIMESTAMP NOT NULL,
    history TEXT NOT NULL,
    PRIMARY KEY (kind, entity_id)
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaClaims,
		schemaRules,
		schemaCases,
		schemaEntities,
	}
}
