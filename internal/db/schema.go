package db

// schema contains the full database schema. New tables are added here.
//
// audit_entries (live) and audit_entries_archive must keep identical columns:
// the views below union them and relocation copies rows column for column.
const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    user_id TEXT,
    action TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    previous_state TEXT,
    new_state TEXT,
    metadata TEXT NOT NULL DEFAULT '{}',
    ip_address TEXT,
    user_agent TEXT,
    timestamp TEXT NOT NULL,
    sequence_number INTEGER NOT NULL,
    hash_chain TEXT NOT NULL,
    UNIQUE(tenant_id, sequence_number)
);

CREATE INDEX IF NOT EXISTS idx_audit_tenant_ts ON audit_entries(tenant_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_entries(tenant_id, entity_type, entity_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_entries(tenant_id, action);
CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_entries(tenant_id, user_id);

CREATE TRIGGER IF NOT EXISTS audit_entries_immutable
BEFORE UPDATE ON audit_entries
BEGIN
    SELECT RAISE(ABORT, 'audit entries are immutable');
END;

CREATE TABLE IF NOT EXISTS audit_entries_archive (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    user_id TEXT,
    action TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    previous_state TEXT,
    new_state TEXT,
    metadata TEXT NOT NULL DEFAULT '{}',
    ip_address TEXT,
    user_agent TEXT,
    timestamp TEXT NOT NULL,
    sequence_number INTEGER NOT NULL,
    hash_chain TEXT NOT NULL,
    UNIQUE(tenant_id, sequence_number)
);

CREATE INDEX IF NOT EXISTS idx_audit_archive_tenant_ts ON audit_entries_archive(tenant_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_archive_entity ON audit_entries_archive(tenant_id, entity_type, entity_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_archive_action ON audit_entries_archive(tenant_id, action);

CREATE VIEW IF NOT EXISTS audit_view_live AS
    SELECT id, tenant_id, user_id, action, entity_type, entity_id,
           previous_state, new_state, metadata, ip_address, user_agent,
           timestamp, sequence_number, hash_chain, 'live' AS tier
    FROM audit_entries;

CREATE VIEW IF NOT EXISTS audit_view_all AS
    SELECT id, tenant_id, user_id, action, entity_type, entity_id,
           previous_state, new_state, metadata, ip_address, user_agent,
           timestamp, sequence_number, hash_chain, 'live' AS tier
    FROM audit_entries
    UNION ALL
    SELECT id, tenant_id, user_id, action, entity_type, entity_id,
           previous_state, new_state, metadata, ip_address, user_agent,
           timestamp, sequence_number, hash_chain, 'archive' AS tier
    FROM audit_entries_archive;

CREATE TABLE IF NOT EXISTS audit_chain_heads (
    tenant_id TEXT PRIMARY KEY,
    last_sequence INTEGER NOT NULL,
    last_hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS integrity_checkpoints (
    tenant_id TEXT PRIMARY KEY,
    sequence_number INTEGER NOT NULL,
    hash_chain TEXT NOT NULL,
    verified_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    display_name TEXT NOT NULL,
    email TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT (datetime('now')),
    updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_users_tenant ON users(tenant_id);
`
