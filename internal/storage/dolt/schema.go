package dolt

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// currentSchemaVersion gates schema initialization. Bump when the schema
// below changes shape.
const currentSchemaVersion = 1

const schema = `
-- Field dictionary: the registry of what may be stored
CREATE TABLE IF NOT EXISTS field_definition (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    application VARCHAR(128) NOT NULL,
    field_name VARCHAR(255) NOT NULL,
    data_type VARCHAR(16) NOT NULL,
    label VARCHAR(500) NOT NULL DEFAULT '',
    attributes TEXT,
    active TINYINT(1) NOT NULL DEFAULT 1,
    created_at DATETIME(6) NOT NULL,
    updated_at DATETIME(6) NOT NULL,
    created_by VARCHAR(255) NOT NULL DEFAULT '',
    updated_by VARCHAR(255) NOT NULL DEFAULT '',
    UNIQUE KEY uq_field_definition (application, field_name)
);

-- Append-only history of definition changes
CREATE TABLE IF NOT EXISTS field_definition_version (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    field_definition_id BIGINT NOT NULL,
    effective_from DATETIME(6) NOT NULL,
    actor VARCHAR(255) NOT NULL,
    change_description VARCHAR(500) NOT NULL DEFAULT '',
    previous_state TEXT,
    new_state TEXT NOT NULL,
    KEY idx_fdv_definition (field_definition_id, effective_from),
    CONSTRAINT fk_fdv_definition FOREIGN KEY (field_definition_id) REFERENCES field_definition(id)
);

-- Context header: one row per resolved business-key set
CREATE TABLE IF NOT EXISTS context_group (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    application VARCHAR(128) NOT NULL,
    fingerprint CHAR(64) NOT NULL,
    created_at DATETIME(6) NOT NULL,
    UNIQUE KEY uq_context_group (application, fingerprint)
);

-- Context body: the business key/value pairs
CREATE TABLE IF NOT EXISTS context_group_item (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    context_group_id BIGINT NOT NULL,
    ctx_key VARCHAR(255) NOT NULL,
    ctx_value VARCHAR(500) NOT NULL,
    UNIQUE KEY uq_context_item (context_group_id, ctx_key),
    KEY idx_context_item_kv (ctx_key, ctx_value),
    CONSTRAINT fk_item_group FOREIGN KEY (context_group_id) REFERENCES context_group(id)
);

-- Hot row: the single active value per (context group, field) pair
CREATE TABLE IF NOT EXISTS capture_data (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    field_definition_id BIGINT NOT NULL,
    context_group_id BIGINT NOT NULL,
    value_string TEXT,
    value_number DECIMAL(38,10),
    current_version_id BIGINT,
    current_version_num INT NOT NULL DEFAULT 0,
    created_at DATETIME(6) NOT NULL,
    updated_at DATETIME(6) NOT NULL,
    UNIQUE KEY uq_capture_pair (field_definition_id, context_group_id),
    CONSTRAINT fk_capture_definition FOREIGN KEY (field_definition_id) REFERENCES field_definition(id),
    CONSTRAINT fk_capture_group FOREIGN KEY (context_group_id) REFERENCES context_group(id)
);

-- Immutable history: one row per save of a field in a context
CREATE TABLE IF NOT EXISTS capture_data_version (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    capture_data_id BIGINT NOT NULL,
    sequential_version_num INT NOT NULL,
    value_string_versioned TEXT,
    value_number_versioned DECIMAL(38,10),
    changed_at DATETIME(6) NOT NULL,
    changed_by VARCHAR(255) NOT NULL,
    change_reason VARCHAR(500),
    signature_type VARCHAR(64),
    event_type VARCHAR(64),
    UNIQUE KEY uq_capture_version (capture_data_id, sequential_version_num),
    KEY idx_capture_version_datum (capture_data_id),
    CONSTRAINT fk_version_datum FOREIGN KEY (capture_data_id) REFERENCES capture_data(id)
);

-- Coarse cross-cutting audit log (best effort, not required for correctness)
CREATE TABLE IF NOT EXISTS audit_event (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    ts DATETIME(6) NOT NULL,
    actor VARCHAR(255) NOT NULL,
    application VARCHAR(128) NOT NULL,
    event_type VARCHAR(64) NOT NULL,
    affected_type VARCHAR(64) NOT NULL DEFAULT '',
    affected_id VARCHAR(255) NOT NULL DEFAULT '',
    details TEXT,
    KEY idx_audit_event_app (application, ts)
);

-- Config table (for storing settings like schema_version)
CREATE TABLE IF NOT EXISTS config (
    ` + "`key`" + ` VARCHAR(255) PRIMARY KEY,
    ` + "`value`" + ` TEXT NOT NULL
);
`

// initSchemaOnDB creates all tables if they don't exist.
func initSchemaOnDB(ctx context.Context, db *sql.DB) error {
	// Fast path: if the schema is already at the current version, skip
	// initialization. This avoids the DDL round trips on every open.
	var version int
	err := db.QueryRowContext(ctx, "SELECT `value` FROM config WHERE `key` = 'schema_version'").Scan(&version)
	if err == nil && version >= currentSchemaVersion {
		return nil
	}

	// Execute schema creation statement by statement; MySQL/Dolt doesn't
	// support multiple statements in one Exec.
	for _, stmt := range splitStatements(schema) {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" || isOnlyComments(stmt) {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w\nStatement: %s", err, truncateForError(stmt))
		}
	}

	// Mark the schema as current so subsequent opens take the fast path.
	_, err = db.ExecContext(ctx,
		"INSERT INTO config (`key`, `value`) VALUES ('schema_version', ?) "+
			"ON DUPLICATE KEY UPDATE `value` = ?",
		currentSchemaVersion, currentSchemaVersion)
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	return nil
}

// splitStatements splits a SQL script into individual statements.
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder
	inString := false
	stringChar := byte(0)

	for i := 0; i < len(script); i++ {
		c := script[i]

		if inString {
			current.WriteByte(c)
			if c == stringChar && (i == 0 || script[i-1] != '\\') {
				inString = false
			}
			continue
		}

		if c == '\'' || c == '"' || c == '`' {
			inString = true
			stringChar = c
			current.WriteByte(c)
			continue
		}

		if c == ';' {
			stmt := strings.TrimSpace(current.String())
			if stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
			continue
		}

		current.WriteByte(c)
	}

	stmt := strings.TrimSpace(current.String())
	if stmt != "" {
		statements = append(statements, stmt)
	}

	return statements
}

// truncateForError truncates a string for use in error messages.
func truncateForError(s string) string {
	if len(s) > 100 {
		return s[:100] + "..."
	}
	return s
}

// isOnlyComments returns true if the statement contains only SQL comments.
func isOnlyComments(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		return false
	}
	return true
}
