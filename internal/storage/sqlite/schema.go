package sqlite

const schema = `
-- Units table: one aggregate record per query fingerprint
CREATE TABLE IF NOT EXISTS units (
    fingerprint TEXT PRIMARY KEY,
    template TEXT NOT NULL,
    database_name TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'success', 'error', 'abandoned', 'failed')),
    first_seen DATETIME NOT NULL,
    last_seen DATETIME NOT NULL,
    last_notified_at DATETIME,
    last_notified_avg_duration REAL NOT NULL DEFAULT 0,
    plan TEXT NOT NULL DEFAULT '',
    retry_count INTEGER NOT NULL DEFAULT 0,
    report TEXT NOT NULL DEFAULT '',
    exec_count INTEGER NOT NULL DEFAULT 0,
    avg_duration_secs REAL NOT NULL DEFAULT 0,
    max_duration_secs REAL NOT NULL DEFAULT 0,
    avg_lock_time_secs REAL NOT NULL DEFAULT 0,
    max_lock_time_secs REAL NOT NULL DEFAULT 0,
    avg_rows_sent REAL NOT NULL DEFAULT 0,
    avg_rows_examined REAL NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_units_status ON units(status);
CREATE INDEX IF NOT EXISTS idx_units_last_seen ON units(last_seen);
CREATE INDEX IF NOT EXISTS idx_units_database ON units(database_name);

-- Samples table: append-only log of observed executions
CREATE TABLE IF NOT EXISTS samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    fingerprint TEXT NOT NULL,
    captured_at DATETIME NOT NULL,
    query_text TEXT NOT NULL DEFAULT '',
    duration_secs REAL NOT NULL DEFAULT 0,
    lock_time_secs REAL NOT NULL DEFAULT 0,
    rows_sent INTEGER NOT NULL DEFAULT 0,
    rows_examined INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (fingerprint) REFERENCES units(fingerprint) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_samples_fingerprint ON samples(fingerprint);
CREATE INDEX IF NOT EXISTS idx_samples_captured_at ON samples(captured_at);

-- Unit events table (audit trail of status transitions)
CREATE TABLE IF NOT EXISTS unit_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    fingerprint TEXT NOT NULL,
    old_status TEXT NOT NULL DEFAULT '',
    new_status TEXT NOT NULL DEFAULT '',
    actor TEXT NOT NULL,
    note TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (fingerprint) REFERENCES units(fingerprint) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_unit_events_fingerprint ON unit_events(fingerprint);

-- Engine instances table
-- Tracks running engine processes so the recovery service can tell
-- crash-era pending units from the current run's work
CREATE TABLE IF NOT EXISTS engine_instances (
    instance_id TEXT PRIMARY KEY,
    hostname TEXT NOT NULL,
    pid INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'running' CHECK(status IN ('running', 'stopped')),
    started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_heartbeat DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    version TEXT NOT NULL DEFAULT ''
);

-- Config key/value table (holds the ingestion cursor among others)
CREATE TABLE IF NOT EXISTS config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
