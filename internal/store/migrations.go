package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS import_records (
	discriminator     TEXT PRIMARY KEY,
	source_subject    TEXT NOT NULL DEFAULT '',
	source_sender     TEXT NOT NULL DEFAULT '',
	source_date       DATETIME NOT NULL,
	artifact_kind     TEXT NOT NULL CHECK(artifact_kind IN ('INLINE_TABLE', 'SPREADSHEET', 'IMAGE_OR_SCAN')),
	artifact_location TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'PENDING'
		CHECK(status IN ('PENDING', 'PROCESSING', 'SUCCESS', 'FAILED', 'MANUAL_REVIEW')),
	retry_count       INTEGER NOT NULL DEFAULT 0,
	error_message     TEXT,
	result_refs       TEXT NOT NULL DEFAULT '[]',
	processed_at      DATETIME,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_import_records_status ON import_records(status);
CREATE INDEX IF NOT EXISTS idx_import_records_created ON import_records(created_at);

CREATE TABLE IF NOT EXISTS tour_classifications (
	code TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS bookings (
	id               TEXT PRIMARY KEY,
	business_key     TEXT NOT NULL,
	year             INTEGER NOT NULL,
	classification   TEXT NOT NULL REFERENCES tour_classifications(code),
	start_date       DATETIME,
	end_date         DATETIME,
	adults           INTEGER NOT NULL DEFAULT 0,
	children         INTEGER NOT NULL DEFAULT 0,
	arrival_flight   TEXT,
	departure_flight TEXT,
	transport_ref    TEXT,
	source_import    TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	UNIQUE(business_key, year)
);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
ALTER TABLE import_records ADD COLUMN result_summary TEXT;

CREATE INDEX IF NOT EXISTS idx_bookings_classification ON bookings(classification);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
