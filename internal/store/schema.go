package store

// Schema is the HLU table layout the SQLite store and writer expect.
// Child tables all reference incid.incid; incid_mm_polygons holds one row per
// GIS feature (toid + toidfragid identifies the fragment).
const Schema = `
CREATE TABLE IF NOT EXISTS incid (
	incid TEXT PRIMARY KEY,
	ihs_habitat TEXT,
	boundary_map TEXT,
	digitisation_map TEXT,
	general_comments TEXT,
	last_modified_user_id TEXT,
	last_modified_date TEXT
);

CREATE TABLE IF NOT EXISTS incid_mm_polygons (
	incid TEXT NOT NULL,
	toid TEXT NOT NULL,
	toidfragid TEXT NOT NULL,
	shape_area REAL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_polygons_incid ON incid_mm_polygons(incid);
CREATE INDEX IF NOT EXISTS idx_polygons_toid ON incid_mm_polygons(toid, toidfragid);

CREATE TABLE IF NOT EXISTS incid_condition (
	incid_condition_id INTEGER PRIMARY KEY,
	incid TEXT NOT NULL,
	condition TEXT,
	condition_qualifier TEXT,
	condition_date_start TEXT
);

CREATE TABLE IF NOT EXISTS incid_ihs_matrix (
	matrix_id INTEGER PRIMARY KEY,
	incid TEXT NOT NULL,
	matrix TEXT
);

CREATE TABLE IF NOT EXISTS incid_ihs_formation (
	formation_id INTEGER PRIMARY KEY,
	incid TEXT NOT NULL,
	formation TEXT
);

CREATE TABLE IF NOT EXISTS incid_ihs_management (
	management_id INTEGER PRIMARY KEY,
	incid TEXT NOT NULL,
	management TEXT
);

CREATE TABLE IF NOT EXISTS incid_ihs_complex (
	complex_id INTEGER PRIMARY KEY,
	incid TEXT NOT NULL,
	complex TEXT
);

CREATE TABLE IF NOT EXISTS incid_bap (
	bap_id INTEGER PRIMARY KEY,
	incid TEXT NOT NULL,
	bap_habitat TEXT,
	quality_determination TEXT,
	interpretation TEXT
);

CREATE TABLE IF NOT EXISTS incid_sources (
	incid_source_id INTEGER PRIMARY KEY,
	incid TEXT NOT NULL,
	source_id INTEGER,
	sort_order INTEGER,
	source_habitat_class TEXT
);

CREATE TABLE IF NOT EXISTS incid_osmm_updates (
	incid_osmm_update_id INTEGER PRIMARY KEY,
	incid TEXT NOT NULL,
	osmm_xref_id INTEGER,
	status INTEGER
);

CREATE TABLE IF NOT EXISTS history (
	history_id INTEGER PRIMARY KEY,
	incid TEXT NOT NULL,
	toid TEXT,
	toidfragid TEXT,
	modified_operation TEXT,
	modified_date TEXT
);

CREATE TABLE IF NOT EXISTS incid_secondary (
	secondary_id INTEGER PRIMARY KEY,
	incid TEXT NOT NULL,
	secondary_habitat TEXT,
	sort_order INTEGER
);
CREATE INDEX IF NOT EXISTS idx_condition_incid ON incid_condition(incid);
CREATE INDEX IF NOT EXISTS idx_history_incid ON history(incid);
`
