package api

// Relations declares how dependent child tables hang off the parent record table.
// It is loaded once per session and compiled into filter and sort templates.
type Relations struct {
	// Version of the relations schema.
	Version string `json:"version"`
	// Parent table (e.g. "incid") and its ordering key column.
	Parent    string `json:"parent"`
	ParentKey string `json:"parent_key"`
	// Children are the dependent entity types, fetched in declared order.
	Children []Relation `json:"children,omitempty"`
}

// Relation describes one dependent entity type.
type Relation struct {
	// Entity is the stable name callers use to address this child collection.
	Entity string `json:"entity"`
	// Table holding the child rows.
	Table string `json:"table"`
	// Columns pairs child columns with the parent columns they reference.
	// Order matters: bound values follow this order.
	Columns []ColumnPair `json:"columns"`
	// Sort applied in memory after fetch. Empty means the first child column, ascending.
	Sort []SortKey `json:"sort,omitempty"`
	// TrackOriginal records the fetched row count for later add/remove detection.
	TrackOriginal bool `json:"track_original,omitempty"`
}

// ColumnPair links a child column to a parent column.
type ColumnPair struct {
	Child  string `json:"child"`
	Parent string `json:"parent"`
	// Op is the comparison operator; "=" when empty.
	Op string `json:"op,omitempty"`
}

// SortKey is one column of an in-memory sort.
type SortKey struct {
	Column string `json:"column"`
	Desc   bool   `json:"desc,omitempty"`
}

// Entity names of the HLU child collections.
const (
	EntityCondition   = "condition"
	EntityMatrix      = "ihs_matrix"
	EntityFormation   = "ihs_formation"
	EntityManagement  = "ihs_management"
	EntityComplex     = "ihs_complex"
	EntityBap         = "bap"
	EntitySource      = "source"
	EntityOSMMUpdate  = "osmm_update"
	EntityHistory     = "history"
	EntitySecondary   = "secondary"
	ParentTable       = "incid"
	ParentKeyColumn   = "incid"
	PolygonTable      = "incid_mm_polygons"
	ToidColumn        = "toid"
	ToidFragIDColumn  = "toidfragid"
	HistoryTable      = "history"
	HistoryKeyColumn  = "history_id"
	ConditionTable    = "incid_condition"
	SourceTable       = "incid_sources"
	SecondaryTable    = "incid_secondary"
	OSMMUpdateTable   = "incid_osmm_updates"
	BapTable          = "incid_bap"
	MatrixTable       = "incid_ihs_matrix"
	FormationTable    = "incid_ihs_formation"
	ManagementTable   = "incid_ihs_management"
	ComplexTable      = "incid_ihs_complex"
)

// DefaultRelations returns the HLU incid relationship set.
// History is an append-only log and is shown newest first.
func DefaultRelations() *Relations {
	byIncid := []ColumnPair{{Child: "incid", Parent: "incid"}}
	return &Relations{
		Version:   "v1",
		Parent:    ParentTable,
		ParentKey: ParentKeyColumn,
		Children: []Relation{
			{Entity: EntityCondition, Table: ConditionTable, Columns: byIncid, Sort: []SortKey{{Column: "incid_condition_id"}}, TrackOriginal: true},
			{Entity: EntityMatrix, Table: MatrixTable, Columns: byIncid, Sort: []SortKey{{Column: "matrix_id"}}, TrackOriginal: true},
			{Entity: EntityFormation, Table: FormationTable, Columns: byIncid, Sort: []SortKey{{Column: "formation_id"}}, TrackOriginal: true},
			{Entity: EntityManagement, Table: ManagementTable, Columns: byIncid, Sort: []SortKey{{Column: "management_id"}}, TrackOriginal: true},
			{Entity: EntityComplex, Table: ComplexTable, Columns: byIncid, Sort: []SortKey{{Column: "complex_id"}}, TrackOriginal: true},
			{Entity: EntityBap, Table: BapTable, Columns: byIncid, Sort: []SortKey{{Column: "bap_id"}}},
			{Entity: EntitySource, Table: SourceTable, Columns: byIncid, Sort: []SortKey{{Column: "sort_order"}, {Column: "incid_source_id"}}, TrackOriginal: true},
			{Entity: EntityOSMMUpdate, Table: OSMMUpdateTable, Columns: byIncid, Sort: []SortKey{{Column: "incid_osmm_update_id"}}},
			{Entity: EntityHistory, Table: HistoryTable, Columns: byIncid, Sort: []SortKey{{Column: HistoryKeyColumn, Desc: true}}},
			{Entity: EntitySecondary, Table: SecondaryTable, Columns: byIncid, Sort: []SortKey{{Column: "sort_order"}, {Column: "secondary_id"}}},
		},
	}
}
