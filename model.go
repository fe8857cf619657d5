package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Role distinguishes the two ends of a migration.
type Role string

const (
	RoleSource Role = "source"
	RoleTarget Role = "target"
)

// ConnectionSpec holds the connection parameters for one database. Values are
// copied, never shared, so a loaded connection cannot change underneath a component.
type ConnectionSpec struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Role     Role
}

// String never includes the password.
func (c ConnectionSpec) String() string {
	return fmt.Sprintf("%s %s@%s/%s", c.Role, c.User, c.Endpoint(), c.Database)
}

// Endpoint returns host:port.
func (c ConnectionSpec) Endpoint() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// IsLoopback reports whether the host refers to the operator's own machine.
func (c ConnectionSpec) IsLoopback() bool {
	h := strings.TrimSpace(strings.ToLower(c.Host))
	if h == "" || h == "localhost" {
		return true
	}
	ip := net.ParseIP(strings.Trim(h, "[]"))
	return ip != nil && ip.IsLoopback()
}

// SourceKind tags the variants of SourceType.
type SourceKind string

const (
	KindTinyInt        SourceKind = "tinyint"
	KindBit            SourceKind = "bit"
	KindDatetime       SourceKind = "datetime"
	KindTimestamp      SourceKind = "timestamp"
	KindDate           SourceKind = "date"
	KindYear           SourceKind = "year"
	KindEnum           SourceKind = "enum"
	KindSet            SourceKind = "set"
	KindIntUnsigned    SourceKind = "int unsigned"
	KindBigIntUnsigned SourceKind = "bigint unsigned"
	KindOther          SourceKind = "other"
)

// SourceType is a tagged variant over the MySQL type system. Width is set for
// TinyInt and Bit, Values for Enum and Set, Name for Other.
type SourceType struct {
	Kind   SourceKind
	Width  int
	Values []string
	Name   string
}

func (s SourceType) String() string {
	switch s.Kind {
	case KindTinyInt, KindBit:
		return fmt.Sprintf("%s(%d)", s.Kind, s.Width)
	case KindEnum, KindSet:
		quoted := make([]string, len(s.Values))
		for i, v := range s.Values {
			quoted[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
		}
		return fmt.Sprintf("%s(%s)", s.Kind, strings.Join(quoted, ","))
	case KindOther:
		return s.Name
	default:
		return string(s.Kind)
	}
}

// ColumnSpec is one column of a source table.
type ColumnSpec struct {
	Name          string
	SourceType    SourceType
	Nullable      bool
	AutoIncrement bool

	ColumnType string // raw INFORMATION_SCHEMA.COLUMNS.COLUMN_TYPE
	Extra      string
	Charset    string
	Collation  string
}

// Index represents a source index (may span multiple columns).
type Index struct {
	Name          string
	Columns       []string
	Unique        bool
	IsPrimary     bool
	Type          string // BTREE, FULLTEXT, SPATIAL, HASH
	HasPrefix     bool   // MySQL prefix index (SUB_PART)
	HasExpression bool
}

// ForeignKey represents a source foreign key constraint.
type ForeignKey struct {
	Name       string
	Columns    []string
	RefTable   string
	RefColumns []string
}

// Table is one entry of the table inventory.
type Table struct {
	Name        string
	ApproxRows  int64
	Columns     []ColumnSpec
	PrimaryKey  *Index
	Indexes     []Index // non-primary
	ForeignKeys []ForeignKey
}

// Transform names the value conversion applied to a column.
type Transform string

const (
	TransformDirect         Transform = "direct"
	TransformZeroDateToNull Transform = "zero_date_to_null"
	TransformEnumToText     Transform = "enum_to_text"
	TransformUnsignedWiden  Transform = "unsigned_widen"
)

// CastDirective is the resolved conversion for one column.
type CastDirective struct {
	Table      string
	Column     string
	SourceType SourceType
	TargetType string
	Transform  Transform
	Unmapped   bool
}

// JobOptions are the engine-level options of a migration job.
type JobOptions struct {
	ResetSequences bool
	IncludeTables  []string
	ExcludeTables  []string
	CreateIndexes  bool
	ForeignKeys    bool
	IdentifierCase string // downcase|snake_case
	Workers        int
	Concurrency    int
	BatchRows      int
	TargetSchema   string
	BeforeLoad     []string // SQL statements
	AfterLoad      []string

	// TargetContainer is the managed target's container name; the engine
	// reaches a loopback target through it on the container network.
	TargetContainer string
}

// JobDescription is the complete, immutable input of one engine run.
type JobDescription struct {
	Source  ConnectionSpec
	Target  ConnectionSpec
	Tables  []Table
	Casts   []CastDirective
	Options JobOptions
}

// ProgressPhase is the lifecycle stage of one table during the engine run.
type ProgressPhase string

const (
	PhaseStarting  ProgressPhase = "starting"
	PhaseMigrating ProgressPhase = "migrating"
	PhaseDone      ProgressPhase = "done"
	PhaseFailed    ProgressPhase = "failed"
)

// ProgressEvent is one observation of a table's progress.
type ProgressEvent struct {
	Table     string
	RowsDone  int64
	RowsTotal *int64
	Elapsed   time.Duration
	Phase     ProgressPhase
}
