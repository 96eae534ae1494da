package source

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	// Database drivers selected by the "driver" setting.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/confluxdata/conflux/pkg/config"
	"github.com/confluxdata/conflux/pkg/errors"
	"github.com/confluxdata/conflux/pkg/models"
)

func init() {
	_ = Register("sql", NewQuerySource)
}

// maxQueryRows bounds how many result rows a single fetch scans. The
// transform only consumes the first row, so anything past this is a
// misconfigured query.
const maxQueryRows = 100

// QuerySource executes a parametrized query against a relational
// database on every fetch.
//
// Settings:
//
//	driver            sql driver name: "pgx" or "mysql" (default "pgx")
//	dsn               connection string (required)
//	query             SQL text (required)
//	arg.1, arg.2 ...  positional query arguments
//	timestamp_column  result column holding the record timestamp
type QuerySource struct {
	baseSource

	driver   string
	dsn      string
	query    string
	args     []interface{}
	tsColumn string

	db *sql.DB
}

// NewQuerySource creates a query-backed source from its configuration.
func NewQuerySource(cfg config.SourceConfig, log *zap.Logger) (Source, error) {
	dsn := cfg.Setting("dsn", "")
	if dsn == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "sql source requires settings.dsn")
	}
	query := cfg.Setting("query", "")
	if query == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "sql source requires settings.query")
	}

	driver := cfg.Setting("driver", "pgx")
	switch driver {
	case "pgx", "mysql":
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported sql driver %q", driver)
	}

	var args []interface{}
	for i := 1; ; i++ {
		v, ok := cfg.Settings["arg."+strconv.Itoa(i)]
		if !ok {
			break
		}
		args = append(args, v)
	}

	return &QuerySource{
		baseSource: newBaseSource(cfg.Name, cfg.Domain, log),
		driver:     driver,
		dsn:        dsn,
		query:      query,
		args:       args,
		tsColumn:   cfg.Setting("timestamp_column", ""),
	}, nil
}

// Connect opens the database handle and verifies it with a ping.
func (s *QuerySource) Connect(ctx context.Context) error {
	if s.connected() {
		return nil
	}

	if s.db == nil {
		db, err := sql.Open(s.driver, s.dsn)
		if err != nil {
			cerr := errors.Wrap(err, errors.ErrorTypeConnection, "failed to open database")
			s.markError(cerr)
			return cerr
		}
		db.SetMaxOpenConns(2)
		db.SetConnMaxIdleTime(5 * time.Minute)
		s.db = db
	}

	if err := s.db.PingContext(ctx); err != nil {
		cerr := errors.Wrap(err, errors.ErrorTypeConnection, "database unreachable")
		s.markError(cerr)
		return cerr
	}

	s.markConnected()
	s.logger.Info("database connected", zap.String("driver", s.driver))
	return nil
}

// Fetch executes the query and returns the scanned result rows.
func (s *QuerySource) Fetch(ctx context.Context) (RawRecord, error) {
	if !s.connected() {
		if err := s.Connect(ctx); err != nil {
			return nil, err
		}
	}

	rows, err := s.db.QueryContext(ctx, s.query, s.args...)
	if err != nil {
		cerr := errors.Wrap(err, errors.ErrorTypeConnection, "query execution failed")
		s.markError(cerr)
		return nil, cerr
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		perr := errors.Wrap(err, errors.ErrorTypeProtocol, "failed to read result columns")
		s.markError(perr)
		return nil, perr
	}

	var result []interface{}
	for rows.Next() && len(result) < maxQueryRows {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			perr := errors.Wrap(err, errors.ErrorTypeProtocol, "failed to scan result row")
			s.markError(perr)
			return nil, perr
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = normalizeSQLValue(values[i])
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		cerr := errors.Wrap(err, errors.ErrorTypeConnection, "result iteration failed")
		s.markError(cerr)
		return nil, cerr
	}
	if len(result) == 0 {
		perr := errors.New(errors.ErrorTypeProtocol, "query returned no rows")
		s.markError(perr)
		return nil, perr
	}

	s.markFetched()
	return RawRecord{rowsKey: result}, nil
}

// Transform takes the first result row and flattens it into the
// canonical envelope.
func (s *QuerySource) Transform(raw RawRecord) models.Record {
	rows, ok := raw[rowsKey].([]interface{})
	if !ok || len(rows) == 0 {
		return s.envelope(time.Time{})
	}
	row, ok := rows[0].(map[string]interface{})
	if !ok {
		return s.envelope(time.Time{})
	}

	ts := time.Time{}
	if s.tsColumn != "" {
		ts, _ = parseTimestamp(row[s.tsColumn])
	}
	rec := s.envelope(ts)
	flattenInto(&rec, row)
	return rec
}

// Close closes the database handle.
func (s *QuerySource) Close(ctx context.Context) error {
	s.markDisconnected()
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// normalizeSQLValue converts driver-specific values into JSON-friendly
// scalars.
func normalizeSQLValue(v interface{}) interface{} {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t
	default:
		return v
	}
}
