package source

import (
	"context"
	"encoding/csv"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/confluxdata/conflux/pkg/config"
	"github.com/confluxdata/conflux/pkg/errors"
	"github.com/confluxdata/conflux/pkg/models"
)

func init() {
	_ = Register("csv", NewFileSource)
}

// FileSource reads a local delimited table. The parsed table is cached
// and only re-parsed when the file's modification time changes, so a
// short polling interval against a slow-moving file stays cheap.
//
// Settings:
//
//	path          file path (required)
//	delimiter     field delimiter (default ",")
//	order_column  column used to pick the most recent row (default "timestamp")
type FileSource struct {
	baseSource

	path        string
	delimiter   rune
	orderColumn string

	parseMu sync.Mutex
	rows    []RawRecord
	modTime time.Time
}

// NewFileSource creates a file-backed source from its configuration.
func NewFileSource(cfg config.SourceConfig, log *zap.Logger) (Source, error) {
	path := cfg.Setting("path", "")
	if path == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "csv source requires settings.path")
	}

	delim := cfg.Setting("delimiter", ",")
	if len([]rune(delim)) != 1 {
		return nil, errors.Newf(errors.ErrorTypeConfig, "invalid delimiter %q", delim)
	}

	return &FileSource{
		baseSource:  newBaseSource(cfg.Name, cfg.Domain, log),
		path:        path,
		delimiter:   []rune(delim)[0],
		orderColumn: cfg.Setting("order_column", "timestamp"),
	}, nil
}

// Connect verifies the file is reachable.
func (s *FileSource) Connect(ctx context.Context) error {
	if s.connected() {
		return nil
	}

	if _, err := os.Stat(s.path); err != nil {
		cerr := errors.Wrap(err, errors.ErrorTypeConnection, "file not reachable")
		s.markError(cerr)
		return cerr
	}

	s.markConnected()
	s.logger.Info("file source connected", zap.String("path", s.path))
	return nil
}

// Fetch returns the parsed table, re-reading the file only when its
// modification time has advanced.
func (s *FileSource) Fetch(ctx context.Context) (RawRecord, error) {
	if !s.connected() {
		if err := s.Connect(ctx); err != nil {
			return nil, err
		}
	}

	info, err := os.Stat(s.path)
	if err != nil {
		cerr := errors.Wrap(err, errors.ErrorTypeConnection, "file not reachable")
		s.markError(cerr)
		return nil, cerr
	}

	s.parseMu.Lock()
	defer s.parseMu.Unlock()

	if s.rows == nil || info.ModTime().After(s.modTime) {
		rows, perr := s.parse()
		if perr != nil {
			s.markError(perr)
			return nil, perr
		}
		s.rows = rows
		s.modTime = info.ModTime()
	}

	if len(s.rows) == 0 {
		perr := errors.New(errors.ErrorTypeProtocol, "table has no data rows")
		s.markError(perr)
		return nil, perr
	}

	asAny := make([]interface{}, len(s.rows))
	for i, row := range s.rows {
		asAny[i] = map[string]interface{}(row)
	}

	s.markFetched()
	return RawRecord{rowsKey: asAny}, nil
}

// Transform selects the most recent row by the configured ordering
// column and flattens it into the canonical envelope.
func (s *FileSource) Transform(raw RawRecord) models.Record {
	rows, ok := raw[rowsKey].([]interface{})
	if !ok || len(rows) == 0 {
		return s.envelope(time.Time{})
	}

	var newest map[string]interface{}
	for _, r := range rows {
		row, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		if newest == nil || orderAfter(row[s.orderColumn], newest[s.orderColumn]) {
			newest = row
		}
	}
	if newest == nil {
		return s.envelope(time.Time{})
	}

	ts, _ := parseTimestamp(newest[s.orderColumn])
	rec := s.envelope(ts)
	flattenInto(&rec, newest)
	return rec
}

// Close drops the cached table.
func (s *FileSource) Close(ctx context.Context) error {
	s.parseMu.Lock()
	s.rows = nil
	s.modTime = time.Time{}
	s.parseMu.Unlock()
	s.markDisconnected()
	return nil
}

// parse reads the whole table. The first row is the header.
func (s *FileSource) parse() ([]RawRecord, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to open file")
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	reader.Comma = s.delimiter
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "failed to parse delimited table")
	}
	if len(records) == 0 {
		return nil, errors.New(errors.ErrorTypeProtocol, "table is empty")
	}

	headers := records[0]
	rows := make([]RawRecord, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(RawRecord, len(headers))
		for i, header := range headers {
			if i < len(rec) {
				row[header] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// orderAfter reports whether a sorts after b in the ordering column.
// Timestamps compare as time, numeric strings as numbers, everything
// else lexically.
func orderAfter(a, b interface{}) bool {
	if b == nil {
		return true
	}
	if a == nil {
		return false
	}

	if ta, ok := parseTimestamp(a); ok {
		if tb, ok := parseTimestamp(b); ok {
			return ta.After(tb)
		}
	}

	sa, aIsStr := a.(string)
	sb, bIsStr := b.(string)
	if aIsStr && bIsStr {
		if na, errA := strconv.ParseFloat(sa, 64); errA == nil {
			if nb, errB := strconv.ParseFloat(sb, 64); errB == nil {
				return na > nb
			}
		}
		return sa > sb
	}
	return false
}
