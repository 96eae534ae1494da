// Package sink provides the append-only durable log for processed
// records: newline-delimited JSON, one file per (domain, source,
// calendar day). File names are a deterministic function of the key and
// date so a replay tool can locate history without an index. Only the
// single processing worker writes a given file, so no locking is needed
// beyond OS append semantics.
package sink

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/confluxdata/conflux/pkg/errors"
	"github.com/confluxdata/conflux/pkg/models"
)

const dayLayout = "2006-01-02"

// Options configures a Sink.
type Options struct {
	// Dir is the directory holding the partition files.
	Dir string
	// Gzip enables gzip compression of partition files.
	Gzip bool
}

// Sink appends processed records to date-partitioned JSON-lines files.
type Sink struct {
	dir    string
	gz     bool
	logger *zap.Logger

	mu    sync.Mutex
	files map[string]*partition // keyed by file name
}

// partition is one open (domain, source, day) file.
type partition struct {
	file *os.File
	gzw  *gzip.Writer
	buf  *bufio.Writer
}

// New creates a sink writing under opts.Dir, creating it if needed.
func New(opts Options, logger *zap.Logger) (*Sink, error) {
	if opts.Dir == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "sink directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create sink directory")
	}
	return &Sink{
		dir:    opts.Dir,
		gz:     opts.Gzip,
		logger: logger.With(zap.String("component", "sink")),
		files:  make(map[string]*partition),
	}, nil
}

// FileName returns the deterministic partition file name for a key and
// day.
func FileName(domain, source string, day time.Time, gz bool) string {
	name := fmt.Sprintf("%s_%s_%s.json", domain, source, day.UTC().Format(dayLayout))
	if gz {
		name += ".gz"
	}
	return name
}

// Append writes one record as a JSON line to its partition file. A
// failed write leaves previously appended lines intact.
func (s *Sink) Append(rec models.ProcessedRecord) error {
	line, err := gojson.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	day := rec.ProcessedAt
	if day.IsZero() {
		day = time.Now()
	}
	name := FileName(rec.Domain, rec.Source, day, s.gz)

	p, err := s.partitionFor(rec.Domain, rec.Source, name)
	if err != nil {
		return err
	}

	if _, err := p.buf.Write(line); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to append record")
	}
	if err := p.buf.WriteByte('\n'); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to append record")
	}
	// flush per line so a crash never truncates mid-record
	return p.flush()
}

// partitionFor returns the open partition for the file name, rotating
// out any prior day's partition for the same key.
func (s *Sink) partitionFor(domain, source, name string) (*partition, error) {
	if p, ok := s.files[name]; ok {
		return p, nil
	}

	// day rollover: close other partitions for the same key prefix
	prefix := domain + "_" + source + "_"
	for existing, p := range s.files {
		if len(existing) >= len(prefix) && existing[:len(prefix)] == prefix {
			if err := p.close(); err != nil {
				s.logger.Warn("failed to close rotated partition",
					zap.String("file", existing), zap.Error(err))
			}
			delete(s.files, existing)
		}
	}

	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to open partition file")
	}

	p := &partition{file: f}
	if s.gz {
		p.gzw = gzip.NewWriter(f)
		p.buf = bufio.NewWriter(p.gzw)
	} else {
		p.buf = bufio.NewWriter(f)
	}
	s.files[name] = p

	s.logger.Info("opened partition file", zap.String("file", name))
	return p, nil
}

func (p *partition) flush() error {
	if err := p.buf.Flush(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to flush partition")
	}
	if p.gzw != nil {
		if err := p.gzw.Flush(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeFile, "failed to flush compressed partition")
		}
	}
	return nil
}

func (p *partition) close() error {
	err := p.flush()
	if p.gzw != nil {
		if cerr := p.gzw.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := p.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// Flush forces buffered data of all open partitions to disk.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, p := range s.files {
		if err := p.flush(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeFile, "failed to flush "+name)
		}
	}
	return nil
}

// Close flushes and closes all open partition files.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for name, p := range s.files {
		if err := p.close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, errors.ErrorTypeFile, "failed to close "+name)
		}
		delete(s.files, name)
	}
	return firstErr
}

// Read replays one (domain, source, day) partition, reconstructing the
// records written to it.
func (s *Sink) Read(domain, source string, day time.Time) ([]models.ProcessedRecord, error) {
	path := filepath.Join(s.dir, FileName(domain, source, day, s.gz))

	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to open partition file")
	}
	defer func() { _ = f.Close() }()

	var reader io.Reader = f
	if s.gz {
		gzr, err := gzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to open compressed partition")
		}
		gzr.Multistream(true)
		defer func() { _ = gzr.Close() }()
		reader = gzr
	}

	var records []models.ProcessedRecord
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec models.ProcessedRecord
		if err := gojson.Unmarshal(line, &rec); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "corrupt record line")
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to read partition")
	}
	return records, nil
}
