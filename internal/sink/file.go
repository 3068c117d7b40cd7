// Package sink persists closed bars.
//
// FileStore writes gzip compressed JSON lines per bar stream with size based
// rotation; Archive copies bars into Postgres in batches.
package sink

import (
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"bars/internal/model"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// DefaultFileSize is the uncompressed size after which a bar file is rotated.
const DefaultFileSize int64 = 256 << 20

// FileName returns the name of the index-th file of a stream created at t, e.g.
// "20231114-2213-0.json.gz".
func FileName(t time.Time, index int) string {
	return fmt.Sprintf("%s-%d.json.gz", t.UTC().Format("20060102-1504"), index)
}

// BarDir returns the directory holding the files of a bar stream. The raw pair is
// only part of the path for dated contracts, where one pair maps to many symbols.
func BarDir(root string, key model.BarKey) string {
	dir := filepath.Join(root,
		string(key.Type),
		key.SizeString(),
		fmt.Sprintf("%s-%s", key.Exchange, key.MarketType),
		key.Pair,
	)
	if !key.MarketType.IsPerpetual() {
		dir = filepath.Join(dir, key.RawPair)
	}
	return dir
}

// RotatedFile is a gzip stream that moves on to a new file once maxBytes of
// uncompressed data have been written. It is not safe for concurrent use.
type RotatedFile struct {
	dir      string
	maxBytes int64
	now      func() time.Time

	file    *os.File
	buf     *bufio.Writer
	gz      *gzip.Writer
	written int64
	index   int
}

// NewRotatedFile creates dir if needed. The first file is opened on the first write.
func NewRotatedFile(dir string, maxBytes int64, now func() time.Time) (*RotatedFile, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultFileSize
	}
	if now == nil {
		now = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	return &RotatedFile{dir: dir, maxBytes: maxBytes, now: now}, nil
}

// Write appends p, rotating first if the current file is full.
func (f *RotatedFile) Write(p []byte) (int, error) {
	if f.gz == nil || f.written >= f.maxBytes {
		if err := f.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := f.gz.Write(p)
	f.written += int64(n)
	return n, err
}

// Flush pushes buffered data to the file so that it can be read back.
func (f *RotatedFile) Flush() error {
	if f.gz == nil {
		return nil
	}
	if err := f.gz.Flush(); err != nil {
		return err
	}
	return f.buf.Flush()
}

// Path returns the file currently written to, or "" before the first write.
func (f *RotatedFile) Path() string {
	if f.file == nil {
		return ""
	}
	return f.file.Name()
}

// Close finishes the gzip stream and closes the file.
func (f *RotatedFile) Close() error {
	if f.gz == nil {
		return nil
	}
	err := errors.Join(f.gz.Close(), f.buf.Flush(), f.file.Close())
	f.gz, f.buf, f.file = nil, nil, nil
	return err
}

func (f *RotatedFile) rotate() error {
	if err := f.Close(); err != nil {
		return err
	}

	created := f.now()
	for {
		path := filepath.Join(f.dir, FileName(created, f.index))
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			f.index++
			continue
		}
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		f.file = file
		f.buf = bufio.NewWriterSize(file, 64<<10)
		f.gz = gzip.NewWriter(f.buf)
		f.written = 0
		f.index++
		return nil
	}
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithFileSize sets the rotation size in bytes.
func WithFileSize(n int64) FileOption {
	return func(s *FileStore) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithFileClock replaces the clock used for file names.
func WithFileClock(now func() time.Time) FileOption {
	return func(s *FileStore) {
		if now != nil {
			s.now = now
		}
	}
}

// FileStore writes each bar stream to its own rotated file under root.
type FileStore struct {
	root     string
	maxBytes int64
	now      func() time.Time

	mu    sync.Mutex
	files map[model.BarKey]*RotatedFile
}

// NewFileStore creates a store rooted at root.
func NewFileStore(root string, opts ...FileOption) *FileStore {
	s := &FileStore{
		root:     root,
		maxBytes: DefaultFileSize,
		now:      time.Now,
		files:    make(map[model.BarKey]*RotatedFile),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements service.Sink.
func (s *FileStore) Name() string { return "file" }

// Write implements service.Sink. Each bar becomes one JSON line in its stream's file.
// A failing stream does not stop the others.
func (s *FileStore) Write(_ context.Context, bars []model.BarRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	touched := make(map[model.BarKey]*RotatedFile)
	var errs []error
	for i := range bars {
		key := bars[i].Key()
		f, err := s.file(key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		line, err := json.Marshal(bars[i])
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal bar %s: %w", key, err))
			continue
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			errs = append(errs, fmt.Errorf("write bar %s: %w", key, err))
			continue
		}
		touched[key] = f
	}
	for key, f := range touched {
		if err := f.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (s *FileStore) file(key model.BarKey) (*RotatedFile, error) {
	if f, ok := s.files[key]; ok {
		return f, nil
	}
	f, err := NewRotatedFile(BarDir(s.root, key), s.maxBytes, s.now)
	if err != nil {
		return nil, err
	}
	s.files[key] = f
	log.Debug().Str("bar", key.String()).Str("dir", f.dir).Msg("opened bar file")
	return f, nil
}

// Close closes every open file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for key, f := range s.files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
	}
	s.files = make(map[model.BarKey]*RotatedFile)
	return errors.Join(errs...)
}
