package emit

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// compressions maps a compression name to its file extension
var compressions = map[string]string{
	"":     "",
	"none": "",
	"gzip": ".gz",
	"zstd": ".zst",
	"lz4":  ".lz4",
}

// KnownCompression reports whether the file backend supports the compression name
func KnownCompression(compression string) bool {
	_, present := compressions[compression]
	return present
}

// FileBackend writes each stream to <dir>/<prefix>_<stream>.csv, with a
// further extension when compressed
type FileBackend struct {
	Dir         string
	Prefix      string
	Compression string
}

// CreateFileBackend checks the compression name and creates dir if needed
func CreateFileBackend(dir, prefix, compression string) (*FileBackend, error) {
	if _, present := compressions[compression]; !present {
		return nil, fmt.Errorf("unknown compression %q", compression)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileBackend{Dir: dir, Prefix: prefix, Compression: compression}, nil
}

// Location is the file path of the stream
func (fb *FileBackend) Location(stream string) string {
	return filepath.Join(fb.Dir, fb.Prefix+"_"+stream+".csv"+compressions[fb.Compression])
}

func (fb *FileBackend) Open(stream string) (Sink, error) {
	fd, err := os.Create(fb.Location(stream))
	if err != nil {
		return nil, err
	}
	fs := &fileSink{fd: fd}
	switch fb.Compression {
	case "gzip":
		fs.comp = gzip.NewWriter(fd)
	case "zstd":
		enc, err := zstd.NewWriter(fd)
		if err != nil {
			fd.Close()
			return nil, err
		}
		fs.comp = enc
	case "lz4":
		fs.comp = lz4.NewWriter(fd)
	}
	if fs.comp != nil {
		fs.wrtr = csv.NewWriter(fs.comp)
	} else {
		fs.wrtr = csv.NewWriter(fd)
	}
	return fs, nil
}

func (fb *FileBackend) Close() error { return nil }

type fileSink struct {
	fd   *os.File
	comp io.WriteCloser
	wrtr *csv.Writer
}

// WriteLine flushes each line through the csv writer; a compressor
// holds bytes until its frame fills or the stream closes
func (fs *fileSink) WriteLine(cols []string) error {
	if err := fs.wrtr.Write(cols); err != nil {
		return err
	}
	fs.wrtr.Flush()
	return fs.wrtr.Error()
}

func (fs *fileSink) Close() error {
	fs.wrtr.Flush()
	errs := []error{fs.wrtr.Error()}
	if fs.comp != nil {
		errs = append(errs, fs.comp.Close())
	}
	errs = append(errs, fs.fd.Close())
	return errors.Join(errs...)
}

// OpenReader opens a stream file written by a FileBackend, undoing the
// compression its extension names
func OpenReader(filename string) (io.ReadCloser, error) {
	fd, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	switch filepath.Ext(filename) {
	case ".gz":
		zr, err := gzip.NewReader(fd)
		if err != nil {
			fd.Close()
			return nil, err
		}
		return &stackedReader{Reader: zr, closers: []io.Closer{zr, fd}}, nil
	case ".zst":
		dec, err := zstd.NewReader(fd)
		if err != nil {
			fd.Close()
			return nil, err
		}
		return &stackedReader{Reader: dec, closers: []io.Closer{zstdCloser{dec}, fd}}, nil
	case ".lz4":
		return &stackedReader{Reader: lz4.NewReader(fd), closers: []io.Closer{fd}}, nil
	}
	return fd, nil
}

type stackedReader struct {
	io.Reader
	closers []io.Closer
}

func (sr *stackedReader) Close() error {
	errs := []error{}
	for _, closer := range sr.closers {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}

type zstdCloser struct {
	dec *zstd.Decoder
}

func (zc zstdCloser) Close() error {
	zc.dec.Close()
	return nil
}
