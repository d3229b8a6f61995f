// Package backup packs index and data file of a store into a single
// compressed file and unpacks it back.
//
// A backup is a zip archive (entries stored, not deflated) with two entries,
// <name>.idx and <name>.bin, compressed as a whole with zstd or brotli.
package backup

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kjk/ezdb/dirlock"
	"github.com/kjk/ezdb/filepair"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

type Codec int

const (
	// None is an uncompressed zip
	None Codec = iota
	Zstd
	Brotli
)

var ErrInvalid = errors.New("invalid backup")

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case Brotli:
		return "brotli"
	}
	return fmt.Sprintf("Codec(%d)", int(c))
}

// Ext returns conventional file extension for backups using c
func (c Codec) Ext() string {
	switch c {
	case Zstd:
		return ".zstd"
	case Brotli:
		return ".br"
	}
	return ".zip"
}

// CodecFromPath picks codec based on file extension
func CodecFromPath(path string) Codec {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".zstd", ".zst":
		return Zstd
	case ".br":
		return Brotli
	}
	return None
}

// ParseCodec parses codec name as returned by Codec.String()
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(s) {
	case "none", "zip", "":
		return None, nil
	case "zstd", "zst":
		return Zstd, nil
	case "brotli", "br":
		return Brotli, nil
	}
	return None, fmt.Errorf("unknown codec '%s'", s)
}

// Bundle is content of a backup
type Bundle struct {
	Name  string
	Index []byte
	Data  []byte
}

func zstdNewWriter(dst io.Writer) (*zstd.Encoder, error) {
	// zstd.SpeedBestCompression is much slower and not much better
	return zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error {
	return nil
}

func newCompressor(w io.Writer, c Codec) (io.WriteCloser, error) {
	switch c {
	case None:
		return nopWriteCloser{w}, nil
	case Zstd:
		return zstdNewWriter(w)
	case Brotli:
		return brotli.NewWriterLevel(w, brotli.DefaultCompression), nil
	}
	return nil, fmt.Errorf("unknown codec %s", c)
}

func decompress(r io.Reader, c Codec) ([]byte, error) {
	switch c {
	case None:
		return io.ReadAll(r)
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case Brotli:
		return io.ReadAll(brotli.NewReader(r))
	}
	return nil, fmt.Errorf("unknown codec %s", c)
}

func zipAdd(zw *zip.Writer, name string, d []byte) error {
	fw, err := zw.CreateHeader(&zip.FileHeader{
		Name:   name,
		Method: zip.Store,
	})
	if err != nil {
		return err
	}
	_, err = fw.Write(d)
	return err
}

func getErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Write writes b as a backup compressed with c
func Write(w io.Writer, c Codec, b *Bundle) error {
	cw, err := newCompressor(w, c)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(cw)
	err = zipAdd(zw, b.Name+filepair.IndexExt, b.Index)
	if err == nil {
		err = zipAdd(zw, b.Name+filepair.DataExt, b.Data)
	}
	err2 := zw.Close()
	err3 := cw.Close()
	return getErr(err, err2, err3)
}

// Read reads a backup written with Write. Doesn't validate the content.
func Read(r io.Reader, c Codec) (*Bundle, error) {
	d, err := decompress(r, c)
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(bytes.NewReader(d), int64(len(d)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	b := &Bundle{}
	var idxName, dataName string
	for _, f := range zr.File {
		ext := filepath.Ext(f.Name)
		name := strings.TrimSuffix(f.Name, ext)
		var dst *[]byte
		switch ext {
		case filepair.IndexExt:
			dst = &b.Index
			idxName = name
		case filepair.DataExt:
			dst = &b.Data
			dataName = name
		default:
			return nil, fmt.Errorf("%w: unexpected file '%s'", ErrInvalid, f.Name)
		}
		if *dst != nil {
			return nil, fmt.Errorf("%w: duplicate file '%s'", ErrInvalid, f.Name)
		}
		if *dst, err = readZipFile(f); err != nil {
			return nil, err
		}
	}
	if b.Index == nil || b.Data == nil {
		return nil, fmt.Errorf("%w: missing index or data file", ErrInvalid)
	}
	if idxName != dataName {
		return nil, fmt.Errorf("%w: index is for '%s', data is for '%s'", ErrInvalid, idxName, dataName)
	}
	b.Name = idxName
	return b, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	d, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	// non-nil even for empty files, Read() uses nil as "not seen"
	if d == nil {
		d = []byte{}
	}
	return d, nil
}

// Restore reads a backup and writes it as store files in dir.
// If name is empty, uses the name recorded in the backup.
// Existing store files are over-written. Fails with dirlock.ErrLocked
// if the store is open. Returns number of records.
func Restore(r io.Reader, c Codec, dir string, name string) (int, error) {
	b, err := Read(r, c)
	if err != nil {
		return 0, err
	}
	// don't write files that can't be loaded
	slots, err := filepair.Decode(b.Index, b.Data)
	if err != nil {
		return 0, err
	}
	if _, err = filepair.DecodeRecords[map[string]any](slots); err != nil {
		return 0, err
	}
	if name == "" {
		name = b.Name
	}
	if err = os.MkdirAll(dir, 0755); err != nil {
		return 0, err
	}
	lock, err := dirlock.Acquire(dir, name)
	if err != nil {
		return 0, err
	}
	defer lock.Release()
	p := filepair.New(dir, name)
	if err = p.WriteRaw(b.Index, b.Data); err != nil {
		return 0, err
	}
	return len(slots), nil
}
