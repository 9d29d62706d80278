package storage

import (
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/Pablu23/tftpd/internal/common"
)

// Store hands out files below a single data directory.
type Store struct {
	parentFilePath string
}

func New(datapath string) (*Store, error) {
	parentFilePath, err := filepath.Abs(datapath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(parentFilePath, 0o755); err != nil {
		return nil, fmt.Errorf("create datapath: %w", err)
	}

	return &Store{parentFilePath: parentFilePath}, nil
}

func (store *Store) Path() string {
	return store.parentFilePath
}

func (store *Store) resolve(name string) (string, error) {
	file := filepath.Join(store.parentFilePath, name)
	file = filepath.Clean(file)

	// Only direct children of the datapath are served.
	if filepath.Dir(file) != store.parentFilePath {
		log.WithFields(log.Fields{
			"ParentFilePath":    store.parentFilePath,
			"RequestedFilePath": name,
			"CleanedFilePath":   file,
		}).Warn("Requesting File out of Path")
		return "", common.NewTFTPError(common.ErrCodeAccessViolation, fmt.Errorf("%q is outside of the datapath", name))
	}
	return file, nil
}

// Open returns a file to be sent to a peer.
func (store *Store) Open(name string) (*File, error) {
	path, err := store.resolve(name)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, classify(err)
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, classify(err)
	}
	if fi.IsDir() {
		file.Close()
		return nil, common.NewTFTPError(common.ErrCodeAccessViolation, fmt.Errorf("%q is a directory", name))
	}

	digest, _ := blake2b.New256(nil)
	return &File{
		file:   file,
		path:   path,
		length: int(fi.Size()),
		digest: digest,
	}, nil
}

// Create returns a new file to be received from a peer. Existing files are
// never overwritten.
func (store *Store) Create(name string) (*File, error) {
	path, err := store.resolve(name)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, classify(err)
	}

	digest, _ := blake2b.New256(nil)
	return &File{
		file:     file,
		path:     path,
		digest:   digest,
		writable: true,
	}, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return common.NewTFTPError(common.ErrCodeFileNotFound, err)
	case errors.Is(err, fs.ErrExist):
		return common.NewTFTPError(common.ErrCodeFileExists, err)
	case errors.Is(err, fs.ErrPermission):
		return common.NewTFTPError(common.ErrCodeAccessViolation, err)
	case errors.Is(err, syscall.ENOSPC):
		return common.NewTFTPError(common.ErrCodeDiskFull, err)
	default:
		return common.NewTFTPError(common.ErrCodeUndefined, err)
	}
}

// File keeps its own cursor, so chunks must be read or written in block order.
type File struct {
	file     *os.File
	path     string
	length   int
	digest   hash.Hash
	writable bool
}

func (f *File) Name() string {
	return filepath.Base(f.path)
}

// ReadChunk returns the next maxBytes of the file, fewer at the end of the file.
func (f *File) ReadChunk(maxBytes int) ([]byte, error) {
	buf := make([]byte, maxBytes)
	r, err := io.ReadFull(f.file, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, classify(err)
	}
	f.digest.Write(buf[:r])
	return buf[:r], nil
}

func (f *File) WriteChunk(data []byte) error {
	if !f.writable {
		return common.NewTFTPError(common.ErrCodeAccessViolation, fmt.Errorf("%s is opened for reading", f.Name()))
	}
	if _, err := f.file.Write(data); err != nil {
		return classify(err)
	}
	f.digest.Write(data)
	f.length += len(data)
	return nil
}

// SectionCount is the number of full or partial blocks of the file.
func (f *File) SectionCount() int {
	return (f.length + common.MaxDataSize - 1) / common.MaxDataSize
}

func (f *File) TotalLength() int {
	return f.length
}

// Digest is the BLAKE2b-256 sum of every byte read or written so far.
func (f *File) Digest() string {
	return hex.EncodeToString(f.digest.Sum(nil))
}

func (f *File) Close() error {
	if f.writable {
		if err := f.file.Sync(); err != nil {
			f.file.Close()
			return err
		}
	}
	return f.file.Close()
}

// Abort closes the file and removes it when it was being received.
func (f *File) Abort() error {
	err := f.file.Close()
	if f.writable {
		if rmErr := os.Remove(f.path); rmErr != nil {
			return rmErr
		}
	}
	return err
}
