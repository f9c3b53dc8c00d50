package storage

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	DefaultBucketCount = 16

	// values smaller than this are never compressed
	minCompressSize = 64

	flagCompressed uint8 = 1 << 0
)

// Index file fields
const (
	idxFieldDataSize protowire.Number = 1
	idxFieldEntry    protowire.Number = 2

	entryFieldKey    protowire.Number = 1
	entryFieldOffset protowire.Number = 2
	entryFieldSize   protowire.Number = 3
	entryFieldFlags  protowire.Number = 4
)

var (
	ErrStaleIndex     = errors.New("Index does not describe the bucket file")
	ErrBucketMismatch = errors.New("Data directory was created with a different bucket count")
	ErrValueTooLarge  = errors.New("Value is larger than 4GiB")
)

type FileStoreOptions struct {
	// Path is the data directory, created if missing
	Path string

	// Buckets is the number of bucket files keys are spread over
	Buckets int

	// Compression zstd compresses values when that makes them smaller
	Compression bool

	// SyncWrites fsyncs the bucket file after every write
	SyncWrites bool

	Log *zap.Logger
}

// FileStore keeps values in append-only bucket files. Each key is hashed to a
// bucket; the bucket keeps an in-memory index from key to the offset and size
// of the latest value for that key. Bytes are never overwritten in place, so
// an indexed [offset, offset+size) range stays valid for the life of the file.
type FileStore struct {
	opts    FileStoreOptions
	buckets []*bucket
	log     *zap.Logger
}

type entry struct {
	offset int64
	size   uint32
	flags  uint8
}

type bucket struct {
	id   int
	path string
	file *os.File

	// size is where the next record is appended
	size int64

	index map[string]entry
}

// OpenFileStore opens, or creates, the bucket files under opts.Path and loads
// their indexes. Missing or stale indexes are rebuilt by scanning the bucket
// file.
func OpenFileStore(opts FileStoreOptions) (*FileStore, error) {
	if opts.Buckets <= 0 {
		opts.Buckets = DefaultBucketCount
	}

	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}

	if err := os.MkdirAll(opts.Path, 0750); err != nil {
		return nil, err
	}

	existing, err := filepath.Glob(filepath.Join(opts.Path, "bucket_*.kn"))
	if err != nil {
		return nil, err
	}

	if len(existing) > 0 && len(existing) != opts.Buckets {
		return nil, fmt.Errorf("%w: found %d bucket files, configured %d",
			ErrBucketMismatch, len(existing), opts.Buckets)
	}

	s := &FileStore{
		opts:    opts,
		buckets: make([]*bucket, 0, opts.Buckets),
		log:     opts.Log,
	}

	for i := 0; i < opts.Buckets; i++ {
		b, err := openBucket(i, filepath.Join(opts.Path, fmt.Sprintf("bucket_%03d.kn", i)), s.log)
		if err != nil {
			return nil, multierr.Append(err, s.closeFiles())
		}

		s.buckets = append(s.buckets, b)
	}

	return s, nil
}

func (s *FileStore) Exists(ctx context.Context, key string) bool {
	_, ok := s.bucketFor(key).index[key]
	return ok
}

func (s *FileStore) Read(ctx context.Context, key string) ([]byte, error) {
	b := s.bucketFor(key)

	e, ok := b.index[key]
	if !ok {
		return nil, ErrNotFound
	}

	value := make([]byte, e.size)
	if _, err := b.file.ReadAt(value, e.offset); err != nil {
		return nil, fmt.Errorf("Failed to read %q from bucket %d: %w", key, b.id, err)
	}

	if e.flags&flagCompressed != 0 {
		return DecompressBytes(value)
	}

	return value, nil
}

// Write appends a new record for key. The previous record, if any, stays in
// the file but is no longer indexed.
func (s *FileStore) Write(ctx context.Context, key string, value []byte) error {
	var flags uint8
	payload := value

	if s.opts.Compression && len(value) >= minCompressSize {
		if compressed := CompressBytes(value); len(compressed) < len(value) {
			payload = compressed
			flags |= flagCompressed
		}
	}

	if uint64(len(payload)) > math.MaxUint32 {
		return ErrValueTooLarge
	}

	b := s.bucketFor(key)

	e, err := b.append(key, payload, flags)
	if err != nil {
		return err
	}

	if s.opts.SyncWrites {
		if err := b.file.Sync(); err != nil {
			return fmt.Errorf("Failed to sync bucket %d: %w", b.id, err)
		}
	}

	b.index[key] = e
	return nil
}

func (s *FileStore) Len() int {
	n := 0
	for _, b := range s.buckets {
		n += len(b.index)
	}

	return n
}

// Close persists every bucket index and closes the bucket files.
func (s *FileStore) Close() (err error) {
	for _, b := range s.buckets {
		if ierr := b.saveIndex(); ierr != nil {
			err = multierr.Append(err, fmt.Errorf("bucket %d save index: %w", b.id, ierr))
		}
	}

	return multierr.Append(err, s.closeFiles())
}

func (s *FileStore) closeFiles() (err error) {
	for _, b := range s.buckets {
		if b.file == nil {
			continue
		}

		if cerr := b.file.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("bucket %d close: %w", b.id, cerr))
		}

		b.file = nil
	}

	return err
}

// bucketFor hashes the key with BLAKE3 and uses the first 4 bytes of the sum
// to pick a bucket.
func (s *FileStore) bucketFor(key string) *bucket {
	h := blake3.New()
	h.Write([]byte(key))
	sum := h.Sum(nil)

	return s.buckets[binary.BigEndian.Uint32(sum[:4])%uint32(len(s.buckets))]
}

func openBucket(id int, path string, log *zap.Logger) (*bucket, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		return nil, multierr.Append(err, f.Close())
	}

	b := &bucket{
		id:    id,
		path:  path,
		file:  f,
		size:  stat.Size(),
		index: make(map[string]entry),
	}

	if err := b.loadIndex(); err != nil {
		if !errors.Is(err, os.ErrNotExist) || b.size > 0 {
			log.Info("Rebuilding bucket index", zap.Int("bucket", id), zap.Error(err))
		}

		if err := b.rebuildIndex(log); err != nil {
			return nil, multierr.Append(err, f.Close())
		}
	}

	return b, nil
}

// append writes one record at the end of the bucket file:
//
//	[u32 keyLen][key][u8 flags][u32 valueLen][value]
func (b *bucket) append(key string, payload []byte, flags uint8) (entry, error) {
	header := 4 + len(key) + 1 + 4

	record := make([]byte, 0, header+len(payload))
	record = binary.LittleEndian.AppendUint32(record, uint32(len(key)))
	record = append(record, key...)
	record = append(record, flags)
	record = binary.LittleEndian.AppendUint32(record, uint32(len(payload)))
	record = append(record, payload...)

	if _, err := b.file.WriteAt(record, b.size); err != nil {
		// Drop any partial record so the file stays a sequence of whole records
		return entry{}, multierr.Append(
			fmt.Errorf("Failed to append %q to bucket %d: %w", key, b.id, err),
			b.file.Truncate(b.size))
	}

	e := entry{
		offset: b.size + int64(header),
		size:   uint32(len(payload)),
		flags:  flags,
	}

	b.size += int64(len(record))
	return e, nil
}

func (b *bucket) indexFilePath() string {
	return b.path + ".idx"
}

func (b *bucket) saveIndex() error {
	var buf []byte

	buf = protowire.AppendTag(buf, idxFieldDataSize, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(b.size))

	for key, e := range b.index {
		var msg []byte
		msg = protowire.AppendTag(msg, entryFieldKey, protowire.BytesType)
		msg = protowire.AppendString(msg, key)
		msg = protowire.AppendTag(msg, entryFieldOffset, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(e.offset))
		msg = protowire.AppendTag(msg, entryFieldSize, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(e.size))
		msg = protowire.AppendTag(msg, entryFieldFlags, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(e.flags))

		buf = protowire.AppendTag(buf, idxFieldEntry, protowire.BytesType)
		buf = protowire.AppendBytes(buf, msg)
	}

	tmp := b.indexFilePath() + ".tmp"
	if err := os.WriteFile(tmp, buf, 0640); err != nil {
		return err
	}

	return os.Rename(tmp, b.indexFilePath())
}

func (b *bucket) loadIndex() error {
	buf, err := os.ReadFile(b.indexFilePath())
	if err != nil {
		return err
	}

	index := make(map[string]entry)
	dataSize := int64(-1)

	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return protowire.ParseError(n)
		}
		buf = buf[n:]

		switch {
		case num == idxFieldDataSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return protowire.ParseError(n)
			}
			buf = buf[n:]
			dataSize = int64(v)

		case num == idxFieldEntry && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return protowire.ParseError(n)
			}
			buf = buf[n:]

			key, e, err := decodeIndexEntry(msg)
			if err != nil {
				return err
			}

			if e.offset < 0 || e.offset+int64(e.size) > b.size {
				return fmt.Errorf("%w: entry %q points past the end of the file", ErrStaleIndex, key)
			}

			index[key] = e

		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return protowire.ParseError(n)
			}
			buf = buf[n:]
		}
	}

	if dataSize != b.size {
		return fmt.Errorf("%w: index covers %d bytes, file has %d", ErrStaleIndex, dataSize, b.size)
	}

	b.index = index
	return nil
}

func decodeIndexEntry(msg []byte) (string, entry, error) {
	var (
		key string
		e   entry
	)

	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return "", e, protowire.ParseError(n)
		}
		msg = msg[n:]

		if num == entryFieldKey && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(msg)
			if n < 0 {
				return "", e, protowire.ParseError(n)
			}
			msg = msg[n:]
			key = v
			continue
		}

		if typ != protowire.VarintType {
			n := protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return "", e, protowire.ParseError(n)
			}
			msg = msg[n:]
			continue
		}

		v, n := protowire.ConsumeVarint(msg)
		if n < 0 {
			return "", e, protowire.ParseError(n)
		}
		msg = msg[n:]

		switch num {
		case entryFieldOffset:
			e.offset = int64(v)
		case entryFieldSize:
			e.size = uint32(v)
		case entryFieldFlags:
			e.flags = uint8(v)
		}
	}

	return key, e, nil
}

// rebuildIndex scans every record in the bucket file. A trailing partial
// record, left by a crash mid-write, is truncated away.
func (b *bucket) rebuildIndex(log *zap.Logger) error {
	index := make(map[string]entry)

	r := bufio.NewReader(io.NewSectionReader(b.file, 0, b.size))
	var offset int64
	var header [4]byte

	for offset < b.size {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			break
		}
		keyLen := int64(binary.LittleEndian.Uint32(header[:]))
		if offset+4+keyLen > b.size {
			break
		}

		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			break
		}

		flags, err := r.ReadByte()
		if err != nil {
			break
		}

		if _, err := io.ReadFull(r, header[:]); err != nil {
			break
		}
		size := binary.LittleEndian.Uint32(header[:])

		valueOffset := offset + 4 + keyLen + 1 + 4
		if valueOffset+int64(size) > b.size {
			break
		}

		if _, err := r.Discard(int(size)); err != nil {
			break
		}

		index[string(key)] = entry{offset: valueOffset, size: size, flags: flags}
		offset = valueOffset + int64(size)
	}

	if offset < b.size {
		log.Warn("Truncating partial record at the end of bucket",
			zap.Int("bucket", b.id),
			zap.Int64("offset", offset),
			zap.Int64("size", b.size))

		if err := b.file.Truncate(offset); err != nil {
			return err
		}

		b.size = offset
	}

	b.index = index

	log.Info("Rebuilt bucket index",
		zap.Int("bucket", b.id),
		zap.Int("keys", len(index)))

	return nil
}

var _ Store = (*FileStore)(nil)
