package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kitedb/src/helpers"
	"kitedb/src/models"
	"kitedb/src/settings"
)

// StorageState is the full persisted state of one database.
type StorageState struct {
	Collections map[string][]models.Document
	Schemas     map[string]*models.Schema
}

func newStorageState() *StorageState {
	return &StorageState{
		Collections: make(map[string][]models.Document),
		Schemas:     make(map[string]*models.Schema),
	}
}

// chunkRecord is the BSON layout of one chunk: a subset of the collections
// and the complete schema map.
type chunkRecord struct {
	Collections map[string][]map[string]interface{} `bson:"collections"`
	Schemas     map[string]models.Schema            `bson:"schemas"`
}

// StorageOptions tune how chunks are written.
type StorageOptions struct {
	// Collection names per chunk file
	ChunkSize int
	Codec     Codec
	// Free space must be at least the encoded size times this factor
	DiskMargin float64
}

// StorageOptionsFromSettings builds storage options from the loaded settings.
func StorageOptionsFromSettings(args *settings.Arguments) (StorageOptions, error) {
	codec, err := ParseCodec(args.Storage.Compression)
	if err != nil {
		return StorageOptions{}, err
	}
	return StorageOptions{
		ChunkSize:  args.Storage.ChunkSize,
		Codec:      codec,
		DiskMargin: args.Storage.DiskMargin,
	}, nil
}

// StorageEngine persists a database as numbered, encrypted chunk files in
// its own directory.
type StorageEngine struct {
	dbName        string
	DataDirectory string
	key           []byte
	opts          StorageOptions
	logger        *zap.SugaredLogger

	// freeSpace reports available bytes for a directory
	freeSpace func(dir string) (uint64, error)

	mu sync.Mutex // serializes save and load
}

// NewStorageEngine checks the key, creates <dataRoot>/<dbName> and binds to it.
func NewStorageEngine(dataRoot, dbName string, key []byte, opts StorageOptions, logger *zap.SugaredLogger) (*StorageEngine, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := validateKey(key); err != nil {
		return nil, storageError("open", "invalid encryption key", err)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1000
	}
	if opts.DiskMargin < 1 {
		opts.DiskMargin = 1.5
	}

	dir := filepath.Join(dataRoot, dbName)
	if err := helpers.EnsureDataDirectory(dir); err != nil {
		return nil, storageError("open", "failed to create database directory", err)
	}

	keyCopy := make([]byte, len(key))
	copy(keyCopy, key)

	logger.Debugf("StorageEngine for %s at %s", dbName, dir)
	return &StorageEngine{
		dbName:        dbName,
		DataDirectory: dir,
		key:           keyCopy,
		opts:          opts,
		logger:        logger,
		freeSpace:     helpers.FreeDiskSpace,
	}, nil
}

func (s *StorageEngine) chunkPath(chunkID int) string {
	return filepath.Join(s.DataDirectory, fmt.Sprintf("chunk_%d", chunkID))
}

// Save writes the state as ceil(collections / ChunkSize) chunks. Collection
// names are grouped in sorted order; every chunk carries all schemas.
func (s *StorageEngine) Save(state *StorageState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(state.Collections))
	for name := range state.Collections {
		names = append(names, name)
	}
	sort.Strings(names)

	schemas := make(map[string]models.Schema, len(state.Schemas))
	for name, schema := range state.Schemas {
		if schema != nil {
			schemas[name] = *schema
		}
	}

	chunkCount := (len(names) + s.opts.ChunkSize - 1) / s.opts.ChunkSize
	blobs := make([][]byte, chunkCount)

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < chunkCount; i++ {
		start := i * s.opts.ChunkSize
		end := min(start+s.opts.ChunkSize, len(names))
		group := names[start:end]
		g.Go(func() error {
			blob, err := s.encodeChunk(group, state.Collections, schemas)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			blobs[i] = blob
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Errorf("Failed to encode database %s: %v", s.dbName, err)
		return storageError("save", "failed to encode chunks", err)
	}

	var total int
	for _, blob := range blobs {
		total += len(blob)
	}
	free, err := s.freeSpace(s.DataDirectory)
	if err != nil {
		return storageError("save", "failed to check disk space", err)
	}
	if float64(free) < float64(total)*s.opts.DiskMargin {
		return storageError("save", fmt.Sprintf("insufficient disk space to save data: need %.0f bytes, have %d",
			float64(total)*s.opts.DiskMargin, free), nil)
	}

	for i, blob := range blobs {
		if err := helpers.WriteFileAtomic(s.chunkPath(i), blob); err != nil {
			s.logger.Errorf("Failed to save chunk %d of %s: %v", i, s.dbName, err)
			return storageError("save", fmt.Sprintf("failed to write chunk %d", i), err)
		}
		s.logger.Debugf("Saved chunk %d of %s (%d bytes)", i, s.dbName, len(blob))
	}

	// Remove chunks left over from a larger previous state, otherwise the
	// next load would resurrect dropped collections.
	for i := chunkCount; helpers.FileExists(s.chunkPath(i), s.logger); i++ {
		if err := helpers.DeleteDataFile(s.chunkPath(i)); err != nil {
			return storageError("save", fmt.Sprintf("failed to remove stale chunk %d", i), err)
		}
		s.logger.Debugf("Removed stale chunk %d of %s", i, s.dbName)
	}
	return nil
}

func (s *StorageEngine) encodeChunk(names []string, collections map[string][]models.Document, schemas map[string]models.Schema) ([]byte, error) {
	record := chunkRecord{
		Collections: make(map[string][]map[string]interface{}, len(names)),
		Schemas:     schemas,
	}
	for _, name := range names {
		docs := collections[name]
		natives := make([]map[string]interface{}, len(docs))
		for i, doc := range docs {
			natives[i] = doc.Native()
		}
		record.Collections[name] = natives
	}

	raw, err := helpers.EncodeBSON(record)
	if err != nil {
		return nil, err
	}
	payload, err := compressPayload(raw, s.opts.Codec)
	if err != nil {
		return nil, err
	}
	return encryptCBC(s.key, payload)
}

// Load reads chunk_0, chunk_1, ... until the next file is missing and merges
// them. Any unreadable chunk fails the whole load.
func (s *StorageEngine) Load() (*StorageState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var paths []string
	for i := 0; ; i++ {
		path := s.chunkPath(i)
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				break
			}
			return nil, storageError("load", fmt.Sprintf("failed to stat chunk %d", i), err)
		}
		paths = append(paths, path)
	}

	records := make([]*chunkRecord, len(paths))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, path := range paths {
		g.Go(func() error {
			record, err := s.decodeChunk(path)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			records[i] = record
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Errorf("Failed to load database %s: %v", s.dbName, err)
		return nil, storageError("load", "failed to read chunks", err)
	}

	state := newStorageState()
	for i, record := range records {
		for name, natives := range record.Collections {
			docs := state.Collections[name]
			for j, native := range natives {
				v, err := models.FromNative(native)
				if err != nil {
					return nil, storageError("load", fmt.Sprintf("chunk %d: collection %s document %d", i, name, j), err)
				}
				doc, _ := v.AsObject()
				docs = append(docs, doc)
			}
			if docs == nil {
				docs = []models.Document{}
			}
			state.Collections[name] = docs
		}
		for name, schema := range record.Schemas {
			state.Schemas[name] = schema.Clone()
		}
		s.logger.Debugf("Loaded chunk %d of %s", i, s.dbName)
	}
	return state, nil
}

func (s *StorageEngine) decodeChunk(path string) (*chunkRecord, error) {
	encrypted, err := helpers.ReadMappedFile(path)
	if err != nil {
		return nil, err
	}
	payload, err := decryptCBC(s.key, encrypted)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	raw, err := decompressPayload(payload)
	if err != nil {
		return nil, err
	}
	var record chunkRecord
	if err := helpers.DecodeBSON(raw, &record); err != nil {
		return nil, err
	}
	return &record, nil
}
