package dag

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var ErrVertexNotFound = errors.New("vertex not found")

const (
	vertexPrefix     = "vertex:"
	checkpointPrefix = "checkpoint:"
)

// Store persists graph vertices and batch checkpoints in LevelDB. Values are
// JSON so the database stays inspectable with standard tooling.
type Store struct {
	conn *leveldb.DB
}

// NewStore opens (or creates) the vertex database at the given path.
func NewStore(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening vertex store: %w", err)
	}
	return &Store{conn: db}, nil
}

// Close safely closes the underlying database.
func (s *Store) Close() error {
	return s.conn.Close()
}

// PutVertex inserts or updates a vertex record.
func (s *Store) PutVertex(v *Vertex) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.conn.Put([]byte(vertexPrefix+v.Hash), data, nil)
}

// GetVertex retrieves a vertex by transaction hash.
func (s *Store) GetVertex(hash string) (*Vertex, error) {
	data, err := s.conn.Get([]byte(vertexPrefix+hash), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrVertexNotFound
	}
	if err != nil {
		return nil, err
	}
	var v Vertex
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// AllVertices returns every stored vertex. Used to rebuild the in-memory
// arena on startup.
func (s *Store) AllVertices() ([]*Vertex, error) {
	iter := s.conn.NewIterator(util.BytesPrefix([]byte(vertexPrefix)), nil)
	defer iter.Release()

	var vertices []*Vertex
	for iter.Next() {
		var v Vertex
		if err := json.Unmarshal(iter.Value(), &v); err != nil {
			return nil, err
		}
		vertices = append(vertices, &v)
	}
	return vertices, iter.Error()
}

// Checkpoint records the state of one completed batch run.
type Checkpoint struct {
	ID             string `json:"id"`
	Timestamp      int64  `json:"timestamp"`
	ProcessedCount uint64 `json:"processed_count"`
	PendingCount   int    `json:"pending_count"`
}

// PutCheckpoint stores a batch checkpoint.
func (s *Store) PutCheckpoint(cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return s.conn.Put([]byte(checkpointPrefix+cp.ID), data, nil)
}

// LatestCheckpoint retrieves the most recent checkpoint, or nil when none
// exists.
func (s *Store) LatestCheckpoint() (*Checkpoint, error) {
	iter := s.conn.NewIterator(util.BytesPrefix([]byte(checkpointPrefix)), nil)
	defer iter.Release()

	var latest *Checkpoint
	for iter.Next() {
		var cp Checkpoint
		if err := json.Unmarshal(iter.Value(), &cp); err != nil {
			return nil, err
		}
		if latest == nil || cp.Timestamp > latest.Timestamp {
			latest = &cp
		}
	}
	return latest, iter.Error()
}
