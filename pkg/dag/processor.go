// Package dag ingests submitted transactions into a dependency graph and
// scores processed vertices for threat risk. Vertices are processed in
// batches, and only once every dependency has itself been processed.
package dag

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dagshield/pkg/config"
	"dagshield/pkg/data"
	"dagshield/pkg/events"
)

var (
	ErrDuplicateTx = errors.New("transaction hash already submitted")
	ErrEmptyHash   = errors.New("transaction hash cannot be empty")
)

// Heuristic component weights. A vertex collecting every component still
// scores well below the cap, so the clamp matters only if weights grow.
const (
	scoreLargeValue    = 20
	scoreLargePayload  = 15
	scoreSensitiveCall = 10

	selectorBytes = 4
)

// Vertex is one submitted transaction in the dependency graph. Dependencies
// reference other vertices by hash, never by pointer.
type Vertex struct {
	Hash         string     `json:"hash"`
	From         string     `json:"from"`
	To           string     `json:"to"`
	Value        uint64     `json:"value"`
	Payload      []byte     `json:"payload"`
	Dependencies []string   `json:"dependencies"`
	ThreatScore  uint32     `json:"threat_score"`
	Processed    bool       `json:"processed"`
	SubmittedAt  time.Time  `json:"submitted_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
}

// AlertSink receives self-alerts for vertices whose heuristic score crosses
// the alert threshold.
type AlertSink interface {
	SubmitSelfAlert(ctx context.Context, alertID, threatType string, confidence uint32, implicated, sourceTx string) error
}

// Processor maintains the vertex arena and the pending worklist. A batch run
// makes a single pass over the worklist; a vertex whose dependency is never
// submitted stays pending forever. Callers must not submit dependency
// cycles; members of a cycle are never processed.
type Processor struct {
	cfg   config.DAGConfig
	store *Store

	vertices       map[string]*Vertex
	pending        []string
	processedCount uint64

	alerts AlertSink
	bus    *events.Bus
	logger *zap.Logger
	mu     sync.Mutex
}

// NewProcessor creates a batch processor. The store may be nil for purely
// in-memory operation.
func NewProcessor(cfg config.DAGConfig, store *Store, alerts AlertSink, bus *events.Bus, logger *zap.Logger) *Processor {
	return &Processor{
		cfg:      cfg,
		store:    store,
		vertices: make(map[string]*Vertex),
		alerts:   alerts,
		bus:      bus,
		logger:   logger,
	}
}

// Restore rebuilds the arena and worklist from the store.
func (p *Processor) Restore() error {
	if p.store == nil {
		return nil
	}

	stored, err := p.store.AllVertices()
	if err != nil {
		return fmt.Errorf("restoring vertex arena: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, v := range stored {
		p.vertices[v.Hash] = v
		if v.Processed {
			p.processedCount++
		} else {
			p.pending = append(p.pending, v.Hash)
		}
	}

	p.logger.Info("Vertex arena restored",
		zap.Int("vertices", len(stored)),
		zap.Int("pending", len(p.pending)))
	return nil
}

// AddTransaction stores a new vertex and queues it for processing. Reaching
// the batch size triggers a batch run immediately.
func (p *Processor) AddTransaction(ctx context.Context, txHash, from, to string, value uint64, payload []byte, dependencies []string) error {
	if txHash == "" {
		return ErrEmptyHash
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.vertices[txHash]; exists {
		return ErrDuplicateTx
	}

	v := &Vertex{
		Hash:         txHash,
		From:         from,
		To:           to,
		Value:        value,
		Payload:      payload,
		Dependencies: dependencies,
		SubmittedAt:  time.Now().UTC(),
	}
	p.vertices[txHash] = v
	p.pending = append(p.pending, txHash)
	p.persistVertex(v)

	if len(p.pending) >= p.cfg.BatchSize {
		p.processBatchLocked(ctx)
	}
	return nil
}

// ProcessBatch runs one batch pass over the pending worklist and returns the
// number of vertices processed.
func (p *Processor) ProcessBatch(ctx context.Context) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processBatchLocked(ctx)
}

// processBatchLocked makes a single bounded scan: a vertex is processed only
// when every dependency is already processed, anything else stays pending
// for the next trigger. Caller holds the lock.
func (p *Processor) processBatchLocked(ctx context.Context) int {
	var remaining []string
	processed := 0
	now := time.Now().UTC()

	for _, hash := range p.pending {
		v := p.vertices[hash]
		if !p.dependenciesReadyLocked(v) {
			remaining = append(remaining, hash)
			continue
		}

		v.ThreatScore = p.threatScore(v)
		v.Processed = true
		processedAt := now
		v.ProcessedAt = &processedAt
		p.processedCount++
		processed++
		p.persistVertex(v)

		if v.ThreatScore > p.cfg.AlertThreshold {
			p.selfAlert(ctx, v)
		}
	}
	p.pending = remaining

	if processed > 0 {
		p.writeCheckpoint(now)
		p.logger.Info("Batch processed",
			zap.Int("processed", processed),
			zap.Int("pending", len(p.pending)))
	}
	return processed
}

func (p *Processor) dependenciesReadyLocked(v *Vertex) bool {
	for _, dep := range v.Dependencies {
		depVertex, exists := p.vertices[dep]
		if !exists || !depVertex.Processed {
			return false
		}
	}
	return true
}

// threatScore applies the fixed heuristic: large value transfer, oversized
// payload, and a sensitive leading call selector each add points. The result
// is clamped to the threat level scale.
func (p *Processor) threatScore(v *Vertex) uint32 {
	var score uint32
	if v.Value > p.cfg.LargeValue {
		score += scoreLargeValue
	}
	if len(v.Payload) > p.cfg.LargePayloadBytes {
		score += scoreLargePayload
	}
	if p.hasSensitiveSelector(v.Payload) {
		score += scoreSensitiveCall
	}
	if score > data.MaxThreatLvl {
		score = data.MaxThreatLvl
	}
	return score
}

func (p *Processor) hasSensitiveSelector(payload []byte) bool {
	if len(payload) < selectorBytes {
		return false
	}
	selector := hex.EncodeToString(payload[:selectorBytes])
	for _, s := range p.cfg.SensitiveSelectors {
		if strings.EqualFold(strings.TrimPrefix(s, "0x"), selector) {
			return true
		}
	}
	return false
}

// selfAlert synthesizes a threat alert for a high-scoring vertex. The alert
// id is derived from the transaction hash so a re-run cannot double-alert.
func (p *Processor) selfAlert(ctx context.Context, v *Vertex) {
	if p.alerts == nil {
		return
	}

	alertID := "dag-" + v.Hash
	err := p.alerts.SubmitSelfAlert(ctx, alertID, "suspicious_transaction", v.ThreatScore, v.To, v.Hash)
	if err != nil {
		p.logger.Warn("Self-alert rejected",
			zap.String("tx_hash", v.Hash), zap.Error(err))
		return
	}

	p.bus.Append(events.KindThreatDetected, v.Hash, map[string]string{
		"score":    fmt.Sprintf("%d", v.ThreatScore),
		"alert_id": alertID,
	})
}

func (p *Processor) persistVertex(v *Vertex) {
	if p.store == nil {
		return
	}
	if err := p.store.PutVertex(v); err != nil {
		p.logger.Warn("Failed to persist vertex",
			zap.String("hash", v.Hash), zap.Error(err))
	}
}

func (p *Processor) writeCheckpoint(now time.Time) {
	if p.store == nil {
		return
	}
	cp := &Checkpoint{
		ID:             uuid.NewString(),
		Timestamp:      now.UnixMilli(),
		ProcessedCount: p.processedCount,
		PendingCount:   len(p.pending),
	}
	if err := p.store.PutCheckpoint(cp); err != nil {
		p.logger.Warn("Failed to write checkpoint", zap.Error(err))
	}
}

// GetVertex returns a copy of a vertex by hash.
func (p *Processor) GetVertex(hash string) (*Vertex, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, exists := p.vertices[hash]
	if !exists {
		return nil, ErrVertexNotFound
	}
	copied := *v
	return &copied, nil
}

// PendingCount returns the size of the unprocessed worklist.
func (p *Processor) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// ProcessedCount returns the number of vertices processed so far.
func (p *Processor) ProcessedCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processedCount
}
