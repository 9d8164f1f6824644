package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// Repository defines the interface for durable state. Live state is held in
// memory by the owning components; the repository is the persistence shadow
// external indexers read from.
type Repository interface {
	// Node operations
	SaveNode(ctx context.Context, node *Node) error
	GetNode(ctx context.Context, nodeID string) (*Node, error)
	ListNodesByOwner(ctx context.Context, owner string) ([]*Node, error)
	UpdateNode(ctx context.Context, node *Node) error

	// Stake operations
	SaveStake(ctx context.Context, stake *Stake) error
	GetStake(ctx context.Context, owner string) (*Stake, error)

	// Alert operations
	SaveAlert(ctx context.Context, alert *ThreatAlert) error
	GetAlert(ctx context.Context, id string) (*ThreatAlert, error)
	UpdateAlert(ctx context.Context, alert *ThreatAlert) error
	ListActiveAlerts(ctx context.Context, limit int) ([]*ThreatAlert, error)

	// Relay operations
	SaveRelay(ctx context.Context, relay *RelayRecord) error
	UpdateRelay(ctx context.Context, relay *RelayRecord) error
	ListRelaysByAlert(ctx context.Context, alertID string) ([]*RelayRecord, error)
	ListPendingRelays(ctx context.Context, limit int) ([]*RelayRecord, error)

	// Challenge operations
	SaveChallenge(ctx context.Context, challenge *Challenge) error
	GetChallenge(ctx context.Context, id string) (*Challenge, error)
	UpdateChallenge(ctx context.Context, challenge *Challenge) error
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresRepository creates a new PostgreSQL repository instance.
func NewPostgresRepository(ctx context.Context, connStr string, logger *zap.Logger) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &PostgresRepository{
		pool:   pool,
		logger: logger,
	}, nil
}

// NewPostgresRepositoryFromPool wraps an existing pool.
func NewPostgresRepositoryFromPool(pool *pgxpool.Pool, logger *zap.Logger) *PostgresRepository {
	return &PostgresRepository{pool: pool, logger: logger}
}

// Close releases all database resources.
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// SaveNode persists a node record.
func (r *PostgresRepository) SaveNode(ctx context.Context, node *Node) error {
	if err := node.Validate(); err != nil {
		return fmt.Errorf("validating node: %w", err)
	}

	query := `
		INSERT INTO nodes (
			node_id, owner_id, device_type, capabilities, location, stake_amount,
			reputation, efficiency, cpu_cores, ram_megabytes, storage_gb,
			bandwidth_mbps, power_watts, status, registered_at, last_active_at,
			total_rewards, threats_detected, uptime_seconds, verified
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20
		)`

	_, err := r.pool.Exec(ctx, query,
		node.NodeID, node.Owner, node.DeviceType, node.Capabilities, node.Location,
		int64(node.StakeAmount), int32(node.Reputation), int32(node.Efficiency),
		int32(node.Hardware.CPUCores), int32(node.Hardware.RAMMegabytes),
		int32(node.Hardware.StorageGB), int32(node.Hardware.BandwidthMbps),
		int32(node.Hardware.PowerWatts), string(node.Status), node.RegisteredAt,
		node.LastActiveAt, int64(node.TotalRewards), int64(node.ThreatsDetected),
		int64(node.UptimeSeconds), node.Verified,
	)
	if err != nil {
		if isPgDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting node: %w", err)
	}

	return nil
}

// GetNode retrieves a node by its identifier.
func (r *PostgresRepository) GetNode(ctx context.Context, nodeID string) (*Node, error) {
	query := nodeSelect + ` WHERE node_id = $1`

	node, err := scanNode(r.pool.QueryRow(ctx, query, nodeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying node: %w", err)
	}
	return node, nil
}

// ListNodesByOwner retrieves all nodes registered by an owner.
func (r *PostgresRepository) ListNodesByOwner(ctx context.Context, owner string) ([]*Node, error) {
	query := nodeSelect + ` WHERE owner_id = $1 ORDER BY registered_at`

	rows, err := r.pool.Query(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("querying nodes by owner: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning node row: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating node rows: %w", err)
	}

	return nodes, nil
}

// UpdateNode overwrites an existing node record.
func (r *PostgresRepository) UpdateNode(ctx context.Context, node *Node) error {
	if err := node.Validate(); err != nil {
		return fmt.Errorf("validating node: %w", err)
	}

	query := `
		UPDATE nodes
		SET stake_amount = $1, reputation = $2, efficiency = $3, status = $4,
			last_active_at = $5, total_rewards = $6, threats_detected = $7,
			uptime_seconds = $8, verified = $9
		WHERE node_id = $10`

	result, err := r.pool.Exec(ctx, query,
		int64(node.StakeAmount), int32(node.Reputation), int32(node.Efficiency),
		string(node.Status), node.LastActiveAt, int64(node.TotalRewards),
		int64(node.ThreatsDetected), int64(node.UptimeSeconds), node.Verified,
		node.NodeID,
	)
	if err != nil {
		return fmt.Errorf("updating node: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// SaveStake upserts the owner's stake position.
func (r *PostgresRepository) SaveStake(ctx context.Context, stake *Stake) error {
	if err := stake.Validate(); err != nil {
		return fmt.Errorf("validating stake: %w", err)
	}

	query := `
		INSERT INTO stakes (owner_id, amount, staked_at, accrued_rewards, release_at, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_id) DO UPDATE SET
			amount = EXCLUDED.amount,
			staked_at = EXCLUDED.staked_at,
			accrued_rewards = EXCLUDED.accrued_rewards,
			release_at = EXCLUDED.release_at,
			active = EXCLUDED.active`

	_, err := r.pool.Exec(ctx, query,
		stake.Owner, int64(stake.Amount), stake.StakedAt,
		int64(stake.AccruedRewards), stake.ReleaseAt, stake.Active,
	)
	if err != nil {
		return fmt.Errorf("upserting stake: %w", err)
	}

	return nil
}

// GetStake retrieves an owner's stake position.
func (r *PostgresRepository) GetStake(ctx context.Context, owner string) (*Stake, error) {
	query := `
		SELECT owner_id, amount, staked_at, accrued_rewards, release_at, active
		FROM stakes
		WHERE owner_id = $1`

	stake := &Stake{}
	var amount, accrued int64
	err := r.pool.QueryRow(ctx, query, owner).Scan(
		&stake.Owner, &amount, &stake.StakedAt, &accrued, &stake.ReleaseAt, &stake.Active,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying stake: %w", err)
	}
	stake.Amount = uint64(amount)
	stake.AccruedRewards = uint64(accrued)

	return stake, nil
}

// SaveAlert persists a threat alert.
func (r *PostgresRepository) SaveAlert(ctx context.Context, alert *ThreatAlert) error {
	if err := alert.Validate(); err != nil {
		return fmt.Errorf("validating alert: %w", err)
	}

	query := `
		INSERT INTO threat_alerts (
			id, threat_type, confidence, implicated_address, source_tx_hash,
			submitted_at, attestation_ref, verified, confirmations, confirmers
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.pool.Exec(ctx, query,
		alert.ID, alert.ThreatType, int32(alert.Confidence), alert.ImplicatedAddress,
		alert.SourceTxHash, alert.SubmittedAt, alert.AttestationRef, alert.Verified,
		int32(alert.Confirmations), alert.Confirmers,
	)
	if err != nil {
		if isPgDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting alert: %w", err)
	}

	return nil
}

// GetAlert retrieves an alert by id.
func (r *PostgresRepository) GetAlert(ctx context.Context, id string) (*ThreatAlert, error) {
	query := `
		SELECT id, threat_type, confidence, implicated_address, source_tx_hash,
			   submitted_at, attestation_ref, verified, confirmations, confirmers
		FROM threat_alerts
		WHERE id = $1`

	alert := &ThreatAlert{}
	var confidence, confirmations int32
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&alert.ID, &alert.ThreatType, &confidence, &alert.ImplicatedAddress,
		&alert.SourceTxHash, &alert.SubmittedAt, &alert.AttestationRef,
		&alert.Verified, &confirmations, &alert.Confirmers,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying alert: %w", err)
	}
	alert.Confidence = uint32(confidence)
	alert.Confirmations = int(confirmations)

	return alert, nil
}

// UpdateAlert overwrites alert confirmation state.
func (r *PostgresRepository) UpdateAlert(ctx context.Context, alert *ThreatAlert) error {
	query := `
		UPDATE threat_alerts
		SET verified = $1, confirmations = $2, confirmers = $3
		WHERE id = $4`

	result, err := r.pool.Exec(ctx, query,
		alert.Verified, int32(alert.Confirmations), alert.Confirmers, alert.ID,
	)
	if err != nil {
		return fmt.Errorf("updating alert: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// ListActiveAlerts retrieves unverified alerts, newest first.
func (r *PostgresRepository) ListActiveAlerts(ctx context.Context, limit int) ([]*ThreatAlert, error) {
	query := `
		SELECT id, threat_type, confidence, implicated_address, source_tx_hash,
			   submitted_at, attestation_ref, verified, confirmations, confirmers
		FROM threat_alerts
		WHERE verified = false
		ORDER BY submitted_at DESC
		LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying active alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*ThreatAlert
	for rows.Next() {
		alert := &ThreatAlert{}
		var confidence, confirmations int32
		err := rows.Scan(
			&alert.ID, &alert.ThreatType, &confidence, &alert.ImplicatedAddress,
			&alert.SourceTxHash, &alert.SubmittedAt, &alert.AttestationRef,
			&alert.Verified, &confirmations, &alert.Confirmers,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning alert row: %w", err)
		}
		alert.Confidence = uint32(confidence)
		alert.Confirmations = int(confirmations)
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating alert rows: %w", err)
	}

	return alerts, nil
}

// SaveRelay persists a relay record.
func (r *PostgresRepository) SaveRelay(ctx context.Context, relay *RelayRecord) error {
	query := `
		INSERT INTO relay_records (
			id, source_ledger, target_ledger, alert_id, payload, created_at,
			delivered, delivered_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.pool.Exec(ctx, query,
		relay.ID, relay.SourceLedger, relay.TargetLedger, relay.AlertID,
		relay.Payload, relay.CreatedAt, relay.Delivered, relay.DeliveredAt,
	)
	if err != nil {
		if isPgDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting relay record: %w", err)
	}

	return nil
}

// UpdateRelay overwrites relay delivery state.
func (r *PostgresRepository) UpdateRelay(ctx context.Context, relay *RelayRecord) error {
	query := `
		UPDATE relay_records
		SET delivered = $1, delivered_at = $2
		WHERE id = $3`

	result, err := r.pool.Exec(ctx, query, relay.Delivered, relay.DeliveredAt, relay.ID)
	if err != nil {
		return fmt.Errorf("updating relay record: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// ListRelaysByAlert retrieves all relay records for an alert.
func (r *PostgresRepository) ListRelaysByAlert(ctx context.Context, alertID string) ([]*RelayRecord, error) {
	query := relaySelect + ` WHERE alert_id = $1 ORDER BY created_at`
	return r.queryRelays(ctx, query, alertID)
}

// ListPendingRelays retrieves undelivered relay records, oldest first.
func (r *PostgresRepository) ListPendingRelays(ctx context.Context, limit int) ([]*RelayRecord, error) {
	query := relaySelect + ` WHERE delivered = false ORDER BY created_at LIMIT $1`
	return r.queryRelays(ctx, query, limit)
}

// SaveChallenge persists a challenge.
func (r *PostgresRepository) SaveChallenge(ctx context.Context, challenge *Challenge) error {
	query := `
		INSERT INTO challenges (
			id, name, description, start_at, end_at, reward_pool,
			min_participants, scores, active, winner, paid, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.pool.Exec(ctx, query,
		challenge.ID, challenge.Name, challenge.Description, challenge.StartAt,
		challenge.EndAt, int64(challenge.RewardPool), int32(challenge.MinParticipants),
		challenge.Scores, challenge.Active, challenge.Winner, challenge.Paid,
		challenge.CompletedAt,
	)
	if err != nil {
		if isPgDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting challenge: %w", err)
	}

	return nil
}

// GetChallenge retrieves a challenge by id.
func (r *PostgresRepository) GetChallenge(ctx context.Context, id string) (*Challenge, error) {
	query := `
		SELECT id, name, description, start_at, end_at, reward_pool,
			   min_participants, scores, active, winner, paid, completed_at
		FROM challenges
		WHERE id = $1`

	challenge := &Challenge{}
	var pool int64
	var minParticipants int32
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&challenge.ID, &challenge.Name, &challenge.Description, &challenge.StartAt,
		&challenge.EndAt, &pool, &minParticipants, &challenge.Scores,
		&challenge.Active, &challenge.Winner, &challenge.Paid, &challenge.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying challenge: %w", err)
	}
	challenge.RewardPool = uint64(pool)
	challenge.MinParticipants = int(minParticipants)

	return challenge, nil
}

// UpdateChallenge overwrites challenge state.
func (r *PostgresRepository) UpdateChallenge(ctx context.Context, challenge *Challenge) error {
	query := `
		UPDATE challenges
		SET scores = $1, active = $2, winner = $3, paid = $4, completed_at = $5
		WHERE id = $6`

	result, err := r.pool.Exec(ctx, query,
		challenge.Scores, challenge.Active, challenge.Winner, challenge.Paid,
		challenge.CompletedAt, challenge.ID,
	)
	if err != nil {
		return fmt.Errorf("updating challenge: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// Shared SQL fragments and scan helpers

const nodeSelect = `
	SELECT node_id, owner_id, device_type, capabilities, location, stake_amount,
		   reputation, efficiency, cpu_cores, ram_megabytes, storage_gb,
		   bandwidth_mbps, power_watts, status, registered_at, last_active_at,
		   total_rewards, threats_detected, uptime_seconds, verified
	FROM nodes`

const relaySelect = `
	SELECT id, source_ledger, target_ledger, alert_id, payload, created_at,
		   delivered, delivered_at
	FROM relay_records`

func scanNode(row pgx.Row) (*Node, error) {
	node := &Node{}
	var stake, rewards, threats, uptime int64
	var reputation, efficiency, cores, ram, storage, bandwidth, power int32
	var status string

	err := row.Scan(
		&node.NodeID, &node.Owner, &node.DeviceType, &node.Capabilities,
		&node.Location, &stake, &reputation, &efficiency, &cores, &ram,
		&storage, &bandwidth, &power, &status, &node.RegisteredAt,
		&node.LastActiveAt, &rewards, &threats, &uptime, &node.Verified,
	)
	if err != nil {
		return nil, err
	}

	node.StakeAmount = uint64(stake)
	node.Reputation = uint32(reputation)
	node.Efficiency = uint32(efficiency)
	node.Hardware = HardwareSpec{
		CPUCores:      uint32(cores),
		RAMMegabytes:  uint32(ram),
		StorageGB:     uint32(storage),
		BandwidthMbps: uint32(bandwidth),
		PowerWatts:    uint32(power),
	}
	node.Status = NodeStatus(status)
	node.TotalRewards = uint64(rewards)
	node.ThreatsDetected = uint64(threats)
	node.UptimeSeconds = uint64(uptime)

	return node, nil
}

func (r *PostgresRepository) queryRelays(ctx context.Context, query string, arg interface{}) ([]*RelayRecord, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("querying relay records: %w", err)
	}
	defer rows.Close()

	var relays []*RelayRecord
	for rows.Next() {
		relay := &RelayRecord{}
		err := rows.Scan(
			&relay.ID, &relay.SourceLedger, &relay.TargetLedger, &relay.AlertID,
			&relay.Payload, &relay.CreatedAt, &relay.Delivered, &relay.DeliveredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning relay row: %w", err)
		}
		relays = append(relays, relay)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating relay rows: %w", err)
	}

	return relays, nil
}

func isPgDuplicateError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" // unique_violation
}
