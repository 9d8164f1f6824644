// Package oracle aggregates threat alert confirmations and, on reaching the
// consensus threshold, records relay intents toward every supported target
// ledger.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"dagshield/pkg/config"
	"dagshield/pkg/data"
	"dagshield/pkg/events"
)

var (
	ErrUnauthorizedSubmitter = errors.New("submitter is not an active node")
	ErrAlertNotFound         = errors.New("alert not found")
	ErrRelayNotFound         = errors.New("relay record not found")
	ErrRelayDelivered        = errors.New("relay already delivered")
	ErrUnknownLedger         = errors.New("target ledger not supported")
	ErrLedgerExists          = errors.New("target ledger already supported")
)

// selfAlertSubmitter is the confirmer identity of alerts synthesized by the
// transaction graph rather than a registered node.
const selfAlertSubmitter = "dag-processor"

// SubmitterGate answers whether an identity may submit threat alerts.
type SubmitterGate interface {
	IsActiveNode(nodeID string) bool
}

// OperatorGate authorizes privileged oracle operations.
type OperatorGate interface {
	RequireOperator(callerID string) error
}

// Oracle owns the alert arena and the per-target relay records. Alerts and
// relays cross-reference by id only.
type Oracle struct {
	cfg        config.ConsensusConfig
	submitters SubmitterGate
	gate       OperatorGate

	alerts        map[string]*data.ThreatAlert
	relays        map[string]*data.RelayRecord
	relaysByAlert map[string][]string
	targetLedgers map[string]bool

	repo   data.Repository
	bus    *events.Bus
	logger *zap.Logger
	mu     sync.Mutex
}

// NewOracle creates a consensus oracle with the configured target ledger
// set.
func NewOracle(
	cfg config.ConsensusConfig,
	submitters SubmitterGate,
	gate OperatorGate,
	repo data.Repository,
	bus *events.Bus,
	logger *zap.Logger,
) *Oracle {
	targets := make(map[string]bool, len(cfg.TargetLedgers))
	for _, ledger := range cfg.TargetLedgers {
		targets[ledger] = true
	}
	return &Oracle{
		cfg:           cfg,
		submitters:    submitters,
		gate:          gate,
		alerts:        make(map[string]*data.ThreatAlert),
		relays:        make(map[string]*data.RelayRecord),
		relaysByAlert: make(map[string][]string),
		targetLedgers: targets,
		repo:          repo,
		bus:           bus,
		logger:        logger,
	}
}

// SubmitThreatAlert records one node's confirmation of an alert. A new alert
// id opens the record with a single confirmation; a known id adds the
// submitter to the confirmer set, where each node counts once. Crossing the
// confirmation threshold verifies the alert exactly once and fans out relay
// records. Submissions after verification are bookkeeping only.
func (o *Oracle) SubmitThreatAlert(
	ctx context.Context,
	submitterID, alertID, threatType string,
	confidence uint32,
	implicatedAddress, sourceTxHash, attestationRef string,
) (*data.ThreatAlert, error) {
	if !o.submitters.IsActiveNode(submitterID) {
		return nil, ErrUnauthorizedSubmitter
	}
	return o.recordConfirmation(ctx, submitterID, alertID, threatType, confidence, implicatedAddress, sourceTxHash, attestationRef)
}

// SubmitSelfAlert is the ingestion path for alerts synthesized by the
// transaction graph. It bypasses node authorization but follows the same
// consensus bookkeeping.
func (o *Oracle) SubmitSelfAlert(ctx context.Context, alertID, threatType string, confidence uint32, implicated, sourceTx string) error {
	_, err := o.recordConfirmation(ctx, selfAlertSubmitter, alertID, threatType, confidence, implicated, sourceTx, "")
	return err
}

func (o *Oracle) recordConfirmation(
	ctx context.Context,
	submitterID, alertID, threatType string,
	confidence uint32,
	implicatedAddress, sourceTxHash, attestationRef string,
) (*data.ThreatAlert, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	alert, exists := o.alerts[alertID]
	if !exists {
		created, err := data.NewThreatAlert(alertID, threatType, confidence, implicatedAddress, sourceTxHash, attestationRef, submitterID)
		if err != nil {
			return nil, err
		}
		o.alerts[alertID] = created
		o.persistAlert(ctx, created, true)
		o.bus.Append(events.KindThreatDetected, alertID, map[string]string{
			"threat_type": threatType,
			"submitter":   submitterID,
		})
		result := *created
		return &result, nil
	}

	if !alert.HasConfirmer(submitterID) {
		alert.Confirmations++
		alert.Confirmers = append(alert.Confirmers, submitterID)
	}

	if !alert.Verified && alert.Confirmations >= o.cfg.ConfirmationThreshold {
		alert.Verified = true
		o.fanOutRelaysLocked(ctx, alert)
		o.bus.Append(events.KindAlertVerified, alertID, map[string]string{
			"confirmations": fmt.Sprintf("%d", alert.Confirmations),
		})
		o.logger.Info("Threat alert verified",
			zap.String("alert_id", alertID),
			zap.Int("confirmations", alert.Confirmations))
	}

	o.persistAlert(ctx, alert, false)
	result := *alert
	return &result, nil
}

// fanOutRelaysLocked creates one pending relay record per supported target
// ledger. Runs exactly once per alert, at verification. Caller holds the
// lock.
func (o *Oracle) fanOutRelaysLocked(ctx context.Context, alert *data.ThreatAlert) {
	payload, err := json.Marshal(alert)
	if err != nil {
		o.logger.Error("Failed to encode alert payload",
			zap.String("alert_id", alert.ID), zap.Error(err))
		return
	}

	for target := range o.targetLedgers {
		relay, err := data.NewRelayRecord(o.cfg.SourceLedger, target, alert.ID, payload)
		if err != nil {
			o.logger.Error("Failed to create relay record",
				zap.String("target", target), zap.Error(err))
			continue
		}
		o.relays[relay.ID] = relay
		o.relaysByAlert[alert.ID] = append(o.relaysByAlert[alert.ID], relay.ID)

		if o.repo != nil {
			if err := o.repo.SaveRelay(ctx, relay); err != nil {
				o.logger.Warn("Failed to persist relay record",
					zap.String("relay_id", relay.ID), zap.Error(err))
			}
		}
		o.bus.Append(events.KindRelayCreated, relay.ID, map[string]string{
			"alert_id": alert.ID,
			"target":   target,
		})
	}
}

// FulfillRelay marks one relay record delivered. Called back by the external
// relay service through the operator identity.
func (o *Oracle) FulfillRelay(ctx context.Context, callerID, relayID string) error {
	if err := o.gate.RequireOperator(callerID); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	relay, exists := o.relays[relayID]
	if !exists {
		return ErrRelayNotFound
	}
	if relay.Delivered {
		return ErrRelayDelivered
	}

	relay.MarkDelivered()
	if o.repo != nil {
		if err := o.repo.UpdateRelay(ctx, relay); err != nil {
			o.logger.Warn("Failed to persist relay delivery",
				zap.String("relay_id", relayID), zap.Error(err))
		}
	}
	o.bus.Append(events.KindRelayFulfilled, relayID, map[string]string{
		"alert_id": relay.AlertID,
		"target":   relay.TargetLedger,
	})

	return nil
}

// AddTargetLedger registers a new relay destination. Operator only. Alerts
// verified before the addition do not gain retroactive relay records.
func (o *Oracle) AddTargetLedger(callerID, ledger string) error {
	if err := o.gate.RequireOperator(callerID); err != nil {
		return err
	}
	if ledger == "" {
		return ErrUnknownLedger
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.targetLedgers[ledger] {
		return ErrLedgerExists
	}
	o.targetLedgers[ledger] = true
	o.logger.Info("Target ledger added", zap.String("ledger", ledger))
	return nil
}

// RemoveTargetLedger drops a relay destination. Operator only. Existing
// relay records toward the removed ledger stay as recorded.
func (o *Oracle) RemoveTargetLedger(callerID, ledger string) error {
	if err := o.gate.RequireOperator(callerID); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.targetLedgers[ledger] {
		return ErrUnknownLedger
	}
	delete(o.targetLedgers, ledger)
	o.logger.Info("Target ledger removed", zap.String("ledger", ledger))
	return nil
}

// TargetLedgers returns the currently supported relay destinations.
func (o *Oracle) TargetLedgers() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	ledgers := make([]string, 0, len(o.targetLedgers))
	for ledger := range o.targetLedgers {
		ledgers = append(ledgers, ledger)
	}
	return ledgers
}

// GetAlert returns a copy of an alert.
func (o *Oracle) GetAlert(alertID string) (*data.ThreatAlert, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	alert, exists := o.alerts[alertID]
	if !exists {
		return nil, ErrAlertNotFound
	}
	result := *alert
	result.Confirmers = append([]string(nil), alert.Confirmers...)
	return &result, nil
}

// ActiveAlerts returns copies of every alert still gathering confirmations.
func (o *Oracle) ActiveAlerts() []*data.ThreatAlert {
	o.mu.Lock()
	defer o.mu.Unlock()

	var active []*data.ThreatAlert
	for _, alert := range o.alerts {
		if alert.Verified {
			continue
		}
		copied := *alert
		copied.Confirmers = append([]string(nil), alert.Confirmers...)
		active = append(active, &copied)
	}
	return active
}

// RelaysForAlert returns copies of all relay records of one alert.
func (o *Oracle) RelaysForAlert(alertID string) []*data.RelayRecord {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids := o.relaysByAlert[alertID]
	relays := make([]*data.RelayRecord, 0, len(ids))
	for _, id := range ids {
		if relay, exists := o.relays[id]; exists {
			copied := *relay
			relays = append(relays, &copied)
		}
	}
	return relays
}

// PendingRelays returns copies of all undelivered relay records.
func (o *Oracle) PendingRelays() []*data.RelayRecord {
	o.mu.Lock()
	defer o.mu.Unlock()

	var relays []*data.RelayRecord
	for _, relay := range o.relays {
		if !relay.Delivered {
			copied := *relay
			relays = append(relays, &copied)
		}
	}
	return relays
}

func (o *Oracle) persistAlert(ctx context.Context, alert *data.ThreatAlert, isNew bool) {
	if o.repo == nil {
		return
	}
	var err error
	if isNew {
		err = o.repo.SaveAlert(ctx, alert)
	} else {
		err = o.repo.UpdateAlert(ctx, alert)
	}
	if err != nil {
		o.logger.Warn("Failed to persist alert",
			zap.String("alert_id", alert.ID), zap.Error(err))
	}
}
