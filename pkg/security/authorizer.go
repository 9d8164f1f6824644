package security

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrNotOperator   = errors.New("caller is not the operator")
	ErrNotAuthorized = errors.New("caller is not an authorized submitter")
)

// Authorizer enforces the two narrow roles this subsystem knows: a single
// designated operator, and an operator-maintained set of authorized alert
// submitters.
type Authorizer struct {
	operatorID string
	submitters map[string]bool
	logger     *zap.Logger
	mu         sync.RWMutex
}

// NewAuthorizer creates an authorizer with the designated operator identity.
func NewAuthorizer(operatorID string, logger *zap.Logger) *Authorizer {
	return &Authorizer{
		operatorID: operatorID,
		submitters: make(map[string]bool),
		logger:     logger,
	}
}

// RequireOperator rejects callers other than the designated operator.
func (a *Authorizer) RequireOperator(callerID string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.operatorID == "" || callerID != a.operatorID {
		return ErrNotOperator
	}
	return nil
}

// AuthorizeSubmitter adds an identity to the submitter set. Operator only.
func (a *Authorizer) AuthorizeSubmitter(callerID, submitterID string) error {
	if err := a.RequireOperator(callerID); err != nil {
		return err
	}

	a.mu.Lock()
	a.submitters[submitterID] = true
	a.mu.Unlock()

	a.logger.Info("Submitter authorized", zap.String("submitterID", submitterID))
	return nil
}

// RevokeSubmitter removes an identity from the submitter set. Operator only.
func (a *Authorizer) RevokeSubmitter(callerID, submitterID string) error {
	if err := a.RequireOperator(callerID); err != nil {
		return err
	}

	a.mu.Lock()
	delete(a.submitters, submitterID)
	a.mu.Unlock()

	a.logger.Info("Submitter revoked", zap.String("submitterID", submitterID))
	return nil
}

// IsAuthorizedSubmitter reports membership in the submitter set.
func (a *Authorizer) IsAuthorizedSubmitter(id string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.submitters[id]
}
