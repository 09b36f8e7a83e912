package keyfold

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventSignUpSuccess        = "sign_up_success"
	auditEventSignUpRejected       = "sign_up_rejected"
	auditEventSignUpRateLimited    = "sign_up_rate_limited"
	auditEventSignInSuccess        = "sign_in_success"
	auditEventSignInFailure        = "sign_in_failure"
	auditEventSignInRateLimited    = "sign_in_rate_limited"
	auditEventIdentifierAdded      = "identifier_added"
	auditEventIdentifierConflict   = "identifier_conflict"
	auditEventIdentifierRemoved    = "identifier_removed"
	auditEventIdentifierReplaced   = "identifier_replaced"
	auditEventVerificationRequest  = "verification_request"
	auditEventVerificationConfirm  = "verification_confirm"
	auditEventLegacyUsage          = "legacy_usage"
	auditEventLegacyWrite          = "legacy_write"
	auditEventMigrationUser        = "migration_user"
	auditEventMigrationBatch       = "migration_batch"
	auditEventRecoveryGateDenied   = "recovery_gate_denied"
	auditEventUserDeleted          = "user_deleted"
	auditEventRateLimitTriggered   = "rate_limit_triggered"
)

type auditErrorCode string

const (
	auditErrInvalidCredentials auditErrorCode = "invalid_credentials"
	auditErrInvalidFormat      auditErrorCode = "invalid_format"
	auditErrConflict           auditErrorCode = "identifier_conflict"
	auditErrNotFound           auditErrorCode = "not_found"
	auditErrRateLimited        auditErrorCode = "rate_limited"
	auditErrRecoveryGate       auditErrorCode = "recovery_level_insufficient"
	auditErrLegacyDisabled     auditErrorCode = "legacy_disabled"
	auditErrIdentifiersOff     auditErrorCode = "identifiers_disabled"
	auditErrUnsupportedQuery   auditErrorCode = "unsupported_query"
	auditErrVerification       auditErrorCode = "verification_invalid"
	auditErrAttemptsExceeded   auditErrorCode = "attempts_exceeded"
	auditErrMigration          auditErrorCode = "migration_in_progress"
	auditErrUnavailable        auditErrorCode = "backend_unavailable"
	auditErrInternal           auditErrorCode = "internal_error"
)

func classifyAuditError(err error) auditErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrSignUpRejected):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrInvalidIdentifierFormat):
		return auditErrInvalidFormat
	case errors.Is(err, ErrIdentifierConflict), errors.Is(err, ErrStoreConflict):
		return auditErrConflict
	case errors.Is(err, ErrIdentifierNotFound), errors.Is(err, ErrUserNotFound):
		return auditErrNotFound
	case errors.Is(err, ErrRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrRecoveryLevelInsufficient):
		return auditErrRecoveryGate
	case errors.Is(err, ErrLegacyDisabled):
		return auditErrLegacyDisabled
	case errors.Is(err, ErrIdentifiersDisabled):
		return auditErrIdentifiersOff
	case errors.Is(err, ErrUnsupportedQuery):
		return auditErrUnsupportedQuery
	case errors.Is(err, ErrVerificationAttempts):
		return auditErrAttemptsExceeded
	case errors.Is(err, ErrVerificationInvalid), errors.Is(err, ErrVerificationDisabled):
		return auditErrVerification
	case errors.Is(err, ErrMigrationInProgress):
		return auditErrMigration
	case errors.Is(err, ErrStoreUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	identifierID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp:    time.Now().UTC(),
		EventType:    eventType,
		UserID:       userID,
		IdentifierID: identifierID,
		IP:           clientIPFromContext(ctx),
		Success:      success,
		Metadata:     metadata,
	}
	if code := classifyAuditError(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func (e *Engine) emitRateLimit(ctx context.Context, scope string, metadataBuilder func() map[string]string) {
	e.metricInc(MetricRateLimitHit)
	e.emitAudit(ctx, auditEventRateLimitTriggered, false, "", "", nil, func() map[string]string {
		base := map[string]string{
			"scope": scope,
		}
		if metadataBuilder == nil {
			return base
		}
		for k, v := range metadataBuilder() {
			base[k] = v
		}
		return base
	})
}
