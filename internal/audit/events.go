package audit

import (
	"context"
	"errors"
)

func outcomeFor(err error) Outcome {
	if err != nil {
		return OutcomeError
	}
	return OutcomeSuccess
}

// LogRegistration records a face registration attempt.
func (t *Trail) LogRegistration(ctx context.Context, clientID, userID, name string, outcome Outcome, metadata map[string]any, err error) Record {
	details := map[string]any{"name": name}
	if len(metadata) > 0 {
		details["metadata"] = metadata
	}
	return t.LogAuditEvent(ctx, Event{
		Type: EventFaceRegistration, Outcome: outcome,
		ClientID: clientID, UserID: userID, Details: details, Err: err,
	})
}

// LogQueuedRegistration records a registration deferred to the degraded-mode queue.
func (t *Trail) LogQueuedRegistration(ctx context.Context, clientID, name string, position int, metadata map[string]any) Record {
	details := map[string]any{"name": name, "queue_position": position}
	if len(metadata) > 0 {
		details["metadata"] = metadata
	}
	return t.LogAuditEvent(ctx, Event{
		Type: EventFaceRegistration, Outcome: OutcomeQueued,
		ClientID: clientID, Details: details,
	})
}

// LogRecognition records a recognition attempt and its best match, if any.
func (t *Trail) LogRecognition(ctx context.Context, clientID, matchedUserID string, confidence float64, matches int, err error) Record {
	outcome := outcomeFor(err)
	if err == nil && matchedUserID == "" {
		outcome = OutcomeFailure
	}
	return t.LogAuditEvent(ctx, Event{
		Type: EventFaceRecognition, Outcome: outcome,
		ClientID: clientID, UserID: matchedUserID,
		Details: map[string]any{"confidence": confidence, "matches": matches},
		Err:     err,
	})
}

// LogDeletion records removal of a user's biometric data.
func (t *Trail) LogDeletion(ctx context.Context, clientID, userID string, err error) Record {
	return t.LogAuditEvent(ctx, Event{
		Type: EventUserDeletion, Outcome: outcomeFor(err),
		ClientID: clientID, UserID: userID,
		Details: map[string]any{"operation": "delete"},
		Err:     err,
	})
}

// LogProfileAccess records a read of a user's profile.
func (t *Trail) LogProfileAccess(ctx context.Context, clientID, userID string, err error) Record {
	return t.LogAuditEvent(ctx, Event{
		Type: EventProfileAccess, Outcome: outcomeFor(err),
		ClientID: clientID, UserID: userID,
		Details: map[string]any{"operation": "read"},
		Err:     err,
	})
}

// LogUserUpdate records a profile update. Only the names of changed fields
// are stored.
func (t *Trail) LogUserUpdate(ctx context.Context, clientID, userID string, fields []string, err error) Record {
	return t.LogAuditEvent(ctx, Event{
		Type: EventUserUpdate, Outcome: outcomeFor(err),
		ClientID: clientID, UserID: userID,
		Details: map[string]any{"updated_fields": fields},
		Err:     err,
	})
}

// LogDatabaseOperation records a vector store operation not covered above.
func (t *Trail) LogDatabaseOperation(ctx context.Context, clientID, operation string, outcome Outcome, details map[string]any, err error) Record {
	d := map[string]any{"operation": operation}
	for k, v := range details {
		d[k] = v
	}
	return t.LogAuditEvent(ctx, Event{
		Type: EventDatabaseOperation, Outcome: outcome,
		ClientID: clientID, Details: d, Err: err,
	})
}

// LogAuthEvent records an authentication decision. reason is empty on success.
func (t *Trail) LogAuthEvent(ctx context.Context, clientID, action string, outcome Outcome, reason string) Record {
	details := map[string]any{"action": action}
	if reason != "" {
		details["reason"] = reason
	}
	typ := EventAuthentication
	if action == "token_issued" {
		typ = EventTokenIssued
	}
	return t.LogAuditEvent(ctx, Event{Type: typ, Outcome: outcome, ClientID: clientID, Details: details})
}

// LogAuthorization records a capability check that refused an operation.
func (t *Trail) LogAuthorization(ctx context.Context, clientID, operation, overallStatus string) Record {
	return t.LogAuditEvent(ctx, Event{
		Type: EventAuthorization, Outcome: OutcomeDenied, ClientID: clientID,
		Details: map[string]any{"operation": operation, "overall_status": overallStatus},
	})
}

// LogHealthEvent records a component status transition.
func (t *Trail) LogHealthEvent(ctx context.Context, component, from, to, message string) Record {
	outcome := OutcomeSuccess
	if to != "healthy" {
		outcome = OutcomeFailure
	}
	return t.LogAuditEvent(ctx, Event{
		Type: EventHealthChange, Outcome: outcome,
		Details: map[string]any{"component": component, "from": from, "to": to, "message": message},
	})
}

// LogBatchEnrollment records a batch enrollment summary. The outcome is
// derived from the counts.
func (t *Trail) LogBatchEnrollment(ctx context.Context, clientID string, total, succeeded, queued, failed int) Record {
	outcome := OutcomePartial
	switch {
	case total == 0 || failed == total:
		outcome = OutcomeFailure
	case succeeded == total:
		outcome = OutcomeSuccess
	case queued == total:
		outcome = OutcomeQueued
	}
	return t.LogAuditEvent(ctx, Event{
		Type: EventBatchEnrollment, Outcome: outcome, ClientID: clientID,
		Details: map[string]any{"total": total, "succeeded": succeeded, "queued": queued, "failed": failed},
	})
}

// LogServerStart records process startup with non-secret settings.
func (t *Trail) LogServerStart(ctx context.Context, version string, settings map[string]any) Record {
	details := map[string]any{"version": version}
	for k, v := range settings {
		details[k] = v
	}
	return t.LogAuditEvent(ctx, Event{Type: EventServerStart, Outcome: OutcomeSuccess, Details: details})
}

// ErrAdminDenied marks admin requests rejected for a bad admin key.
var ErrAdminDenied = errors.New("admin key rejected")

// LogClientEvent records client registry administration.
func (t *Trail) LogClientEvent(ctx context.Context, action, targetClientID string, err error) Record {
	outcome := outcomeFor(err)
	if errors.Is(err, ErrAdminDenied) {
		outcome = OutcomeDenied
	}
	return t.LogAuditEvent(ctx, Event{
		Type: EventClientAdmin, Outcome: outcome, ClientID: targetClientID,
		Details: map[string]any{"action": action}, Err: err,
	})
}
