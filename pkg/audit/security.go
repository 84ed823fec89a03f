// Package audit provides security audit logging for SIEM consumption.
// It logs administrator actions and access denials in structured JSON format
// for easy parsing and integration with security information and event
// management systems.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ekaya-inc/superset-importer/pkg/auth"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventAccessDenied is logged when the admin panel refuses a request.
	EventAccessDenied SecurityEventType = "access_denied"
	// EventImportCreated is logged when a Superset object becomes a catalog package.
	EventImportCreated SecurityEventType = "import_created"
	// EventImportUpdated is logged when a linked package's file is replaced.
	EventImportUpdated SecurityEventType = "import_updated"
	// EventImportRolledBack is logged when a half-created package is deleted again.
	EventImportRolledBack SecurityEventType = "import_rolled_back"
)

// SecurityEvent represents an auditable security event with all relevant context
// for SIEM ingestion and analysis.
type SecurityEvent struct {
	ID        uuid.UUID         `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	EventType SecurityEventType `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	ClientIP  string            `json:"client_ip,omitempty"`
	Details   any               `json:"details"`
	Severity  string            `json:"severity"` // info, warning, critical
}

// ImportDetails identifies the source object and the catalog package involved.
type ImportDetails struct {
	SourceKind  string `json:"source_kind"`
	SourceID    string `json:"source_id"`
	PackageID   string `json:"package_id,omitempty"`
	PackageName string `json:"package_name,omitempty"`
	ResourceID  string `json:"resource_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// SecurityAuditor logs security events for SIEM consumption.
// Events are logged in structured JSON format with appropriate severity levels.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates a new security auditor with a dedicated logger namespace.
// The logger is automatically configured with "security_audit" namespace for easy
// filtering in SIEM systems.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

func (a *SecurityAuditor) emit(level zapcore.Level, msg string, event SecurityEvent, fields ...zap.Field) {
	// Marshaling known types should never fail
	eventJSON, _ := json.Marshal(event)

	fields = append(fields,
		zap.String("event_json", string(eventJSON)),
		zap.String("event_type", string(event.EventType)),
		zap.String("user_id", event.UserID),
		zap.String("client_ip", event.ClientIP),
		zap.String("severity", event.Severity),
	)
	if ce := a.logger.Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

func newEvent(ctx context.Context, eventType SecurityEventType, severity, clientIP string, details any) SecurityEvent {
	return SecurityEvent{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		UserID:    auth.GetUserIDFromContext(ctx),
		ClientIP:  clientIP,
		Details:   details,
		Severity:  severity,
	}
}

// LogAccessDenied records a refused admin request at WARN level.
//
// Example usage:
//
//	auditor.LogAccessDenied(ctx, "Sysadmin user required", r.RemoteAddr)
func (a *SecurityAuditor) LogAccessDenied(ctx context.Context, reason, clientIP string) {
	event := newEvent(ctx, EventAccessDenied, "warning", clientIP, map[string]string{"reason": reason})
	a.emit(zapcore.WarnLevel, "Access denied", event, zap.String("reason", reason))
}

// LogImportCreated records a completed import at INFO level.
func (a *SecurityAuditor) LogImportCreated(ctx context.Context, details ImportDetails, clientIP string) {
	event := newEvent(ctx, EventImportCreated, "info", clientIP, details)
	a.emit(zapcore.InfoLevel, "Import created", event,
		zap.String("source_id", details.SourceID),
		zap.String("package_name", details.PackageName))
}

// LogImportUpdated records a re-import at INFO level.
func (a *SecurityAuditor) LogImportUpdated(ctx context.Context, details ImportDetails, clientIP string) {
	event := newEvent(ctx, EventImportUpdated, "info", clientIP, details)
	a.emit(zapcore.InfoLevel, "Import updated", event,
		zap.String("source_id", details.SourceID),
		zap.String("resource_id", details.ResourceID))
}

// LogImportRolledBack records a compensating package delete. It is logged at
// ERROR level with "critical" severity when the delete itself failed, since
// an orphaned package is then left in the catalog.
func (a *SecurityAuditor) LogImportRolledBack(ctx context.Context, details ImportDetails, clean bool) {
	severity, level := "warning", zapcore.WarnLevel
	if !clean {
		severity, level = "critical", zapcore.ErrorLevel
	}
	event := newEvent(ctx, EventImportRolledBack, severity, "", details)
	a.emit(level, "Import rolled back", event,
		zap.String("package_id", details.PackageID),
		zap.Bool("clean", clean))
}

var _ auth.DenialAuditor = (*SecurityAuditor)(nil)
