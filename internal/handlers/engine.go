package handlers

import (
	"context"

	"crisiswatch/internal/alerts"
	"crisiswatch/internal/engine"
	"crisiswatch/internal/models"
)

// Engine is the part of the crisis-watch engine exposed over HTTP
type Engine interface {
	HandleMessage(ctx context.Context, msg models.InboundMessage) (*engine.MessageOutcome, error)
	HandleDirectMessage(ctx context.Context, dm models.DirectMessage) (*engine.MessageOutcome, error)
	HandleMemberPresent(ctx context.Context, p models.MemberPresence) (*models.HandoffBrief, error)
	HandleInteraction(ctx context.Context, ix models.Interaction) (string, error)

	AcknowledgeAlert(ctx context.Context, alertID, actor string) (*models.AlertRecord, error)
	ForceAlert(ctx context.Context, subjectID string, severity models.Severity, actor string) (*models.AlertRecord, alerts.SkipReason)
	StartManualSession(ctx context.Context, subjectID string, severity models.Severity) (*models.Session, error)
	EndSession(ctx context.Context, sessionID string) (*models.Session, error)
	TransferSession(ctx context.Context, sessionID string) (*models.Session, error)
	Sessions() []*models.Session
	FollowupStats() models.FollowupStats
	WithdrawConsent(ctx context.Context, subjectID, actor, reason string) error
	GrantConsent(ctx context.Context, subjectID, actor string) error
}

var _ Engine = (*engine.Engine)(nil)
