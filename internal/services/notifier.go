package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stepgate/backend/internal/models"
	"github.com/stepgate/backend/pkg/logger"
	"gorm.io/gorm"
)

type NotifierConfig struct {
	QueueBufferSize int
	MaxAttempts     int
	RetryDelays     []time.Duration
	RequestTimeout  time.Duration
}

// DecisionNotifier delivers terminal decisions to the tenant webhook.
// The decision row is durably written before Enqueue is ever called,
// so a crash here loses at most the delivery, never the decision;
// RecoverUndelivered re-queues survivors on startup. Delivery is
// at-least-once and idempotent on session id.
type DecisionNotifier struct {
	DB     *gorm.DB
	client *http.Client
	queue  chan uuid.UUID
	config NotifierConfig
}

func NewDecisionNotifier(db *gorm.DB, cfg NotifierConfig) *DecisionNotifier {
	if cfg.QueueBufferSize <= 0 {
		cfg.QueueBufferSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	n := &DecisionNotifier{
		DB:     db,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		queue:  make(chan uuid.UUID, cfg.QueueBufferSize),
		config: cfg,
	}
	go n.processQueue()
	return n
}

// Enqueue schedules delivery for a recorded decision. Non-blocking; a
// full queue is recovered later by RecoverUndelivered.
func (n *DecisionNotifier) Enqueue(sessionID uuid.UUID) {
	select {
	case n.queue <- sessionID:
	default:
		logger.Warn("decision_queue_full", map[string]interface{}{
			"session_id": sessionID.String(),
		})
	}
}

// RecoverUndelivered re-queues decisions that never completed
// delivery, e.g. after a restart.
func (n *DecisionNotifier) RecoverUndelivered() {
	var records []models.DecisionRecord
	if err := n.DB.Where("delivered = ?", false).Find(&records).Error; err != nil {
		logger.Error("decision_recovery_failed", err, nil)
		return
	}
	for _, record := range records {
		n.Enqueue(record.SessionID)
	}
}

func (n *DecisionNotifier) processQueue() {
	for sessionID := range n.queue {
		n.deliver(sessionID)
	}
}

type decisionPayload struct {
	SessionID    uuid.UUID                                 `json:"sessionID"`
	TenantID     uuid.UUID                                 `json:"tenantID"`
	UserID       uuid.UUID                                 `json:"userID"`
	Status       models.SessionStatus                      `json:"status"`
	FactorStates map[models.FactorType]models.FactorStatus `json:"factorStates"`
	Attempts     []models.FactorAttempt                    `json:"attempts"`
	DecidedAt    time.Time                                 `json:"decidedAt"`
}

func (n *DecisionNotifier) deliver(sessionID uuid.UUID) {
	var record models.DecisionRecord
	if err := n.DB.First(&record, "session_id = ?", sessionID).Error; err != nil {
		logger.Error("decision_load_failed", err, map[string]interface{}{
			"session_id": sessionID.String(),
		})
		return
	}
	if record.Delivered {
		return
	}

	var tenant models.Tenant
	if err := n.DB.First(&tenant, "id = ?", record.TenantID).Error; err != nil {
		logger.Error("decision_tenant_load_failed", err, map[string]interface{}{
			"session_id": sessionID.String(),
		})
		return
	}

	if tenant.DecisionWebhookURL == "" {
		n.markDelivered(&record)
		return
	}

	payload := decisionPayload{
		SessionID:    record.SessionID,
		TenantID:     record.TenantID,
		UserID:       record.UserID,
		Status:       record.Status,
		FactorStates: record.FactorStates,
		Attempts:     record.Attempts,
		DecidedAt:    record.CreatedAt,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		logger.Error("decision_marshal_failed", err, nil)
		return
	}

	for attempt := 0; attempt < n.config.MaxAttempts; attempt++ {
		if attempt > 0 && attempt-1 < len(n.config.RetryDelays) {
			time.Sleep(n.config.RetryDelays[attempt-1])
		}

		now := time.Now()
		record.DeliveryAttempts++
		record.LastAttemptAt = &now
		n.DB.Model(&record).Updates(map[string]interface{}{
			"delivery_attempts": record.DeliveryAttempts,
			"last_attempt_at":   now,
		})

		if err := n.post(tenant.DecisionWebhookURL, body); err != nil {
			logger.Warn("decision_delivery_failed", map[string]interface{}{
				"session_id": sessionID.String(),
				"attempt":    record.DeliveryAttempts,
				"error":      err.Error(),
			})
			continue
		}

		n.markDelivered(&record)
		logger.Info("decision_delivered", map[string]interface{}{
			"session_id": sessionID.String(),
			"status":     string(record.Status),
			"attempts":   record.DeliveryAttempts,
		})
		return
	}
}

func (n *DecisionNotifier) post(url string, body []byte) error {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}

func (n *DecisionNotifier) markDelivered(record *models.DecisionRecord) {
	if err := n.DB.Model(record).Update("delivered", true).Error; err != nil {
		logger.Error("decision_mark_delivered_failed", err, map[string]interface{}{
			"session_id": record.SessionID.String(),
		})
	}
}
