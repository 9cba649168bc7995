package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stepgate/backend/internal/models"
	"github.com/stepgate/backend/internal/storage"
	"github.com/stepgate/backend/pkg/logger"
	"gorm.io/gorm"
)

// LockReleaser discards in-memory per-session state once the backing
// rows are gone.
type LockReleaser interface {
	ReleaseLocks(sessionID uuid.UUID, factors []models.FactorType)
}

// RetentionService archives decided sessions past the retention window
// to object storage, then purges the rows and their challenges. The
// decision record stays behind as the durable outcome of record.
type RetentionService struct {
	DB      *gorm.DB
	Storage *storage.MinIOClient
	Window  time.Duration
	// Locks, when set, is told about every purged session so the
	// session service can drop its mutex entries.
	Locks LockReleaser
}

func NewRetentionService(db *gorm.DB, store *storage.MinIOClient, window time.Duration) *RetentionService {
	return &RetentionService{DB: db, Storage: store, Window: window}
}

type sessionExport struct {
	Session    models.VerificationSession `json:"session"`
	ExportedAt time.Time                  `json:"exportedAt"`
}

// Sweep exports and purges one batch of expired sessions. Returns the
// number of sessions purged.
func (s *RetentionService) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.Window)

	var sessions []models.VerificationSession
	err := s.DB.Where("decided_at IS NOT NULL AND decided_at < ?", cutoff).
		Limit(100).Find(&sessions).Error
	if err != nil {
		return 0, err
	}

	purged := 0
	for i := range sessions {
		session := &sessions[i]
		if err := s.archive(ctx, session); err != nil {
			logger.Error("retention_archive_failed", err, map[string]interface{}{
				"session_id": session.ID.String(),
			})
			continue
		}

		err := s.DB.Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("session_id = ?", session.ID).Delete(&models.Challenge{}).Error; err != nil {
				return err
			}
			return tx.Delete(session).Error
		})
		if err != nil {
			logger.Error("retention_purge_failed", err, map[string]interface{}{
				"session_id": session.ID.String(),
			})
			continue
		}
		if s.Locks != nil {
			s.Locks.ReleaseLocks(session.ID, session.RequiredFactors)
		}
		purged++
	}

	if purged > 0 {
		logger.Info("retention_sweep_complete", map[string]interface{}{
			"purged": purged,
		})
	}
	return purged, nil
}

func (s *RetentionService) archive(ctx context.Context, session *models.VerificationSession) error {
	if s.Storage == nil {
		return nil
	}

	export := sessionExport{Session: *session, ExportedAt: time.Now().UTC()}
	data, err := json.Marshal(export)
	if err != nil {
		return err
	}

	objectName := fmt.Sprintf("sessions/%s.json", session.ID)
	return s.Storage.Upload(ctx, objectName, data, "application/json")
}

// Run sweeps on the given interval until the context is cancelled.
func (s *RetentionService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				logger.Error("retention_sweep_failed", err, nil)
			}
		}
	}
}
