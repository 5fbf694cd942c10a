package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sdko-org/audio-pipeline/internal/models"
	"gorm.io/gorm"
)

var (
	ErrAssetNotFound     = errors.New("asset not found")
	ErrInvalidTransition = errors.New("asset is no longer processing")
)

// AssetRepository persists AudioAsset lifecycle changes. Only assets in the
// processing state can be finalized.
type AssetRepository interface {
	Create(ctx context.Context, asset *models.AudioAsset) error
	MarkReady(ctx context.Context, asset *models.AudioAsset) error
	MarkFailed(ctx context.Context, id, reason string) error
	Get(ctx context.Context, id string) (*models.AudioAsset, error)
}

type GormAssetRepository struct {
	db *gorm.DB
}

func NewGormAssetRepository(db *gorm.DB) *GormAssetRepository {
	return &GormAssetRepository{db: db}
}

func (r *GormAssetRepository) Create(ctx context.Context, asset *models.AudioAsset) error {
	asset.Status = models.StatusProcessing
	if err := r.db.WithContext(ctx).Create(asset).Error; err != nil {
		return fmt.Errorf("failed to create asset: %w", err)
	}
	return nil
}

func (r *GormAssetRepository) MarkReady(ctx context.Context, asset *models.AudioAsset) error {
	result := r.db.WithContext(ctx).Model(&models.AudioAsset{}).
		Where("id = ? AND status = ?", asset.ID, models.StatusProcessing).
		Updates(map[string]interface{}{
			"status":       models.StatusReady,
			"checksum":     asset.Checksum,
			"format":       asset.Format,
			"duration":     asset.Duration,
			"size_bytes":   asset.SizeBytes,
			"sample_rate":  asset.SampleRate,
			"bit_depth":    asset.BitDepth,
			"channels":     asset.Channels,
			"bitrate":      asset.Bitrate,
			"storage_path": asset.StoragePath,
			"normalized":   asset.Normalized,
			"provider":     asset.Provider,
			"language":     asset.Language,
			"voice":        asset.Voice,
			"contains_pii": asset.ContainsPII,

			"transcript_encrypted": asset.TranscriptEncrypted,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark asset ready: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTransition, asset.ID)
	}
	asset.Status = models.StatusReady
	return nil
}

func (r *GormAssetRepository) MarkFailed(ctx context.Context, id, reason string) error {
	result := r.db.WithContext(ctx).Model(&models.AudioAsset{}).
		Where("id = ? AND status = ?", id, models.StatusProcessing).
		Updates(map[string]interface{}{
			"status": models.StatusFailed,
			"error":  reason,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark asset failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTransition, id)
	}
	return nil
}

func (r *GormAssetRepository) Get(ctx context.Context, id string) (*models.AudioAsset, error) {
	var asset models.AudioAsset
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAssetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load asset: %w", err)
	}
	return &asset, nil
}

// MemoryAssetRepository is used when no database is configured.
type MemoryAssetRepository struct {
	mu     sync.RWMutex
	assets map[string]models.AudioAsset
	now    func() time.Time
}

func NewMemoryAssetRepository() *MemoryAssetRepository {
	return &MemoryAssetRepository{
		assets: make(map[string]models.AudioAsset),
		now:    time.Now,
	}
}

func (r *MemoryAssetRepository) Create(_ context.Context, asset *models.AudioAsset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.assets[asset.ID]; exists {
		return fmt.Errorf("asset %s already exists", asset.ID)
	}
	now := r.now()
	asset.Status = models.StatusProcessing
	asset.CreatedAt = now
	asset.UpdatedAt = now
	r.assets[asset.ID] = *asset
	return nil
}

func (r *MemoryAssetRepository) MarkReady(_ context.Context, asset *models.AudioAsset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.assets[asset.ID]
	if !ok {
		return ErrAssetNotFound
	}
	if current.Status != models.StatusProcessing {
		return fmt.Errorf("%w: %s", ErrInvalidTransition, asset.ID)
	}
	asset.Status = models.StatusReady
	asset.CreatedAt = current.CreatedAt
	asset.UpdatedAt = r.now()
	stored := *asset
	stored.Transcript = ""
	r.assets[asset.ID] = stored
	return nil
}

func (r *MemoryAssetRepository) MarkFailed(_ context.Context, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.assets[id]
	if !ok {
		return ErrAssetNotFound
	}
	if current.Status != models.StatusProcessing {
		return fmt.Errorf("%w: %s", ErrInvalidTransition, id)
	}
	current.Status = models.StatusFailed
	current.Error = reason
	current.UpdatedAt = r.now()
	r.assets[id] = current
	return nil
}

func (r *MemoryAssetRepository) Get(_ context.Context, id string) (*models.AudioAsset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	asset, ok := r.assets[id]
	if !ok {
		return nil, ErrAssetNotFound
	}
	return &asset, nil
}
