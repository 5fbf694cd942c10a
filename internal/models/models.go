package models

import (
	"time"
)

type Format string

const (
	FormatMP3  Format = "mp3"
	FormatWAV  Format = "wav"
	FormatOGG  Format = "ogg"
	FormatFLAC Format = "flac"
	FormatWebM Format = "webm"
	FormatOpus Format = "opus"
)

var mimeTypes = map[Format]string{
	FormatMP3:  "audio/mpeg",
	FormatWAV:  "audio/wav",
	FormatOGG:  "audio/ogg",
	FormatFLAC: "audio/flac",
	FormatWebM: "audio/webm",
	FormatOpus: "audio/opus",
}

// MIMEType returns the canonical content type for the format.
func (f Format) MIMEType() string {
	if mt, ok := mimeTypes[f]; ok {
		return mt
	}
	return "application/octet-stream"
}

func (f Format) Valid() bool {
	_, ok := mimeTypes[f]
	return ok
}

type AssetStatus string

const (
	StatusProcessing AssetStatus = "processing"
	StatusReady      AssetStatus = "ready"
	StatusFailed     AssetStatus = "failed"
)

// AudioAsset is the persisted record of one processed upload. Status only
// moves processing -> ready or processing -> failed.
type AudioAsset struct {
	ID          string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Owner       string      `gorm:"type:varchar(128);not null;index" json:"owner"`
	GroupID     string      `gorm:"type:varchar(128);index" json:"groupId,omitempty"`
	Checksum    string      `gorm:"type:char(64);index" json:"checksum,omitempty"`
	Format      Format      `gorm:"type:varchar(8)" json:"format,omitempty"`
	Duration    float64     `json:"duration"`
	SizeBytes   int64       `json:"size"`
	SampleRate  int         `json:"sampleRate,omitempty"`
	BitDepth    int         `json:"bitDepth,omitempty"`
	Channels    int         `json:"channels,omitempty"`
	Bitrate     int         `json:"bitrate,omitempty"`
	StoragePath string      `gorm:"type:text" json:"storagePath,omitempty"`
	Status      AssetStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	Error       string      `gorm:"type:text" json:"error,omitempty"`
	Provider    string      `gorm:"type:varchar(64)" json:"provider,omitempty"`
	Normalized  bool        `json:"normalized"`

	Language            string `gorm:"type:varchar(16)" json:"language,omitempty"`
	Voice               string `gorm:"type:varchar(64)" json:"voice,omitempty"`
	TranscriptEncrypted string `gorm:"type:text" json:"-"`
	Transcript          string `gorm:"-" json:"transcript,omitempty"`
	ContainsPII         bool   `json:"containsPii"`

	CreatedAt time.Time `gorm:"index;not null" json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AuditEvent is an immutable record of a security-relevant operation.
type AuditEvent struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Operation string    `gorm:"type:varchar(64);not null;index"`
	Identity  string    `gorm:"type:varchar(128);index"`
	AssetID   string    `gorm:"type:varchar(64)"`
	Status    string    `gorm:"type:varchar(16);not null;index"`
	Severity  string    `gorm:"type:varchar(16);not null;index"`
	Timestamp time.Time `gorm:"index;not null"`
	Details   string    `gorm:"type:text"`
}

func (AudioAsset) TableName() string {
	return "audio_assets"
}

func (AuditEvent) TableName() string {
	return "audit_events"
}
