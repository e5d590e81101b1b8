// Package models holds the persisted entities of the data model,
// structured around slug-keyed libraries and the asset state machine
// this system drives.
package models

import (
	"time"

	"mediaindex/internal/dbtypes"
)

// Library is a named mount under which assets live.
type Library struct {
	ID               int64
	Slug             string
	DisplayName      string
	RootPath         string
	Active           bool
	DeletedAt        *time.Time
	ScanStatus       dbtypes.ScanStatus
	TargetTaggerID   *int64
	SamplingLimit    *int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Trashed reports whether the library is soft-deleted.
func (l Library) Trashed() bool { return l.DeletedAt != nil }

// AIModel identifies a vision-model version referenced by assets.
type AIModel struct {
	ID      int64
	Name    string
	Version string
}

// Asset is one discovered source file.
type Asset struct {
	ID                 int64
	LibrarySlug        string
	RelPath            string
	Type               dbtypes.AssetType
	SourceMtime        time.Time
	SourceSize         int64
	Status             dbtypes.AssetStatus
	TagsModelID        *int64
	AnalysisModelID    *int64
	WorkerID           *string
	LeaseExpiresAt     *time.Time
	RetryCount         int
	ErrorMessage       *string
	VisualAnalysis     dbtypes.VisualAnalysis
	ThumbnailPath      *string
	ProxyPath          *string
	PreviewPath        *string
	VideoPreviewPath   *string
	SegmentationVersion *int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Owned reports whether the asset is currently leased to a worker.
func (a Asset) Owned() bool {
	return a.WorkerID != nil && a.LeaseExpiresAt != nil
}

// LeaseExpired reports whether the asset's lease has elapsed as of now.
func (a Asset) LeaseExpired(now time.Time) bool {
	return a.LeaseExpiresAt != nil && a.LeaseExpiresAt.Before(now)
}

// VideoScene is one closed scene of a video asset.
type VideoScene struct {
	ID             int64
	AssetID        int64
	StartTS        float64
	EndTS          float64
	Description    *string
	Metadata       dbtypes.SceneMetadata
	SharpnessScore float64
	RepFramePath   *string
	KeepReason     dbtypes.KeepReason
	CreatedAt      time.Time
}

// VideoActiveState is the at-most-one-per-asset in-flight scene resume row.
type VideoActiveState struct {
	AssetID       int64
	AnchorPhash   string // hex-encoded
	SceneStartTS  float64
	BestPTS       float64
	BestSharpness float64
	UpdatedAt     time.Time
}

// WorkerStatus is one registered worker's lifecycle row.
type WorkerStatus struct {
	WorkerID       string
	Hostname       string
	LastSeenAt     time.Time
	State          dbtypes.WorkerState
	PendingCommand dbtypes.WorkerCommand
	Stats          dbtypes.StatsDocument
}

// SystemMetadata is a reserved key/value row.
type SystemMetadata struct {
	Key   string
	Value string
}

// Project is a named, exportable bin of assets.
type Project struct {
	ID         int64
	Name       string
	ExportPath *string
	CreatedAt  time.Time
}

// ProjectAsset is the many-to-many join row between Project and Asset.
type ProjectAsset struct {
	ProjectID int64
	AssetID   int64
}
