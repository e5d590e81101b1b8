// Package dbtypes holds the semi-structured JSON column types and status
// enumerations shared by the data model: the visual-analysis document and
// scene metadata this domain persists.
package dbtypes

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// AssetType enumerates the discoverable media kinds. Files with other
// extensions (audio, documents) are skipped by the scanner and never
// become assets.
type AssetType string

const (
	AssetTypeImage AssetType = "image"
	AssetTypeVideo AssetType = "video"
)

func (t AssetType) Valid() bool {
	switch t {
	case AssetTypeImage, AssetTypeVideo:
		return true
	}
	return false
}

// AssetStatus is the asset state machine's status column.
type AssetStatus string

const (
	StatusPending       AssetStatus = "pending"
	StatusProcessing    AssetStatus = "processing"
	StatusProxied       AssetStatus = "proxied"
	StatusAnalyzedLight AssetStatus = "analyzed_light"
	StatusCompleted     AssetStatus = "completed"
	StatusFailed        AssetStatus = "failed"
	StatusPoisoned      AssetStatus = "poisoned"
)

// MaxRetryCount is the fixed retry/poison threshold from the design: a
// sixth failed transition (retry_count > 5, i.e. reaching 6) poisons
// the asset.
const MaxRetryCount = 5

// ScanStatus is the library's scan_status enum.
type ScanStatus string

const (
	ScanIdle          ScanStatus = "idle"
	ScanFullRequested ScanStatus = "full_scan_requested"
	ScanFastRequested ScanStatus = "fast_scan_requested"
	ScanScanning      ScanStatus = "scanning"
)

// WorkerState is the worker-status lifecycle phase.
type WorkerState string

const (
	WorkerIdle       WorkerState = "idle"
	WorkerProcessing WorkerState = "processing"
	WorkerPaused     WorkerState = "paused"
	WorkerOffline    WorkerState = "offline"
)

// WorkerCommand is the pending-command channel value.
type WorkerCommand string

const (
	CommandNone         WorkerCommand = "none"
	CommandPause        WorkerCommand = "pause"
	CommandResume       WorkerCommand = "resume"
	CommandShutdown     WorkerCommand = "shutdown"
	CommandForensicDump WorkerCommand = "forensic_dump"
)

// KeepReason is why a video scene closed (segmenter, §4.8).
type KeepReason string

const (
	KeepReasonPhash    KeepReason = "phash"
	KeepReasonTemporal KeepReason = "temporal"
	KeepReasonForced   KeepReason = "forced"
)

// Reserved system_metadata keys.
const (
	MetaKeySchemaVersion    = "schema_version"
	MetaKeyDefaultAIModelID = "default_ai_model_id"
)

// VisualAnalysis is the tagged-variant + open-map analysis document
// stored on assets and nested under scene metadata's "moondream" key.
// Decoder-specific fields never leak upward; this is the sole shape
// callers see.
type VisualAnalysis struct {
	Description   string   `json:"description,omitempty"`
	Tags          []string `json:"tags"`
	OCRText       string   `json:"ocr_text,omitempty"`
	ModelName     string   `json:"model_name,omitempty"`
	ModelVersion  string   `json:"model_version,omitempty"`
}

// Value implements driver.Valuer so VisualAnalysis can be written directly
// to a jsonb column via pgx.
func (v VisualAnalysis) Value() (driver.Value, error) {
	if v.Tags == nil && v.Description == "" && v.OCRText == "" && v.ModelName == "" && v.ModelVersion == "" {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal visual_analysis: %w", err)
	}
	return b, nil
}

// Scan implements sql.Scanner for reading a jsonb column back.
func (v *VisualAnalysis) Scan(src any) error {
	if src == nil {
		*v = VisualAnalysis{}
		return nil
	}
	var b []byte
	switch t := src.(type) {
	case []byte:
		b = t
	case string:
		b = []byte(t)
	default:
		return fmt.Errorf("visual_analysis: unsupported scan type %T", src)
	}
	if len(b) == 0 {
		*v = VisualAnalysis{}
		return nil
	}
	return json.Unmarshal(b, v)
}

// SceneMetadata is the semi-structured payload on a video_scenes row:
// a moondream-shaped analysis plus the raw ffprobe showinfo line used
// for diagnostics, and an optional semantic-dedup flag (§4.8).
type SceneMetadata struct {
	Moondream          *VisualAnalysis `json:"moondream,omitempty"`
	ShowInfo           string          `json:"showinfo,omitempty"`
	SemanticDuplicate  bool            `json:"semantic_duplicate,omitempty"`
}

func (m SceneMetadata) Value() (driver.Value, error) {
	if m.Moondream == nil && m.ShowInfo == "" && !m.SemanticDuplicate {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal scene_metadata: %w", err)
	}
	return b, nil
}

func (m *SceneMetadata) Scan(src any) error {
	if src == nil {
		*m = SceneMetadata{}
		return nil
	}
	var b []byte
	switch t := src.(type) {
	case []byte:
		b = t
	case string:
		b = []byte(t)
	default:
		return fmt.Errorf("scene_metadata: unsupported scan type %T", src)
	}
	if len(b) == 0 {
		*m = SceneMetadata{}
		return nil
	}
	return json.Unmarshal(b, m)
}

// StatsDocument is the free-form worker stats blob written on heartbeat.
type StatsDocument map[string]any

func (s StatsDocument) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(map[string]any(s))
}

func (s *StatsDocument) Scan(src any) error {
	if src == nil {
		*s = nil
		return nil
	}
	var b []byte
	switch t := src.(type) {
	case []byte:
		b = t
	case string:
		b = []byte(t)
	default:
		return fmt.Errorf("stats: unsupported scan type %T", src)
	}
	if len(b) == 0 {
		*s = nil
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*s = m
	return nil
}
