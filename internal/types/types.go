// Package types defines core data structures for the fieldvault capture engine.
package types

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// DataType identifies the typed slot a field's values are stored in.
// Numbers go into the numeric slot; everything else goes into the string
// slot (dates as ISO-8601 strings, booleans as true/false literals).
type DataType string

const (
	TypeString  DataType = "string"
	TypeNumber  DataType = "number"
	TypeDate    DataType = "date"
	TypeBoolean DataType = "boolean"
)

// IsValid returns true if the data type is one of the supported kinds.
func (d DataType) IsValid() bool {
	switch d {
	case TypeString, TypeNumber, TypeDate, TypeBoolean:
		return true
	}
	return false
}

// FieldDefinition is a typed, named slot within an application.
// Definitions are never deleted; they are deactivated instead.
type FieldDefinition struct {
	ID          int64           `json:"id"`
	Application string          `json:"application"`
	FieldName   string          `json:"field_name"`
	DataType    DataType        `json:"data_type"`
	Label       string          `json:"label,omitempty"`
	Attributes  json.RawMessage `json:"attributes,omitempty"` // opaque bag: validation hints, UI hints, enumerations
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CreatedBy   string          `json:"created_by,omitempty"`
	UpdatedBy   string          `json:"updated_by,omitempty"`
}

// FieldDefinitionInput is the structured shape accepted by DefineField.
type FieldDefinitionInput struct {
	FieldName  string          `json:"field_name"`
	DataType   DataType        `json:"data_type"`
	Label      string          `json:"label,omitempty"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	Active     *bool           `json:"active,omitempty"` // nil = true on create, unchanged on update
}

// Validate checks the input has the required parts.
func (in *FieldDefinitionInput) Validate() error {
	if in.FieldName == "" {
		return fmt.Errorf("field_name is required")
	}
	if in.DataType == "" {
		return fmt.Errorf("data_type is required")
	}
	if !in.DataType.IsValid() {
		return fmt.Errorf("invalid data_type: %s", in.DataType)
	}
	if len(in.Attributes) > 0 && !json.Valid(in.Attributes) {
		return fmt.Errorf("attributes must be valid JSON")
	}
	return nil
}

// FieldDefinitionVersion is one appended entry in the definition history.
// PreviousState is nil for the row recorded at creation.
type FieldDefinitionVersion struct {
	ID                int64           `json:"id"`
	FieldDefinitionID int64           `json:"field_definition_id"`
	EffectiveFrom     time.Time       `json:"effective_from"`
	Actor             string          `json:"actor"`
	ChangeDescription string          `json:"change_description,omitempty"`
	PreviousState     json.RawMessage `json:"previous_state,omitempty"`
	NewState          json.RawMessage `json:"new_state"`
}

// ContextItem is a single business key/value pair.
type ContextItem struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ContextGroup is the resolved persistent identity of a set of business keys.
type ContextGroup struct {
	ID          int64         `json:"id"`
	Application string        `json:"application"`
	Fingerprint string        `json:"fingerprint"`
	CreatedAt   time.Time     `json:"created_at"`
	Items       []ContextItem `json:"items,omitempty"`
}

// CanonicalItems returns the business keys as a slice sorted by key.
// This is the canonical order used for fingerprinting and persistence.
func CanonicalItems(keys map[string]string) []ContextItem {
	items := make([]ContextItem, 0, len(keys))
	for k, v := range keys {
		items = append(items, ContextItem{Key: k, Value: v})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items
}

// ContextFingerprint computes a deterministic SHA-256 fingerprint over the
// canonicalized key set. Identical sets always hash identically regardless
// of input order.
func ContextFingerprint(keys map[string]string) string {
	h := sha256.New()
	for _, item := range CanonicalItems(keys) {
		h.Write([]byte(item.Key))
		h.Write([]byte{0}) // separator
		h.Write([]byte(item.Value))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// ValidateContext rejects empty or malformed business-key sets.
func ValidateContext(keys map[string]string) error {
	if len(keys) == 0 {
		return fmt.Errorf("context requires at least one business key")
	}
	for k, v := range keys {
		if k == "" {
			return fmt.Errorf("context keys must be non-empty")
		}
		if v == "" {
			return fmt.Errorf("context key %q has an empty value", k)
		}
	}
	return nil
}

// CaptureDatum is the hot row: the single active value for a
// (context group, field) pair. Exactly one of ValueString/ValueNumber is
// set, chosen by the field definition's data type.
type CaptureDatum struct {
	ID                int64     `json:"id"`
	FieldDefinitionID int64     `json:"field_definition_id"`
	ContextGroupID    int64     `json:"context_group_id"`
	ValueString       *string   `json:"value_string,omitempty"`
	ValueNumber       *string   `json:"value_number,omitempty"` // decimal text, precision preserved
	CurrentVersionID  int64     `json:"current_version_id"`
	CurrentVersionNum int       `json:"current_version_num"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// CaptureVersion is one immutable save of a field in a context.
// Version numbers per hot row form a gap-free sequence starting at 1.
type CaptureVersion struct {
	ID                   int64     `json:"id"`
	CaptureDataID        int64     `json:"capture_data_id"`
	SequentialVersionNum int       `json:"sequential_version_num"`
	ValueString          *string   `json:"value_string,omitempty"`
	ValueNumber          *string   `json:"value_number,omitempty"`
	ChangedAt            time.Time `json:"changed_at"`
	ChangedBy            string    `json:"changed_by"`
	ChangeReason         string    `json:"change_reason,omitempty"`
	SignatureType        string    `json:"signature_type,omitempty"`
	EventType            string    `json:"event_type,omitempty"`
}

// FieldSave is one per-field save request within a SaveRecord batch.
// Reason/EventType/SignatureType override the batch defaults when set.
type FieldSave struct {
	Field         string `json:"field"`
	Value         any    `json:"value"`
	Reason        string `json:"reason,omitempty"`
	EventType     string `json:"event_type,omitempty"`
	SignatureType string `json:"signature_type,omitempty"`
}

// SaveDefaults carries batch-level audit metadata applied to every field
// that does not override it.
type SaveDefaults struct {
	Reason        string `json:"reason,omitempty"`
	EventType     string `json:"event_type,omitempty"`
	SignatureType string `json:"signature_type,omitempty"`
}

// FieldSaveResult reports the per-field outcome of a save.
type FieldSaveResult struct {
	FieldName            string `json:"field_name"`
	CaptureDataID        int64  `json:"capture_data_id"`
	VersionID            int64  `json:"version_id"`
	SequentialVersionNum int    `json:"sequential_version_num"`
}

// SaveRecordResult is the success payload of SaveRecord.
type SaveRecordResult struct {
	ContextGroupID int64             `json:"context_group_id"`
	Saved          []FieldSaveResult `json:"saved"`
}

// FieldView is one entry of a GetRecord result: definition metadata joined
// with the current value, if any. Value/Version/UpdatedAt are nil when no
// value has been captured in the resolved context.
type FieldView struct {
	FieldName     string          `json:"field_name"`
	Label         string          `json:"label,omitempty"`
	DataType      DataType        `json:"data_type"`
	Attributes    json.RawMessage `json:"attributes,omitempty"`
	Value         any             `json:"value"`
	Version       *int            `json:"version,omitempty"`
	UpdatedAt     *time.Time      `json:"updated_at,omitempty"`
	CaptureDataID *int64          `json:"capture_data_id,omitempty"`
	VersionID     *int64          `json:"version_id,omitempty"`
}

// VersionRecord is one entry of a field audit trail.
type VersionRecord struct {
	Version       int       `json:"version"`
	Value         any       `json:"value"`
	ChangedAt     time.Time `json:"changed_at"`
	Actor         string    `json:"actor"`
	Reason        string    `json:"reason,omitempty"`
	EventType     string    `json:"event_type,omitempty"`
	SignatureType string    `json:"signature_type,omitempty"`
}

// Version event types recorded on capture_data_version rows.
const (
	EventInitialEntry = "initial_entry"
	EventCorrection   = "correction"
)

// AuditEvent is a coarse cross-cutting record of an operation. These are
// written best effort and are not required for versioning correctness.
type AuditEvent struct {
	ID           int64           `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	Actor        string          `json:"actor"`
	Application  string          `json:"application"`
	EventType    string          `json:"event_type"`
	AffectedType string          `json:"affected_type,omitempty"`
	AffectedID   string          `json:"affected_id,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
}

// Audit event types.
const (
	AuditRecordSaved  = "record_saved"
	AuditFieldDefined = "field_defined"
)

// Clock supplies wall timestamps for writes. Injected so that tests and
// callers control time attribution.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock backed by time.Now in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
