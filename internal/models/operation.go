package models

import (
	"encoding/json"
	"time"
)

// OperationType identifies the remote write a queued operation performs
type OperationType string

const (
	OperationSubmitProduct OperationType = "submit-product"
	OperationUpdateProduct OperationType = "update-product"
	OperationUploadImage   OperationType = "upload-image"
	OperationRecordScan    OperationType = "record-scan"
	OperationCustom        OperationType = "custom"
)

// Valid reports whether t is a known operation type
func (t OperationType) Valid() bool {
	switch t {
	case OperationSubmitProduct, OperationUpdateProduct, OperationUploadImage, OperationRecordScan, OperationCustom:
		return true
	}
	return false
}

// OperationStatus is the lifecycle state of a queued operation
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusInProgress OperationStatus = "in-progress"
	StatusCompleted  OperationStatus = "completed"
	StatusFailed     OperationStatus = "failed"
	StatusRetry      OperationStatus = "retry"
)

// DefaultMaxRetries applies when an operation is enqueued without an explicit limit
const DefaultMaxRetries = 5

// PlaceholderUserID stands in for the user of a scan recorded before authentication completed
const PlaceholderUserID = "__pending_auth__"

// QueuedOperation is a pending remote write persisted in the operation queue.
// Timestamps are epoch milliseconds.
type QueuedOperation struct {
	ID            string          `json:"id"`
	Type          OperationType   `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Status        OperationStatus `json:"status"`
	RetryCount    int             `json:"retryCount"`
	MaxRetries    int             `json:"maxRetries"`
	NextRetryTime int64           `json:"nextRetryTime,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
	CreatedAt     int64           `json:"createdAt"`
	UpdatedAt     int64           `json:"updatedAt"`
}

// ReadyAt reports whether the processor may pick the operation up at now
func (op *QueuedOperation) ReadyAt(now time.Time) bool {
	switch op.Status {
	case StatusPending:
		return true
	case StatusRetry:
		return op.NextRetryTime <= now.UnixMilli()
	}
	return false
}

// DecodePayload unmarshals the payload into v
func (op *QueuedOperation) DecodePayload(v interface{}) error {
	return json.Unmarshal(op.Payload, v)
}

// SubmitProductPayload creates a product upstream
type SubmitProductPayload struct {
	Barcode string            `json:"barcode"`
	Fields  map[string]string `json:"fields"`
}

// UpdateProductPayload edits fields of an existing upstream product
type UpdateProductPayload struct {
	Barcode string            `json:"barcode"`
	Fields  map[string]string `json:"fields"`
}

// UploadImagePayload attaches an image to an upstream product.
// Field is front, ingredients, nutrition or packaging.
type UploadImagePayload struct {
	Barcode  string `json:"barcode"`
	Field    string `json:"field"`
	Filename string `json:"filename"`
	Data     []byte `json:"data"`
}

// RecordScanPayload is a scan that could not be written when it happened
type RecordScanPayload struct {
	Barcode   string   `json:"barcode"`
	ProductID string   `json:"productId"`
	UserID    string   `json:"userId"`
	Source    Source   `json:"source"`
	ScannedAt int64    `json:"scannedAt"`
	Product   *Product `json:"product,omitempty"`
}

// CustomPayload names a registered handler and its arguments
type CustomPayload struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}
