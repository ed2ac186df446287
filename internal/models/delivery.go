/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"time"

	"github.com/google/uuid"
)

// Delivery outcomes.
const (
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
	DeliveryRejected  = "rejected" // permanent sink-side refusal, not retried
)

// DeliveryLog records one notification delivery outcome per sink. This is the
// only persisted state in the process; duty snapshots live in memory.
type DeliveryLog struct {
	ID             string `gorm:"type:uuid;primaryKey" json:"id"`
	Sink           string `gorm:"type:varchar(128);index;not null" json:"sink"`
	ProviderID     string `gorm:"type:varchar(64);index;not null" json:"provider_id"`
	Person         string `gorm:"type:varchar(255)" json:"person"`
	SourceRevision string `gorm:"type:varchar(255);index" json:"source_revision"`
	Outcome        string `gorm:"type:varchar(16);not null" json:"outcome"`
	Attempts       int    `gorm:"not null" json:"attempts"`
	Error          string `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the table name for GORM.
func (DeliveryLog) TableName() string {
	return "delivery_logs"
}

// NewDeliveryLog builds a delivery log row.
func NewDeliveryLog(sink, providerID, person, revision, outcome string, attempts int, deliveryErr string) *DeliveryLog {
	return &DeliveryLog{
		ID:             uuid.NewString(),
		Sink:           sink,
		ProviderID:     providerID,
		Person:         person,
		SourceRevision: revision,
		Outcome:        outcome,
		Attempts:       attempts,
		Error:          deliveryErr,
	}
}
