package reference

import (
	"time"

	"gorm.io/gorm"
)

type CorridorStatus string

const (
	CorridorActive     CorridorStatus = "ACTIVE"
	CorridorRestricted CorridorStatus = "RESTRICTED"
	CorridorSuspended  CorridorStatus = "SUSPENDED"
)

type HubStatus string

const (
	HubOperational HubStatus = "OPERATIONAL"
	HubDegraded    HubStatus = "DEGRADED"
	HubMaintenance HubStatus = "MAINTENANCE"
	HubOffline     HubStatus = "OFFLINE"
)

type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "PENDING"
	VerificationInReview VerificationStatus = "IN_REVIEW"
	VerificationVerified VerificationStatus = "VERIFIED"
	VerificationRejected VerificationStatus = "REJECTED"
)

// Corridor is a jurisdictional route between origin and destination
type Corridor struct {
	gorm.Model  `json:"-"`
	CorridorID  string         `gorm:"uniqueIndex" json:"corridor_id"`
	Name        string         `json:"name"`
	Origin      string         `json:"origin"`
	Destination string         `json:"destination"`
	Status      CorridorStatus `json:"status"`
	StatusNote  string         `json:"status_note,omitempty"`
}

// Hub is a vault or logistics facility
type Hub struct {
	gorm.Model `json:"-"`
	HubID      string    `gorm:"uniqueIndex" json:"hub_id"`
	Name       string    `json:"name"`
	City       string    `json:"city"`
	Status     HubStatus `json:"status"`
	StatusNote string    `json:"status_note,omitempty"`
}

// VerificationCase mirrors the status of an external identity verification
type VerificationCase struct {
	gorm.Model `json:"-"`
	CaseID     string             `gorm:"uniqueIndex" json:"case_id"`
	SubjectID  string             `gorm:"index" json:"subject_id"`
	Provider   string             `json:"provider"`
	Status     VerificationStatus `json:"status"`
	ReviewedAt *time.Time         `json:"reviewed_at,omitempty"`
}
