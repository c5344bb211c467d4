package gormstore

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"pifp/escrow-backend/internal/ledger"
	"pifp/escrow-backend/internal/projects"
)

// ProjectRecord is the persisted form of projects.Project
type ProjectRecord struct {
	ID             uint64         `gorm:"primaryKey;autoIncrement:false"`
	Creator        string         `gorm:"size:128;not null;index"`
	AcceptedTokens datatypes.JSON `gorm:"not null"`
	Goal           int64          `gorm:"not null"`
	ProofHash      []byte         `gorm:"size:32;not null"`
	Deadline       time.Time      `gorm:"not null;index"`
	Status         string         `gorm:"size:16;not null;index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (ProjectRecord) TableName() string { return "escrow_projects" }

// BalanceRecord holds one ledger entry per (project, token)
type BalanceRecord struct {
	ProjectID uint64 `gorm:"primaryKey;autoIncrement:false"`
	Token     string `gorm:"primaryKey;size:128"`
	Amount    int64  `gorm:"not null"`
}

func (BalanceRecord) TableName() string { return "escrow_balances" }

// ContributionRecord holds a donor's running total per (project, token)
type ContributionRecord struct {
	ProjectID uint64 `gorm:"primaryKey;autoIncrement:false"`
	Donor     string `gorm:"primaryKey;size:128"`
	Token     string `gorm:"primaryKey;size:128"`
	Amount    int64  `gorm:"not null"`
}

func (ContributionRecord) TableName() string { return "escrow_contributions" }

// RoleRecord is a single role grant
type RoleRecord struct {
	Principal string `gorm:"primaryKey;size:128"`
	Role      string `gorm:"primaryKey;size:16"`
	GrantedAt time.Time
}

func (RoleRecord) TableName() string { return "escrow_roles" }

// StatusChangeRecord mirrors projects.StatusChange
type StatusChangeRecord struct {
	ID         uint64    `gorm:"primaryKey"`
	ProjectID  uint64    `gorm:"not null;index"`
	FromStatus string    `gorm:"size:16"`
	ToStatus   string    `gorm:"size:16;not null"`
	ChangedBy  string    `gorm:"size:128"`
	ChangedAt  time.Time `gorm:"not null"`
}

func (StatusChangeRecord) TableName() string { return "escrow_status_history" }

// DepositRecord is an accepted deposit. Reference is NULL when absent so the
// unique index only covers real settlement ids.
type DepositRecord struct {
	ID        uint64  `gorm:"primaryKey"`
	ProjectID uint64  `gorm:"not null;index"`
	Donor     string  `gorm:"size:128;not null"`
	Token     string  `gorm:"size:128;not null"`
	Amount    int64   `gorm:"not null"`
	Reference *string `gorm:"size:128;uniqueIndex"`
	At        time.Time
}

func (DepositRecord) TableName() string { return "escrow_deposits" }

// CounterRecord stores named integers: the project sequence and the bootstrap flag
type CounterRecord struct {
	Name  string `gorm:"primaryKey;size:64"`
	Value int64  `gorm:"not null"`
}

func (CounterRecord) TableName() string { return "escrow_counters" }

const (
	counterNextProjectID = "next_project_id"
	counterInitialized   = "initialized"
)

// Models lists every table the store migrates
func Models() []interface{} {
	return []interface{}{
		&ProjectRecord{},
		&BalanceRecord{},
		&ContributionRecord{},
		&RoleRecord{},
		&StatusChangeRecord{},
		&DepositRecord{},
		&CounterRecord{},
	}
}

func toProjectRecord(p *projects.Project) (*ProjectRecord, error) {
	tokens, err := json.Marshal(p.AcceptedTokens)
	if err != nil {
		return nil, fmt.Errorf("encode accepted tokens: %w", err)
	}
	return &ProjectRecord{
		ID:             uint64(p.ID),
		Creator:        p.Creator,
		AcceptedTokens: datatypes.JSON(tokens),
		Goal:           p.Goal,
		ProofHash:      append([]byte(nil), p.ProofHash[:]...),
		Deadline:       p.Deadline.UTC(),
		Status:         string(p.Status),
		CreatedAt:      p.CreatedAt.UTC(),
		UpdatedAt:      p.UpdatedAt.UTC(),
	}, nil
}

func (r *ProjectRecord) toProject() (*projects.Project, error) {
	var tokens []string
	if err := json.Unmarshal(r.AcceptedTokens, &tokens); err != nil {
		return nil, fmt.Errorf("decode accepted tokens of project %d: %w", r.ID, err)
	}
	if len(r.ProofHash) != len(projects.ProofHash{}) {
		return nil, fmt.Errorf("project %d: proof hash has %d bytes", r.ID, len(r.ProofHash))
	}
	p := &projects.Project{
		ID:             projects.ID(r.ID),
		Creator:        r.Creator,
		AcceptedTokens: tokens,
		Goal:           r.Goal,
		Deadline:       r.Deadline.UTC(),
		Status:         projects.Status(r.Status),
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	copy(p.ProofHash[:], r.ProofHash)
	return p, nil
}

func (r *StatusChangeRecord) toStatusChange() projects.StatusChange {
	return projects.StatusChange{
		ProjectID: projects.ID(r.ProjectID),
		From:      projects.Status(r.FromStatus),
		To:        projects.Status(r.ToStatus),
		ChangedBy: r.ChangedBy,
		ChangedAt: r.ChangedAt.UTC(),
	}
}

func (r *DepositRecord) toDeposit() ledger.Deposit {
	d := ledger.Deposit{
		ProjectID: projects.ID(r.ProjectID),
		Donor:     r.Donor,
		Token:     r.Token,
		Amount:    r.Amount,
		At:        r.At.UTC(),
	}
	if r.Reference != nil {
		d.Reference = *r.Reference
	}
	return d
}
