// Package gormstore persists escrow state in a SQL database through gorm.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pifp/escrow-backend/internal/access"
	"pifp/escrow-backend/internal/ledger"
	"pifp/escrow-backend/internal/projects"
	"pifp/escrow-backend/internal/store"
)

// Store implements store.Store on top of a *gorm.DB
type Store struct {
	db *gorm.DB
}

// Open connects to the database named by driver ("postgres" or "sqlite")
func Open(driver, dsn string, cfg *gorm.Config) (*gorm.DB, error) {
	if cfg == nil {
		cfg = &gorm.Config{}
	}
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}
	return db, nil
}

// New migrates the escrow tables and returns a store backed by db
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Atomic(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&gormTx{db: db})
	})
}

func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&gormTx{db: db, readOnly: true})
	})
}

type gormTx struct {
	db       *gorm.DB
	readOnly bool
}

func (t *gormTx) writable() error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	return nil
}

// NextProjectID bumps the counter with an UPDATE first so concurrent writers
// serialize on the row lock.
func (t *gormTx) NextProjectID() (projects.ID, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	res := t.db.Model(&CounterRecord{}).
		Where("name = ?", counterNextProjectID).
		Update("value", gorm.Expr("value + ?", 1))
	if res.Error != nil {
		return 0, fmt.Errorf("advance project sequence: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if err := t.db.Create(&CounterRecord{Name: counterNextProjectID, Value: 1}).Error; err != nil {
			return 0, fmt.Errorf("seed project sequence: %w", err)
		}
		return 0, nil
	}
	var counter CounterRecord
	if err := t.db.Where("name = ?", counterNextProjectID).First(&counter).Error; err != nil {
		return 0, fmt.Errorf("read project sequence: %w", err)
	}
	return projects.ID(counter.Value - 1), nil
}

// GetProject takes a row lock in writable transactions. Every project scoped
// mutation reads the project first, so writers on one project serialize.
// SQLite has no row locks and serializes writers on the database instead.
func (t *gormTx) GetProject(id projects.ID) (*projects.Project, error) {
	q := t.db
	if !t.readOnly {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var rec ProjectRecord
	err := q.Where("id = ?", uint64(id)).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.toProject()
}

func (t *gormTx) PutProject(p *projects.Project) error {
	if err := t.writable(); err != nil {
		return err
	}
	rec, err := toProjectRecord(p)
	if err != nil {
		return err
	}
	return t.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error
}

func (t *gormTx) ListProjects(filter projects.Filter) ([]*projects.Project, error) {
	q := t.db.Model(&ProjectRecord{}).Order("id ASC")
	if filter.Status != nil {
		q = q.Where("status = ?", string(*filter.Status))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		q = q.Where("status IN ?", statuses)
	}
	if filter.Creator != "" {
		q = q.Where("creator = ?", filter.Creator)
	}
	if filter.DeadlineBefore != nil {
		q = q.Where("deadline < ?", filter.DeadlineBefore.UTC())
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var recs []ProjectRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*projects.Project, 0, len(recs))
	for i := range recs {
		p, err := recs[i].toProject()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (t *gormTx) AppendStatusChange(change projects.StatusChange) error {
	if err := t.writable(); err != nil {
		return err
	}
	return t.db.Create(&StatusChangeRecord{
		ProjectID:  uint64(change.ProjectID),
		FromStatus: string(change.From),
		ToStatus:   string(change.To),
		ChangedBy:  change.ChangedBy,
		ChangedAt:  change.ChangedAt.UTC(),
	}).Error
}

func (t *gormTx) StatusHistory(id projects.ID) ([]projects.StatusChange, error) {
	var recs []StatusChangeRecord
	if err := t.db.Where("project_id = ?", uint64(id)).Order("id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]projects.StatusChange, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toStatusChange())
	}
	return out, nil
}

func (t *gormTx) RecordDeposit(d ledger.Deposit) error {
	if err := t.writable(); err != nil {
		return err
	}
	rec := &DepositRecord{
		ProjectID: uint64(d.ProjectID),
		Donor:     d.Donor,
		Token:     d.Token,
		Amount:    d.Amount,
		At:        d.At.UTC(),
	}
	if d.Reference != "" {
		var used int64
		if err := t.db.Model(&DepositRecord{}).Where("reference = ?", d.Reference).Count(&used).Error; err != nil {
			return err
		}
		if used > 0 {
			return store.ErrDuplicateReference
		}
		ref := d.Reference
		rec.Reference = &ref
	}
	return t.db.Create(rec).Error
}

func (t *gormTx) Deposits(id projects.ID) ([]ledger.Deposit, error) {
	var recs []DepositRecord
	if err := t.db.Where("project_id = ?", uint64(id)).Order("id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.Deposit, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toDeposit())
	}
	return out, nil
}

// ledger.Store

func (t *gormTx) Balance(project projects.ID, token string) (int64, error) {
	var rec BalanceRecord
	err := t.db.Where("project_id = ? AND token = ?", uint64(project), token).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return rec.Amount, err
}

func (t *gormTx) SetBalance(project projects.ID, token string, amount int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	return t.db.Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&BalanceRecord{ProjectID: uint64(project), Token: token, Amount: amount}).Error
}

func (t *gormTx) Balances(project projects.ID) ([]ledger.TokenAmount, error) {
	var recs []BalanceRecord
	if err := t.db.Where("project_id = ?", uint64(project)).Order("token ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.TokenAmount, 0, len(recs))
	for _, r := range recs {
		out = append(out, ledger.TokenAmount{Token: r.Token, Amount: r.Amount})
	}
	return out, nil
}

func (t *gormTx) Contribution(project projects.ID, donor, token string) (int64, error) {
	var rec ContributionRecord
	err := t.db.Where("project_id = ? AND donor = ? AND token = ?", uint64(project), donor, token).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return rec.Amount, err
}

func (t *gormTx) SetContribution(project projects.ID, donor, token string, amount int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	return t.db.Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&ContributionRecord{ProjectID: uint64(project), Donor: donor, Token: token, Amount: amount}).Error
}

func (t *gormTx) ContributionsOf(project projects.ID, donor string) ([]ledger.TokenAmount, error) {
	var recs []ContributionRecord
	if err := t.db.Where("project_id = ? AND donor = ?", uint64(project), donor).Order("token ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.TokenAmount, 0, len(recs))
	for _, r := range recs {
		out = append(out, ledger.TokenAmount{Token: r.Token, Amount: r.Amount})
	}
	return out, nil
}

// access.Store

func (t *gormTx) HasRole(principal string, role access.Role) (bool, error) {
	var n int64
	err := t.db.Model(&RoleRecord{}).Where("principal = ? AND role = ?", principal, string(role)).Count(&n).Error
	return n > 0, err
}

func (t *gormTx) PutRole(principal string, role access.Role) error {
	if err := t.writable(); err != nil {
		return err
	}
	return t.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&RoleRecord{Principal: principal, Role: string(role), GrantedAt: time.Now().UTC()}).Error
}

func (t *gormTx) DeleteRole(principal string, role access.Role) error {
	if err := t.writable(); err != nil {
		return err
	}
	return t.db.Where("principal = ? AND role = ?", principal, string(role)).Delete(&RoleRecord{}).Error
}

func (t *gormTx) RolesOf(principal string) ([]access.Role, error) {
	var recs []RoleRecord
	if err := t.db.Where("principal = ?", principal).Order("role ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]access.Role, 0, len(recs))
	for _, r := range recs {
		out = append(out, access.Role(r.Role))
	}
	return out, nil
}

func (t *gormTx) Initialized() (bool, error) {
	var n int64
	err := t.db.Model(&CounterRecord{}).Where("name = ? AND value > 0", counterInitialized).Count(&n).Error
	return n > 0, err
}

func (t *gormTx) MarkInitialized() error {
	if err := t.writable(); err != nil {
		return err
	}
	return t.db.Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&CounterRecord{Name: counterInitialized, Value: 1}).Error
}
