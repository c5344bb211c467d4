package projects

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"pifp/escrow-backend/internal/tokens"
)

// ID is a project's sequence number
type ID uint64

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseID parses a decimal project id
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid project id %q: %w", s, err)
	}
	return ID(v), nil
}

// Status represents the lifecycle status of a project
type Status string

const (
	StatusFunding   Status = "FUNDING"
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusExpired   Status = "EXPIRED"
)

// ParseStatus parses a status name, case-insensitively
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusFunding, StatusActive, StatusCompleted, StatusExpired:
		return st, nil
	default:
		return "", fmt.Errorf("unknown project status %q", s)
	}
}

// ProofHashSize is the width of a proof commitment in bytes
const ProofHashSize = 32

// ProofHash is an opaque commitment compared by equality at release time.
// It is encoded as lowercase hex in JSON.
type ProofHash [ProofHashSize]byte

var ErrInvalidProofHash = errors.New("proof hash must be 32 hex-encoded bytes")

// ParseProofHash decodes a 64 character hex string
func ParseProofHash(s string) (ProofHash, error) {
	var h ProofHash
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(raw) != ProofHashSize {
		return h, ErrInvalidProofHash
	}
	copy(h[:], raw)
	return h, nil
}

func (h ProofHash) String() string {
	return hex.EncodeToString(h[:])
}

// Matches compares two commitments byte for byte
func (h ProofHash) Matches(other ProofHash) bool {
	return subtle.ConstantTimeCompare(h[:], other[:]) == 1
}

func (h ProofHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *ProofHash) UnmarshalText(text []byte) error {
	parsed, err := ParseProofHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Project represents a single funding campaign
type Project struct {
	ID             ID        `json:"id"`
	Creator        string    `json:"creator"`
	AcceptedTokens []string  `json:"accepted_tokens"`
	Goal           int64     `json:"goal"`
	ProofHash      ProofHash `json:"proof_hash"`
	Deadline       time.Time `json:"deadline"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Accepts reports whether token is on the project's allow-list
func (p *Project) Accepts(token string) bool {
	return tokens.Contains(p.AcceptedTokens, token)
}

// Clone returns a deep copy
func (p *Project) Clone() *Project {
	c := *p
	c.AcceptedTokens = append([]string(nil), p.AcceptedTokens...)
	return &c
}

// StatusChange tracks status changes
type StatusChange struct {
	ProjectID ID        `json:"project_id"`
	From      Status    `json:"from,omitempty"`
	To        Status    `json:"to"`
	ChangedBy string    `json:"changed_by"`
	ChangedAt time.Time `json:"changed_at"`
}

// Filter narrows project listings
type Filter struct {
	Status         *Status
	Statuses       []Status // any of, when non-empty
	Creator        string
	DeadlineBefore *time.Time
	Limit          int
}

// Match reports whether p satisfies every set field of the filter
func (f Filter) Match(p *Project) bool {
	if f.Status != nil && p.Status != *f.Status {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, p.Status) {
		return false
	}
	if f.Creator != "" && p.Creator != f.Creator {
		return false
	}
	if f.DeadlineBefore != nil && !p.Deadline.Before(*f.DeadlineBefore) {
		return false
	}
	return true
}
