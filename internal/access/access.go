// Package access decides whether a user may read or mutate a spreadsheet.
// The lattice is deliberately flat: owner and collaborator both get full
// read/write on every sheet of the spreadsheet; there is no read-only role.
package access

import (
	"context"
	"fmt"
)

type Level string

const (
	LevelNone         Level = "none"
	LevelCollaborator Level = "collaborator"
	LevelOwner        Level = "owner"
)

// CanEdit reports whether the level grants cell read/write.
func (l Level) CanEdit() bool {
	return l == LevelOwner || l == LevelCollaborator
}

// CanManage reports whether the level grants structural operations
// (sheet create/delete, collaborator management, spreadsheet delete).
func (l Level) CanManage() bool {
	return l == LevelOwner
}

// MembershipStore answers ownership and collaborator lookups.
type MembershipStore interface {
	IsOwner(ctx context.Context, userID, spreadsheetID string) (bool, error)
	IsCollaborator(ctx context.Context, userID, spreadsheetID string) (bool, error)
}

type Gate struct {
	store MembershipStore
}

func NewGate(store MembershipStore) *Gate {
	return &Gate{store: store}
}

// Check resolves the user's level on a spreadsheet. It always hits the
// store: collaborator membership can change while a session is open, so
// results are never cached across calls.
func (g *Gate) Check(ctx context.Context, userID, spreadsheetID string) (Level, error) {
	owner, err := g.store.IsOwner(ctx, userID, spreadsheetID)
	if err != nil {
		return LevelNone, fmt.Errorf("check owner: %w", err)
	}
	if owner {
		return LevelOwner, nil
	}

	collaborator, err := g.store.IsCollaborator(ctx, userID, spreadsheetID)
	if err != nil {
		return LevelNone, fmt.Errorf("check collaborator: %w", err)
	}
	if collaborator {
		return LevelCollaborator, nil
	}
	return LevelNone, nil
}
