package access

import (
	"context"
	"errors"
	"testing"
)

type fakeMembership struct {
	owners        map[string]string // spreadsheetID -> ownerID
	collaborators map[string][]string
	err           error
}

func (f *fakeMembership) IsOwner(_ context.Context, userID, spreadsheetID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.owners[spreadsheetID] == userID, nil
}

func (f *fakeMembership) IsCollaborator(_ context.Context, userID, spreadsheetID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	for _, id := range f.collaborators[spreadsheetID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func TestCheckLevels(t *testing.T) {
	gate := NewGate(&fakeMembership{
		owners:        map[string]string{"ss_1": "usr_owner"},
		collaborators: map[string][]string{"ss_1": {"usr_collab"}},
	})
	ctx := context.Background()

	tests := []struct {
		name   string
		userID string
		want   Level
	}{
		{"owner", "usr_owner", LevelOwner},
		{"collaborator", "usr_collab", LevelCollaborator},
		{"stranger", "usr_other", LevelNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := gate.Check(ctx, tt.userID, "ss_1")
			if err != nil {
				t.Fatalf("Check failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Check(%s) = %s, want %s", tt.userID, got, tt.want)
			}
		})
	}
}

func TestCheckStoreError(t *testing.T) {
	gate := NewGate(&fakeMembership{err: errors.New("db down")})
	if _, err := gate.Check(context.Background(), "usr_1", "ss_1"); err == nil {
		t.Error("expected error when the store fails, got nil")
	}
}

func TestLevelPredicates(t *testing.T) {
	if !LevelOwner.CanEdit() || !LevelCollaborator.CanEdit() || LevelNone.CanEdit() {
		t.Error("CanEdit lattice wrong")
	}
	if !LevelOwner.CanManage() || LevelCollaborator.CanManage() || LevelNone.CanManage() {
		t.Error("CanManage lattice wrong")
	}
}
