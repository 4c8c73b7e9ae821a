package authpw

import (
	"context"
	"errors"
	"testing"

	"gridline/api/internal/store"
)

type fakeUserStore struct {
	byEmail    map[string]store.User
	byUsername map[string]store.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{
		byEmail:    make(map[string]store.User),
		byUsername: make(map[string]store.User),
	}
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	user, ok := f.byEmail[email]
	if !ok {
		return store.User{}, errors.New("not found")
	}
	return user, nil
}

func (f *fakeUserStore) GetUserByUsername(_ context.Context, username string) (store.User, error) {
	user, ok := f.byUsername[username]
	if !ok {
		return store.User{}, errors.New("not found")
	}
	return user, nil
}

func (f *fakeUserStore) CreateUser(_ context.Context, user store.User) error {
	f.byEmail[user.Email] = user
	f.byUsername[user.Username] = user
	return nil
}

func TestSignUpAndSignIn(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	user, err := svc.SignUp(ctx, SignUpRequest{Username: "ada", Email: "ada@example.com", Password: "correcthorse"})
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if user.ID == "" || user.PasswordHash == "correcthorse" {
		t.Fatalf("expected generated id and hashed password, got %+v", user)
	}

	signedIn, err := svc.SignIn(ctx, SignInRequest{Email: "ada@example.com", Password: "correcthorse"})
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if signedIn.ID != user.ID {
		t.Errorf("expected user %s, got %s", user.ID, signedIn.ID)
	}
}

func TestSignInWrongPassword(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Username: "ada", Email: "ada@example.com", Password: "correcthorse"}); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if _, err := svc.SignIn(ctx, SignInRequest{Email: "ada@example.com", Password: "wrong-password"}); err == nil {
		t.Error("expected error for wrong password, got nil")
	}
}

func TestSignUpValidation(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	cases := []SignUpRequest{
		{Username: "", Email: "a@b.c", Password: "longenough"},
		{Username: "ada", Email: "", Password: "longenough"},
		{Username: "ada", Email: "a@b.c", Password: "short"},
	}
	for _, req := range cases {
		if _, err := svc.SignUp(ctx, req); err == nil {
			t.Errorf("SignUp(%+v): expected validation error, got nil", req)
		}
	}
}

func TestSignUpDuplicateEmail(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Username: "ada", Email: "ada@example.com", Password: "correcthorse"}); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if _, err := svc.SignUp(ctx, SignUpRequest{Username: "ada2", Email: "ada@example.com", Password: "correcthorse"}); err == nil {
		t.Error("expected duplicate email error, got nil")
	}
	if _, err := svc.SignUp(ctx, SignUpRequest{Username: "ada", Email: "other@example.com", Password: "correcthorse"}); err == nil {
		t.Error("expected duplicate username error, got nil")
	}
}
