package secrets

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/seaward-sec/opswatch/internal/testutil"
)

func newTestLocalStore(t *testing.T, passphrase string) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir(), passphrase, testutil.NewTestLogger())
	if err != nil {
		t.Fatalf("NewLocalStore() error: %v", err)
	}
	return s
}

func TestLocalStoreRoundTrip(t *testing.T) {
	s := newTestLocalStore(t, "hunter2")
	ctx := context.Background()

	fields := map[string]string{"api_key": "k-123", "api_secret": "s-456"}
	if err := s.Put(ctx, "prov-api", fields); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	got, err := s.Resolve(ctx, "prov-api")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got["api_key"] != "k-123" || got["api_secret"] != "s-456" {
		t.Errorf("resolved fields = %v", got)
	}
}

func TestLocalStoreEncryptedAtRest(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStore(dir, "hunter2", testutil.NewTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(context.Background(), "prov-api", map[string]string{"token": "super-secret-token"}); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "prov-api.cred"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "super-secret-token") {
		t.Error("plaintext secret found in credential file")
	}
}

func TestLocalStoreWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStore(dir, "correct", testutil.NewTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(context.Background(), "prov-api", map[string]string{"token": "t"}); err != nil {
		t.Fatal(err)
	}

	other, err := NewLocalStore(dir, "wrong", testutil.NewTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Resolve(context.Background(), "prov-api"); err == nil {
		t.Error("wrong passphrase decrypted the credential")
	}
}

func TestLocalStoreMissingCredential(t *testing.T) {
	s := newTestLocalStore(t, "hunter2")
	if _, err := s.Resolve(context.Background(), "ghost"); err == nil {
		t.Error("expected error for unknown credential")
	}
}

func TestLocalStoreList(t *testing.T) {
	s := newTestLocalStore(t, "hunter2")
	ctx := context.Background()

	for _, id := range []string{"alpha", "beta"} {
		if err := s.Put(ctx, id, map[string]string{"k": "v"}); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "alpha" || ids[1] != "beta" {
		t.Errorf("List() = %v", ids)
	}
}

func TestLocalStoreRejectsPathTraversal(t *testing.T) {
	s := newTestLocalStore(t, "hunter2")
	ctx := context.Background()

	for _, id := range []string{"", "../escape", "a/b", `a\b`} {
		if err := s.Put(ctx, id, map[string]string{"k": "v"}); err == nil {
			t.Errorf("Put(%q) accepted", id)
		}
		if _, err := s.Resolve(ctx, id); err == nil {
			t.Errorf("Resolve(%q) accepted", id)
		}
	}
}

func TestLocalStoreRequiresPassphrase(t *testing.T) {
	if _, err := NewLocalStore(t.TempDir(), "", testutil.NewTestLogger()); err == nil {
		t.Error("empty passphrase accepted")
	}
}
