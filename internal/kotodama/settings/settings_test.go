package settings_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bdobrica/Kotodama/internal/kotodama/settings"
	"github.com/bdobrica/Kotodama/internal/kotodama/store"
)

func masterKey() []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = byte(i * 7)
	}
	return k
}

func openDB(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.New(filepath.Join(t.TempDir(), "settings.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestGetAI_NotFound(t *testing.T) {
	s := settings.New(openDB(t), masterKey())
	if _, err := s.GetAI(context.Background(), "nobody"); !errors.Is(err, settings.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveAndGetAI_SealsKeys(t *testing.T) {
	db := openDB(t)
	s := settings.New(db, masterKey())
	ctx := context.Background()

	in := settings.AI{UserID: "u1", Enabled: true, Prompt: "Be brief.", GeminiKey: "AIza-secret-1", GroqKey: "gsk_secret_2"}
	if err := s.SaveAI(ctx, in); err != nil {
		t.Fatalf("SaveAI: %v", err)
	}

	var raw string
	if err := db.DB().QueryRow(`SELECT gemini_key || groq_key FROM ai_settings WHERE user_id='u1'`).Scan(&raw); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(raw, "AIza-secret-1") || strings.Contains(raw, "gsk_secret_2") {
		t.Fatal("keys stored in plaintext")
	}

	got, err := s.GetAI(ctx, "u1")
	if err != nil {
		t.Fatalf("GetAI: %v", err)
	}
	if !got.Enabled || got.Prompt != "Be brief." || got.GeminiKey != "AIza-secret-1" || got.GroqKey != "gsk_secret_2" {
		t.Errorf("unexpected row %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("expected updated_at")
	}
}

func TestSaveAI_WithoutMasterKeyDropsKeys(t *testing.T) {
	s := settings.New(openDB(t), nil)
	ctx := context.Background()
	if s.Sealing() {
		t.Fatal("store without key should not seal")
	}
	if err := s.SaveAI(ctx, settings.AI{UserID: "u1", Enabled: true, GeminiKey: "AIza-x"}); err != nil {
		t.Fatalf("SaveAI: %v", err)
	}
	got, err := s.GetAI(ctx, "u1")
	if err != nil {
		t.Fatalf("GetAI: %v", err)
	}
	if got.GeminiKey != "" || !got.Enabled {
		t.Errorf("expected enabled flag kept and key dropped, got %+v", got)
	}
}

func TestGetAI_WrongMasterKey(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	if err := settings.New(db, masterKey()).SaveAI(ctx, settings.AI{UserID: "u1", GeminiKey: "AIza-x", Prompt: "p"}); err != nil {
		t.Fatal(err)
	}
	other := make([]byte, 32)
	got, err := settings.New(db, other).GetAI(ctx, "u1")
	if err != nil {
		t.Fatalf("GetAI: %v", err)
	}
	if got.GeminiKey != "" || got.Prompt != "p" {
		t.Errorf("expected unreadable key dropped and prompt kept, got %+v", got)
	}
}

func TestUpdateAI_KeepsKeysItCannotOpen(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	right := settings.New(db, masterKey())
	if err := right.SaveAI(ctx, settings.AI{UserID: "u1", GeminiKey: "AIza-x", GroqKey: "gsk_x"}); err != nil {
		t.Fatal(err)
	}

	for name, s := range map[string]*settings.Store{
		"wrong key": settings.New(db, make([]byte, 32)),
		"no key":    settings.New(db, nil),
	} {
		if _, err := s.UpdateAI(ctx, "u1", func(a *settings.AI) { a.Enabled = !a.Enabled }); err != nil {
			t.Fatalf("%s: UpdateAI: %v", name, err)
		}
	}
	if _, err := settings.New(db, make([]byte, 32)).UpdateAI(ctx, "u1", func(a *settings.AI) { a.GroqKey = "gsk_new" }); err != nil {
		t.Fatalf("UpdateAI: %v", err)
	}

	got, err := right.GetAI(ctx, "u1")
	if err != nil {
		t.Fatalf("GetAI: %v", err)
	}
	if got.GeminiKey != "AIza-x" {
		t.Errorf("expected the gemini key to survive updates, got %q", got.GeminiKey)
	}
	if got.GroqKey != "" {
		t.Errorf("expected the replaced groq key sealed under the other key, got %q", got.GroqKey)
	}
	if got.Enabled {
		t.Error("expected two toggles to cancel out")
	}
}

func TestUpdateAI(t *testing.T) {
	s := settings.New(openDB(t), masterKey())
	ctx := context.Background()

	if _, err := s.UpdateAI(ctx, "u1", func(a *settings.AI) { a.Enabled = true }); err != nil {
		t.Fatalf("UpdateAI: %v", err)
	}
	got, err := s.UpdateAI(ctx, "u1", func(a *settings.AI) { a.GroqKey = "gsk_1" })
	if err != nil {
		t.Fatalf("UpdateAI: %v", err)
	}
	if !got.Enabled || got.GroqKey != "gsk_1" {
		t.Errorf("update lost a field: %+v", got)
	}

	all, err := s.ListAI(ctx)
	if err != nil {
		t.Fatalf("ListAI: %v", err)
	}
	if len(all) != 1 || all[0].GroqKey != "gsk_1" {
		t.Errorf("unexpected list %+v", all)
	}
}

func TestDevices(t *testing.T) {
	s := settings.New(openDB(t), nil)
	ctx := context.Background()

	jid, err := s.LookupDevice(ctx, "u1")
	if err != nil || jid != "" {
		t.Fatalf("expected no device, got %q, %v", jid, err)
	}
	if err := s.SaveDevice(ctx, "u1", "155501:3@s.whatsapp.net"); err != nil {
		t.Fatalf("SaveDevice: %v", err)
	}
	if err := s.SaveDevice(ctx, "u1", "155501:4@s.whatsapp.net"); err != nil {
		t.Fatalf("SaveDevice replace: %v", err)
	}
	if jid, _ := s.LookupDevice(ctx, "u1"); jid != "155501:4@s.whatsapp.net" {
		t.Errorf("expected replaced jid, got %q", jid)
	}
	if err := s.ForgetDevice(ctx, "u1"); err != nil {
		t.Fatalf("ForgetDevice: %v", err)
	}
	if err := s.ForgetDevice(ctx, "u1"); err != nil {
		t.Fatalf("ForgetDevice again: %v", err)
	}
	if jid, _ := s.LookupDevice(ctx, "u1"); jid != "" {
		t.Errorf("expected device forgotten, got %q", jid)
	}
}
