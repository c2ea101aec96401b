// Package settings persists per-user preferences: whether auto-reply is on,
// the persona prompt, provider API keys, and the linked messaging device.
//
// Provider keys are sealed with AES-GCM (common/crypto) under the master key.
// Without a master key they are kept in memory only and never written.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/Kotodama/common/crypto"
	"github.com/bdobrica/Kotodama/internal/kotodama/store"
)

// ErrNotFound is returned when a user has no stored row.
var ErrNotFound = errors.New("settings: not found")

// AI is one user's reply configuration.
type AI struct {
	UserID    string
	Enabled   bool
	Prompt    string
	GeminiKey string
	GroqKey   string
	UpdatedAt time.Time
}

// Store reads and writes settings rows. It is safe for concurrent use.
type Store struct {
	db  *store.Store
	key []byte

	// mu serializes read-modify-write updates.
	mu       sync.Mutex
	warnOnce sync.Once
}

// New returns a Store. masterKey may be nil, in which case provider keys are
// not persisted.
func New(db *store.Store, masterKey []byte) *Store {
	return &Store{db: db, key: masterKey}
}

// Sealing reports whether provider keys are persisted.
func (s *Store) Sealing() bool { return len(s.key) == crypto.KeySize }

func (s *Store) seal(v string) (string, error) {
	if v == "" || !s.Sealing() {
		return "", nil
	}
	return crypto.EncryptString(s.key, v)
}

func (s *Store) open(userID, v string) string {
	if v == "" {
		return ""
	}
	if !s.Sealing() {
		slog.Warn("settings: stored key cannot be opened without a master key", "user_id", userID)
		return ""
	}
	plain, err := crypto.DecryptString(s.key, v)
	if err != nil {
		slog.Warn("settings: stored key cannot be opened", "user_id", userID, "err", err)
		return ""
	}
	return plain
}

const aiColumns = `user_id, ai_enabled, prompt, gemini_key, groq_key, keys_sealed, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanAI(row scanner) (AI, error) {
	var (
		a       AI
		sealed  bool
		gem     string
		groq    string
		updated string
	)
	if err := row.Scan(&a.UserID, &a.Enabled, &a.Prompt, &gem, &groq, &sealed, &updated); err != nil {
		return AI{}, err
	}
	if sealed {
		a.GeminiKey = s.open(a.UserID, gem)
		a.GroqKey = s.open(a.UserID, groq)
	}
	a.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return a, nil
}

// GetAI returns the user's settings or ErrNotFound.
func (s *Store) GetAI(ctx context.Context, userID string) (AI, error) {
	row := s.db.DB().QueryRowContext(ctx, `SELECT `+aiColumns+` FROM ai_settings WHERE user_id = ?`, userID)
	a, err := s.scanAI(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AI{}, ErrNotFound
	}
	if err != nil {
		return AI{}, fmt.Errorf("settings: get %q: %w", userID, err)
	}
	return a, nil
}

// ListAI returns every stored user's settings.
func (s *Store) ListAI(ctx context.Context) ([]AI, error) {
	rows, err := s.db.DB().QueryContext(ctx, `SELECT `+aiColumns+` FROM ai_settings ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("settings: list: %w", err)
	}
	defer rows.Close()

	var out []AI
	for rows.Next() {
		a, err := s.scanAI(rows)
		if err != nil {
			return nil, fmt.Errorf("settings: scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveAI upserts a full row.
func (s *Store) SaveAI(ctx context.Context, a AI) error {
	return s.save(ctx, a, sealedKeys{})
}

// sealedKeys are stored ciphertexts carried over unchanged.
type sealedKeys struct {
	gemini, groq string
}

// unopened returns the stored ciphertexts of userID that did not open to a
// key in a.
func (s *Store) unopened(ctx context.Context, a AI) (sealedKeys, error) {
	var (
		k      sealedKeys
		sealed bool
	)
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT gemini_key, groq_key, keys_sealed FROM ai_settings WHERE user_id = ?`, a.UserID,
	).Scan(&k.gemini, &k.groq, &sealed)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !sealed) {
		return sealedKeys{}, nil
	}
	if err != nil {
		return sealedKeys{}, fmt.Errorf("settings: read sealed keys %q: %w", a.UserID, err)
	}
	if a.GeminiKey != "" {
		k.gemini = ""
	}
	if a.GroqKey != "" {
		k.groq = ""
	}
	return k, nil
}

func (s *Store) save(ctx context.Context, a AI, keep sealedKeys) error {
	if !s.Sealing() && (a.GeminiKey != "" || a.GroqKey != "") {
		s.warnOnce.Do(func() {
			slog.Warn("settings: no master key configured; provider keys will not survive a restart")
		})
	}
	gem, err := s.seal(a.GeminiKey)
	if err != nil {
		return fmt.Errorf("settings: seal key: %w", err)
	}
	groq, err := s.seal(a.GroqKey)
	if err != nil {
		return fmt.Errorf("settings: seal key: %w", err)
	}
	if gem == "" && a.GeminiKey == "" {
		gem = keep.gemini
	}
	if groq == "" && a.GroqKey == "" {
		groq = keep.groq
	}
	sealed := s.Sealing() || keep.gemini != "" || keep.groq != ""

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.DB().ExecContext(ctx, `
		INSERT INTO ai_settings (`+aiColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			ai_enabled  = excluded.ai_enabled,
			prompt      = excluded.prompt,
			gemini_key  = excluded.gemini_key,
			groq_key    = excluded.groq_key,
			keys_sealed = excluded.keys_sealed,
			updated_at  = excluded.updated_at
	`, a.UserID, a.Enabled, a.Prompt, gem, groq, sealed, now)
	if err != nil {
		return fmt.Errorf("settings: save %q: %w", a.UserID, err)
	}
	return nil
}

// UpdateAI loads the user's row (or a zero row), applies fn and saves it.
func (s *Store) UpdateAI(ctx context.Context, userID string, fn func(*AI)) (AI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.GetAI(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		a = AI{UserID: userID}
	} else if err != nil {
		return AI{}, err
	}
	// Keys that could not be opened read back empty. Unless fn sets a new
	// one, the stored ciphertext is written back as is.
	keep, err := s.unopened(ctx, a)
	if err != nil {
		return AI{}, err
	}
	fn(&a)
	a.UserID = userID
	if a.GeminiKey != "" {
		keep.gemini = ""
	}
	if a.GroqKey != "" {
		keep.groq = ""
	}
	if err := s.save(ctx, a, keep); err != nil {
		return AI{}, err
	}
	return a, nil
}
