package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LookupDevice returns the device JID linked for userID, or "" when none.
func (s *Store) LookupDevice(ctx context.Context, userID string) (string, error) {
	var jid string
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT device_jid FROM user_devices WHERE user_id = ?`, userID,
	).Scan(&jid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("settings: lookup device %q: %w", userID, err)
	}
	return jid, nil
}

// SaveDevice records the device linked for userID, replacing any previous one.
func (s *Store) SaveDevice(ctx context.Context, userID, jid string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO user_devices (user_id, device_jid, linked_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			device_jid = excluded.device_jid,
			linked_at  = excluded.linked_at
	`, userID, jid, now)
	if err != nil {
		return fmt.Errorf("settings: save device %q: %w", userID, err)
	}
	return nil
}

// ForgetDevice removes the user's device link. Missing rows are not an error.
func (s *Store) ForgetDevice(ctx context.Context, userID string) error {
	if _, err := s.db.DB().ExecContext(ctx, `DELETE FROM user_devices WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("settings: forget device %q: %w", userID, err)
	}
	return nil
}
