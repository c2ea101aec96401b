// Package whatsapp implements session.Engine on top of whatsmeow. Each user
// gets one whatsmeow client whose device keys live in a shared sqlstore
// container; the user→device mapping lives in the settings database.
package whatsapp

import (
	"context"
	"fmt"
	"net/url"

	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"

	// Registers the pure-Go "sqlite" driver used by the device container.
	_ "modernc.org/sqlite"
)

// OpenContainer opens (and upgrades) the whatsmeow device store at path.
func OpenContainer(ctx context.Context, path string, log waLog.Logger) (*sqlstore.Container, error) {
	dsn := "file:" + url.PathEscape(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	c, err := sqlstore.New(ctx, "sqlite", dsn, log)
	if err != nil {
		return nil, fmt.Errorf("open device store %q: %w", path, err)
	}
	return c, nil
}
