package store

import (
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
)

// writeJSONAtomic marshals v and writes it to path via a temp-file-then-
// rename so a crash mid-write can never leave a half-written file behind;
// after the rename returns, the mutation is durable and observable to a
// subsequent read from the same replica, satisfying the crash-durability
// contract in spec §4.2.
func writeJSONAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// readJSON unmarshals the file at path into v. A missing file is not an
// error; v is left unchanged so the caller's zero-value default applies.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// messageFile returns the path of the per-recipient message queue file.
// The username is escaped so arbitrary (but non-empty) usernames can't
// escape dataDir/messages or collide with the store's own file names.
func messageFile(dataDir, username string) string {
	return filepath.Join(dataDir, "messages", url.PathEscape(username)+".json")
}
