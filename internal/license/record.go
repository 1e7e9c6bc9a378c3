package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// Record is the on-disk proof of the last successful online check.
type Record struct {
	LastOnlineCheck string `json:"last_online_check"`
	Signature       string `json:"signature"`
}

var errUnverified = errors.New("license record unverified")

// Sign returns hex(HMAC-SHA256(secret, timestamp)).
func Sign(secret, timestamp string) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(timestamp))
	return hex.EncodeToString(m.Sum(nil))
}

// Verify checks the signature in constant time.
func (r Record) Verify(secret string) bool {
	if r.Signature == "" || r.LastOnlineCheck == "" {
		return false
	}
	return hmac.Equal([]byte(r.Signature), []byte(Sign(secret, r.LastOnlineCheck)))
}

// NewRecord signs t.
func NewRecord(secret string, t time.Time) Record {
	ts := t.Format(time.RFC3339Nano)
	return Record{LastOnlineCheck: ts, Signature: Sign(secret, ts)}
}

// readRecord returns the verified timestamp stored at path. Missing,
// unreadable, unsigned and tampered files all yield errUnverified.
func readRecord(path, secret string) (time.Time, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, errUnverified
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil || !r.Verify(secret) {
		return time.Time{}, errUnverified
	}
	t, err := parseTimestamp(r.LastOnlineCheck)
	if err != nil {
		return time.Time{}, errUnverified
	}
	return t, nil
}

// naiveLayout matches records written without a zone offset; they are
// local time. Fractional seconds are optional when parsing.
const naiveLayout = "2006-01-02T15:04:05"

func parseTimestamp(ts string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t, nil
	}
	return time.ParseInLocation(naiveLayout, ts, time.Local)
}

func writeRecord(path string, r Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
