/* SPDX-License-Identifier: MIT
 *
 * Persistent trust store (C2): paired-device records, replayable
 * notifications, and the remote-command catalog. Grounded on the
 * schema in original_source/konnect/database.py, backed by
 * go.etcd.io/bbolt instead of sqlite3 — bbolt's single-writer
 * transactions give the "safely callable from concurrent sessions"
 * guarantee spec.md §4.2 asks for without any extra locking.
 */

package trust

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketConfig        = []byte("config")
	bucketDevices       = []byte("devices")
	bucketNotifications = []byte("notifications")
	bucketCommands      = []byte("commands")
)

// TrustedDevice is the persistent record created when pairing
// completes. A device is trusted iff this row exists.
type TrustedDevice struct {
	Identifier  string `json:"identifier"`
	Certificate string `json:"certificate"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Path        string `json:"path,omitempty"`
}

// Notification is a persisted, replayable notification. Cancel
// tombstones a row so the next replay can emit exactly one cancel
// before the row is dismissed.
type Notification struct {
	Reference   string `json:"reference"`
	Text        string `json:"text"`
	Title       string `json:"title"`
	Application string `json:"application"`
	Cancel      bool   `json:"cancel"`
}

// Command is a single catalog entry: a shell command a peer may
// invoke remotely by key.
type Command struct {
	Key     string `json:"key"`
	Name    string `json:"name"`
	Command string `json:"command"`
}

// Store is the trust store (C2). The zero value is not usable; call Open.
type Store struct {
	db *bbolt.DB
}

// Open creates or opens the bbolt-backed trust store at path,
// creating its buckets on first use.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening trust store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketConfig, bucketDevices, bucketNotifications, bucketCommands} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialising trust store schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func notificationKey(deviceID, reference string) []byte {
	return []byte(deviceID + "\x00" + reference)
}

func commandKey(deviceID, key string) []byte {
	return []byte(deviceID + "\x00" + key)
}

// IsTrusted reports whether deviceID has a trusted-device row.
func (s *Store) IsTrusted(deviceID string) bool {
	trusted := false
	s.db.View(func(tx *bbolt.Tx) error {
		trusted = tx.Bucket(bucketDevices).Get([]byte(deviceID)) != nil
		return nil
	})
	return trusted
}

// ListTrusted returns every trusted-device row.
func (s *Store) ListTrusted() ([]TrustedDevice, error) {
	var devices []TrustedDevice
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(_, v []byte) error {
			var d TrustedDevice
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			devices = append(devices, d)
			return nil
		})
	})
	return devices, err
}

// Get returns the trusted-device row for deviceID, if any.
func (s *Store) Get(deviceID string) (TrustedDevice, bool) {
	var d TrustedDevice
	found := false
	s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketDevices).Get([]byte(deviceID))
		if raw == nil {
			return nil
		}
		found = json.Unmarshal(raw, &d) == nil
		return nil
	})
	return d, found
}

// Pair upserts a trusted-device row, capturing the peer's certificate
// at the moment pairing succeeds.
func (s *Store) Pair(deviceID, certPEM, name, deviceType string) error {
	d := TrustedDevice{Identifier: deviceID, Certificate: certPEM, Name: name, Type: deviceType}
	return s.putDevice(d)
}

// UpdateDevice refreshes name/type for an already-trusted device,
// leaving its pinned certificate and share path untouched.
func (s *Store) UpdateDevice(deviceID, name, deviceType string) error {
	d, ok := s.Get(deviceID)
	if !ok {
		return fmt.Errorf("device %s is not trusted", deviceID)
	}
	d.Name = name
	d.Type = deviceType
	return s.putDevice(d)
}

func (s *Store) putDevice(d TrustedDevice) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDevices).Put([]byte(d.Identifier), raw)
	})
}

// Unpair deletes the trusted-device row and cascades to its
// notifications and commands.
func (s *Store) Unpair(deviceID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketDevices).Delete([]byte(deviceID)); err != nil {
			return err
		}
		if err := deletePrefixed(tx.Bucket(bucketNotifications), deviceID); err != nil {
			return err
		}
		return deletePrefixed(tx.Bucket(bucketCommands), deviceID)
	})
}

func deletePrefixed(b *bbolt.Bucket, deviceID string) error {
	prefix := []byte(deviceID + "\x00")
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// GetPath returns the configured share destination for deviceID.
func (s *Store) GetPath(deviceID string) (string, bool) {
	d, ok := s.Get(deviceID)
	if !ok || d.Path == "" {
		return "", false
	}
	return d.Path, true
}

// SetPath updates the share destination for a trusted device.
func (s *Store) SetPath(deviceID, path string) error {
	d, ok := s.Get(deviceID)
	if !ok {
		return fmt.Errorf("device %s is not trusted", deviceID)
	}
	d.Path = path
	return s.putDevice(d)
}

// PersistNotification upserts a notification keyed by (deviceID, reference).
func (s *Store) PersistNotification(deviceID, text, title, application, reference string) error {
	n := Notification{Reference: reference, Text: text, Title: title, Application: application}
	raw, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketNotifications).Put(notificationKey(deviceID, reference), raw)
	})
}

// CancelNotification tombstones a notification row.
func (s *Store) CancelNotification(deviceID, reference string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNotifications)
		key := notificationKey(deviceID, reference)
		raw := b.Get(key)
		if raw == nil {
			return nil
		}
		var n Notification
		if err := json.Unmarshal(raw, &n); err != nil {
			return err
		}
		n.Cancel = true
		encoded, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return b.Put(key, encoded)
	})
}

// DismissNotification deletes a notification row outright.
func (s *Store) DismissNotification(deviceID, reference string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketNotifications).Delete(notificationKey(deviceID, reference))
	})
}

// ListNotifications returns every persisted notification for a device.
func (s *Store) ListNotifications(deviceID string) ([]Notification, error) {
	var out []Notification
	prefix := []byte(deviceID + "\x00")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketNotifications).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var n Notification
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			out = append(out, n)
		}
		return nil
	})
	return out, err
}

// AddCommand inserts a new catalog entry.
func (s *Store) AddCommand(deviceID, key, name, command string) error {
	return s.putCommand(deviceID, Command{Key: key, Name: name, Command: command})
}

// UpdateCommand overwrites an existing catalog entry.
func (s *Store) UpdateCommand(deviceID, key, name, command string) error {
	return s.putCommand(deviceID, Command{Key: key, Name: name, Command: command})
}

func (s *Store) putCommand(deviceID string, c Command) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCommands).Put(commandKey(deviceID, c.Key), raw)
	})
}

// RemoveCommand deletes a single catalog entry.
func (s *Store) RemoveCommand(deviceID, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCommands).Delete(commandKey(deviceID, key))
	})
}

// GetCommand returns the command text for (deviceID, key).
func (s *Store) GetCommand(deviceID, key string) (Command, bool) {
	var c Command
	found := false
	s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketCommands).Get(commandKey(deviceID, key))
		if raw == nil {
			return nil
		}
		found = json.Unmarshal(raw, &c) == nil
		return nil
	})
	return c, found
}

// ListCommands returns the full catalog for a device.
func (s *Store) ListCommands(deviceID string) ([]Command, error) {
	var out []Command
	prefix := []byte(deviceID + "\x00")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketCommands).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var cmd Command
			if err := json.Unmarshal(v, &cmd); err != nil {
				return err
			}
			out = append(out, cmd)
		}
		return nil
	})
	return out, err
}

// LoadConfig reads a small config value (e.g. schema version).
func (s *Store) LoadConfig(key string) (string, bool) {
	var value string
	found := false
	s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketConfig).Get([]byte(key))
		if raw == nil {
			return nil
		}
		value = string(raw)
		found = true
		return nil
	})
	return value, found
}

// SaveConfig writes a small config value.
func (s *Store) SaveConfig(key, value string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConfig).Put([]byte(key), []byte(value))
	})
}
