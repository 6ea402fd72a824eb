/* SPDX-License-Identifier: MIT
 *
 * HTTP-handler-level tests for the admin API's routing, precondition
 * enforcement, and error-kind-to-status mapping (spec.md §7).
 */

package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"kdeconnectd/device"
	"kdeconnectd/trust"
)

func newTestServer(t *testing.T) (*Server, *device.Device, *trust.Store) {
	t.Helper()
	store, err := trust.Open(filepath.Join(t.TempDir(), "trust.db"))
	if err != nil {
		t.Fatalf("opening trust store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := device.Config{Name: "test-host", ServicePort: 1764}
	creds := &device.Credentials{DeviceID: "host-id"}
	d := device.NewDevice(cfg, creds, store, device.NewLogger(device.LogLevelSilent, ""))

	s := NewServer(d, nil, nil, false)
	return s, d, store
}

func doRequest(s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestRootReturnsIdentity(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["identifier"] != "host-id" {
		t.Fatalf("identifier = %v, want host-id", body["identifier"])
	}
}

func TestBroadcastWithoutDiscoveryReturns501(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(s, http.MethodPut, "/", nil)

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rec.Code)
	}
}

func TestUnknownRouteReturns501(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/nope", nil)

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rec.Code)
	}
}

func TestPingUnreachableDeviceReturns404(t *testing.T) {
	s, _, store := newTestServer(t)
	store.Pair("B", "cert", "phone", "phone")

	rec := doRequest(s, http.MethodPost, "/ping/B", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetDeviceUntrustedReturns401(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/device/B", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestPairPostRequiresReachability(t *testing.T) {
	s, _, _ := newTestServer(t)

	// No live session for B: pairing can't be requested.
	rec := doRequest(s, http.MethodPost, "/pair/B", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListDevicesReturnsTrustedEvenWhenUnreachable(t *testing.T) {
	s, _, store := newTestServer(t)
	store.Pair("B", "cert", "phone", "phone")

	rec := doRequest(s, http.MethodGet, "/device", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var entries []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(entries) != 1 || entries[0]["identifier"] != "B" {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0]["reachable"] != false {
		t.Fatalf("expected reachable=false for a trusted-but-disconnected device, got %v", entries[0]["reachable"])
	}
}

// Seed scenario 3 (the persistence half): sending a notification to a
// trusted-but-disconnected device still succeeds and is retrievable.
func TestSendNotificationPersistsAndReturns201(t *testing.T) {
	s, _, store := newTestServer(t)
	store.Pair("B", "cert", "phone", "phone")

	rec := doRequest(s, http.MethodPost, "/notification/B", map[string]string{
		"text": "t", "title": "T", "application": "app", "reference": "r1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}

	notifications, err := store.ListNotifications("B")
	if err != nil || len(notifications) != 1 || notifications[0].Reference != "r1" {
		t.Fatalf("notifications = %+v, err = %v", notifications, err)
	}
}

func TestSendNotificationMissingFieldsReturns400(t *testing.T) {
	s, _, store := newTestServer(t)
	store.Pair("B", "cert", "phone", "phone")

	rec := doRequest(s, http.MethodPost, "/notification/B", map[string]string{"text": "t"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSendNotificationUntrustedReturns401(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/notification/B", map[string]string{
		"text": "t", "title": "T",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

// Seed scenario 4: cancelling a persisted notification tombstones it
// rather than deleting it outright.
func TestDismissNotificationTombstones(t *testing.T) {
	s, _, store := newTestServer(t)
	store.Pair("B", "cert", "phone", "phone")
	store.PersistNotification("B", "t", "T", "app", "r1")

	rec := doRequest(s, http.MethodDelete, "/notification/B/r1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	notifications, _ := store.ListNotifications("B")
	if len(notifications) != 1 || !notifications[0].Cancel {
		t.Fatalf("expected a tombstoned row, got %+v", notifications)
	}
}

func TestCommandCRUDViaHTTP(t *testing.T) {
	s, _, store := newTestServer(t)
	store.Pair("B", "cert", "phone", "phone")

	rec := doRequest(s, http.MethodPost, "/command/B", map[string]string{
		"key": "k1", "name": "List", "command": "ls -la",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST status = %d, want 201", rec.Code)
	}

	rec = doRequest(s, http.MethodGet, "/command/B/k1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", rec.Code)
	}
	var cmd trust.Command
	json.Unmarshal(rec.Body.Bytes(), &cmd)
	if cmd.Command != "ls -la" {
		t.Fatalf("command = %+v", cmd)
	}

	rec = doRequest(s, http.MethodDelete, "/command/B/k1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE status = %d, want 200", rec.Code)
	}
	if _, ok := store.GetCommand("B", "k1"); ok {
		t.Fatal("expected command to be removed")
	}
}

func TestSetSharePathViaHTTP(t *testing.T) {
	s, _, store := newTestServer(t)
	store.Pair("B", "cert", "phone", "phone")

	rec := doRequest(s, http.MethodPatch, "/share/B", map[string]string{"path": "/tmp/incoming"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	path, ok := store.GetPath("B")
	if !ok || path != "/tmp/incoming" {
		t.Fatalf("GetPath = %q, ok=%v", path, ok)
	}
}

func TestCustomRouteForbiddenWithoutDebugAPI(t *testing.T) {
	s, _, store := newTestServer(t)
	store.Pair("B", "cert", "phone", "phone")

	rec := doRequest(s, http.MethodPost, "/custom/B", map[string]interface{}{"type": "kdeconnect.ping"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestResolveDeviceByName(t *testing.T) {
	s, _, store := newTestServer(t)
	store.Pair("B", "cert", "my-phone", "phone")

	id, err := s.resolveDeviceID("@my-phone")
	if err != nil {
		t.Fatalf("resolveDeviceID: %v", err)
	}
	if id != "B" {
		t.Fatalf("resolved id = %q, want B", id)
	}

	if _, err := s.resolveDeviceID("@unknown"); err == nil {
		t.Fatal("expected an error resolving an unknown name")
	}
}
