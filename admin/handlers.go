/* SPDX-License-Identifier: MIT
 *
 * Route handlers for the admin HTTP surface. Each handler trusts its
 * caller (the wrap closure in api.go) to have already enforced the
 * route's trust/reachability preconditions.
 */

package admin

import (
	"fmt"
	"net/http"

	"kdeconnectd/device"
	"kdeconnectd/trust"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"identifier": s.device.Credentials.DeviceID,
		"device":     s.device.Config.Name,
		"server":     fmt.Sprintf("kdeconnectd/%d", device.ProtocolVersion),
	})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if s.discovery == nil {
		s.writeError(w, newError(KindNotImplemented, "discovery is disabled"))
		return
	}
	if !s.broadcastLimiter.Allow() {
		s.writeError(w, newError(KindInvalidRequest, "broadcast requested too frequently"))
		return
	}
	s.discovery.Announce()
	s.writeSuccess(w, http.StatusOK)
}

type deviceEntry struct {
	Identifier string            `json:"identifier"`
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Reachable  bool              `json:"reachable"`
	Trusted    bool              `json:"trusted"`
	Commands   []trust.Command   `json:"commands,omitempty"`
	Path       string            `json:"path,omitempty"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	byID := make(map[string]*deviceEntry)

	trusted, err := s.device.Trust.ListTrusted()
	if err != nil {
		s.writeError(w, newError(KindInternal, "listing trusted devices: %v", err))
		return
	}
	for _, t := range trusted {
		commands, _ := s.device.Trust.ListCommands(t.Identifier)
		byID[t.Identifier] = &deviceEntry{
			Identifier: t.Identifier,
			Name:       t.Name,
			Type:       t.Type,
			Trusted:    true,
			Commands:   commands,
			Path:       t.Path,
		}
	}

	for _, sess := range s.device.Registry.List() {
		entry, ok := byID[sess.DeviceID]
		if !ok {
			entry = &deviceEntry{Identifier: sess.DeviceID, Name: sess.DeviceName, Type: sess.DeviceType}
			byID[sess.DeviceID] = entry
		}
		entry.Reachable = true
	}

	out := make([]*deviceEntry, 0, len(byID))
	for _, entry := range byID {
		out = append(out, entry)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request, deviceID string, session *device.PeerSession) error {
	t, _ := s.device.Trust.Get(deviceID)
	commands, err := s.device.Trust.ListCommands(deviceID)
	if err != nil {
		return newError(KindInternal, "listing commands for %s: %v", deviceID, err)
	}
	entry := deviceEntry{
		Identifier: deviceID,
		Name:       t.Name,
		Type:       t.Type,
		Trusted:    true,
		Reachable:  session != nil,
		Commands:   commands,
		Path:       t.Path,
	}
	s.writeJSON(w, http.StatusOK, entry)
	return nil
}

func (s *Server) handlePairRequest(w http.ResponseWriter, r *http.Request, deviceID string, session *device.PeerSession) error {
	if err := session.RequestPairing(); err != nil {
		return newError(KindInternal, "requesting pairing with %s: %v", deviceID, err)
	}
	s.writeSuccess(w, http.StatusAccepted)
	return nil
}

func (s *Server) handleUnpair(w http.ResponseWriter, r *http.Request, deviceID string, session *device.PeerSession) error {
	if session != nil {
		session.Unpair()
	} else if err := s.device.Trust.Unpair(deviceID); err != nil {
		return newError(KindInternal, "unpairing %s: %v", deviceID, err)
	}
	s.writeSuccess(w, http.StatusOK)
	return nil
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request, deviceID string, session *device.PeerSession) error {
	var body struct {
		Message string `json:"message"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSONBody(r, &body); err != nil {
			return err
		}
	}
	session.SendPing(body.Message)
	s.writeSuccess(w, http.StatusOK)
	return nil
}

func (s *Server) handleRing(w http.ResponseWriter, r *http.Request, deviceID string, session *device.PeerSession) error {
	session.SendRing()
	s.writeSuccess(w, http.StatusOK)
	return nil
}

type notificationRequest struct {
	Text        string `json:"text"`
	Title       string `json:"title"`
	Application string `json:"application"`
	Reference   string `json:"reference"`
	Icon        string `json:"icon"`
}

func (s *Server) handleSendNotification(w http.ResponseWriter, r *http.Request, deviceID string, session *device.PeerSession) error {
	var body notificationRequest
	if err := decodeJSONBody(r, &body); err != nil {
		return err
	}
	if body.Text == "" || body.Title == "" {
		return newError(KindInvalidRequest, "notification requires text and title")
	}
	if body.Reference == "" {
		body.Reference = newReferenceID()
	}

	if err := s.device.Trust.PersistNotification(deviceID, body.Text, body.Title, body.Application, body.Reference); err != nil {
		return newError(KindInternal, "persisting notification: %v", err)
	}

	if session != nil {
		payload, err := s.buildIconPayload(body.Icon)
		if err != nil {
			s.device.Logger.Infof("admin: icon normalisation for %s failed: %v", deviceID, err)
			payload = nil
		}
		session.SendNotification(body.Text, body.Title, body.Application, body.Reference, payload)
	}

	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "reference": body.Reference})
	return nil
}

func (s *Server) handleDismissNotification(w http.ResponseWriter, r *http.Request, deviceID string, session *device.PeerSession) error {
	ref := muxVar(r, "ref")
	if err := s.device.Trust.CancelNotification(deviceID, ref); err != nil {
		return newError(KindInternal, "cancelling notification: %v", err)
	}
	s.writeSuccess(w, http.StatusOK)
	return nil
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request, deviceID string, session *device.PeerSession) error {
	commands, err := s.device.Trust.ListCommands(deviceID)
	if err != nil {
		return newError(KindInternal, "listing commands: %v", err)
	}
	s.writeJSON(w, http.StatusOK, commands)
	return nil
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request, deviceID string, session *device.PeerSession) error {
	key := muxVar(r, "key")
	cmd, ok := s.device.Trust.GetCommand(deviceID, key)
	if !ok {
		return newError(KindNotReachable, "no command %q for %s", key, deviceID)
	}
	s.writeJSON(w, http.StatusOK, cmd)
	return nil
}

type commandRequest struct {
	Key     string `json:"key"`
	Name    string `json:"name"`
	Command string `json:"command"`
}

func (s *Server) handleAddCommand(w http.ResponseWriter, r *http.Request, deviceID string, session *device.PeerSession) error {
	var body commandRequest
	if err := decodeJSONBody(r, &body); err != nil {
		return err
	}
	if body.Key == "" || body.Command == "" {
		return newError(KindInvalidRequest, "command requires key and command")
	}
	if err := s.device.Trust.AddCommand(deviceID, body.Key, body.Name, body.Command); err != nil {
		return newError(KindInternal, "adding command: %v", err)
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "key": body.Key})
	return nil
}

func (s *Server) handlePutCommand(w http.ResponseWriter, r *http.Request, deviceID string, session *device.PeerSession) error {
	var body struct {
		Name    string `json:"name"`
		Command string `json:"command"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		return err
	}
	key := muxVar(r, "key")
	if err := s.device.Trust.UpdateCommand(deviceID, key, body.Name, body.Command); err != nil {
		return newError(KindInternal, "updating command: %v", err)
	}
	s.writeSuccess(w, http.StatusOK)
	return nil
}

func (s *Server) handleRemoveCommand(w http.ResponseWriter, r *http.Request, deviceID string, session *device.PeerSession) error {
	key := muxVar(r, "key")
	if err := s.device.Trust.RemoveCommand(deviceID, key); err != nil {
		return newError(KindInternal, "removing command: %v", err)
	}
	s.writeSuccess(w, http.StatusOK)
	return nil
}

func (s *Server) handleRemoveAllCommands(w http.ResponseWriter, r *http.Request, deviceID string, session *device.PeerSession) error {
	commands, err := s.device.Trust.ListCommands(deviceID)
	if err != nil {
		return newError(KindInternal, "listing commands: %v", err)
	}
	for _, c := range commands {
		if err := s.device.Trust.RemoveCommand(deviceID, c.Key); err != nil {
			return newError(KindInternal, "removing command %s: %v", c.Key, err)
		}
	}
	s.writeSuccess(w, http.StatusOK)
	return nil
}

// handlePatchCommand updates a catalog entry and pushes the whole
// catalog to the live peer, since PATCH is the one command verb that
// requires reachability.
func (s *Server) handlePatchCommand(w http.ResponseWriter, r *http.Request, deviceID string, session *device.PeerSession) error {
	var body struct {
		Name    string `json:"name"`
		Command string `json:"command"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		return err
	}
	key := muxVar(r, "key")
	if err := s.device.Trust.UpdateCommand(deviceID, key, body.Name, body.Command); err != nil {
		return newError(KindInternal, "updating command: %v", err)
	}
	session.SendCommandCatalog()
	s.writeSuccess(w, http.StatusOK)
	return nil
}

func (s *Server) handleSetSharePath(w http.ResponseWriter, r *http.Request, deviceID string, session *device.PeerSession) error {
	var body struct {
		Path string `json:"path"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		return err
	}
	if body.Path == "" {
		return newError(KindInvalidRequest, "share requires a path")
	}
	if err := s.device.Trust.SetPath(deviceID, body.Path); err != nil {
		return newError(KindInternal, "setting share path: %v", err)
	}
	s.writeSuccess(w, http.StatusOK)
	return nil
}

func (s *Server) handleCustom(w http.ResponseWriter, r *http.Request, deviceID string, session *device.PeerSession) error {
	if !s.debugAPI {
		return newError(KindForbidden, "the custom packet endpoint is debug-only")
	}
	var body struct {
		Type string                 `json:"type"`
		Body map[string]interface{} `json:"body"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		return err
	}
	if body.Type == "" {
		return newError(KindInvalidRequest, "custom packet requires a type")
	}
	session.SendCustom(body.Type, body.Body)
	s.writeSuccess(w, http.StatusOK)
	return nil
}
