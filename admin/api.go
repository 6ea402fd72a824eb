/* SPDX-License-Identifier: MIT
 *
 * Admin API (C8): the loopback/UNIX-socket HTTP surface driving
 * C5-C7. Routing uses gorilla/mux (the corpus's own idiomatic HTTP
 * router, canonical-snapd's daemon package) in place of the
 * teacher's hand-rolled UAPI line parser, since this surface is
 * HTTP-shaped rather than line-oriented. Preconditions and the
 * device-reference (raw id or @name) resolution are grounded on
 * original_source/konnect/api.py's render()/_handle* dispatch.
 */

package admin

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"kdeconnectd/device"
	"kdeconnectd/discovery"
	"kdeconnectd/transfer"
)

// Server is the admin HTTP surface: stdlib net/http serving a
// gorilla/mux router, closing over the device, discovery, and
// transfer collaborators it drives.
type Server struct {
	device    *device.Device
	discovery *discovery.Service
	transfer  *transfer.Service
	debugAPI  bool

	broadcastLimiter *rate.Limiter
	router           *mux.Router
}

// NewServer builds the admin HTTP router. disc may be nil (no
// discovery re-broadcast support); xfer may be nil (notifications
// are sent without icon attachments).
func NewServer(d *device.Device, disc *discovery.Service, xfer *transfer.Service, debugAPI bool) *Server {
	s := &Server{
		device:           d,
		discovery:        disc,
		transfer:         xfer,
		debugAPI:         debugAPI,
		broadcastLimiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(s.notImplemented)
	r.MethodNotAllowedHandler = http.HandlerFunc(s.notImplemented)

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/", s.handleBroadcast).Methods(http.MethodPut)
	r.HandleFunc("/device", s.handleListDevices).Methods(http.MethodGet)

	r.HandleFunc("/pair/{dev}", s.wrap(false, true, s.handlePairRequest)).Methods(http.MethodPost)
	r.HandleFunc("/pair/{dev}", s.wrap(true, false, s.handleUnpair)).Methods(http.MethodDelete)

	r.HandleFunc("/device/{dev}", s.wrap(true, false, s.handleGetDevice)).Methods(http.MethodGet)

	r.HandleFunc("/ping/{dev}", s.wrap(true, true, s.handlePing)).Methods(http.MethodPost)
	r.HandleFunc("/ring/{dev}", s.wrap(true, true, s.handleRing)).Methods(http.MethodPost)

	r.HandleFunc("/notification/{dev}", s.wrap(true, false, s.handleSendNotification)).Methods(http.MethodPost)
	r.HandleFunc("/notification/{dev}/{ref}", s.wrap(true, false, s.handleDismissNotification)).Methods(http.MethodDelete)

	r.HandleFunc("/command/{dev}", s.wrap(true, false, s.handleListCommands)).Methods(http.MethodGet)
	r.HandleFunc("/command/{dev}", s.wrap(true, false, s.handleAddCommand)).Methods(http.MethodPost)
	r.HandleFunc("/command/{dev}/{key}", s.wrap(true, false, s.handleGetCommand)).Methods(http.MethodGet)
	r.HandleFunc("/command/{dev}/{key}", s.wrap(true, false, s.handlePutCommand)).Methods(http.MethodPut)
	r.HandleFunc("/command/{dev}/{key}", s.wrap(true, false, s.handleRemoveCommand)).Methods(http.MethodDelete)
	r.HandleFunc("/command/{dev}", s.wrap(true, false, s.handleRemoveAllCommands)).Methods(http.MethodDelete)
	r.HandleFunc("/command/{dev}/{key}", s.wrap(true, true, s.handlePatchCommand)).Methods(http.MethodPatch)

	r.HandleFunc("/share/{dev}", s.wrap(true, false, s.handleSetSharePath)).Methods(http.MethodPatch)

	custom := s.wrap(true, true, s.handleCustom)
	r.HandleFunc("/custom/{dev}", func(w http.ResponseWriter, req *http.Request) {
		if !s.debugAPI {
			s.writeError(w, newError(KindForbidden, "the custom packet endpoint is debug-only"))
			return
		}
		custom(w, req)
	}).Methods(http.MethodPost)

	return r
}

func (s *Server) notImplemented(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, newError(KindNotImplemented, "no such route: %s %s", r.Method, r.URL.Path))
}

// --- device reference resolution -----------------------------------------

func (s *Server) resolveDeviceID(ref string) (string, error) {
	if !strings.HasPrefix(ref, "@") {
		return ref, nil
	}
	name := ref[1:]

	for _, sess := range s.device.Registry.List() {
		if sess.DeviceName == name {
			return sess.DeviceID, nil
		}
	}
	trusted, _ := s.device.Trust.ListTrusted()
	for _, t := range trusted {
		if t.Name == name {
			return t.Identifier, nil
		}
	}
	return "", newError(KindNotReachable, "no device named %q", name)
}

type routeHandler func(w http.ResponseWriter, r *http.Request, deviceID string, session *device.PeerSession) error

// wrap resolves {dev}, enforces the route's (trust, reachability)
// preconditions uniformly, and dispatches to fn.
func (s *Server) wrap(trustRequired, reachableRequired bool, fn routeHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := mux.Vars(r)["dev"]
		deviceID, err := s.resolveDeviceID(ref)
		if err != nil {
			s.writeError(w, err)
			return
		}

		if trustRequired && !s.device.Trust.IsTrusted(deviceID) {
			s.writeError(w, newError(KindNotPaired, "device %s is not paired", deviceID))
			return
		}

		session, reachable := s.device.Registry.Get(deviceID)
		if reachableRequired && !reachable {
			s.writeError(w, newError(KindNotReachable, "device %s is not reachable", deviceID))
			return
		}

		if err := fn(w, r, deviceID, session); err != nil {
			s.writeError(w, err)
		}
	}
}

// --- responses -------------------------------------------------------------

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.device.Logger.Errorf("admin: encoding response: %v", err)
	}
}

func (s *Server) writeSuccess(w http.ResponseWriter, status int) {
	s.writeJSON(w, status, map[string]interface{}{"success": true})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	s.device.Logger.Status(status, "admin: %d %v", status, err)
	s.writeJSON(w, status, map[string]interface{}{"success": false, "message": err.Error()})
}

func decodeJSONBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return newError(KindUnserialisation, "malformed request body: %v", err)
	}
	return nil
}

func newReferenceID() string {
	return uuid.NewString()
}

func muxVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}
