// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mockserver implements an in-memory homeserver serving the room_keys
// API, for use in tests.
package mockserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/random"

	"maunium.net/go/keybackup"
	"maunium.net/go/keybackup/id"
)

type storedVersion struct {
	Algorithm id.KeyBackupAlgorithm
	AuthData  json.RawMessage
	Rooms     map[id.RoomID]map[id.SessionID]json.RawMessage
}

type MockServer struct {
	Router *mux.Router
	Server *httptest.Server

	lock                sync.Mutex
	accessTokenToUserID map[string]id.UserID
	versions            map[id.KeyBackupVersion]*storedVersion
	latestVersion       int

	requests     map[string]int
	uploadErrors []keybackup.RespError
}

func Create(t *testing.T) *MockServer {
	t.Helper()

	server := MockServer{
		accessTokenToUserID: map[string]id.UserID{},
		versions:            map[id.KeyBackupVersion]*storedVersion{},
		requests:            map[string]int{},
	}

	// Session IDs are unpadded base64 and may contain slashes.
	router := mux.NewRouter().UseEncodedPath()
	router.Use(server.authMiddleware)
	client := router.PathPrefix("/_matrix/client/v3/room_keys").Subrouter()
	client.HandleFunc("/version", server.postVersion).Methods(http.MethodPost).Name("create_version")
	client.HandleFunc("/version", server.getLatestVersion).Methods(http.MethodGet).Name("get_latest_version")
	client.HandleFunc("/version/{version}", server.getVersion).Methods(http.MethodGet).Name("get_version")
	client.HandleFunc("/version/{version}", server.putVersion).Methods(http.MethodPut).Name("update_version")
	client.HandleFunc("/version/{version}", server.deleteVersion).Methods(http.MethodDelete).Name("delete_version")
	client.HandleFunc("/keys", server.putKeys).Methods(http.MethodPut).Name("put_keys")
	client.HandleFunc("/keys", server.getKeys).Methods(http.MethodGet).Name("get_keys")
	client.HandleFunc("/keys/{roomID}", server.getKeys).Methods(http.MethodGet).Name("get_room_keys")
	client.HandleFunc("/keys/{roomID}/{sessionID}", server.getKeys).Methods(http.MethodGet).Name("get_session_key")
	server.Router = router
	server.Server = httptest.NewServer(router)
	t.Cleanup(server.Server.Close)
	return &server
}

// Login creates a client with a fresh access token for the given user.
func (ms *MockServer) Login(t *testing.T, userID id.UserID, deviceID id.DeviceID) *keybackup.Client {
	t.Helper()
	accessToken := random.String(30)
	ms.lock.Lock()
	ms.accessTokenToUserID[accessToken] = userID
	ms.lock.Unlock()

	client, err := keybackup.NewClient(ms.Server.URL, userID, accessToken)
	require.NoError(t, err)
	client.DeviceID = deviceID
	client.Log = zerolog.New(zerolog.NewTestWriter(t)).With().
		Stringer("my_user_id", userID).
		Stringer("my_device_id", deviceID).
		Logger()
	return client
}

// RequestCount returns how many requests were made to the route with the given name.
// An empty name returns the total number of requests.
func (ms *MockServer) RequestCount(name string) int {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	if name == "" {
		total := 0
		for _, count := range ms.requests {
			total += count
		}
		return total
	}
	return ms.requests[name]
}

// FailNextUploads makes the next key upload requests return the given errors in order.
func (ms *MockServer) FailNextUploads(errs ...keybackup.RespError) {
	ms.lock.Lock()
	ms.uploadErrors = append(ms.uploadErrors, errs...)
	ms.lock.Unlock()
}

// SessionCount returns the number of sessions stored in the given backup version.
func (ms *MockServer) SessionCount(version id.KeyBackupVersion) int {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	if v, ok := ms.versions[version]; ok {
		return v.count()
	}
	return 0
}

// PutSessionData stores raw session data directly, bypassing the API.
func (ms *MockServer) PutSessionData(version id.KeyBackupVersion, roomID id.RoomID, sessionID id.SessionID, data json.RawMessage) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	v := ms.versions[version]
	if v.Rooms[roomID] == nil {
		v.Rooms[roomID] = map[id.SessionID]json.RawMessage{}
	}
	v.Rooms[roomID][sessionID] = data
}

func (v *storedVersion) count() (count int) {
	for _, sessions := range v.Rooms {
		count += len(sessions)
	}
	return
}

func (ms *MockServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ms.lock.Lock()
		if route := mux.CurrentRoute(r); route != nil {
			ms.requests[route.GetName()]++
		}
		_, ok := ms.accessTokenToUserID[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
		ms.lock.Unlock()
		if !ok {
			keybackup.MUnknownToken.WithMessage("Unknown access token").Write(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func pathVar(r *http.Request, name string) (string, bool) {
	raw, ok := mux.Vars(r)[name]
	if !ok {
		return "", false
	}
	value, err := url.PathUnescape(raw)
	if err != nil {
		return raw, true
	}
	return value, true
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func versionFromPath(r *http.Request) id.KeyBackupVersion {
	version, _ := pathVar(r, "version")
	return id.KeyBackupVersion(version)
}

func (ms *MockServer) versionResponse(version id.KeyBackupVersion) map[string]any {
	v := ms.versions[version]
	count := v.count()
	return map[string]any{
		"algorithm": v.Algorithm,
		"auth_data": v.AuthData,
		"count":     count,
		"etag":      strconv.Itoa(count),
		"version":   version,
	}
}

func (ms *MockServer) currentVersion() id.KeyBackupVersion {
	for i := ms.latestVersion; i > 0; i-- {
		if _, ok := ms.versions[id.KeyBackupVersion(strconv.Itoa(i))]; ok {
			return id.KeyBackupVersion(strconv.Itoa(i))
		}
	}
	return ""
}

func (ms *MockServer) postVersion(w http.ResponseWriter, r *http.Request) {
	var req keybackup.ReqRoomKeysVersionCreate[json.RawMessage]
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		keybackup.MNotJSON.WithMessage(err.Error()).Write(w)
		return
	}
	ms.lock.Lock()
	defer ms.lock.Unlock()
	ms.latestVersion++
	version := id.KeyBackupVersion(strconv.Itoa(ms.latestVersion))
	ms.versions[version] = &storedVersion{
		Algorithm: req.Algorithm,
		AuthData:  req.AuthData,
		Rooms:     map[id.RoomID]map[id.SessionID]json.RawMessage{},
	}
	writeJSON(w, &keybackup.RespRoomKeysVersionCreate{Version: version})
}

func (ms *MockServer) getLatestVersion(w http.ResponseWriter, _ *http.Request) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	current := ms.currentVersion()
	if current == "" {
		keybackup.MNotFound.WithMessage("No current backup version").Write(w)
		return
	}
	writeJSON(w, ms.versionResponse(current))
}

func (ms *MockServer) getVersion(w http.ResponseWriter, r *http.Request) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	version := versionFromPath(r)
	if _, ok := ms.versions[version]; !ok {
		keybackup.MNotFound.WithMessage("Unknown backup version").Write(w)
		return
	}
	writeJSON(w, ms.versionResponse(version))
}

func (ms *MockServer) putVersion(w http.ResponseWriter, r *http.Request) {
	var req keybackup.ReqRoomKeysVersionUpdate[json.RawMessage]
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		keybackup.MNotJSON.WithMessage(err.Error()).Write(w)
		return
	}
	ms.lock.Lock()
	defer ms.lock.Unlock()
	version := versionFromPath(r)
	v, ok := ms.versions[version]
	if !ok {
		keybackup.MNotFound.WithMessage("Unknown backup version").Write(w)
		return
	} else if req.Version != "" && req.Version != version {
		keybackup.MBadJSON.WithMessage("Version in body doesn't match path").Write(w)
		return
	}
	v.AuthData = req.AuthData
	writeJSON(w, struct{}{})
}

func (ms *MockServer) deleteVersion(w http.ResponseWriter, r *http.Request) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	version := versionFromPath(r)
	if _, ok := ms.versions[version]; !ok {
		keybackup.MNotFound.WithMessage("Unknown backup version").Write(w)
		return
	}
	delete(ms.versions, version)
	writeJSON(w, struct{}{})
}

type putKeysRequest struct {
	Rooms map[id.RoomID]struct {
		Sessions map[id.SessionID]json.RawMessage `json:"sessions"`
	} `json:"rooms"`
}

func (ms *MockServer) putKeys(w http.ResponseWriter, r *http.Request) {
	var req putKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		keybackup.MNotJSON.WithMessage(err.Error()).Write(w)
		return
	}
	ms.lock.Lock()
	defer ms.lock.Unlock()
	if len(ms.uploadErrors) > 0 {
		respErr := ms.uploadErrors[0]
		ms.uploadErrors = ms.uploadErrors[1:]
		respErr.Write(w)
		return
	}
	version := id.KeyBackupVersion(r.URL.Query().Get("version"))
	current := ms.currentVersion()
	if _, ok := ms.versions[version]; !ok {
		keybackup.MNotFound.WithMessage("Unknown backup version").Write(w)
		return
	} else if version != current {
		respErr := keybackup.MWrongRoomKeysVersion.WithMessage("Wrong backup version")
		respErr.ExtraData = map[string]any{"current_version": current}
		respErr.Write(w)
		return
	}
	v := ms.versions[version]
	for roomID, room := range req.Rooms {
		if v.Rooms[roomID] == nil {
			v.Rooms[roomID] = map[id.SessionID]json.RawMessage{}
		}
		for sessionID, data := range room.Sessions {
			v.Rooms[roomID][sessionID] = data
		}
	}
	count := v.count()
	writeJSON(w, &keybackup.RespRoomKeysUpdate{Count: count, ETag: strconv.Itoa(count)})
}

func (ms *MockServer) getKeys(w http.ResponseWriter, r *http.Request) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	version := id.KeyBackupVersion(r.URL.Query().Get("version"))
	v, ok := ms.versions[version]
	if !ok {
		keybackup.MNotFound.WithMessage("Unknown backup version").Write(w)
		return
	}
	roomID, hasRoom := pathVar(r, "roomID")
	sessionID, hasSession := pathVar(r, "sessionID")
	switch {
	case hasSession:
		data, ok := v.Rooms[id.RoomID(roomID)][id.SessionID(sessionID)]
		if !ok {
			keybackup.MNotFound.WithMessage("Unknown session").Write(w)
			return
		}
		writeJSON(w, data)
	case hasRoom:
		sessions := v.Rooms[id.RoomID(roomID)]
		if sessions == nil {
			sessions = map[id.SessionID]json.RawMessage{}
		}
		writeJSON(w, map[string]any{"sessions": sessions})
	default:
		rooms := map[id.RoomID]any{}
		for roomID, sessions := range v.Rooms {
			rooms[roomID] = map[string]any{"sessions": sessions}
		}
		writeJSON(w, map[string]any{"rooms": rooms})
	}
}
