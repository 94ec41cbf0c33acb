package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/tavernlight/worldsync/internal/players"
	"github.com/tavernlight/worldsync/internal/world"
)

type fakePlayerDirectory struct {
	accounts map[string]players.Player
	password string
}

func (d *fakePlayerDirectory) Authenticate(_ context.Context, username, password string) (players.Player, error) {
	account, ok := d.accounts[username]
	if !ok || password != d.password {
		return players.Player{}, players.ErrBadCredentials
	}
	return account, nil
}

func (d *fakePlayerDirectory) FindByID(_ context.Context, playerID string) (players.Player, error) {
	for _, account := range d.accounts {
		if fmt.Sprintf("%d", account.ID) == playerID {
			return account, nil
		}
	}
	return players.Player{}, players.ErrUnknownPlayer
}

type fakeSessionManager struct{}

func (m *fakeSessionManager) IssueSessionToken(playerID, username string) (string, int64, error) {
	return "token-" + playerID + "-" + username, 3600, nil
}

func (m *fakeSessionManager) ValidateSessionToken(token string) (string, string, error) {
	parts := strings.Split(token, "-")
	if len(parts) != 3 || parts[0] != "token" {
		return "", "", errors.New("invalid token")
	}
	return parts[1], parts[2], nil
}

type routerIDGenerator struct{ next int }

func (g *routerIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("action-%d", g.next), nil
}

func newTestHandler(t *testing.T) (http.Handler, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:router_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&world.Campaign{}, &world.Map{}, &world.CampaignProperty{},
		&world.MapProperty{}, &world.Action{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	worldService, err := world.NewService(world.ServiceConfig{
		Database:   db,
		IDProvider: &routerIDGenerator{},
	})
	if err != nil {
		t.Fatalf("failed to construct world service: %v", err)
	}

	directory := &fakePlayerDirectory{
		accounts: map[string]players.Player{
			"alice": {ID: 1, Username: "alice"},
			"bob":   {ID: 2, Username: "bob"},
		},
		password: "hunter2",
	}

	handler, err := NewHTTPHandler(Dependencies{
		WorldService: worldService,
		Players:      directory,
		Sessions:     &fakeSessionManager{},
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return handler, db
}

func performRequest(t *testing.T, handler http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeEnvelope(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var envelope map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to decode envelope: %v (%s)", err, recorder.Body.String())
	}
	return envelope
}

func TestLoginIssuesToken(t *testing.T) {
	handler, _ := newTestHandler(t)

	recorder := performRequest(t, handler, http.MethodPost, "/auth/login", "",
		`{"username":"alice","password":"hunter2"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	envelope := decodeEnvelope(t, recorder)
	if envelope["token"] != "token-1-alice" {
		t.Fatalf("unexpected token %v", envelope["token"])
	}
	if envelope["expires_in"].(float64) != 3600 {
		t.Fatalf("unexpected lifetime %v", envelope["expires_in"])
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	handler, _ := newTestHandler(t)

	recorder := performRequest(t, handler, http.MethodPost, "/auth/login", "",
		`{"username":"alice","password":"wrong"}`)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestProtectedRoutesRequireAuthorization(t *testing.T) {
	handler, _ := newTestHandler(t)

	recorder := performRequest(t, handler, http.MethodGet, "/world", "", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	envelope := decodeEnvelope(t, recorder)
	if envelope["message"] != "Authorization required" {
		t.Fatalf("unexpected message %v", envelope["message"])
	}
}

func TestBasicAuthorizationAccepted(t *testing.T) {
	handler, _ := newTestHandler(t)

	request := httptest.NewRequest(http.MethodGet, "/world", nil)
	request.SetBasicAuth("alice", "hunter2")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestEnvelopeCarriesStatusField(t *testing.T) {
	handler, _ := newTestHandler(t)

	recorder := performRequest(t, handler, http.MethodGet, "/world/missing", "token-1-alice", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
	envelope := decodeEnvelope(t, recorder)
	if envelope["status"].(float64) != 404 {
		t.Fatalf("expected envelope status 404, got %v", envelope["status"])
	}
	if envelope["message"] == "" {
		t.Fatalf("expected a message in the envelope")
	}
}

func TestMalformedJSONReportsDecodeError(t *testing.T) {
	handler, db := newTestHandler(t)
	seedRouterCampaign(t, db)

	recorder := performRequest(t, handler, http.MethodPost,
		"/world/camp-1/map/map-1/permissions", "token-1-alice", `{"permissions": [`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	envelope := decodeEnvelope(t, recorder)
	message, _ := envelope["message"].(string)
	if !strings.HasPrefix(message, "JSONDecodeError:") {
		t.Fatalf("expected JSONDecodeError prefix, got %q", message)
	}
}

func TestAssignPermissionsRejectsUnknownKind(t *testing.T) {
	handler, db := newTestHandler(t)
	seedRouterCampaign(t, db)

	recorder := performRequest(t, handler, http.MethodPost,
		"/world/camp-1/map/map-1/permissions", "token-1-alice",
		`{"permissions":[{"entity":"goblin1","permission":"teleport"}]}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", recorder.Code, recorder.Body.String())
	}
	envelope := decodeEnvelope(t, recorder)
	message, _ := envelope["message"].(string)
	if !strings.Contains(message, "teleport") {
		t.Fatalf("expected the unknown kind to be named, got %q", message)
	}
}

func TestSaveAndLoadMapRoundTrip(t *testing.T) {
	handler, db := newTestHandler(t)
	seedRouterCampaign(t, db)

	saved := performRequest(t, handler, http.MethodPost,
		"/world/camp-1/map/map-2", "token-1-alice", `{"name":"Bridge","tiles":[]}`)
	if saved.Code != http.StatusOK {
		t.Fatalf("save failed: %d %s", saved.Code, saved.Body.String())
	}

	loaded := performRequest(t, handler, http.MethodGet,
		"/world/camp-1/map/map-2", "token-1-alice", "")
	if loaded.Code != http.StatusOK {
		t.Fatalf("load failed: %d %s", loaded.Code, loaded.Body.String())
	}
	envelope := decodeEnvelope(t, loaded)
	document, ok := envelope["map"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected map document in response, got %v", envelope["map"])
	}
	if document["name"] != "Bridge" {
		t.Fatalf("unexpected document %v", document)
	}
	if _, ok := envelope["date"].(string); !ok {
		t.Fatalf("expected a date field, got %v", envelope["date"])
	}
}

func TestSaveMapRejectsInvalidBody(t *testing.T) {
	handler, db := newTestHandler(t)
	seedRouterCampaign(t, db)

	recorder := performRequest(t, handler, http.MethodPost,
		"/world/camp-1/map/map-2", "token-1-alice", `not json`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestSyncActionsRejectsBadCursor(t *testing.T) {
	handler, db := newTestHandler(t)
	seedRouterCampaign(t, db)

	recorder := performRequest(t, handler, http.MethodPost,
		"/world/camp-1/actions/yesterday", "token-1-alice", "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad cursor, got %d", recorder.Code)
	}
}

func TestSaveCampaignPropertyUsesRawBody(t *testing.T) {
	handler, db := newTestHandler(t)
	seedRouterCampaign(t, db)

	saved := performRequest(t, handler, http.MethodPost,
		"/world/camp-1/property/theme", "token-1-alice", "forest")
	if saved.Code != http.StatusOK {
		t.Fatalf("save failed: %d %s", saved.Code, saved.Body.String())
	}

	loaded := performRequest(t, handler, http.MethodGet,
		"/world/camp-1/property/theme", "token-1-alice", "")
	if loaded.Code != http.StatusOK {
		t.Fatalf("load failed: %d %s", loaded.Code, loaded.Body.String())
	}
	envelope := decodeEnvelope(t, loaded)
	campaign, _ := envelope["campaign"].(map[string]interface{})
	properties, _ := campaign["properties"].([]interface{})
	if len(properties) != 1 {
		t.Fatalf("expected one property, got %v", envelope)
	}
	property, _ := properties[0].(map[string]interface{})
	if property["value"] != "forest" {
		t.Fatalf("expected raw body stored as value, got %v", property)
	}
}

func seedRouterCampaign(t *testing.T, db *gorm.DB) {
	t.Helper()
	campaign := world.Campaign{CampaignID: "camp-1", Name: "The Sunken Keep", UpdatedMicros: 1700000000000000}
	if err := db.Create(&campaign).Error; err != nil {
		t.Fatalf("failed to seed campaign: %v", err)
	}
	tileMap := world.Map{CampaignID: "camp-1", MapID: "map-1", Name: "Crypt", Data: `{"name":"Crypt"}`}
	if err := db.Create(&tileMap).Error; err != nil {
		t.Fatalf("failed to seed map: %v", err)
	}
}
