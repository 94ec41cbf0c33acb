package integration_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tavernlight/worldsync/internal/auth"
	"github.com/tavernlight/worldsync/internal/players"
	"github.com/tavernlight/worldsync/internal/server"
	"github.com/tavernlight/worldsync/internal/world"
)

const (
	sessionSigningSecret = "integration-secret"
	campaignID           = "camp-1"
	mapID                = "map-1"
	jsonContentType      = "application/json"
)

type testEnv struct {
	server *httptest.Server
	db     *gorm.DB
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:integration_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&world.Campaign{}, &world.Map{}, &world.CampaignProperty{},
		&world.MapProperty{}, &world.Action{}, &players.Player{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	playerService, err := players.NewService(players.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build player service: %v", err)
	}
	worldService, err := world.NewService(world.ServiceConfig{
		Database:   db,
		IDProvider: world.NewUUIDProvider(),
		Players:    playerService,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build world service: %v", err)
	}
	sessions := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(sessionSigningSecret),
		Issuer:        "worldsync-auth",
		Audience:      "worldsync-api",
		TokenTTL:      time.Hour,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		WorldService: worldService,
		Players:      playerService,
		Sessions:     sessions,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)
	return &testEnv{server: testServer, db: db}
}

func (env *testEnv) createPlayer(t *testing.T, username, password string) players.Player {
	t.Helper()
	playerService, err := players.NewService(players.ServiceConfig{Database: env.db})
	if err != nil {
		t.Fatalf("failed to build player service: %v", err)
	}
	player, err := playerService.Create(t.Context(), username, "", password)
	if err != nil {
		t.Fatalf("failed to create player %s: %v", username, err)
	}
	return player
}

func (env *testEnv) seedCampaign(t *testing.T, master players.Player, members ...players.Player) {
	t.Helper()
	campaign := world.Campaign{CampaignID: campaignID, Name: "The Sunken Keep", UpdatedMicros: time.Now().UnixMicro()}
	if err := env.db.Create(&campaign).Error; err != nil {
		t.Fatalf("failed to seed campaign: %v", err)
	}

	all := append([]players.Player{master}, members...)
	for _, member := range all {
		row := world.CampaignProperty{
			CampaignID: campaignID,
			UserID:     fmt.Sprintf("%d", member.ID),
			Name:       world.PropertyIsPlayer,
			Value:      "true",
		}
		if err := env.db.Create(&row).Error; err != nil {
			t.Fatalf("failed to seed membership: %v", err)
		}
	}
	masterRow := world.CampaignProperty{
		CampaignID: campaignID,
		UserID:     fmt.Sprintf("%d", master.ID),
		Name:       world.PropertyIsMaster,
		Value:      "true",
	}
	if err := env.db.Create(&masterRow).Error; err != nil {
		t.Fatalf("failed to seed master flag: %v", err)
	}
}

func (env *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	response, err := http.Post(env.server.URL+"/auth/login", jsonContentType, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(response.Body)
		t.Fatalf("login failed: %d %s", response.StatusCode, payload)
	}

	var result struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode login response: %v", err)
	}
	if result.Token == "" {
		t.Fatalf("expected a session token")
	}
	return result.Token
}

func (env *testEnv) do(t *testing.T, method, path, token, body string) (int, map[string]interface{}) {
	t.Helper()
	request, err := http.NewRequest(method, env.server.URL+path, bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	if body != "" {
		request.Header.Set("Content-Type", jsonContentType)
	}

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()

	var envelope map[string]interface{}
	if err := json.NewDecoder(response.Body).Decode(&envelope); err != nil {
		t.Fatalf("failed to decode response for %s %s: %v", method, path, err)
	}
	return response.StatusCode, envelope
}

func TestCampaignSyncFlow(t *testing.T) {
	env := newTestEnv(t)

	master := env.createPlayer(t, "gm", "gm-password")
	player := env.createPlayer(t, "rogue", "rogue-password")
	env.seedCampaign(t, master, player)

	masterToken := env.login(t, "gm", "gm-password")
	playerToken := env.login(t, "rogue", "rogue-password")

	// The master saves a map document.
	status, saved := env.do(t, http.MethodPost,
		"/world/"+campaignID+"/map/"+mapID, masterToken,
		`{"name":"Crypt","tiles":[[0,0],[1,1]]}`)
	if status != http.StatusOK {
		t.Fatalf("map save failed: %d %v", status, saved)
	}
	savedAt, _ := saved["date"].(string)
	if savedAt == "" {
		t.Fatalf("expected a save timestamp, got %v", saved)
	}

	// Both players see the campaign overview with the master flagged.
	status, overview := env.do(t, http.MethodGet, "/world/"+campaignID, playerToken, "")
	if status != http.StatusOK {
		t.Fatalf("campaign load failed: %d %v", status, overview)
	}
	campaign, _ := overview["campaign"].(map[string]interface{})
	roster, _ := campaign["players"].([]interface{})
	if len(roster) != 2 {
		t.Fatalf("expected two roster entries, got %v", roster)
	}
	masters := 0
	for _, entry := range roster {
		member, _ := entry.(map[string]interface{})
		if member["master"] == true {
			masters++
			if member["name"] != "gm" {
				t.Fatalf("expected the gm account as master, got %v", member)
			}
		}
	}
	if masters != 1 {
		t.Fatalf("expected exactly one master, found %d", masters)
	}

	// The master shares vision on an entity with everyone.
	status, assigned := env.do(t, http.MethodPost,
		"/world/"+campaignID+"/map/"+mapID+"/permissions", masterToken,
		`{"permissions":[{"entity":"goblin1","permission":"vision"}]}`)
	if status != http.StatusOK {
		t.Fatalf("permission assign failed: %d %v", status, assigned)
	}

	// The player uploads an action; the payload comes back to the master but
	// never to the player who sent it.
	status, pushed := env.do(t, http.MethodPost,
		"/world/"+campaignID+"/actions/"+savedAt, playerToken,
		`{"actions":[{"event":"torch-lit","map":"`+mapID+`"}]}`)
	if status != http.StatusOK {
		t.Fatalf("action upload failed: %d %v", status, pushed)
	}
	ownActions, _ := pushed["actions"].([]interface{})
	if len(ownActions) != 0 {
		t.Fatalf("uploader must not see its own action, got %v", ownActions)
	}
	cursor, _ := pushed["date"].(string)
	if cursor == "" || cursor == savedAt {
		t.Fatalf("expected the cursor to advance past the upload, got %q", cursor)
	}

	status, pulled := env.do(t, http.MethodPost,
		"/world/"+campaignID+"/actions/"+savedAt, masterToken, "")
	if status != http.StatusOK {
		t.Fatalf("action download failed: %d %v", status, pulled)
	}
	downloaded, _ := pulled["actions"].([]interface{})
	if len(downloaded) != 1 {
		t.Fatalf("expected one downloaded action, got %v", downloaded)
	}
	action, _ := downloaded[0].(map[string]interface{})
	if action["event"] != "torch-lit" {
		t.Fatalf("unexpected action payload %v", action)
	}

	// Syncing again from the advanced cursor is quiet.
	status, quiet := env.do(t, http.MethodPost,
		"/world/"+campaignID+"/actions/"+cursor, masterToken, "")
	if status != http.StatusOK {
		t.Fatalf("quiet sync failed: %d %v", status, quiet)
	}
	replayed, _ := quiet["actions"].([]interface{})
	if len(replayed) != 0 {
		t.Fatalf("expected no replayed actions, got %v", replayed)
	}

	// Re-saving the map reseeds the map-scoped action log.
	status, resaved := env.do(t, http.MethodPost,
		"/world/"+campaignID+"/map/"+mapID, masterToken, `{"name":"Crypt","tiles":[]}`)
	if status != http.StatusOK {
		t.Fatalf("map re-save failed: %d %v", status, resaved)
	}
	status, mapActions := env.do(t, http.MethodGet,
		"/world/"+campaignID+"/map/"+mapID+"/actions", masterToken, "")
	if status != http.StatusOK {
		t.Fatalf("map actions failed: %d %v", status, mapActions)
	}
	pending, _ := mapActions["actions"].([]interface{})
	if len(pending) != 0 {
		t.Fatalf("save must reseed the map cursor, got %v", pending)
	}
}
