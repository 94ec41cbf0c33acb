package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tavernlight/worldsync/internal/players"
	"github.com/tavernlight/worldsync/internal/world"
)

const (
	callerIDContextKey   = "worldsync_caller_id"
	callerNameContextKey = "worldsync_caller_name"
)

var (
	errMissingWorldService = errors.New("world service dependency required")
	errMissingPlayers      = errors.New("player directory dependency required")
	errMissingSessions     = errors.New("session manager dependency required")
)

// PlayerDirectory resolves and authenticates player accounts.
type PlayerDirectory interface {
	Authenticate(ctx context.Context, username, password string) (players.Player, error)
	FindByID(ctx context.Context, playerID string) (players.Player, error)
}

// SessionManager issues and validates bearer session tokens.
type SessionManager interface {
	IssueSessionToken(playerID, username string) (string, int64, error)
	ValidateSessionToken(token string) (string, string, error)
}

// Dependencies wires the HTTP layer to its collaborators.
type Dependencies struct {
	WorldService *world.Service
	Players      PlayerDirectory
	Sessions     SessionManager
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router serving the world API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.WorldService == nil {
		return nil, errMissingWorldService
	}
	if deps.Players == nil {
		return nil, errMissingPlayers
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		worldService: deps.WorldService,
		players:      deps.Players,
		sessions:     deps.Sessions,
		logger:       logger,
	}

	router.POST("/auth/login", handler.handleLogin)

	protected := router.Group("/world")
	protected.Use(handler.authorizeRequest)
	protected.GET("", handler.handleLoadWorld)
	protected.GET("/:campaign", handler.handleLoadCampaign)

	protected.GET("/:campaign/property/:name", handler.handleLoadCampaignProperty)
	protected.POST("/:campaign/property/:name", handler.handleSaveCampaignProperty)
	protected.POST("/:campaign/property/:name/default", handler.handleDefaultCampaignProperty)
	protected.DELETE("/:campaign/property/:name", handler.handleDeleteCampaignProperty)

	protected.POST("/:campaign/map/:map", handler.handleSaveMap)
	protected.GET("/:campaign/map/:map", handler.handleLoadMap)
	protected.DELETE("/:campaign/map/:map", handler.handleDeleteMap)

	protected.GET("/:campaign/map/:map/properties", handler.handleLoadMapProperties)
	protected.GET("/:campaign/map/:map/properties/:player", handler.handleLoadMapPropertiesForPlayer)
	protected.GET("/:campaign/map/:map/property/:name", handler.handleLoadMapProperty)
	protected.POST("/:campaign/map/:map/property/:name", handler.handleSaveMapProperty)
	protected.POST("/:campaign/map/:map/property/:name/default", handler.handleDefaultMapProperty)
	protected.DELETE("/:campaign/map/:map/property/:name", handler.handleDeleteMapProperty)

	protected.POST("/:campaign/map/:map/permissions", handler.handleAssignPermissions)
	protected.POST("/:campaign/map/:map/permissions/reset", handler.handleResetPermissions)
	protected.POST("/:campaign/map/:map/permissions/default", handler.handleDefaultPermissions)

	protected.GET("/:campaign/map/:map/actions", handler.handleMapActions)
	protected.POST("/:campaign/actions/:cursor", handler.handleSyncActions)
	protected.DELETE("/:campaign/actions", handler.handleResetActions)

	return router, nil
}

type httpHandler struct {
	worldService *world.Service
	players      PlayerDirectory
	sessions     SessionManager
	logger       *zap.Logger
}

// respond emits the JSON envelope shared by every endpoint: status mirrors
// the HTTP status code, message is human-readable, payload rides alongside.
func (h *httpHandler) respond(c *gin.Context, status int, message string, payload gin.H) {
	body := gin.H{"status": status, "message": message}
	for key, value := range payload {
		body[key] = value
	}
	c.JSON(status, body)
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, world.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, world.ErrUnknownPermission),
		errors.Is(err, world.ErrInvalidCursor),
		errors.Is(err, world.ErrMissingMapName):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	h.respond(c, status, err.Error(), nil)
}

func (h *httpHandler) respondMalformed(c *gin.Context, err error) {
	h.respond(c, http.StatusBadRequest, "JSONDecodeError: "+err.Error(), nil)
}

type loginRequestPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondMalformed(c, err)
		return
	}

	player, err := h.players.Authenticate(c.Request.Context(), request.Username, request.Password)
	if err != nil {
		if errors.Is(err, players.ErrBadCredentials) {
			h.respond(c, http.StatusUnauthorized, "Invalid credentials", nil)
			return
		}
		h.respondError(c, err)
		return
	}

	playerID := strconv.FormatInt(player.ID, 10)
	token, expiresIn, err := h.sessions.IssueSessionToken(playerID, player.Username)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.respond(c, http.StatusOK, fmt.Sprintf("Session opened (username=%s)", player.Username), gin.H{
		"token":      token,
		"expires_in": expiresIn,
	})
}

// authorizeRequest accepts either Basic credentials (checked against the
// player table) or a Bearer session token, and stashes the caller identity
// in the request context.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Basic "):
		username, password, ok := c.Request.BasicAuth()
		if !ok {
			h.abortUnauthorized(c)
			return
		}
		player, err := h.players.Authenticate(c.Request.Context(), username, password)
		if err != nil {
			h.abortUnauthorized(c)
			return
		}
		c.Set(callerIDContextKey, strconv.FormatInt(player.ID, 10))
		c.Set(callerNameContextKey, player.Username)
	case strings.HasPrefix(header, "Bearer "):
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		playerID, username, err := h.sessions.ValidateSessionToken(token)
		if err != nil {
			h.logger.Warn("session token validation failed", zap.Error(err))
			h.abortUnauthorized(c)
			return
		}
		c.Set(callerIDContextKey, playerID)
		c.Set(callerNameContextKey, username)
	default:
		h.abortUnauthorized(c)
		return
	}
	c.Next()
}

func (h *httpHandler) abortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"status":  http.StatusUnauthorized,
		"message": "Authorization required",
	})
}

func (h *httpHandler) handleLoadWorld(c *gin.Context) {
	campaigns, err := h.worldService.ListCampaigns(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK, "World loaded", gin.H{
		"world": gin.H{"campaigns": campaigns},
	})
}

func (h *httpHandler) handleLoadCampaign(c *gin.Context) {
	campaignID := c.Param("campaign")
	overview, err := h.worldService.LoadCampaign(c.Request.Context(), campaignID, c.GetString(callerIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK,
		fmt.Sprintf("Campaign loaded (name=%s, id=%s)", overview.Name, overview.ID), gin.H{
			"date": world.FormatTimestamp(overview.UpdatedMicros),
			"campaign": gin.H{
				"properties": overview.Properties,
				"maps":       overview.Maps,
				"players":    overview.Players,
			},
		})
}

func (h *httpHandler) handleLoadCampaignProperty(c *gin.Context) {
	campaignID := c.Param("campaign")
	name := c.Param("name")
	property, err := h.worldService.ResolveCampaignProperty(
		c.Request.Context(), campaignID, c.GetString(callerIDContextKey), name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK,
		fmt.Sprintf("Campaign property loaded (campaign=%s, name=%s)", campaignID, name), gin.H{
			"campaign": gin.H{"properties": []world.PropertyValue{property}},
		})
}

// Property save bodies are the raw value, not JSON.
func (h *httpHandler) handleSaveCampaignProperty(c *gin.Context) {
	h.writeCampaignProperty(c, c.GetString(callerIDContextKey), "Campaign property saved")
}

func (h *httpHandler) handleDefaultCampaignProperty(c *gin.Context) {
	h.writeCampaignProperty(c, "", "Campaign property default saved")
}

func (h *httpHandler) writeCampaignProperty(c *gin.Context, userID, message string) {
	campaignID := c.Param("campaign")
	name := c.Param("name")
	value, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.worldService.WriteCampaignProperty(
		c.Request.Context(), campaignID, userID, name, string(value)); err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK,
		fmt.Sprintf("%s (campaign=%s, name=%s, value=%s)", message, campaignID, name, string(value)), nil)
}

func (h *httpHandler) handleDeleteCampaignProperty(c *gin.Context) {
	campaignID := c.Param("campaign")
	name := c.Param("name")
	if err := h.worldService.DeleteCampaignProperty(
		c.Request.Context(), campaignID, c.GetString(callerIDContextKey), name); err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK,
		fmt.Sprintf("Campaign property deleted (campaign=%s, name=%s)", campaignID, name), nil)
}

func (h *httpHandler) handleSaveMap(c *gin.Context) {
	campaignID := c.Param("campaign")
	mapID := c.Param("map")
	document, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !json.Valid(document) {
		h.respondMalformed(c, errors.New("body is not valid JSON"))
		return
	}

	snapshot, err := h.worldService.SaveMap(c.Request.Context(), campaignID, mapID, document)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK,
		fmt.Sprintf("Map saved (name=%s, id=%s)", snapshot.Name, mapID), gin.H{
			"date": world.FormatTimestamp(snapshot.SavedMicros),
		})
}

func (h *httpHandler) handleLoadMap(c *gin.Context) {
	campaignID := c.Param("campaign")
	mapID := c.Param("map")
	snapshot, err := h.worldService.LoadMap(c.Request.Context(), campaignID, mapID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK,
		fmt.Sprintf("Map loaded (name=%s, id=%s)", snapshot.Name, mapID), gin.H{
			"date": world.FormatTimestamp(snapshot.SavedMicros),
			"map":  snapshot.Document,
		})
}

func (h *httpHandler) handleDeleteMap(c *gin.Context) {
	campaignID := c.Param("campaign")
	mapID := c.Param("map")
	name, err := h.worldService.DeleteMap(c.Request.Context(), campaignID, mapID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK, fmt.Sprintf("Map deleted (name=%s, id=%s)", name, mapID), nil)
}

func (h *httpHandler) handleLoadMapProperties(c *gin.Context) {
	h.loadMapProperties(c, c.GetString(callerIDContextKey))
}

func (h *httpHandler) handleLoadMapPropertiesForPlayer(c *gin.Context) {
	h.loadMapProperties(c, c.Param("player"))
}

func (h *httpHandler) loadMapProperties(c *gin.Context, userID string) {
	campaignID := c.Param("campaign")
	mapID := c.Param("map")
	propertySet, err := h.worldService.ResolveMapProperties(c.Request.Context(), campaignID, mapID, userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK,
		fmt.Sprintf("Map properties loaded (len=%d)", len(propertySet.Properties)), gin.H{
			"date":       world.FormatTimestamp(propertySet.SavedMicros),
			"properties": propertySet.Properties,
		})
}

func (h *httpHandler) handleLoadMapProperty(c *gin.Context) {
	campaignID := c.Param("campaign")
	mapID := c.Param("map")
	name := c.Param("name")
	property, err := h.worldService.ResolveMapProperty(
		c.Request.Context(), campaignID, mapID, c.GetString(callerIDContextKey), name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK,
		fmt.Sprintf("Map property loaded (map=%s, name=%s)", mapID, name), gin.H{
			"properties": []world.PropertyValue{property},
		})
}

func (h *httpHandler) handleSaveMapProperty(c *gin.Context) {
	h.writeMapProperty(c, c.GetString(callerIDContextKey), "Map property saved")
}

func (h *httpHandler) handleDefaultMapProperty(c *gin.Context) {
	h.writeMapProperty(c, "", "Map property default saved")
}

func (h *httpHandler) writeMapProperty(c *gin.Context, userID, message string) {
	campaignID := c.Param("campaign")
	mapID := c.Param("map")
	name := c.Param("name")
	value, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.worldService.WriteMapProperty(
		c.Request.Context(), campaignID, mapID, userID, name, string(value)); err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK,
		fmt.Sprintf("%s (map=%s, name=%s, value=%s)", message, mapID, name, string(value)), nil)
}

func (h *httpHandler) handleDeleteMapProperty(c *gin.Context) {
	campaignID := c.Param("campaign")
	mapID := c.Param("map")
	name := c.Param("name")
	if err := h.worldService.DeleteMapProperty(
		c.Request.Context(), campaignID, mapID, c.GetString(callerIDContextKey), name); err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK,
		fmt.Sprintf("Map property deleted (map=%s, name=%s)", mapID, name), nil)
}

type permissionPayload struct {
	Entity     string `json:"entity"`
	Player     *int64 `json:"player"`
	Permission string `json:"permission"`
}

type assignPermissionsPayload struct {
	Permissions []permissionPayload `json:"permissions"`
}

func (h *httpHandler) handleAssignPermissions(c *gin.Context) {
	campaignID := c.Param("campaign")
	mapID := c.Param("map")

	var request assignPermissionsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondMalformed(c, err)
		return
	}

	assignments := make([]world.PermissionAssignment, 0, len(request.Permissions))
	for _, entry := range request.Permissions {
		kind, err := world.ParsePermissionKind(entry.Permission)
		if err != nil {
			h.respondError(c, err)
			return
		}
		playerID := ""
		if entry.Player != nil {
			playerID = strconv.FormatInt(*entry.Player, 10)
		}
		assignments = append(assignments, world.PermissionAssignment{
			EntityID: entry.Entity,
			PlayerID: playerID,
			Kind:     kind,
		})
	}

	if err := h.worldService.AssignPermissions(c.Request.Context(), campaignID, mapID, assignments); err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK,
		fmt.Sprintf("Map permissions updated (len=%d)", len(assignments)), nil)
}

type resetPermissionsPayload struct {
	Entities []string `json:"entities"`
}

func (h *httpHandler) handleResetPermissions(c *gin.Context) {
	campaignID := c.Param("campaign")
	mapID := c.Param("map")

	var request resetPermissionsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondMalformed(c, err)
		return
	}

	if err := h.worldService.ResetPermissions(c.Request.Context(), campaignID, mapID, request.Entities); err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK,
		fmt.Sprintf("Map permissions reset (entities=%v)", request.Entities), nil)
}

type defaultPermissionsPayload struct {
	Entities []string `json:"entities"`
	Players  []int64  `json:"players"`
}

func (h *httpHandler) handleDefaultPermissions(c *gin.Context) {
	campaignID := c.Param("campaign")
	mapID := c.Param("map")

	var request defaultPermissionsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondMalformed(c, err)
		return
	}

	playerIDs := make([]string, 0, len(request.Players))
	for _, id := range request.Players {
		playerIDs = append(playerIDs, strconv.FormatInt(id, 10))
	}

	if err := h.worldService.ResetPermissionsFor(
		c.Request.Context(), campaignID, mapID, request.Entities, playerIDs); err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK,
		fmt.Sprintf("Map permissions defaulted (entities=%v)", request.Entities), nil)
}

func (h *httpHandler) handleMapActions(c *gin.Context) {
	campaignID := c.Param("campaign")
	mapID := c.Param("map")
	result, err := h.worldService.ListMapActions(c.Request.Context(), campaignID, mapID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK,
		fmt.Sprintf("Actions loaded (len=%d)", len(result.Actions)), gin.H{
			"date":    world.FormatTimestamp(result.CursorMicros),
			"actions": result.Actions,
		})
}

type syncActionsPayload struct {
	Actions []json.RawMessage `json:"actions"`
}

type actionTargetPayload struct {
	Map string `json:"map"`
}

func (h *httpHandler) handleSyncActions(c *gin.Context) {
	campaignID := c.Param("campaign")
	cursor, err := world.ParseCursor(c.Param("cursor"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	// An empty body is a pure pull.
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.respondError(c, err)
		return
	}
	var request syncActionsPayload
	if len(body) > 0 {
		if err := json.Unmarshal(body, &request); err != nil {
			h.respondMalformed(c, err)
			return
		}
	}

	incoming := make([]world.IncomingAction, 0, len(request.Actions))
	for _, raw := range request.Actions {
		var target actionTargetPayload
		if err := json.Unmarshal(raw, &target); err != nil {
			h.respondMalformed(c, err)
			return
		}
		incoming = append(incoming, world.IncomingAction{MapID: target.Map, Payload: raw})
	}

	result, err := h.worldService.SyncActions(
		c.Request.Context(), campaignID, c.GetString(callerIDContextKey), cursor, incoming)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK,
		fmt.Sprintf("Actions uploaded (len=%d). Actions downloaded (len=%d)",
			len(incoming), len(result.Actions)), gin.H{
			"date":    world.FormatTimestamp(result.CursorMicros),
			"actions": result.Actions,
		})
}

func (h *httpHandler) handleResetActions(c *gin.Context) {
	campaignID := c.Param("campaign")
	deleted, err := h.worldService.ResetActions(c.Request.Context(), campaignID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK, fmt.Sprintf("Actions deleted (len=%d)", deleted), nil)
}
