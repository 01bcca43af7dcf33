package simsrv

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type Deps struct {
	Store         *Store
	Hub           *RealtimeHub
	AppKey        string
	SessionSecret string
	Log           *zap.Logger
}

func NewRouter(deps Deps) *gin.Engine {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery())

	// The websocket endpoint authenticates with the realtime session id
	// instead of the app key header, so it stays outside the group.
	api := r.Group("/", requireAppKey(deps.AppKey))

	oh := &objectHandler{store: deps.Store, hub: deps.Hub, log: deps.Log}
	api.POST("/objects/:collection", oh.Create)
	api.GET("/objects/:collection", oh.List)
	api.GET("/objects/:collection/:id", oh.Get)
	api.PUT("/objects/:collection/:id", oh.Update)
	api.DELETE("/objects/:collection/:id", oh.Delete)
	api.POST("/permissions", oh.Permissions)
	api.PUT("/files/:collection/:id/:property/:filename", oh.UploadFile)
	api.GET("/files/:collection/:id/:property/:filename", oh.DownloadFile)

	uh := &userHandler{store: deps.Store, secret: deps.SessionSecret, log: deps.Log}
	api.POST("/users", uh.Signup)
	api.GET("/users/me", uh.Me)
	api.POST("/sessions", uh.Login)
	api.DELETE("/sessions/:id", uh.Logout)
	api.POST("/users/reset/email", uh.RequestReset)
	api.POST("/users/reset/password", uh.ChangePassword)

	rh := &realtimeHandler{store: deps.Store, hub: deps.Hub}
	api.POST("/messaging/realtime/sessions", rh.CreateSession)
	r.GET("/messaging/realtime", rh.Serve)

	return r
}

func requireAppKey(appKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("x-appstax-appkey") != appKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"errorMessage": "invalid app key"})
			return
		}
		c.Next()
	}
}

type objectHandler struct {
	store *Store
	hub   *RealtimeHub
	log   *zap.Logger
}

func (h *objectHandler) Create(c *gin.Context) {
	collection := c.Param("collection")

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		h.createMultipart(c, collection)
		return
	}

	var props map[string]any
	if err := c.ShouldBindJSON(&props); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errorMessage": "invalid request body"})
		return
	}
	obj := h.store.Insert(collection, props)
	h.log.Debug("object created", zap.String("collection", collection), zap.Any("id", obj["sysObjectId"]))
	h.hub.BroadcastObject(collection, "object.created", obj)
	c.JSON(http.StatusOK, obj)
}

func (h *objectHandler) createMultipart(c *gin.Context, collection string) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errorMessage": "invalid multipart body"})
		return
	}
	props := map[string]any{}
	if values := form.Value["sysObjectData"]; len(values) > 0 {
		if err := json.Unmarshal([]byte(values[0]), &props); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errorMessage": "invalid object data"})
			return
		}
	}
	obj := h.store.Insert(collection, props)
	id, _ := obj["sysObjectId"].(string)
	for property, headers := range form.File {
		for _, header := range headers {
			file, err := header.Open()
			if err != nil {
				continue
			}
			data, err := io.ReadAll(file)
			file.Close()
			if err != nil {
				continue
			}
			h.store.SaveFile(collection, id, property, header.Filename, data)
		}
	}
	obj, _ = h.store.Get(collection, id)
	h.hub.BroadcastObject(collection, "object.created", obj)
	c.JSON(http.StatusOK, obj)
}

func (h *objectHandler) List(c *gin.Context) {
	collection := c.Param("collection")
	objects := h.store.List(collection)

	if filter := c.Query("filter"); filter != "" {
		matched := make([]Object, 0, len(objects))
		for _, obj := range objects {
			if matchFilter(obj, filter) {
				matched = append(matched, obj)
			}
		}
		objects = matched
	}

	if column := c.Query("sortcolumn"); column != "" {
		desc := c.Query("sortorder") == "desc"
		sort.SliceStable(objects, func(i, j int) bool {
			a, _ := objects[i][column].(string)
			b, _ := objects[j][column].(string)
			if desc {
				return b < a
			}
			return a < b
		})
	}

	if c.Query("paging") == "yes" {
		page, _ := strconv.Atoi(c.DefaultQuery("pagenum", "1"))
		size, _ := strconv.Atoi(c.DefaultQuery("pagesize", "25"))
		if page < 1 {
			page = 1
		}
		start := (page - 1) * size
		if start > len(objects) {
			start = len(objects)
		}
		end := start + size
		if end > len(objects) {
			end = len(objects)
		}
		objects = objects[start:end]
	}

	if depth, _ := strconv.Atoi(c.Query("expanddepth")); depth > 0 {
		for i := range objects {
			objects[i] = h.store.Expand(objects[i], depth)
		}
	}

	c.JSON(http.StatusOK, gin.H{"objects": objects})
}

func (h *objectHandler) Get(c *gin.Context) {
	obj, err := h.store.Get(c.Param("collection"), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"errorMessage": err.Error()})
		return
	}
	if depth, _ := strconv.Atoi(c.Query("expanddepth")); depth > 0 {
		obj = h.store.Expand(obj, depth)
	}
	c.JSON(http.StatusOK, obj)
}

func (h *objectHandler) Update(c *gin.Context) {
	collection := c.Param("collection")
	var props map[string]any
	if err := c.ShouldBindJSON(&props); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errorMessage": "invalid request body"})
		return
	}
	obj, err := h.store.Update(collection, c.Param("id"), props)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"errorMessage": err.Error()})
		return
	}
	h.hub.BroadcastObject(collection, "object.updated", obj)
	c.JSON(http.StatusOK, obj)
}

func (h *objectHandler) Delete(c *gin.Context) {
	collection := c.Param("collection")
	obj, err := h.store.Get(collection, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"errorMessage": err.Error()})
		return
	}
	if err := h.store.Delete(collection, c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"errorMessage": err.Error()})
		return
	}
	h.hub.BroadcastObject(collection, "object.deleted", obj)
	c.Status(http.StatusNoContent)
}

type permissionsBody struct {
	Grants  []map[string]any `json:"grants"`
	Revokes []map[string]any `json:"revokes"`
}

func (h *objectHandler) Permissions(c *gin.Context) {
	var body permissionsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errorMessage": "invalid request body"})
		return
	}
	h.store.RecordPermissions(body.Grants, body.Revokes)
	c.JSON(http.StatusOK, gin.H{})
}

func (h *objectHandler) UploadFile(c *gin.Context) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errorMessage": "invalid file body"})
		return
	}
	h.store.SaveFile(c.Param("collection"), c.Param("id"), c.Param("property"), c.Param("filename"), data)
	c.JSON(http.StatusOK, gin.H{})
}

func (h *objectHandler) DownloadFile(c *gin.Context) {
	data, ok := h.store.File(c.Param("collection"), c.Param("id"), c.Param("property"), c.Param("filename"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"errorMessage": "file not found"})
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

type userHandler struct {
	store  *Store
	secret string
	log    *zap.Logger
}

func (h *userHandler) Signup(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errorMessage": "invalid request body"})
		return
	}
	username, _ := body["sysUsername"].(string)
	password, _ := body["sysPassword"].(string)
	if username == "" || password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"errorMessage": "username and password are required"})
		return
	}
	delete(body, "sysUsername")
	delete(body, "sysPassword")

	user, err := h.store.CreateUser(username, password, body)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"errorMessage": err.Error()})
		return
	}
	h.log.Debug("user created", zap.String("username", username))
	resp := gin.H{"user": user}
	if c.Query("login") != "false" {
		token, err := newSessionToken(h.secret, username)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"errorMessage": "could not create session"})
			return
		}
		h.store.AddSession(token, username)
		resp["sysSessionId"] = token
	}
	c.JSON(http.StatusOK, resp)
}

func (h *userHandler) Login(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errorMessage": "invalid request body"})
		return
	}
	username, _ := body["sysUsername"].(string)
	password, _ := body["sysPassword"].(string)

	user, err := h.store.Authenticate(username, password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"errorMessage": "Invalid username and/or password"})
		return
	}
	token, err := newSessionToken(h.secret, username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"errorMessage": "could not create session"})
		return
	}
	h.store.AddSession(token, username)
	c.JSON(http.StatusOK, gin.H{"sysSessionId": token, "user": user})
}

func (h *userHandler) Logout(c *gin.Context) {
	h.store.RemoveSession(c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (h *userHandler) Me(c *gin.Context) {
	token := c.GetHeader("x-appstax-sessionid")
	username, err := parseSessionToken(h.secret, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"errorMessage": "invalid session"})
		return
	}
	if _, ok := h.store.SessionUser(token); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"errorMessage": "invalid session"})
		return
	}
	user, ok := h.store.UserByUsername(username)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"errorMessage": "user not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

func (h *userHandler) RequestReset(c *gin.Context) {
	// No mail in the simulator; accept the request so clients proceed.
	c.JSON(http.StatusOK, gin.H{})
}

func (h *userHandler) ChangePassword(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errorMessage": "invalid request body"})
		return
	}
	username, _ := body["sysUsername"].(string)
	password, _ := body["sysPassword"].(string)
	if err := h.store.SetPassword(username, password); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errorMessage": err.Error()})
		return
	}
	resp := gin.H{}
	if login, _ := body["login"].(bool); login {
		user, _ := h.store.UserByUsername(username)
		token, err := newSessionToken(h.secret, username)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"errorMessage": "could not create session"})
			return
		}
		h.store.AddSession(token, username)
		resp["sysSessionId"] = token
		resp["user"] = user
	}
	c.JSON(http.StatusOK, resp)
}

func newSessionToken(secret, username string) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   username,
		Issuer:    "appstax-sim",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseSessionToken(secret, token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", errors.New("invalid session token")
	}
	return claims.Subject, nil
}

type realtimeHandler struct {
	store *Store
	hub   *RealtimeHub
}

func (h *realtimeHandler) CreateSession(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"realtimeSessionId": h.store.CreateRealtimeSession()})
}

func (h *realtimeHandler) Serve(c *gin.Context) {
	if !h.store.ValidRealtimeSession(c.Query("rsession")) {
		c.JSON(http.StatusUnauthorized, gin.H{"errorMessage": "invalid realtime session"})
		return
	}
	h.hub.Serve(c.Writer, c.Request)
}
