package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/driftmq/driftmq/internal/id"
	"github.com/driftmq/driftmq/pkg/broker"
	"github.com/driftmq/driftmq/pkg/cache"
	"github.com/driftmq/driftmq/pkg/logging"
	"github.com/driftmq/driftmq/pkg/scheduler"
	"github.com/driftmq/driftmq/pkg/store"
)

// DeviceConfig configures the device-facing HTTP API.
type DeviceConfig struct {
	Port int
	// MaxMessageLength bounds the data payload of a publish, matching the
	// MQTT-side limit.
	MaxMessageLength int
}

// DeviceAPI is the device-facing HTTP surface: registration, credential
// minting, the HTTP publish/receive pair for devices that cannot hold an
// MQTT session, and the group/timeseries/schedule passthroughs.
type DeviceAPI struct {
	cfg        DeviceConfig
	store      *store.Store
	cache      *cache.Cache
	dispatcher *broker.Dispatcher
	sched      *scheduler.Scheduler
	log        *slog.Logger
	httpServer *http.Server
}

// NewDeviceAPI creates the device API server.
func NewDeviceAPI(cfg DeviceConfig, s *store.Store, c *cache.Cache, d *broker.Dispatcher, sched *scheduler.Scheduler) *DeviceAPI {
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 1024
	}
	a := &DeviceAPI{
		cfg:        cfg,
		store:      s,
		cache:      c,
		dispatcher: d,
		sched:      sched,
		log:        logging.Nop(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /device/auth", a.handleRegister)
	mux.HandleFunc("GET /device/auth", a.handleCredentials)
	mux.HandleFunc("POST /device/s", a.handleSend)
	mux.HandleFunc("GET /device/r", a.handleReceive)
	mux.HandleFunc("POST /device/group/join", a.handleGroupJoin)
	mux.HandleFunc("GET /device/groups", a.handleGroupList)
	mux.HandleFunc("GET /timeseries", a.handleTimeseries)
	mux.HandleFunc("POST /schedule", a.handleScheduleCreate)
	mux.HandleFunc("GET /schedule", a.handleScheduleList)
	mux.HandleFunc("PUT /schedule/{id}", a.handleScheduleUpdate)
	mux.HandleFunc("DELETE /schedule/{id}", a.handleScheduleDelete)

	a.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return a
}

// SetLogger sets the operational logger for the device API.
func (a *DeviceAPI) SetLogger(log *slog.Logger) {
	if log != nil {
		a.log = log
	}
}

// Handler returns the route handler, mainly for tests.
func (a *DeviceAPI) Handler() http.Handler {
	return a.httpServer.Handler
}

// Start begins serving.
func (a *DeviceAPI) Start() error {
	a.log.Info("starting device API", "port", a.cfg.Port)
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error("device API error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (a *DeviceAPI) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.httpServer.Shutdown(ctx)
}

// authDevice resolves an authKey to a device, writing the error envelope on
// failure.
func (a *DeviceAPI) authDevice(w http.ResponseWriter, authKey string) *store.Device {
	if authKey == "" {
		writeEnvelope(w, http.StatusBadRequest, CodeBadRequest, "authKey is required")
		return nil
	}
	if dev, ok := a.cache.DeviceByAuthKey(authKey); ok {
		return dev
	}
	dev, err := a.store.GetDeviceByAuthKey(authKey)
	if errors.Is(err, store.ErrNotFound) {
		writeEnvelope(w, http.StatusNotFound, CodeDeviceNotFound, "device not found")
		return nil
	}
	if err != nil {
		a.log.Error("device lookup failed", "error", err)
		writeEnvelope(w, http.StatusInternalServerError, CodeServerError, nil)
		return nil
	}
	a.cache.SetDeviceByAuthKey(authKey, dev)
	return dev
}

type registerRequest struct {
	UUID string `json:"uuid"`
}

// handleRegister registers a device by uuid. Registration is idempotent: a
// known uuid returns its existing authKey. First registration also creates a
// group named after the uuid with the device as its only member.
func (a *DeviceAPI) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil || req.UUID == "" {
		writeEnvelope(w, http.StatusBadRequest, CodeBadRequest, "uuid is required")
		return
	}

	dev, err := a.store.GetDeviceByUUID(req.UUID)
	switch {
	case err == nil:
		writeSuccess(w, map[string]string{"authKey": dev.AuthKey})
		return
	case !errors.Is(err, store.ErrNotFound):
		a.log.Error("device lookup failed", "error", err)
		writeEnvelope(w, http.StatusInternalServerError, CodeServerError, nil)
		return
	}

	dev, err = a.store.CreateDevice(req.UUID, id.Token(16))
	if err != nil {
		a.log.Error("device create failed", "uuid", req.UUID, "error", err)
		writeEnvelope(w, http.StatusInternalServerError, CodeServerError, nil)
		return
	}
	group, err := a.store.CreateGroup(req.UUID)
	if errors.Is(err, store.ErrAlreadyExists) {
		group, err = a.store.GetGroupByName(req.UUID)
	}
	if err != nil {
		a.log.Error("group create failed", "uuid", req.UUID, "error", err)
		writeEnvelope(w, http.StatusInternalServerError, CodeServerError, nil)
		return
	}
	if err := a.store.AddDeviceToGroup(dev.ID, group.ID); err != nil {
		a.log.Error("group join failed", "uuid", req.UUID, "error", err)
		writeEnvelope(w, http.StatusInternalServerError, CodeServerError, nil)
		return
	}

	a.log.Info("device registered", "uuid", req.UUID)
	writeSuccess(w, map[string]string{"authKey": dev.AuthKey})
}

// handleCredentials mints a fresh MQTT credential triple for the device and
// seeds the cache. mode=http additionally marks the device online in HTTP
// mode so its messages are spooled.
func (a *DeviceAPI) handleCredentials(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = store.ModeMQTT
	}
	if mode != store.ModeMQTT && mode != store.ModeHTTP {
		writeEnvelope(w, http.StatusBadRequest, CodeBadRequest, "mode must be mqtt or http")
		return
	}
	dev := a.authDevice(w, r.URL.Query().Get("authKey"))
	if dev == nil {
		return
	}

	// Rotating credentials invalidates the previous session identity and
	// everything keyed on it. A session still connected under the old triple
	// is severed so it cannot keep receiving under the retired client id.
	if dev.ClientID != "" {
		if closer, ok := a.cache.OnlineClient(dev.ClientID); ok {
			closer.Close(errors.New("credentials rotated"))
		}
		a.cache.RemoveDevice(dev.ClientID, dev.AuthKey)
	}

	short := dev.UUID
	if len(short) > 8 {
		short = short[:8]
	}
	clientID := id.UUID()
	username := "user_" + short
	password := id.Alphanumeric(16)

	updated, err := a.store.UpdateDeviceConnection(dev.AuthKey, clientID, username, password)
	if err != nil {
		a.log.Error("credential update failed", "uuid", dev.UUID, "error", err)
		writeEnvelope(w, http.StatusInternalServerError, CodeServerError, nil)
		return
	}

	a.cache.SetDeviceByAuthKey(updated.AuthKey, updated)
	a.cache.SetDeviceByClientID(clientID, updated)
	a.cache.SetDeviceMode(clientID, mode)
	if groups, err := a.store.GetDeviceGroups(updated.ID); err == nil {
		a.cache.SetDeviceGroups(clientID, groups)
	}
	if mode == store.ModeHTTP {
		if err := a.store.UpdateDeviceOnlineStatus(updated.ID, true, store.ModeHTTP); err != nil {
			a.log.Error("failed to mark device online", "uuid", dev.UUID, "error", err)
		}
		a.cache.SetHTTPLastActive(clientID)
	}

	a.log.Info("credentials issued", "uuid", dev.UUID, "mode", mode)
	writeSuccess(w, map[string]string{
		"clientId": clientID,
		"username": username,
		"password": password,
		"mode":     mode,
	})
}

type sendRequest struct {
	AuthKey  string          `json:"authKey"`
	ToDevice string          `json:"toDevice,omitempty"`
	ToGroup  string          `json:"toGroup,omitempty"`
	TS       bool            `json:"ts,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// handleSend runs the publish pipeline on behalf of the device: size and
// rate admission, group ACL, then the same dispatch as an MQTT publish.
func (a *DeviceAPI) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeBody(r, &req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	dev := a.authDevice(w, req.AuthKey)
	if dev == nil {
		return
	}
	if dev.ClientID == "" {
		writeEnvelope(w, http.StatusBadRequest, CodeBadRequest, "credentials not issued")
		return
	}
	if req.ToDevice == "" && req.ToGroup == "" && !req.TS {
		writeEnvelope(w, http.StatusBadRequest, CodeBadRequest, "a toDevice, toGroup or ts target is required")
		return
	}

	if len(req.Data) > a.cfg.MaxMessageLength {
		writeEnvelope(w, http.StatusRequestEntityTooLarge, CodeMessageTooLarge, "message too large")
		return
	}
	if !a.cache.CheckPublishRate(dev.ClientID) {
		writeEnvelope(w, http.StatusTooManyRequests, CodeRateLimited, "rate limited")
		return
	}
	if req.ToGroup != "" {
		if _, _, remote, _ := broker.ParseRemoteAddress(req.ToGroup); !remote {
			if !a.dispatcher.IsGroupMember(dev.ClientID, req.ToGroup) {
				writeEnvelope(w, http.StatusForbidden, CodeForbiddenGroup, "not a member of group")
				return
			}
		}
	}

	a.dispatcher.HandleDeviceSend(dev.ClientID, broker.DeviceMessage{
		ToDevice: req.ToDevice,
		ToGroup:  req.ToGroup,
		TS:       req.TS,
		Data:     req.Data,
	})

	if a.cache.IsHTTPMode(dev.ClientID) {
		a.cache.SetHTTPLastActive(dev.ClientID)
		if err := a.store.UpdateDeviceLastActive(dev.ID); err != nil {
			a.log.Error("failed to update last active", "uuid", dev.UUID, "error", err)
		}
	}
	writeSuccess(w, nil)
}

// handleReceive drains the device's pending spool. Only HTTP-mode devices
// have one.
func (a *DeviceAPI) handleReceive(w http.ResponseWriter, r *http.Request) {
	dev := a.authDevice(w, r.URL.Query().Get("authKey"))
	if dev == nil {
		return
	}
	if dev.ClientID == "" || !a.cache.IsHTTPMode(dev.ClientID) {
		writeEnvelope(w, http.StatusConflict, CodeNotAvailable, "device is not in http mode")
		return
	}

	a.cache.SetHTTPLastActive(dev.ClientID)
	if err := a.store.UpdateDeviceLastActive(dev.ID); err != nil {
		a.log.Error("failed to update last active", "uuid", dev.UUID, "error", err)
	}

	msgs := a.cache.GetPendingMessages(dev.ClientID)
	if msgs == nil {
		msgs = []cache.ForwardMessage{}
	}
	writeSuccess(w, receiveResponse{Messages: msgs, Count: len(msgs)})
}

type receiveResponse struct {
	Messages []cache.ForwardMessage `json:"messages"`
	Count    int                    `json:"count"`
}

type groupJoinRequest struct {
	AuthKey string `json:"authKey"`
	Group   string `json:"group"`
}

// handleGroupJoin joins the device to a group, creating it on first use.
func (a *DeviceAPI) handleGroupJoin(w http.ResponseWriter, r *http.Request) {
	var req groupJoinRequest
	if err := decodeBody(r, &req); err != nil || req.Group == "" {
		writeEnvelope(w, http.StatusBadRequest, CodeBadRequest, "group is required")
		return
	}
	dev := a.authDevice(w, req.AuthKey)
	if dev == nil {
		return
	}

	group, err := a.store.CreateGroup(req.Group)
	if errors.Is(err, store.ErrAlreadyExists) {
		group, err = a.store.GetGroupByName(req.Group)
	}
	if err != nil {
		a.log.Error("group create failed", "group", req.Group, "error", err)
		writeEnvelope(w, http.StatusInternalServerError, CodeServerError, nil)
		return
	}
	if err := a.store.AddDeviceToGroup(dev.ID, group.ID); err != nil {
		a.log.Error("group join failed", "group", req.Group, "error", err)
		writeEnvelope(w, http.StatusInternalServerError, CodeServerError, nil)
		return
	}

	groups, err := a.store.GetDeviceGroups(dev.ID)
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError, CodeServerError, nil)
		return
	}
	if dev.ClientID != "" {
		a.cache.SetDeviceGroups(dev.ClientID, groups)
	}
	writeSuccess(w, groups)
}

// handleGroupList returns the device's group memberships.
func (a *DeviceAPI) handleGroupList(w http.ResponseWriter, r *http.Request) {
	dev := a.authDevice(w, r.URL.Query().Get("authKey"))
	if dev == nil {
		return
	}
	groups, err := a.store.GetDeviceGroups(dev.ID)
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError, CodeServerError, nil)
		return
	}
	writeSuccess(w, groups)
}

// handleTimeseries queries the device's own samples, newest first, paged.
func (a *DeviceAPI) handleTimeseries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dev := a.authDevice(w, q.Get("authKey"))
	if dev == nil {
		return
	}

	query := store.TimeseriesQuery{
		DeviceUUID: dev.UUID,
		DataKey:    q.Get("dataKey"),
		Start:      parseInt64(q.Get("start")),
		End:        parseInt64(q.Get("end")),
		Page:       int(parseInt64(q.Get("page"))),
		PageSize:   int(parseInt64(q.Get("pageSize"))),
	}
	page, err := a.store.QueryTimeseries(query)
	if err != nil {
		a.log.Error("timeseries query failed", "uuid", dev.UUID, "error", err)
		writeEnvelope(w, http.StatusInternalServerError, CodeServerError, nil)
		return
	}
	writeSuccess(w, page)
}

func parseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

type scheduleCreateRequest struct {
	AuthKey   string          `json:"authKey"`
	Mode      string          `json:"mode"`
	ExecuteAt int64           `json:"executeAt,omitempty"`
	Countdown int64           `json:"countdown,omitempty"`
	Interval  int64           `json:"interval,omitempty"`
	ToDevice  string          `json:"toDevice,omitempty"`
	ToGroup   string          `json:"toGroup,omitempty"`
	Command   json.RawMessage `json:"command,omitempty"`
}

func (a *DeviceAPI) handleScheduleCreate(w http.ResponseWriter, r *http.Request) {
	var req scheduleCreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	dev := a.authDevice(w, req.AuthKey)
	if dev == nil {
		return
	}
	if dev.ClientID == "" {
		writeEnvelope(w, http.StatusBadRequest, CodeBadRequest, "credentials not issued")
		return
	}

	task, err := a.sched.Create(scheduler.CreateRequest{
		Owner:     dev.ClientID,
		Mode:      req.Mode,
		ExecuteAt: req.ExecuteAt,
		Countdown: req.Countdown,
		Interval:  req.Interval,
		ToDevice:  req.ToDevice,
		ToGroup:   req.ToGroup,
		Data:      req.Command,
	})
	if err != nil {
		writeEnvelope(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	writeSuccess(w, task)
}

func (a *DeviceAPI) handleScheduleList(w http.ResponseWriter, r *http.Request) {
	dev := a.authDevice(w, r.URL.Query().Get("authKey"))
	if dev == nil {
		return
	}
	writeSuccess(w, a.sched.List(dev.ClientID))
}

// ownTask resolves a schedule path id to a task owned by the device.
// Unknown and foreign ids are indistinguishable to the caller.
func (a *DeviceAPI) ownTask(w http.ResponseWriter, dev *store.Device, taskID string) *scheduler.Task {
	task, err := a.sched.Get(taskID)
	if err != nil || task.Owner != dev.ClientID {
		writeEnvelope(w, http.StatusNotFound, CodeUnauthorized, "task not found")
		return nil
	}
	return task
}

type scheduleUpdateRequest struct {
	AuthKey   string          `json:"authKey"`
	Mode      *string         `json:"mode,omitempty"`
	Enabled   *bool           `json:"enabled,omitempty"`
	ExecuteAt *int64          `json:"executeAt,omitempty"`
	Countdown *int64          `json:"countdown,omitempty"`
	Interval  *int64          `json:"interval,omitempty"`
	ToDevice  *string         `json:"toDevice,omitempty"`
	ToGroup   *string         `json:"toGroup,omitempty"`
	Command   json.RawMessage `json:"command,omitempty"`
}

func (a *DeviceAPI) handleScheduleUpdate(w http.ResponseWriter, r *http.Request) {
	var req scheduleUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	dev := a.authDevice(w, req.AuthKey)
	if dev == nil {
		return
	}
	task := a.ownTask(w, dev, r.PathValue("id"))
	if task == nil {
		return
	}

	updated, err := a.sched.Update(task.ID, scheduler.UpdateRequest{
		Mode:      req.Mode,
		Enabled:   req.Enabled,
		ExecuteAt: req.ExecuteAt,
		Countdown: req.Countdown,
		Interval:  req.Interval,
		ToDevice:  req.ToDevice,
		ToGroup:   req.ToGroup,
		Data:      req.Command,
	})
	if err != nil {
		writeEnvelope(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	writeSuccess(w, updated)
}

func (a *DeviceAPI) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	dev := a.authDevice(w, r.URL.Query().Get("authKey"))
	if dev == nil {
		return
	}
	task := a.ownTask(w, dev, r.PathValue("id"))
	if task == nil {
		return
	}
	if err := a.sched.Delete(task.ID); err != nil {
		writeEnvelope(w, http.StatusNotFound, CodeUnauthorized, "task not found")
		return
	}
	writeSuccess(w, nil)
}
