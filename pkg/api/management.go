package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/driftmq/driftmq/pkg/broker"
	"github.com/driftmq/driftmq/pkg/bridge"
	"github.com/driftmq/driftmq/pkg/cache"
	"github.com/driftmq/driftmq/pkg/logging"
	"github.com/driftmq/driftmq/pkg/scheduler"
	"github.com/driftmq/driftmq/pkg/store"
)

// ManagementConfig configures the operator-facing HTTP API.
type ManagementConfig struct {
	Port int
	// UserToken is the bearer token for remote access. Empty means the API
	// is open; loopback requests always bypass the check.
	UserToken string
	BrokerID  string
}

// ManagementAPI is the operator surface: device inventory, peer broker and
// share administration, the remote shared-device view, broker status and the
// full schedule list.
type ManagementAPI struct {
	cfg       ManagementConfig
	store     *store.Store
	cache     *cache.Cache
	sched     *scheduler.Scheduler
	engine    *broker.Engine
	bridge    *bridge.Bridge // nil when federation is disabled
	log       *slog.Logger
	startedAt time.Time

	httpServer *http.Server
}

// NewManagementAPI creates the management API server. bridge may be nil when
// federation is disabled; peer and share administration still works against
// the store, it just has no running loops to poke.
func NewManagementAPI(cfg ManagementConfig, s *store.Store, c *cache.Cache, sched *scheduler.Scheduler, engine *broker.Engine, br *bridge.Bridge) *ManagementAPI {
	a := &ManagementAPI{
		cfg:       cfg,
		store:     s,
		cache:     c,
		sched:     sched,
		engine:    engine,
		bridge:    br,
		log:       logging.Nop(),
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /devices", a.handleDevices)
	mux.HandleFunc("POST /brokers", a.handleBrokerCreate)
	mux.HandleFunc("GET /brokers", a.handleBrokerList)
	mux.HandleFunc("PUT /brokers/{brokerId}", a.handleBrokerUpdate)
	mux.HandleFunc("DELETE /brokers/{brokerId}", a.handleBrokerDelete)
	mux.HandleFunc("POST /shares", a.handleShareCreate)
	mux.HandleFunc("GET /shares/{brokerId}", a.handleShareList)
	mux.HandleFunc("DELETE /shares/{brokerId}/{uuid}", a.handleShareDelete)
	mux.HandleFunc("GET /remote-devices", a.handleRemoteDevices)
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("GET /schedule", a.handleScheduleList)

	a.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      a.requireToken(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return a
}

// SetLogger sets the operational logger for the management API.
func (a *ManagementAPI) SetLogger(log *slog.Logger) {
	if log != nil {
		a.log = log
	}
}

// Handler returns the route handler including auth, mainly for tests.
func (a *ManagementAPI) Handler() http.Handler {
	return a.httpServer.Handler
}

// Start begins serving.
func (a *ManagementAPI) Start() error {
	a.log.Info("starting management API", "port", a.cfg.Port)
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error("management API error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (a *ManagementAPI) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.httpServer.Shutdown(ctx)
}

// requireToken gates remote requests behind the bearer token. Loopback
// callers are trusted, and an empty configured token leaves the API open.
func (a *ManagementAPI) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.UserToken == "" || isLoopback(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.UserToken)) != 1 {
			writeEnvelope(w, http.StatusUnauthorized, CodeUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// deviceRecord is a device joined with its durable status for the inventory
// listing.
type deviceRecord struct {
	*store.Device
	Status *store.DeviceStatus `json:"status,omitempty"`
}

func (a *ManagementAPI) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := a.store.GetAllDevices()
	if err != nil {
		a.log.Error("device listing failed", "error", err)
		writeEnvelope(w, http.StatusInternalServerError, CodeServerError, nil)
		return
	}
	records := make([]deviceRecord, 0, len(devices))
	for _, dev := range devices {
		rec := deviceRecord{Device: dev}
		if st, err := a.store.GetDeviceStatus(dev.ID); err == nil {
			rec.Status = st
		}
		records = append(records, rec)
	}
	writeSuccess(w, records)
}

type brokerRequest struct {
	BrokerID string `json:"brokerId"`
	URL      string `json:"url"`
	Token    string `json:"token"`
	Enabled  bool   `json:"enabled"`
}

func (a *ManagementAPI) handleBrokerCreate(w http.ResponseWriter, r *http.Request) {
	var req brokerRequest
	if err := decodeBody(r, &req); err != nil || req.BrokerID == "" || req.URL == "" {
		writeEnvelope(w, http.StatusBadRequest, CodeBadRequest, "brokerId and url are required")
		return
	}
	row, err := a.store.CreatePeerBroker(req.BrokerID, req.URL, req.Token, req.Enabled)
	if errors.Is(err, store.ErrAlreadyExists) {
		writeEnvelope(w, http.StatusBadRequest, CodeBadRequest, "peer broker already exists")
		return
	}
	if err != nil {
		a.log.Error("peer broker create failed", "peer", req.BrokerID, "error", err)
		writeEnvelope(w, http.StatusInternalServerError, CodeServerError, nil)
		return
	}
	if a.bridge != nil {
		a.bridge.AddRemote(row)
	}
	a.log.Info("peer broker added", "peer", row.BrokerID, "url", row.URL, "enabled", row.Enabled)
	writeSuccess(w, row)
}

func (a *ManagementAPI) handleBrokerList(w http.ResponseWriter, r *http.Request) {
	rows, err := a.store.ListPeerBrokers()
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError, CodeServerError, nil)
		return
	}
	writeSuccess(w, rows)
}

func (a *ManagementAPI) handleBrokerUpdate(w http.ResponseWriter, r *http.Request) {
	brokerID := r.PathValue("brokerId")
	var req brokerRequest
	if err := decodeBody(r, &req); err != nil || req.URL == "" {
		writeEnvelope(w, http.StatusBadRequest, CodeBadRequest, "url is required")
		return
	}
	row, err := a.store.UpdatePeerBroker(brokerID, req.URL, req.Token, req.Enabled)
	if errors.Is(err, store.ErrNotFound) {
		writeEnvelope(w, http.StatusNotFound, CodeDeviceNotFound, "peer broker not found")
		return
	}
	if err != nil {
		a.log.Error("peer broker update failed", "peer", brokerID, "error", err)
		writeEnvelope(w, http.StatusInternalServerError, CodeServerError, nil)
		return
	}
	if a.bridge != nil {
		a.bridge.UpdateRemote(row)
	}
	writeSuccess(w, row)
}

func (a *ManagementAPI) handleBrokerDelete(w http.ResponseWriter, r *http.Request) {
	brokerID := r.PathValue("brokerId")
	if err := a.store.DeletePeerBroker(brokerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeEnvelope(w, http.StatusNotFound, CodeDeviceNotFound, "peer broker not found")
			return
		}
		writeEnvelope(w, http.StatusInternalServerError, CodeServerError, nil)
		return
	}
	if a.bridge != nil {
		a.bridge.RemoveRemote(brokerID)
	}
	a.log.Info("peer broker removed", "peer", brokerID)
	writeSuccess(w, nil)
}

type shareRequest struct {
	BrokerID    string `json:"brokerId"`
	UUID        string `json:"uuid"`
	Permissions string `json:"permissions"`
}

func (a *ManagementAPI) handleShareCreate(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if err := decodeBody(r, &req); err != nil || req.BrokerID == "" || req.UUID == "" {
		writeEnvelope(w, http.StatusBadRequest, CodeBadRequest, "brokerId and uuid are required")
		return
	}
	if req.Permissions != store.PermissionRead && req.Permissions != store.PermissionReadWrite {
		writeEnvelope(w, http.StatusBadRequest, CodeBadRequest, "permissions must be read or readwrite")
		return
	}
	if _, err := a.store.GetPeerBroker(req.BrokerID); err != nil {
		writeEnvelope(w, http.StatusNotFound, CodeDeviceNotFound, "peer broker not found")
		return
	}
	dev, err := a.store.GetDeviceByUUID(req.UUID)
	if errors.Is(err, store.ErrNotFound) {
		writeEnvelope(w, http.StatusNotFound, CodeDeviceNotFound, "device not found")
		return
	}
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError, CodeServerError, nil)
		return
	}

	share, err := a.store.CreateSharedDevice(req.BrokerID, dev.ID, req.Permissions)
	if errors.Is(err, store.ErrAlreadyExists) {
		writeEnvelope(w, http.StatusBadRequest, CodeBadRequest, "share already exists")
		return
	}
	if err != nil {
		a.log.Error("share create failed", "peer", req.BrokerID, "uuid", req.UUID, "error", err)
		writeEnvelope(w, http.StatusInternalServerError, CodeServerError, nil)
		return
	}

	// The peer's view of our shares changed; push it a fresh list.
	a.engine.PushShareSync(req.BrokerID)
	a.log.Info("device shared", "peer", req.BrokerID, "uuid", req.UUID, "permissions", req.Permissions)
	writeSuccess(w, share)
}

func (a *ManagementAPI) handleShareList(w http.ResponseWriter, r *http.Request) {
	brokerID := r.PathValue("brokerId")
	shares, err := a.store.GetSharedDevicesForBroker(brokerID)
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError, CodeServerError, nil)
		return
	}
	writeSuccess(w, shares)
}

func (a *ManagementAPI) handleShareDelete(w http.ResponseWriter, r *http.Request) {
	brokerID := r.PathValue("brokerId")
	uuid := r.PathValue("uuid")

	dev, err := a.store.GetDeviceByUUID(uuid)
	if errors.Is(err, store.ErrNotFound) {
		writeEnvelope(w, http.StatusNotFound, CodeDeviceNotFound, "device not found")
		return
	}
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError, CodeServerError, nil)
		return
	}
	if err := a.store.DeleteSharedDevice(brokerID, dev.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeEnvelope(w, http.StatusNotFound, CodeDeviceNotFound, "share not found")
			return
		}
		writeEnvelope(w, http.StatusInternalServerError, CodeServerError, nil)
		return
	}

	a.engine.PushShareSync(brokerID)
	a.log.Info("device share removed", "peer", brokerID, "uuid", uuid)
	writeSuccess(w, nil)
}

func (a *ManagementAPI) handleRemoteDevices(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, a.cache.AllRemoteSharedDevices())
}

func (a *ManagementAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"brokerId":      a.cfg.BrokerID,
		"uptimeSeconds": int64(time.Since(a.startedAt).Seconds()),
		"mqtt":          a.engine.GetStats(),
		"onlineDevices": a.cache.OnlineCount(),
	}
	if a.bridge != nil {
		status["peers"] = a.bridge.PeerStates()
	}
	writeSuccess(w, status)
}

func (a *ManagementAPI) handleScheduleList(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, a.sched.List(""))
}
