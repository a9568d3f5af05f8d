package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/itskum47/FleetRoll/control_plane/coordination"
	"github.com/itskum47/FleetRoll/control_plane/errs"
	"github.com/itskum47/FleetRoll/control_plane/execution"
	"github.com/itskum47/FleetRoll/control_plane/idempotency"
	"github.com/itskum47/FleetRoll/control_plane/observability"
	"github.com/itskum47/FleetRoll/control_plane/planner"
	"github.com/itskum47/FleetRoll/control_plane/store"
	"github.com/itskum47/FleetRoll/control_plane/timeline"
	"github.com/itskum47/FleetRoll/control_plane/versioning"
)

const idempotencyHeader = "X-Idempotency-Key"

// API is a thin JSON adapter over the rollout core.
type API struct {
	store     store.Store
	resolver  *planner.Resolver
	planner   *planner.Planner
	lifecycle *planner.Lifecycle
	engine    *execution.Engine
	pending   *execution.PendingQuery
	timeline  *timeline.Store
	hub       *EventHub
	elector   *coordination.LeaderElector // nil without Redis

	idempotency *idempotency.Store

	// Storm Protection
	resultLimiter *rate.Limiter

	nodeID string
	now    func() time.Time
}

type APIDeps struct {
	Store       store.Store
	Planner     *planner.Planner
	Engine      *execution.Engine
	Timeline    *timeline.Store
	Hub         *EventHub
	Elector     *coordination.LeaderElector
	Idempotency *idempotency.Store
	ResultRate  float64
	ResultBurst int
	NodeID      string
}

func NewAPI(d APIDeps) *API {
	if d.Idempotency == nil {
		d.Idempotency = idempotency.NewStore()
	}
	if d.Timeline == nil {
		d.Timeline = timeline.NewStore(timeline.DefaultRetention)
	}
	return &API{
		store:         d.Store,
		resolver:      planner.NewResolver(d.Store),
		planner:       d.Planner,
		lifecycle:     planner.NewLifecycle(d.Store),
		engine:        d.Engine,
		pending:       execution.NewPendingQuery(d.Store),
		timeline:      d.Timeline,
		hub:           d.Hub,
		elector:       d.Elector,
		idempotency:   d.Idempotency,
		resultLimiter: rate.NewLimiter(rate.Limit(d.ResultRate), d.ResultBurst),
		nodeID:        d.NodeID,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Routes builds the HTTP handler.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, instrument(pattern, h))
	}

	handle("GET /health", a.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	if a.hub != nil {
		mux.Handle("GET /stream", a.hub)
	}

	// Devices
	handle("GET /devices", a.handleListDevices)
	handle("POST /devices", a.handleUpsertDevice)
	handle("GET /devices/{id}", a.handleGetDevice)
	handle("POST /devices/{id}/heartbeat", a.handleHeartbeat)
	handle("POST /devices/{id}/packages", a.handleAddInstalledPackage)
	handle("DELETE /devices/{id}/packages/{packageID}", a.handleRemoveInstalledPackage)
	handle("GET /devices/{id}/pending-updates", a.handleGetPendingUpdates)

	// Packages and updates
	handle("POST /packages", a.withIdempotency(a.handleCreatePackage))
	handle("GET /packages/{id}", a.handleGetPackage)
	handle("POST /updates", a.withIdempotency(a.handleCreateUpdate))
	handle("GET /updates/{id}", a.handleGetUpdate)
	handle("POST /updates/{id}/packages", a.handleAddUpdatePackage)
	handle("GET /updates/{id}/affected-devices", a.handleAffectedDevices)

	// Plans
	handle("POST /plans", a.withIdempotency(a.handleGeneratePlan))
	handle("GET /plans/{id}", a.handleGetPlan)
	handle("POST /plans/{id}/approve", a.withIdempotency(a.handleApprovePlan))
	handle("POST /plans/{id}/reject", a.withIdempotency(a.handleRejectPlan))
	handle("GET /plans/{id}/batches", a.handleGetBatches)
	handle("POST /plans/{id}/batches/{batchID}/devices", a.handleAddBatchDevice)
	handle("DELETE /plans/{id}/batches/{batchID}/devices/{deviceID}", a.handleRemoveBatchDevice)
	handle("POST /plans/{id}/devices/{deviceID}/move", a.handleMoveDevice)

	// Executions
	handle("POST /executions", a.withIdempotency(a.handleCreateExecution))
	handle("GET /executions/{id}", a.handleGetExecution)
	handle("POST /executions/{id}/start", a.withIdempotency(a.handleStartBatch))
	handle("POST /executions/{id}/results", a.handleDeviceResult)
	handle("POST /executions/{id}/complete", a.withIdempotency(a.handleCompleteExecution))
	handle("POST /executions/{id}/abandon", a.withIdempotency(a.handleAbandonExecution))
	handle("GET /executions/{id}/timeline", a.handleTimeline)

	// Execution batches
	handle("POST /execution-batches/{id}/check", a.handleCheckBatch)
	handle("POST /execution-batches/{id}/end-monitoring", a.handleEndMonitoring)
	handle("POST /execution-batches/{id}/next", a.withIdempotency(a.handleStartNextBatch))

	return mux
}

// statusRecorder captures the response for metrics and idempotency replay.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
	capture    bool
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.capture {
		r.body = append(r.body, b...)
	}
	return r.ResponseWriter.Write(b)
}

func instrument(route string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)
		observability.APIRequests.WithLabelValues(route, strconv.Itoa(rec.statusCode)).Inc()
	})
}

// withIdempotency replays the first recorded response for a repeated
// X-Idempotency-Key. Server errors are not recorded so they can be retried.
func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(idempotencyHeader)
		if key == "" {
			next(w, r)
			return
		}
		key = r.Method + " " + r.URL.Path + " " + key

		resp, found, err := a.idempotency.Get(r.Context(), key)
		if err != nil {
			log.Warn().Err(err).Msg("idempotency lookup failed, serving request")
		}
		if found {
			observability.IdempotentReplays.Inc()
			for k, v := range resp.Headers {
				for _, val := range v {
					w.Header().Add(k, val)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK, capture: true}
		next(rec, r)
		if rec.statusCode >= http.StatusInternalServerError {
			return
		}

		err = a.idempotency.Set(r.Context(), key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    map[string][]string{"Content-Type": {"application/json"}},
		})
		if err != nil {
			log.Warn().Err(err).Msg("record idempotent response failed")
		}
	}
}

// writeRateLimitError writes a 429 response with a jittered Retry-After.
func (a *API) writeRateLimitError(w http.ResponseWriter) {
	observability.RateLimitedRequests.Inc()

	// Jitter: 1s base + 0-1000ms random
	retryAfter := 1000 + rand.Intn(1000)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter/1000))
	writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "RateLimited", "message": "too many requests"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("encode response failed")
	}
}

func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindInvalidState, errs.KindMembershipConflict:
		return http.StatusConflict
	case errs.KindEmptyCollection:
		return http.StatusUnprocessableEntity
	case errs.KindMalformedInput:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	code := errs.CodeOf(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		code = "Internal"
	} else {
		log.Debug().Err(err).Str("path", r.URL.Path).Msg("request rejected")
	}
	writeJSON(w, status, map[string]string{"error": code, "message": err.Error()})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.ErrInvalidArgument.With("invalid request body: %v", err)
	}
	return nil
}

func required(fields map[string]string) error {
	for name, v := range fields {
		if v == "" {
			return errs.ErrInvalidArgument.With("%s is required", name)
		}
	}
	return nil
}

func orNewID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

// -- Health --

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":  "ok",
		"node_id": a.nodeID,
	}
	if a.elector != nil {
		resp["leader"] = a.elector.GetState()
	}
	writeJSON(w, http.StatusOK, resp)
}

// -- Devices --

func (a *API) handleListDevices(w http.ResponseWriter, r *http.Request) {
	var (
		devices []*store.Device
		err     error
	)
	if status := store.DeviceStatus(r.URL.Query().Get("status")); status != "" {
		if !status.IsValid() {
			writeError(w, r, errs.ErrInvalidArgument.With("unknown device status %q", status))
			return
		}
		devices, err = a.store.ListDevicesByStatus(r.Context(), status)
	} else {
		devices, err = a.store.ListDevices(r.Context())
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (a *API) handleUpsertDevice(w http.ResponseWriter, r *http.Request) {
	var d store.Device
	if err := decode(r, &d); err != nil {
		writeError(w, r, err)
		return
	}
	if err := required(map[string]string{"device_id": d.DeviceID}); err != nil {
		writeError(w, r, err)
		return
	}
	if d.Status == "" {
		d.Status = store.DeviceOnline
	}
	if !d.Status.IsValid() {
		writeError(w, r, errs.ErrInvalidArgument.With("unknown device status %q", d.Status))
		return
	}
	if d.LastHeartbeat.IsZero() {
		d.LastHeartbeat = a.now()
	}
	if err := a.store.UpsertDevice(r.Context(), &d); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, err := a.store.GetDevice(r.Context(), id)
	if err == nil && d == nil {
		err = errs.ErrDeviceNotFound.With("device %s", id)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := a.store.UpdateDeviceHeartbeat(r.Context(), r.PathValue("id"), a.now()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleAddInstalledPackage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PackageID string `json:"package_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := required(map[string]string{"package_id": req.PackageID}); err != nil {
		writeError(w, r, err)
		return
	}
	ip := &store.InstalledPackage{DeviceID: r.PathValue("id"), PackageID: req.PackageID, InstalledAt: a.now()}
	if err := a.store.AddInstalledPackage(r.Context(), ip); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ip)
}

func (a *API) handleRemoveInstalledPackage(w http.ResponseWriter, r *http.Request) {
	if err := a.store.RemoveInstalledPackage(r.Context(), r.PathValue("id"), r.PathValue("packageID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGetPendingUpdates(w http.ResponseWriter, r *http.Request) {
	pending, err := a.pending.GetPendingUpdates(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

// -- Packages & Updates --

func (a *API) handleCreatePackage(w http.ResponseWriter, r *http.Request) {
	var p store.Package
	if err := decode(r, &p); err != nil {
		writeError(w, r, err)
		return
	}
	if err := required(map[string]string{"name": p.Name, "version": p.Version}); err != nil {
		writeError(w, r, err)
		return
	}
	if err := versioning.Validate(p.Version); err != nil {
		writeError(w, r, err)
		return
	}
	p.PackageID = orNewID(p.PackageID)
	if p.Status == "" {
		p.Status = store.PackagePublished
	}
	if err := a.store.CreatePackage(r.Context(), &p); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) handleGetPackage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := a.store.GetPackage(r.Context(), id)
	if err == nil && p == nil {
		err = errs.ErrPackageNotFound.With("package %s", id)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleCreateUpdate(w http.ResponseWriter, r *http.Request) {
	var u store.Update
	if err := decode(r, &u); err != nil {
		writeError(w, r, err)
		return
	}
	if err := required(map[string]string{"name": u.Name, "version": u.Version}); err != nil {
		writeError(w, r, err)
		return
	}
	u.UpdateID = orNewID(u.UpdateID)
	if u.Status == "" {
		u.Status = store.UpdateDraft
	}
	if err := a.store.CreateUpdate(r.Context(), &u); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (a *API) handleGetUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	u, err := a.store.GetUpdate(r.Context(), id)
	if err == nil && u == nil {
		err = errs.ErrUpdateNotFound.With("update %s", id)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	packages, err := a.store.ListUpdatePackages(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"update": u, "packages": packages})
}

func (a *API) handleAddUpdatePackage(w http.ResponseWriter, r *http.Request) {
	var up store.UpdatePackage
	if err := decode(r, &up); err != nil {
		writeError(w, r, err)
		return
	}
	up.UpdateID = r.PathValue("id")
	if err := required(map[string]string{"package_id": up.PackageID}); err != nil {
		writeError(w, r, err)
		return
	}
	if up.Action == "" {
		up.Action = store.ActionInstall
	}
	if err := a.store.AddUpdatePackage(r.Context(), &up); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, up)
}

func (a *API) handleAffectedDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := a.resolver.Resolve(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

// -- Plans --

func (a *API) handleGeneratePlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UpdateID  string   `json:"update_id"`
		DeviceIDs []string `json:"device_ids"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := required(map[string]string{"update_id": req.UpdateID}); err != nil {
		writeError(w, r, err)
		return
	}
	plan, err := a.planner.Generate(r.Context(), req.UpdateID, req.DeviceIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (a *API) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := a.lifecycle.GetPlan(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (a *API) handleApprovePlan(w http.ResponseWriter, r *http.Request) {
	plan, err := a.lifecycle.Approve(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (a *API) handleRejectPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := a.lifecycle.Reject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (a *API) handleGetBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := a.lifecycle.GetBatches(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

func (a *API) handleAddBatchDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"device_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := required(map[string]string{"device_id": req.DeviceID}); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.lifecycle.AddDeviceToBatch(r.Context(), r.PathValue("id"), r.PathValue("batchID"), req.DeviceID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "added"})
}

func (a *API) handleRemoveBatchDevice(w http.ResponseWriter, r *http.Request) {
	err := a.lifecycle.RemoveDeviceFromBatch(r.Context(), r.PathValue("id"), r.PathValue("batchID"), r.PathValue("deviceID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMoveDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromBatchID string `json:"from_batch_id"`
		ToBatchID   string `json:"to_batch_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := required(map[string]string{"from_batch_id": req.FromBatchID, "to_batch_id": req.ToBatchID}); err != nil {
		writeError(w, r, err)
		return
	}
	err := a.lifecycle.MoveDevice(r.Context(), r.PathValue("id"), req.FromBatchID, req.ToBatchID, r.PathValue("deviceID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "moved"})
}

// -- Executions --

func (a *API) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlanID string `json:"plan_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := required(map[string]string{"plan_id": req.PlanID}); err != nil {
		writeError(w, r, err)
		return
	}
	exec, err := a.engine.CreateFromPlan(r.Context(), req.PlanID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, exec)
}

func (a *API) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := a.engine.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (a *API) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	start, err := a.engine.StartBatch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, start)
}

// handleDeviceResult is the device callback. It is rate limited because a
// whole batch tends to report at once.
func (a *API) handleDeviceResult(w http.ResponseWriter, r *http.Request) {
	if !a.resultLimiter.Allow() {
		a.writeRateLimitError(w)
		return
	}
	var req struct {
		DeviceID string `json:"device_id"`
		Success  *bool  `json:"success"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := required(map[string]string{"device_id": req.DeviceID}); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Success == nil {
		writeError(w, r, errs.ErrInvalidArgument.With("success is required"))
		return
	}
	if err := a.engine.RecordDeviceUpdateResult(r.Context(), r.PathValue("id"), req.DeviceID, *req.Success); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (a *API) handleCompleteExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := a.engine.CompleteExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (a *API) handleAbandonExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := a.engine.AbandonExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (a *API) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if topic := r.URL.Query().Get("topic"); topic != "" {
		writeJSON(w, http.StatusOK, a.timeline.EventsByTopic(id, topic))
		return
	}
	writeJSON(w, http.StatusOK, a.timeline.Events(id))
}

// -- Execution batches --

func (a *API) handleCheckBatch(w http.ResponseWriter, r *http.Request) {
	check, err := a.engine.CheckBatchCompletion(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (a *API) handleEndMonitoring(w http.ResponseWriter, r *http.Request) {
	check, err := a.engine.EndMonitoringPeriod(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (a *API) handleStartNextBatch(w http.ResponseWriter, r *http.Request) {
	next, err := a.engine.StartNextBatch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if next == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"next_batch": nil, "last_batch": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"next_batch": next, "last_batch": false})
}
