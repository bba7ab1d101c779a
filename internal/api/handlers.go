package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/coolantctl/internal/errors"
	"codeberg.org/mutker/coolantctl/internal/journal"
	"codeberg.org/mutker/coolantctl/internal/model"
	"codeberg.org/mutker/coolantctl/internal/regulator"
	"codeberg.org/mutker/coolantctl/internal/store"
	"github.com/gin-gonic/gin"
)

const (
	maxHistoryLimit   = store.DefaultHistorySize
	defaultEventLimit = 50
	maxEventLimit     = 500
)

type valveRequest struct {
	State string `json:"state" binding:"required"`
}

type modeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

type temperatureResponse struct {
	Current *store.Entry[model.TemperatureSample]  `json:"current,omitempty"`
	Status  model.TemperatureStatus                `json:"status,omitempty"`
	History []store.Entry[model.TemperatureSample] `json:"history"`
}

type settingsResponse struct {
	model.TemperatureSettings
	Limits model.Limits `json:"limits"`
}

type statsResponse struct {
	Store       store.Stats `json:"store"`
	Acquisition any         `json:"acquisition,omitempty"`
	Relay       any         `json:"relay,omitempty"`
}

type eventResponse struct {
	ID               string               `json:"id"`
	Time             time.Time            `json:"time"`
	Kind             journal.Kind         `json:"kind"`
	State            model.RegulatorState `json:"state"`
	PriorState       model.RegulatorState `json:"prior_state"`
	Temperature      float64              `json:"temperature"`
	ValveOpen        bool                 `json:"valve_open"`
	Switched         bool                 `json:"switched"`
	SwitchesLastHour int                  `json:"switches_last_hour"`
	Reason           string               `json:"reason,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	st := s.ctrl.Status()
	healthy := st.State != model.StateFault && st.State != model.StateEmergency

	resp := gin.H{
		"state":      st.State,
		"valve_open": st.ValveOpen,
		"alarm":      st.Alarm,
	}
	if s.stats.Acquisition != nil {
		acq := s.stats.Acquisition()
		resp["acquisition_healthy"] = acq.Healthy()
		healthy = healthy && acq.Healthy()
	}

	code := http.StatusOK
	resp["status"] = "ok"
	if !healthy {
		code = http.StatusServiceUnavailable
		resp["status"] = "degraded"
	}
	c.JSON(code, resp)
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Status())
}

// getTemperature returns the current sample and the history, optionally
// narrowed by ?since (RFC 3339 time or a duration back from now) and ?limit.
func (s *Server) getTemperature(c *gin.Context) {
	q, err := s.historyQuery(c)
	if err != nil {
		s.abort(c, http.StatusBadRequest, err)
		return
	}

	resp := temperatureResponse{
		History: store.History(s.store, store.Temperature, q),
	}
	if cur, ok := store.Current(s.store, store.Temperature); ok {
		resp.Current = &cur
		resp.Status = model.ClassifyTemperature(cur.Value.Value)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) historyQuery(c *gin.Context) (store.HistoryQuery, error) {
	errFactory := errors.New()
	var q store.HistoryQuery

	if raw := c.Query("since"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			q.Since = t
		} else if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			q.Since = s.now().Add(-d)
		} else {
			return q, errFactory.WithData(ErrInvalidRequest, "since must be an RFC 3339 time or a positive duration")
		}
	}

	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return q, errFactory.WithData(ErrInvalidRequest, "limit must be a positive integer")
		}
		q.Limit = min(n, maxHistoryLimit)
	}

	return q, nil
}

func (s *Server) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, settingsResponse{
		TemperatureSettings: s.ctrl.Settings(),
		Limits:              s.ctrl.Limits(),
	})
}

// putSettings validates the thresholds and publishes them. The regulator
// applies them from its store subscription.
func (s *Server) putSettings(c *gin.Context) {
	var req model.TemperatureSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abort(c, http.StatusBadRequest, errors.New().Wrap(ErrInvalidRequest, err))
		return
	}
	if err := req.Validate(s.ctrl.Limits().Critical); err != nil {
		s.abort(c, http.StatusBadRequest, errors.New().Wrap(regulator.ErrInvalidSettings, err))
		return
	}

	if err := store.Publish(s.store, store.TemperatureSettings, req, source); err != nil {
		s.abort(c, http.StatusServiceUnavailable, err)
		return
	}

	s.log.Info().
		Float64("max_temp", req.MaxTemp).
		Float64("min_temp", req.MinTemp).
		Str("user", c.GetString(userKey)).
		Msg("Temperature settings changed through API")

	s.getSettings(c)
}

func (s *Server) setValve(c *gin.Context) {
	var req valveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abort(c, http.StatusBadRequest, errors.New().Wrap(ErrInvalidRequest, err))
		return
	}

	var err error
	switch strings.ToLower(req.State) {
	case "on", "open":
		err = s.ctrl.SetManual(true)
	case "off", "close", "closed":
		err = s.ctrl.SetManual(false)
	case "toggle":
		err = s.ctrl.ToggleManual()
	default:
		s.abort(c, http.StatusBadRequest, errors.New().WithData(ErrInvalidRequest, "state must be on, off or toggle"))
		return
	}

	s.log.Info().
		Str("valve", req.State).
		Str("user", c.GetString(userKey)).
		AnErr("result", err).
		Msg("Manual valve command through API")

	if err != nil {
		s.abort(c, commandStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, s.ctrl.Status())
}

func (s *Server) setMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abort(c, http.StatusBadRequest, errors.New().Wrap(ErrInvalidRequest, err))
		return
	}

	var err error
	switch strings.ToLower(req.Mode) {
	case "auto":
		err = s.ctrl.Resume()
	case "manual":
		// Holding the current valve position suspends automatic control.
		err = s.ctrl.SetManual(s.ctrl.Status().ValveOpen)
	default:
		s.abort(c, http.StatusBadRequest, errors.New().WithData(ErrInvalidRequest, "mode must be auto or manual"))
		return
	}

	if err != nil {
		s.abort(c, commandStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, s.ctrl.Status())
}

func (s *Server) getStats(c *gin.Context) {
	resp := statsResponse{Store: s.store.Stats()}
	if s.stats.Acquisition != nil {
		resp.Acquisition = s.stats.Acquisition()
	}
	if s.stats.Relay != nil {
		resp.Relay = s.stats.Relay()
	}
	c.JSON(http.StatusOK, resp)
}

// getEvents returns the newest journal entries, newest first.
func (s *Server) getEvents(c *gin.Context) {
	if s.events == nil {
		c.JSON(http.StatusOK, []eventResponse{})
		return
	}

	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.abort(c, http.StatusBadRequest, errors.New().WithData(ErrInvalidRequest, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := s.events.Recent(c.Request.Context(), limit)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read journal")
		s.abort(c, http.StatusServiceUnavailable, err)
		return
	}

	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventResponse{
			ID:               e.ID,
			Time:             e.Time,
			Kind:             e.Kind,
			State:            e.State,
			PriorState:       e.PriorState,
			Temperature:      e.Temperature,
			ValveOpen:        e.ValveOpen,
			Switched:         e.Switched,
			SwitchesLastHour: e.SwitchesLastHour,
			Reason:           e.Reason,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) abort(c *gin.Context, status int, err error) {
	body := gin.H{"error": err.Error()}
	if code := errors.CodeOf(err); code != "" {
		body["code"] = code
	}
	c.AbortWithStatusJSON(status, body)
}

func commandStatus(err error) int {
	switch {
	case errors.HasCode(err, regulator.ErrEmergency):
		return http.StatusConflict
	case errors.HasCode(err, regulator.ErrActuator):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
