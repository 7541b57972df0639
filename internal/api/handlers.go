package api

import (
	"cmp"
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/udisondev/habproxy/internal/protocol"
	"github.com/udisondev/habproxy/internal/relay"
	"github.com/udisondev/habproxy/internal/schedule"
	"github.com/udisondev/habproxy/internal/triggers"
)

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse describes the proxy state.
type StatusResponse struct {
	Connected bool           `json:"connected"`
	Listening string         `json:"listening,omitempty"`
	Rules     map[string]int `json:"rules"`
	Headers   int            `json:"headers"`
	Capture   *CaptureStats  `json:"capture,omitempty"`
}

// CaptureStats are the capture writer counters.
type CaptureStats struct {
	Saved   int64 `json:"saved"`
	Dropped int64 `json:"dropped"`
}

// HeadersResponse maps event kinds to their learned headers.
type HeadersResponse struct {
	Headers map[string]uint16 `json:"headers"`
}

// LockHeaderRequest binds an event kind to a header by hand.
type LockHeaderRequest struct {
	Header uint16 `json:"header"`
}

// RuleInfo is one installed filter rule.
type RuleInfo struct {
	Header uint16 `json:"header"`
	Kind   string `json:"kind"`
}

// FrameRequest describes a frame to build: header plus hex-encoded body.
type FrameRequest struct {
	Header uint16 `json:"header"`
	Body   string `json:"body"`
}

// ScheduleRequest starts a timed resend of a frame.
type ScheduleRequest struct {
	FrameRequest
	IntervalMS int `json:"interval_ms"`
	Burst      int `json:"burst"`
	Cycles     int `json:"cycles"`
}

// ScheduleInfo describes a schedule.
type ScheduleInfo struct {
	Target   string `json:"target"`
	Header   uint16 `json:"header"`
	Interval string `json:"interval"`
	Burst    int    `json:"burst"`
	Cycles   int    `json:"cycles"`
	Ticks    int    `json:"ticks"`
	Running  bool   `json:"running"`
	Error    string `json:"error,omitempty"`
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg})
}

// handleStatus handles GET /api/v1/status
func (s *Server) handleStatus(c *gin.Context) {
	chain := s.proxy.Filters()
	resp := StatusResponse{
		Connected: s.proxy.IsConnected(),
		Rules: map[string]int{
			protocol.Incoming.String(): len(chain.Rules(protocol.Incoming)),
			protocol.Outgoing.String(): len(chain.Rules(protocol.Outgoing)),
		},
		Headers: len(s.proxy.Correlator().Headers()),
	}
	if addr := s.proxy.Addr(); addr != nil {
		resp.Listening = addr.String()
	}
	if s.capture != nil {
		resp.Capture = &CaptureStats{Saved: s.capture.Saved(), Dropped: s.capture.Dropped()}
	}
	c.JSON(http.StatusOK, resp)
}

// handleHeaders handles GET /api/v1/headers
func (s *Server) handleHeaders(c *gin.Context) {
	out := make(map[string]uint16)
	for kind, header := range s.proxy.Correlator().Headers() {
		out[kind.String()] = header
	}
	c.JSON(http.StatusOK, HeadersResponse{Headers: out})
}

// handleLockHeader handles PUT /api/v1/headers/:kind
func (s *Server) handleLockHeader(c *gin.Context) {
	kind, ok := triggers.ParseKind(c.Param("kind"))
	if !ok {
		fail(c, http.StatusNotFound, "unknown event kind")
		return
	}
	var req LockHeaderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	s.proxy.Correlator().Lock(kind.Direction(), req.Header, kind)
	c.Status(http.StatusNoContent)
}

// handleRules handles GET /api/v1/filters/:dir
func (s *Server) handleRules(c *gin.Context) {
	dir, ok := direction(c)
	if !ok {
		return
	}
	rules := s.proxy.Filters().Rules(dir)
	out := make([]RuleInfo, 0, len(rules))
	for _, r := range rules {
		out = append(out, RuleInfo{Header: r.Header, Kind: r.Kind.String()})
	}
	c.JSON(http.StatusOK, out)
}

// handleClearRules handles DELETE /api/v1/filters/:dir
func (s *Server) handleClearRules(c *gin.Context) {
	dir, ok := direction(c)
	if !ok {
		return
	}
	s.proxy.Filters().Clear(dir)
	c.Status(http.StatusNoContent)
}

// handleBlock handles POST /api/v1/filters/:dir/block/:header
func (s *Server) handleBlock(c *gin.Context) {
	dir, header, ok := directionAndHeader(c)
	if !ok {
		return
	}
	s.proxy.Filters().Block(dir, header)
	c.Status(http.StatusNoContent)
}

// handleUnblock handles DELETE /api/v1/filters/:dir/block/:header
func (s *Server) handleUnblock(c *gin.Context) {
	dir, header, ok := directionAndHeader(c)
	if !ok {
		return
	}
	if !s.proxy.Filters().Unblock(dir, header) {
		fail(c, http.StatusNotFound, "no block rule for header")
		return
	}
	c.Status(http.StatusNoContent)
}

// handleReplace handles POST /api/v1/filters/:dir/replace/:header
func (s *Server) handleReplace(c *gin.Context) {
	dir, header, ok := directionAndHeader(c)
	if !ok {
		return
	}
	var req FrameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	msg, err := req.message(dir.Destination())
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	s.proxy.Filters().Replace(dir, header, msg)
	c.Status(http.StatusNoContent)
}

// handleUnreplace handles DELETE /api/v1/filters/:dir/replace/:header
func (s *Server) handleUnreplace(c *gin.Context) {
	dir, header, ok := directionAndHeader(c)
	if !ok {
		return
	}
	if !s.proxy.Filters().Unreplace(dir, header) {
		fail(c, http.StatusNotFound, "no replace rule for header")
		return
	}
	c.Status(http.StatusNoContent)
}

// handleInject handles POST /api/v1/inject/:target
func (s *Server) handleInject(c *gin.Context) {
	dest, ok := target(c)
	if !ok {
		return
	}
	var req FrameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	msg, err := req.message(dest)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.sender(dest)(msg); err != nil {
		if errors.Is(err, relay.ErrNotConnected) || errors.Is(err, relay.ErrClosed) {
			fail(c, http.StatusConflict, err.Error())
			return
		}
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": msg.Length() + 4})
}

// handleSchedules handles GET /api/v1/schedules
func (s *Server) handleSchedules(c *gin.Context) {
	s.mu.Lock()
	out := make([]ScheduleInfo, 0, len(s.schedules))
	for dest, sc := range s.schedules {
		out = append(out, scheduleInfo(dest, sc))
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b ScheduleInfo) int { return cmp.Compare(a.Target, b.Target) })
	c.JSON(http.StatusOK, out)
}

// handleStartSchedule handles POST /api/v1/schedules/:target
func (s *Server) handleStartSchedule(c *gin.Context) {
	dest, ok := target(c)
	if !ok {
		return
	}
	var req ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	msg, err := req.message(dest)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, exists := s.schedules[dest]; exists && old.Running() {
		fail(c, http.StatusConflict, schedule.ErrRunning.Error())
		return
	}
	sc := schedule.New(msg, time.Duration(req.IntervalMS)*time.Millisecond, req.Burst, schedule.Sender(s.sender(dest)))
	sc.Cycles = req.Cycles
	if err := sc.Start(context.Background()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, schedule.ErrInvalid) {
			status = http.StatusBadRequest
		}
		fail(c, status, err.Error())
		return
	}
	s.schedules[dest] = sc
	c.JSON(http.StatusCreated, scheduleInfo(dest, sc))
}

// handleStopSchedule handles DELETE /api/v1/schedules/:target
func (s *Server) handleStopSchedule(c *gin.Context) {
	dest, ok := target(c)
	if !ok {
		return
	}
	s.mu.Lock()
	sc, exists := s.schedules[dest]
	delete(s.schedules, dest)
	s.mu.Unlock()

	if !exists {
		fail(c, http.StatusNotFound, "no schedule for target")
		return
	}
	sc.Stop()
	c.Status(http.StatusNoContent)
}

func (s *Server) sender(dest protocol.Destination) func(*protocol.Message) error {
	if dest == protocol.DestinationServer {
		return s.proxy.SendToServer
	}
	return s.proxy.SendToClient
}

func scheduleInfo(dest protocol.Destination, sc *schedule.Schedule) ScheduleInfo {
	info := ScheduleInfo{
		Target:   dest.String(),
		Header:   sc.Message.Header(),
		Interval: sc.Interval.String(),
		Burst:    sc.Burst,
		Cycles:   sc.Cycles,
		Ticks:    sc.Ticks(),
		Running:  sc.Running(),
	}
	if err := sc.Err(); err != nil {
		info.Error = err.Error()
	}
	return info
}

func (r FrameRequest) message(dest protocol.Destination) (*protocol.Message, error) {
	body, err := hex.DecodeString(r.Body)
	if err != nil {
		return nil, errors.New("body must be hex encoded")
	}
	return protocol.FromBody(r.Header, dest, body), nil
}

func direction(c *gin.Context) (protocol.Direction, bool) {
	dir, ok := protocol.ParseDirection(c.Param("dir"))
	if !ok {
		fail(c, http.StatusBadRequest, "direction must be incoming or outgoing")
	}
	return dir, ok
}

func directionAndHeader(c *gin.Context) (protocol.Direction, uint16, bool) {
	dir, ok := direction(c)
	if !ok {
		return 0, 0, false
	}
	h, err := strconv.ParseUint(c.Param("header"), 10, 16)
	if err != nil {
		fail(c, http.StatusBadRequest, "header must be a number in 0..65535")
		return 0, 0, false
	}
	return dir, uint16(h), true
}

func target(c *gin.Context) (protocol.Destination, bool) {
	switch c.Param("target") {
	case "server":
		return protocol.DestinationServer, true
	case "client":
		return protocol.DestinationClient, true
	}
	fail(c, http.StatusBadRequest, "target must be server or client")
	return protocol.DestinationUnknown, false
}
