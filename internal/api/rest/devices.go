package rest

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/KevinKickass/OpenShotCore/internal/auth"
	"github.com/KevinKickass/OpenShotCore/internal/contract"
	"github.com/KevinKickass/OpenShotCore/internal/devices"
	"github.com/KevinKickass/OpenShotCore/internal/errcode"
	"github.com/KevinKickass/OpenShotCore/internal/params"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func deviceSummary(d *contract.Device) gin.H {
	id := d.Identity()
	return gin.H{
		"instance_id":   id.InstanceID,
		"contract_guid": id.ContractGUID,
		"kind":          id.Kind,
		"name":          id.Name,
		"state":         d.State(),
	}
}

// GET /api/v1/descriptors
func (s *Server) listDescriptors(c *gin.Context) {
	kinds := s.lm.DeviceManager().Loader().Kinds()
	c.JSON(http.StatusOK, gin.H{
		"kinds": kinds,
		"count": len(kinds),
	})
}

// GET /api/v1/descriptors/:kind
func (s *Server) getDescriptor(c *gin.Context) {
	desc, err := s.lm.DeviceManager().Loader().Load(c.Param("kind"))
	if err != nil {
		respondError(c, errcode.Wrap(errcode.NotFound, "descriptors.Load", err))
		return
	}
	fingerprint, err := devices.Fingerprint(desc)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"descriptor":  desc,
		"fingerprint": fingerprint,
	})
}

// POST /api/v1/descriptors/validate?format=yaml
func (s *Server) validateDescriptor(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		badRequest(c, err)
		return
	}

	ext := ".json"
	if f := strings.ToLower(c.Query("format")); f == "yaml" || f == "yml" {
		ext = ".yaml"
	}

	desc, err := s.lm.DeviceManager().Loader().Parse(body, ext)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid": true,
		"kind":  desc.Kind,
	})
}

// GET /api/v1/devices
func (s *Server) listDevices(c *gin.Context) {
	list := s.lm.DeviceManager().List()

	response := make([]gin.H, 0, len(list))
	for _, d := range list {
		response = append(response, deviceSummary(d))
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": response,
		"count":   len(response),
	})
}

// POST /api/v1/devices
func (s *Server) createDevice(c *gin.Context) {
	var req devices.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	device, err := s.lm.DeviceManager().Instantiate(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	s.logger.Info("Device instantiated via API",
		zap.String("name", device.Identity().Name),
		zap.String("by", auth.Username(c)))
	c.JSON(http.StatusCreated, deviceSummary(device))
}

func (s *Server) device(c *gin.Context) (*contract.Device, bool) {
	d, err := s.lm.DeviceManager().Lookup(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return d, true
}

// GET /api/v1/devices/:id
func (s *Server) getDevice(c *gin.Context) {
	d, ok := s.device(c)
	if !ok {
		return
	}

	response := deviceSummary(d)
	response["channels"] = d.Descriptor().Channels
	response["faults"] = d.Faults()
	if b, err := d.Binding(); err == nil {
		response["binding"] = b
	} else {
		response["binding_error"] = err.Error()
	}
	c.JSON(http.StatusOK, response)
}

// GET /api/v1/devices/:id/parameters[?path=...]
func (s *Server) getParameters(c *gin.Context) {
	d, ok := s.device(c)
	if !ok {
		return
	}

	if path := c.Query("path"); path != "" {
		canon, err := params.CanonicalPath(path)
		if err != nil {
			respondError(c, errcode.Wrap(errcode.NotFound, "rest.getParameters", err))
			return
		}
		for _, e := range d.Tree().Entries() {
			if e.Path == canon {
				c.JSON(http.StatusOK, e)
				return
			}
		}
		respondError(c, errcode.New(errcode.NotFound, "rest.getParameters", "no node %s", canon))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"parameters": d.Tree().Entries(),
		"unresolved": d.Tree().Unresolved(),
	})
}

// PUT /api/v1/devices/:id/parameters
func (s *Server) setParameter(c *gin.Context) {
	d, ok := s.device(c)
	if !ok {
		return
	}

	var req struct {
		Path  string        `json:"path" binding:"required"`
		Value *params.Value `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := d.Tree().Set(c.Request.Context(), req.Path, *req.Value); err != nil {
		respondError(c, err)
		return
	}

	s.logger.Info("Parameter written via API",
		zap.String("device", d.Identity().Name),
		zap.String("path", req.Path),
		zap.String("by", auth.Username(c)))
	c.JSON(http.StatusOK, gin.H{"path": req.Path, "value": req.Value})
}

// lifecycle wraps one device operation as a handler.
func (s *Server) lifecycle(op contract.Operation) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, ok := s.device(c)
		if !ok {
			return
		}
		if s.lm.Sequencer().Running() {
			respondError(c, errcode.New(errcode.InvalidTransition, "rest.lifecycle", "a shot is running"))
			return
		}

		var run func(context.Context) error
		switch op {
		case contract.OpCheck:
			run = d.Check
		case contract.OpConfigure:
			run = d.Configure
		case contract.OpStart:
			run = d.Start
		case contract.OpStop:
			run = d.Stop
		}

		if err := run(c.Request.Context()); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, deviceSummary(d))
	}
}

// POST /api/v1/devices/:id/demand
func (s *Server) writeDemand(c *gin.Context) {
	d, ok := s.device(c)
	if !ok {
		return
	}

	var req struct {
		Channel string    `json:"channel" binding:"required"`
		Values  []float64 `json:"values" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := d.WriteDemand(c.Request.Context(), req.Channel, req.Values); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel": req.Channel, "values": req.Values})
}

// GET /api/v1/devices/:id/faults
func (s *Server) getFaults(c *gin.Context) {
	d, ok := s.device(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"faults": d.Faults()})
}
