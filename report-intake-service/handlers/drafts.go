package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"civicportal/client"
	"civicportal/intake"
	"civicportal/location"
	"civicportal/report"
	"civicportal/report-intake-service/drafts"
	"civicportal/report-intake-service/metrics"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	geojson "github.com/paulmach/go.geojson"
)

// Multipart overhead allowed on top of the image itself
const uploadSlack = 1 << 20

// CreateDraftRequest describes the front end opening a form.
type CreateDraftRequest struct {
	Layout      string `json:"layout"`
	Hostname    string `json:"hostname"`
	Secure      bool   `json:"secure"`
	Geolocation bool   `json:"geolocation"`
}

// UpdateDraftRequest changes text fields. Absent fields are left alone.
type UpdateDraftRequest struct {
	Description   *string `json:"description"`
	Priority      *string `json:"priority"`
	Location      *string `json:"location"`
	CustomProblem *string `json:"custom_problem"`
}

// CategoriesRequest replaces the selected categories.
type CategoriesRequest struct {
	Categories []string `json:"categories"`
}

// LocationFixRequest is the answer of the browser geolocation call: either
// coordinates or an error code.
type LocationFixRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Accuracy  float64  `json:"accuracy"`
	Error     string   `json:"error"`
}

// DraftView is the JSON form of a draft.
type DraftView struct {
	ID string `json:"id"`
	report.Snapshot
	Point         *geojson.Geometry `json:"point,omitempty"`
	LocationState string            `json:"location_state"`
	AwaitingFix   bool              `json:"awaiting_fix"`
	CreatedAt     time.Time         `json:"created_at"`
}

func view(d *drafts.Draft) DraftView {
	v := DraftView{
		ID:            d.ID,
		Snapshot:      d.Form.Snapshot(),
		LocationState: d.LocationState().String(),
		AwaitingFix:   d.Bridge.Pending(),
		CreatedAt:     d.CreatedAt,
	}
	if p := v.Snapshot.Position; p != nil {
		v.Point = geojson.NewPointGeometry([]float64{p.Longitude, p.Latitude})
	}
	return v
}

// CreateDraft handles POST /api/v1/drafts
func (h *Handlers) CreateDraft(c *gin.Context) {
	var req CreateDraftRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}

	d := h.registry.Create(report.ParseLayout(req.Layout), location.Environment{
		Hostname:  req.Hostname,
		Secure:    req.Secure,
		DeviceAPI: req.Geolocation,
	})
	d.UseToken(bearerToken(c))

	c.JSON(http.StatusCreated, view(d))
}

// GetDraft handles GET /api/v1/drafts/:id
func (h *Handlers) GetDraft(c *gin.Context) {
	d, ok := h.draft(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, view(d))
}

// DeleteDraft handles DELETE /api/v1/drafts/:id
func (h *Handlers) DeleteDraft(c *gin.Context) {
	if err := h.registry.Delete(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "draft not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// UpdateDraft handles PATCH /api/v1/drafts/:id
func (h *Handlers) UpdateDraft(c *gin.Context) {
	d, ok := h.draft(c)
	if !ok {
		return
	}

	var req UpdateDraftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	// priority first so a bad value changes nothing
	if req.Priority != nil {
		if err := d.Form.SetPriority(report.Priority(*req.Priority)); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "priority must be low, medium or high"})
			return
		}
	}
	if req.Description != nil {
		d.Form.SetDescription(*req.Description)
	}
	if req.CustomProblem != nil {
		d.Form.SetCustomProblem(*req.CustomProblem)
	}
	if req.Location != nil {
		d.Form.SetLocation(*req.Location)
	}

	c.JSON(http.StatusOK, view(d))
}

// AttachImage handles PUT /api/v1/drafts/:id/image
func (h *Handlers) AttachImage(c *gin.Context) {
	d, ok := h.draft(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, intake.MaxImageSize+uploadSlack)
	fileHeader, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.ImagesTotal.WithLabelValues("rejected").Inc()
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": intake.MsgImageTooLarge})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read uploaded file"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read uploaded file"})
		return
	}

	if err := d.Form.AttachImage(fileHeader.Filename, fileHeader.Header.Get("Content-Type"), data); err != nil {
		metrics.ImagesTotal.WithLabelValues("rejected").Inc()
		var rejection *intake.Rejection
		if !errors.As(err, &rejection) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, intake.ErrImageTooLarge):
			status = http.StatusRequestEntityTooLarge
		case errors.Is(err, intake.ErrUnsupportedType):
			status = http.StatusUnsupportedMediaType
		}
		c.JSON(status, gin.H{"error": rejection.Message})
		return
	}

	metrics.ImagesTotal.WithLabelValues("accepted").Inc()
	c.JSON(http.StatusOK, view(d))
}

// RemoveImage handles DELETE /api/v1/drafts/:id/image
func (h *Handlers) RemoveImage(c *gin.Context) {
	d, ok := h.draft(c)
	if !ok {
		return
	}
	d.Form.RemoveImage()
	c.JSON(http.StatusOK, view(d))
}

// SelectCategories handles PUT /api/v1/drafts/:id/categories
func (h *Handlers) SelectCategories(c *gin.Context) {
	d, ok := h.draft(c)
	if !ok {
		return
	}

	var req CategoriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	if err := d.Form.SelectCategories(req.Categories); err != nil {
		switch {
		case errors.Is(err, report.ErrSuggestionPending):
			c.JSON(http.StatusConflict, gin.H{"error": "category suggestions are still loading"})
		case errors.Is(err, report.ErrUnknownCategory):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, view(d))
}

// RequestLocation handles POST /api/v1/drafts/:id/location
func (h *Handlers) RequestLocation(c *gin.Context) {
	d, ok := h.draft(c)
	if !ok {
		return
	}

	if !d.StartLocation() {
		c.JSON(http.StatusConflict, gin.H{"error": "location request already in progress"})
		return
	}
	c.JSON(http.StatusAccepted, view(d))
}

// LocationFix handles POST /api/v1/drafts/:id/location/fix
func (h *Handlers) LocationFix(c *gin.Context) {
	d, ok := h.draft(c)
	if !ok {
		return
	}

	var req LocationFixRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	var (
		pos    location.Position
		fixErr error
	)
	switch {
	case req.Error != "":
		fixErr = location.ErrorFromCode(req.Error)
	case req.Latitude != nil && req.Longitude != nil:
		pos = location.Position{Latitude: *req.Latitude, Longitude: *req.Longitude, Accuracy: req.Accuracy}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "latitude and longitude, or error, are required"})
		return
	}

	if !d.Bridge.Deliver(pos, fixErr) {
		// The request already timed out or was never made
		c.JSON(http.StatusConflict, gin.H{"error": "no location request is waiting"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "delivered"})
}

// SubmitDraft handles POST /api/v1/drafts/:id/submit
func (h *Handlers) SubmitDraft(c *gin.Context) {
	d, ok := h.draft(c)
	if !ok {
		return
	}

	err := d.Form.Submit(c.Request.Context())
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"status": "submitted", "draft": view(d)})
		return
	}

	var (
		validation *report.ValidationError
		apiErr     *client.APIError
	)
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": validation.Message, "field": validation.Field})
	case errors.Is(err, report.ErrSubmitInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "submission already in progress"})
	case errors.Is(err, client.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session expired, please sign in again"})
	case errors.As(err, &apiErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to submit report: " + apiErr.Message})
	default:
		log.WithError(err).WithField("draft_id", d.ID).Error("submission failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to submit report. Please try again."})
	}
}
