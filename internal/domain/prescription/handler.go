package prescription

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/rxbox/internal/domain/identity"
	"github.com/ehr/rxbox/internal/domain/medication"
	"github.com/ehr/rxbox/pkg/pagination"
)

// ContactLookup resolves registry patients for the session.
type ContactLookup interface {
	GetContact(ctx context.Context, uid string) (*identity.Contact, error)
}

type Handler struct {
	store    *Store
	contacts ContactLookup
}

func NewHandler(store *Store, contacts ContactLookup) *Handler {
	return &Handler{store: store, contacts: contacts}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	session := api.Group("/session")
	session.GET("", h.GetSession)
	session.POST("/renew", h.Renew)
	session.POST("/medications", h.AddMedication)
	session.DELETE("/medications/:index", h.RemoveMedication)
	session.PUT("/medications/:index/comment", h.SetMedicationComment)
	session.PUT("/patient/:uid", h.SetPatient)
	session.PUT("/operator", h.SetOperator)
	session.POST("/save", h.Save)

	api.GET("/patients/:uid/files", h.ListFiles)
	api.POST("/patients/:uid/files/:name/open", h.OpenFile)
	api.DELETE("/patients/:uid/files/:name", h.DeleteFile)
}

type sessionView struct {
	Hash        string            `json:"hash"`
	PlaceDate   string            `json:"place_date"`
	Persisted   bool              `json:"persisted"`
	File        string            `json:"file,omitempty"`
	Patient     *identity.Contact `json:"patient"`
	Operator    *identity.Account `json:"operator"`
	Medications []medication.Line `json:"medications"`
}

func (h *Handler) session() sessionView {
	rec := h.store.Active()
	v := sessionView{
		Hash:        rec.Hash.String(),
		PlaceDate:   rec.PlaceDate,
		Persisted:   rec.PlaceDate != "",
		Patient:     rec.Patient,
		Operator:    rec.Operator,
		Medications: rec.Medications,
	}
	if v.Medications == nil {
		v.Medications = []medication.Line{}
	}
	if f := h.store.ActiveFile(); f != "" {
		v.File = strings.TrimSuffix(filepath.Base(f), FileExt)
	}
	return v
}

func (h *Handler) GetSession(c echo.Context) error {
	return c.JSON(http.StatusOK, h.session())
}

func (h *Handler) Renew(c echo.Context) error {
	h.store.Renew()
	return c.JSON(http.StatusOK, h.session())
}

func (h *Handler) AddMedication(c echo.Context) error {
	var line medication.Line
	if err := c.Bind(&line); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(line.EAN) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "ean is required")
	}
	h.store.AddMedication(line)
	return c.JSON(http.StatusOK, h.session())
}

func (h *Handler) RemoveMedication(c echo.Context) error {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid index")
	}
	if !h.store.RemoveMedicationAt(index) {
		return echo.NewHTTPError(http.StatusNotFound, "no medication at index")
	}
	return c.JSON(http.StatusOK, h.session())
}

func (h *Handler) SetMedicationComment(c echo.Context) error {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 || index >= len(h.store.Active().Medications) {
		return echo.NewHTTPError(http.StatusNotFound, "no medication at index")
	}
	var body struct {
		Comment string `json:"comment"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	h.store.SetMedicationComment(index, body.Comment)
	return c.JSON(http.StatusOK, h.session())
}

func (h *Handler) SetPatient(c echo.Context) error {
	contact, err := h.contacts.GetContact(c.Request().Context(), c.Param("uid"))
	if err != nil {
		if errors.Is(err, identity.ErrContactNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.store.SetPatient(contact); err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, h.session())
}

func (h *Handler) SetOperator(c echo.Context) error {
	var account identity.Account
	if err := c.Bind(&account); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	h.store.SetOperator(&account)
	return c.JSON(http.StatusOK, h.session())
}

func (h *Handler) Save(c echo.Context) error {
	rewrite, _ := strconv.ParseBool(c.QueryParam("rewrite"))
	fd, err := h.store.Save(c.Request().Context(), rewrite)
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusCreated, fd)
}

func (h *Handler) ListFiles(c echo.Context) error {
	files, err := h.store.ListFiles(c.Request().Context(), c.Param("uid"))
	if err != nil {
		return storeError(err)
	}
	p := pagination.FromContext(c)
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(files, p), len(files), p))
}

func (h *Handler) OpenFile(c echo.Context) error {
	if _, err := h.store.Open(c.Request().Context(), c.Param("uid"), c.Param("name")); err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, h.session())
}

func (h *Handler) DeleteFile(c echo.Context) error {
	uid, name := c.Param("uid"), c.Param("name")
	if !identity.IsValidUID(uid) || name != filepath.Base(name) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid file")
	}
	if !strings.HasSuffix(name, FileExt) {
		name += FileExt
	}
	if err := h.store.DeleteFile(c.Request().Context(), filepath.Join(h.store.DataDir(), uid, name)); err != nil {
		return storeError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func storeError(err error) error {
	switch {
	case errors.Is(err, ErrFileNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidUID), errors.Is(err, ErrOutsideStore), errors.Is(err, ErrParse):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNoPatient):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
