package identity

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/contacts/:uid", h.GetContact)
	api.POST("/contacts", h.CreateContact)
	api.PUT("/contacts/:uid", h.UpdateContact)
}

func (h *Handler) GetContact(c echo.Context) error {
	contact, err := h.svc.GetContact(c.Request().Context(), c.Param("uid"))
	if err != nil {
		return contactError(err)
	}
	return c.JSON(http.StatusOK, contact)
}

func (h *Handler) CreateContact(c echo.Context) error {
	var contact Contact
	if err := c.Bind(&contact); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.CreateContact(c.Request().Context(), &contact); err != nil {
		return contactError(err)
	}
	return c.JSON(http.StatusCreated, &contact)
}

func (h *Handler) UpdateContact(c echo.Context) error {
	var contact Contact
	if err := c.Bind(&contact); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	contact.UID = c.Param("uid")
	if err := h.svc.UpdateContact(c.Request().Context(), &contact); err != nil {
		return contactError(err)
	}
	return c.JSON(http.StatusOK, &contact)
}

func contactError(err error) error {
	switch {
	case errors.Is(err, ErrContactNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, ErrUIDMismatch):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrContactExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
