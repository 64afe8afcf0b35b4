package inbox

import (
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/labstack/echo/v4"

	"github.com/ehr/rxbox/internal/domain/identity"
	"github.com/ehr/rxbox/internal/domain/prescription"
)

type Handler struct {
	pipeline *Pipeline
}

func NewHandler(pipeline *Pipeline) *Handler {
	return &Handler{pipeline: pipeline}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/imports", h.Import)
}

type importResponse struct {
	Outcome  string                       `json:"outcome"`
	File     *prescription.FileDescriptor `json:"file,omitempty"`
	Contact  *identity.Contact            `json:"contact,omitempty"`
	Migrated bool                         `json:"migrated"`
	PrevUID  string                       `json:"prev_uid,omitempty"`
	Error    string                       `json:"error,omitempty"`
}

// Import accepts either a multipart upload in the "file" field or a JSON
// body {"path": "..."} naming a file on the server.
func (h *Handler) Import(c echo.Context) error {
	src, cleanup, err := importSource(c)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := h.pipeline.Import(c.Request().Context(), src)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	body := importResponse{
		Outcome:  res.Outcome.String(),
		File:     res.File,
		Contact:  res.Contact,
		Migrated: res.Migrated,
		PrevUID:  res.PrevUID,
	}
	if res.Err != nil {
		body.Error = res.Err.Error()
	}

	status := http.StatusOK
	switch res.Outcome {
	case OutcomeOk:
		status = http.StatusCreated
	case OutcomeInvalid:
		status = http.StatusUnprocessableEntity
	case OutcomeRejected:
		status = http.StatusConflict
	}
	return c.JSON(status, body)
}

func importSource(c echo.Context) (string, func(), error) {
	noop := func() {}

	if fh, err := c.FormFile("file"); err == nil {
		dir, err := os.MkdirTemp("", "rxbox-upload-")
		if err != nil {
			return "", noop, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		cleanup := func() { os.RemoveAll(dir) }

		in, err := fh.Open()
		if err != nil {
			cleanup()
			return "", noop, echo.NewHTTPError(http.StatusBadRequest, "unreadable upload")
		}
		defer in.Close()

		name := filepath.Base(fh.Filename)
		if name == "." || name == string(filepath.Separator) {
			name = "upload" + prescription.FileExt
		}
		dst := filepath.Join(dir, name)
		out, err := os.Create(dst)
		if err != nil {
			cleanup()
			return "", noop, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			cleanup()
			return "", noop, echo.NewHTTPError(http.StatusBadRequest, "unreadable upload")
		}
		if err := out.Close(); err != nil {
			cleanup()
			return "", noop, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return dst, cleanup, nil
	}

	var body struct {
		Path string `json:"path"`
	}
	if err := c.Bind(&body); err != nil || body.Path == "" {
		return "", noop, echo.NewHTTPError(http.StatusBadRequest, "file upload or path is required")
	}
	return body.Path, noop, nil
}
