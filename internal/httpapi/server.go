package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"relayd/internal/core"
	"relayd/internal/files"
	"relayd/internal/protocol"
	"relayd/internal/relay"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server is the Echo application exposing the operator REST surface
// alongside the TCP relay.
type Server struct {
	echo   *echo.Echo
	state  *core.State
	files  *files.Manager
	router *relay.Router
}

// New constructs an Echo app with the health, state and file routes.
func New(state *core.State, fm *files.Manager, router *relay.Router) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, state: state, files: fm, router: router}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	if s.files != nil {
		s.echo.POST("/api/files", s.handleFileUpload)
		s.echo.GET("/api/files/:id", s.handleFileDownload)
	}
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Clients: s.state.SessionCount(),
	})
}

type stateResponse struct {
	Clients    int      `json:"clients"`
	Users      []string `json:"users"`
	Files      int      `json:"files"`
	GlobalMute bool     `json:"global_mute"`
}

func (s *Server) handleState(c echo.Context) error {
	users := s.state.NamedUsers()
	if users == nil {
		users = []string{}
	}
	return c.JSON(http.StatusOK, stateResponse{
		Clients:    s.state.SessionCount(),
		Users:      users,
		Files:      s.state.UploadCount(),
		GlobalMute: s.state.GlobalMute(),
	})
}

type fileUploadResponse struct {
	ID         string `json:"id"`
	Filename   string `json:"filename"`
	Uploader   string `json:"uploader"`
	SizeBytes  int64  `json:"size_bytes"`
	UploadedAt string `json:"uploaded_at"`
}

func (s *Server) handleFileUpload(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart file field \"file\" is required")
	}
	if fileHeader.Size > files.MaxFileSize {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file too large")
	}

	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("open uploaded file: %v", err))
	}
	defer src.Close()

	payload, err := io.ReadAll(io.LimitReader(src, files.MaxFileSize+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read uploaded file: %v", err))
	}

	uploader := strings.TrimSpace(c.FormValue("uploader"))
	if uploader == "" {
		uploader = "web"
	}

	entry, err := s.files.Put(c.Request().Context(), uploader, fileHeader.Filename, payload)
	if err != nil {
		switch {
		case errors.Is(err, files.ErrBadFilename), errors.Is(err, files.ErrBadExtension):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, files.ErrTooLarge):
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("store file: %v", err))
	}

	if s.router != nil {
		s.router.Broadcast(protocol.Packet{
			Type:     protocol.TypeFileNotify,
			From:     entry.Uploader,
			Target:   protocol.TargetEveryone,
			FileID:   entry.ID,
			Filename: entry.Filename,
			Size:     entry.Size,
			Msg:      fmt.Sprintf("%s shared a file: %s", entry.Uploader, entry.Filename),
		}, nil)
	}

	return c.JSON(http.StatusCreated, fileUploadResponse{
		ID:         entry.ID,
		Filename:   entry.Filename,
		Uploader:   entry.Uploader,
		SizeBytes:  entry.Size,
		UploadedAt: entry.UploadedAt.Format(time.RFC3339Nano),
	})
}

func (s *Server) handleFileDownload(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "file id is required")
	}

	entry, payload, err := s.files.Read(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, files.ErrFileNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "file not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("read file: %v", err))
	}

	c.Response().Header().Set(echo.HeaderContentType, "application/octet-stream")
	c.Response().Header().Set(echo.HeaderContentLength, strconv.Itoa(len(payload)))
	c.Response().Header().Set(
		echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="%s"`, safeFilename(entry.Filename)),
	)
	c.Response().WriteHeader(http.StatusOK)
	_, copyErr := c.Response().Writer.Write(payload)
	return copyErr
}

func safeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "file"
	}
	name = strings.ReplaceAll(name, `"`, "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return name
}
