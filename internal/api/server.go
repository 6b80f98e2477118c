// Package api is the HTTP/JSON transport for internal/control, bound
// to a unix-domain socket per spec.md §6. Grounded directly on
// cmd/driver/hasher-host/main.go's runAPIServer: gin.New() +
// gin.Recovery() + route group + graceful net/http.Server shutdown,
// generalized from a TCP :port listener to a filesystem socket and
// from the teacher's /api/v1/... inference routes to spec.md §6's
// verbatim endpoint set.
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/user"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sys/unix"

	"github.com/hatlabs/halpid/internal/control"
)

// Server is the local IPC control endpoint's HTTP front end.
type Server struct {
	endpoint    *control.Endpoint
	socketPath  string
	socketGroup string

	httpServer *http.Server
}

// New builds a Server; call Serve to bind the socket and start
// accepting requests.
func New(endpoint *control.Endpoint, socketPath, socketGroup string) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{endpoint: endpoint, socketPath: socketPath, socketGroup: socketGroup}
	s.routes(router)
	s.httpServer = &http.Server{Handler: router}
	return s
}

func (s *Server) routes(router *gin.Engine) {
	router.GET("/values", s.handleValues)
	router.GET("/values/:key", s.handleValue)
	router.GET("/config", s.handleConfig)
	router.GET("/config/:key", s.handleConfigValue)
	router.PUT("/config/:key", s.handlePutConfigValue)
	router.GET("/usb", s.handleUSBAll)
	router.GET("/usb/:port", s.handleUSBPort)
	router.PUT("/usb/:port", s.handlePutUSBPort)
	router.POST("/shutdown", s.handleShutdown)
	router.POST("/standby", s.handleStandby)
	router.POST("/flash", s.handleFlash)
}

// Serve binds the unix socket (removing any stale file left by a
// previous unclean exit), sets its mode and group ownership, and
// serves until ctx is cancelled, at which point it shuts down
// gracefully with a 5s drain, matching the teacher's
// context.WithTimeout(5*time.Second) pattern.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.RemoveAll(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("api: remove stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("api: listen on %s: %w", s.socketPath, err)
	}

	if err := unix.Chmod(s.socketPath, 0660); err != nil {
		log.Printf("api: chmod %s: %v", s.socketPath, err)
	}
	if err := chownGroup(s.socketPath, s.socketGroup); err != nil {
		log.Printf("api: set group %s on %s: %v", s.socketGroup, s.socketPath, err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("api: shutdown: %v", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func chownGroup(path, group string) error {
	if group == "" {
		return nil
	}
	g, err := user.LookupGroup(group)
	if err != nil {
		return err
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return err
	}
	return unix.Chown(path, -1, gid)
}
