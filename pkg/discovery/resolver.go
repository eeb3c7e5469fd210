package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"deskmail/pkg/log"
	"deskmail/pkg/models"
)

const (
	// DefaultPort is where the backend listens when started by hand.
	DefaultPort = 8000

	// PortEnvVar overrides the port when no port file is present.
	PortEnvVar = "DESKMAIL_BACKEND_PORT"

	portFilePerm = 0o600
	portDirPerm  = 0o700
)

// Resolver produces the first endpoint to probe. It never touches the network.
type Resolver struct {
	// PinnedURL wins over everything else when set.
	PinnedURL string
	// PortFile is written by the launcher with the dynamically assigned port.
	PortFile    string
	DefaultPort int

	getenv func(string) string
}

// ResolveInitialEndpoint returns the best guess for the backend location:
// pinned URL, then port file, then PortEnvVar, then the default port on loopback.
func (r Resolver) ResolveInitialEndpoint() models.Endpoint {
	if r.PinnedURL != "" {
		ep, err := models.NewEndpoint(r.PinnedURL)
		if err == nil {
			return ep
		}
		log.Warn().Err(err).Str("url", r.PinnedURL).Msg("Ignoring invalid pinned backend URL")
	}

	if r.PortFile != "" {
		port, err := ReadPortFile(r.PortFile)
		if err == nil {
			return models.LoopbackEndpoint(port)
		}
		if !os.IsNotExist(err) {
			log.Debug().Err(err).Str("port_file", r.PortFile).Msg("Port file unusable")
		}
	}

	getenv := r.getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if raw := getenv(PortEnvVar); raw != "" {
		if port, err := parsePort(raw); err == nil {
			return models.LoopbackEndpoint(port)
		}
		log.Warn().Str(PortEnvVar, raw).Msg("Ignoring invalid backend port")
	}

	port := r.DefaultPort
	if port <= 0 {
		port = DefaultPort
	}
	return models.LoopbackEndpoint(port)
}

// ReadPortFile returns the port recorded at path.
func ReadPortFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	port, err := parsePort(string(data))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInvalidPortFile, path, err)
	}
	return port, nil
}

// WritePortFile records port at path, creating the parent directory.
func WritePortFile(path string, port int) error {
	if err := os.MkdirAll(filepath.Dir(path), portDirPerm); err != nil {
		return fmt.Errorf("creating port file directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(port)+"\n"), portFilePerm); err != nil {
		return fmt.Errorf("writing port file: %w", err)
	}
	return nil
}

func parsePort(raw string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}
