package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// PipeWire manages PipeWire/JACK port operations
type PipeWire struct {
	// listPorts returns the raw `pw-link -io` output; replaced in tests.
	listPorts func(ctx context.Context) ([]byte, error)
	link      func(ctx context.Context, args ...string) ([]byte, error)
}

// NewPipeWire creates a new PipeWire instance
func NewPipeWire() *PipeWire {
	return &PipeWire{
		listPorts: func(ctx context.Context) ([]byte, error) {
			return exec.CommandContext(ctx, "pw-link", "-io").Output()
		},
		link: func(ctx context.Context, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, "pw-link", args...).CombinedOutput()
		},
	}
}

// ListPorts returns all available JACK ports via PipeWire
func (pw *PipeWire) ListPorts(ctx context.Context) ([]string, error) {
	output, err := pw.listPorts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list PipeWire ports: %w", err)
	}
	return parsePortList(string(output)), nil
}

func parsePortList(output string) []string {
	var ports []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "Input ports:") && !strings.HasPrefix(line, "Output ports:") {
			ports = append(ports, line)
		}
	}
	return ports
}

// ValidatePort checks if a specific port exists and has no duplicates
func (pw *PipeWire) ValidatePort(ctx context.Context, portName string) error {
	if portName == "" || portName == "disabled" {
		return nil
	}

	allPorts, err := pw.ListPorts(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	return validatePortInList(portName, allPorts)
}

func validatePortInList(portName string, allPorts []string) error {
	duplicates := findPortDuplicatesInList(portName, allPorts)
	if len(duplicates) == 0 {
		return fmt.Errorf("%w: port not found: %s", ErrDeviceUnavailable, portName)
	}
	if len(duplicates) > 1 {
		return fmt.Errorf("%w: duplicate sources detected for '%s': %v. Please close conflicting applications", ErrDeviceUnavailable, portName, duplicates)
	}
	return nil
}

// findPortDuplicatesInList finds all ports with exactly the same name
func findPortDuplicatesInList(portName string, allPorts []string) []string {
	var duplicates []string
	for _, port := range allPorts {
		if port == portName {
			duplicates = append(duplicates, port)
		}
	}
	return duplicates
}

// portExists checks if a port exists in the current JACK graph
func (pw *PipeWire) portExists(ctx context.Context, portName string) bool {
	ports, err := pw.ListPorts(ctx)
	if err != nil {
		slog.Debug("Failed to check port existence", "port", portName, "error", err)
		return false
	}
	return len(findPortDuplicatesInList(portName, ports)) > 0
}

// WaitForPort polls until portName appears or ctx ends.
func (pw *PipeWire) WaitForPort(ctx context.Context, portName string) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if pw.portExists(ctx, portName) {
			slog.Debug("JACK port found", "port", portName)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for JACK port %s: %w", portName, ctx.Err())
		case <-ticker.C:
		}
	}
}

// ConnectPortsWithRetry connects two JACK ports, retrying while the source
// port is still appearing
func (pw *PipeWire) ConnectPortsWithRetry(ctx context.Context, sourcePort, destPort string) error {
	var maxRetries int
	var retryDelay time.Duration

	if isEphemeralPort(sourcePort) {
		// Browsers and streaming apps may take longer to appear
		maxRetries = 15
		retryDelay = 1 * time.Second
		slog.Debug("Using ephemeral port retry strategy", "source", sourcePort, "retries", maxRetries)
	} else {
		maxRetries = 5
		retryDelay = 500 * time.Millisecond
		slog.Debug("Using hardware port retry strategy", "source", sourcePort, "retries", maxRetries)
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if pw.portExists(ctx, sourcePort) {
			err := pw.connectPorts(ctx, sourcePort, destPort)
			if err == nil {
				slog.Debug("Successfully connected ports", "source", sourcePort, "dest", destPort, "attempt", attempt)
				return nil
			}
			slog.Debug("Connection attempt failed", "source", sourcePort, "dest", destPort, "attempt", attempt, "error", err)
		} else {
			slog.Debug("Source port not yet available", "source", sourcePort, "attempt", attempt)
		}

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return fmt.Errorf("failed to connect %s to %s: %w", sourcePort, destPort, ctx.Err())
			case <-time.After(retryDelay):
			}
		}
	}

	return fmt.Errorf("%w: failed to connect %s to %s after %d attempts", ErrDeviceUnavailable, sourcePort, destPort, maxRetries)
}

func (pw *PipeWire) connectPorts(ctx context.Context, sourcePort, destPort string) error {
	output, err := pw.link(ctx, sourcePort, destPort)
	if err != nil {
		return fmt.Errorf("failed to connect ports: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	slog.Debug("Connected ports successfully", "source", sourcePort, "dest", destPort)
	return nil
}

// isEphemeralPort determines if a port belongs to an application that may
// appear late (browser, call software)
func isEphemeralPort(portName string) bool {
	lowerPort := strings.ToLower(portName)

	ephemeralApps := []string{
		"chrome", "firefox", "discord", "zoom", "teams", "slack",
		"obs", "skype", "jitsi", "mumble",
	}

	for _, app := range ephemeralApps {
		if strings.Contains(lowerPort, app) {
			return true
		}
	}

	return false
}
