// Package service controls the managed systemd unit.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coreos/go-systemd/v22/dbus"
	"go.uber.org/zap"
)

// Controller is the capability the update engine needs from a process
// supervisor. The reference implementation binds it to systemd, but any
// supervisor binding satisfies the contract.
type Controller interface {
	Exists(ctx context.Context, name string) (bool, error)
	IsActive(ctx context.Context, name string) (bool, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
}

// DBusAPI is the slice of the systemd D-Bus connection the controller
// uses. Tests substitute a stub through the factory.
type DBusAPI interface {
	ListUnitsByNamesContext(ctx context.Context, units []string) ([]dbus.UnitStatus, error)
	StartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	Close()
}

// DBusAPIFactory opens a fresh D-Bus connection.
type DBusAPIFactory func(ctx context.Context) (DBusAPI, error)

// NewDBusAPI connects to the system bus.
var NewDBusAPI DBusAPIFactory = func(ctx context.Context) (DBusAPI, error) {
	return dbus.NewSystemConnectionContext(ctx)
}

// Systemd implements Controller on top of the systemd D-Bus API.
type Systemd struct {
	newConn DBusAPIFactory
	logger  *zap.SugaredLogger
}

// NewSystemd creates a systemd-backed controller.
func NewSystemd(logger *zap.SugaredLogger) *Systemd {
	return &Systemd{newConn: NewDBusAPI, logger: logger}
}

// NewSystemdWithFactory is the test seam for stubbing the bus.
func NewSystemdWithFactory(factory DBusAPIFactory, logger *zap.SugaredLogger) *Systemd {
	return &Systemd{newConn: factory, logger: logger}
}

func unitName(name string) string {
	return name + ".service"
}

func (s *Systemd) status(ctx context.Context, name string) (*dbus.UnitStatus, error) {
	conn, err := s.newConn(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to systemd: %w", err)
	}
	defer conn.Close()

	unit := unitName(name)
	units, err := conn.ListUnitsByNamesContext(ctx, []string{unit})
	if err != nil {
		return nil, fmt.Errorf("querying unit %s: %w", unit, err)
	}
	for i := range units {
		if units[i].Name == unit {
			return &units[i], nil
		}
	}
	return nil, nil
}

// Exists reports whether the unit file is known to systemd.
func (s *Systemd) Exists(ctx context.Context, name string) (bool, error) {
	st, err := s.status(ctx, name)
	if err != nil {
		return false, err
	}
	return st != nil && st.LoadState != "not-found", nil
}

// IsActive reports whether the unit is currently active.
func (s *Systemd) IsActive(ctx context.Context, name string) (bool, error) {
	st, err := s.status(ctx, name)
	if err != nil {
		return false, err
	}
	return st != nil && st.ActiveState == "active", nil
}

// Start starts the unit and waits for the queued job to finish.
func (s *Systemd) Start(ctx context.Context, name string) error {
	return s.runJob(ctx, name, "start")
}

// Stop stops the unit and waits for the queued job to finish.
func (s *Systemd) Stop(ctx context.Context, name string) error {
	return s.runJob(ctx, name, "stop")
}

func (s *Systemd) runJob(ctx context.Context, name, op string) error {
	conn, err := s.newConn(ctx)
	if err != nil {
		return fmt.Errorf("connecting to systemd: %w", err)
	}
	defer conn.Close()

	unit := unitName(name)
	s.logger.Debugf("systemd %s %s", op, unit)

	statusCh := make(chan string, 1)
	switch op {
	case "start":
		_, err = conn.StartUnitContext(ctx, unit, "fail", statusCh)
	case "stop":
		_, err = conn.StopUnitContext(ctx, unit, "fail", statusCh)
	default:
		return fmt.Errorf("unsupported unit operation %q", op)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, unit, err)
	}

	select {
	case result := <-statusCh:
		if result != "done" {
			return fmt.Errorf("%s %s: job finished with result %q", op, unit, result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitActive polls ctl until the unit reports active, with a fixed number
// of attempts at a fixed interval. Returns an error when the unit never
// became active within the attempt budget.
func WaitActive(ctx context.Context, ctl Controller, name string, attempts int, interval time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}

	op := func() error {
		active, err := ctl.IsActive(ctx, name)
		if err != nil {
			return err
		}
		if !active {
			return errors.New("unit not active yet")
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("service %s did not become active after %d attempts: %w", name, attempts, err)
	}
	return nil
}
