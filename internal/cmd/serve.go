package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sharpie7/tinyusb/device/loopback"
	"github.com/sharpie7/tinyusb/hcd"
	"github.com/sharpie7/tinyusb/internal/configpaths"
	"github.com/sharpie7/tinyusb/internal/log"
	"github.com/sharpie7/tinyusb/internal/server/api"
	"github.com/sharpie7/tinyusb/internal/server/api/auth"
	"github.com/sharpie7/tinyusb/internal/server/api/handler"
	"github.com/sharpie7/tinyusb/internal/sim"
	"github.com/sharpie7/tinyusb/usb"
	"github.com/sharpie7/tinyusb/virtualbus"
)

const keyFileName = "ehcid.key.txt"

// Version is stamped at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

type Serve struct {
	HcdConfig         hcd.Config       `embed:"" prefix:"hcd."`
	SimConfig         sim.Config       `embed:"" prefix:"sim."`
	ApiServerConfig   api.ServerConfig `embed:"" prefix:"api."`
	Loopback          bool             `help:"Attach a bulk loopback device at address 0 for enumeration" default:"true" env:"EHCID_LOOPBACK"`
	LoopbackSpeed     string           `help:"Speed of the loopback device" enum:"full,high" default:"high" env:"EHCID_LOOPBACK_SPEED"`
	ConnectionTimeout time.Duration    `help:"API connection timeout" default:"30s" env:"EHCID_CONNECTION_TIMEOUT"`
}

// Run is called by Kong when the serve command is executed.
func (s *Serve) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.StartServer(ctx, logger, rawLogger)
}

// StartServer builds the controller stack and serves the API until ctx is
// cancelled or the schedule engine fails.
func (s *Serve) StartServer(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	s.ApiServerConfig.ConnectionTimeout = s.ConnectionTimeout
	if s.ApiServerConfig.Addr == "" {
		return errors.New("API server address must be set (default :3242)")
	}
	if s.ApiServerConfig.Password == "" && !s.ApiServerConfig.NoAuth {
		if err := s.loadOrCreatePassword(logger); err != nil {
			return err
		}
	}

	arena, err := hcd.NewArena(s.HcdConfig)
	if err != nil {
		return fmt.Errorf("dma arena: %w", err)
	}
	defer func() { _ = arena.Close() }()
	logger.Info("DMA arena ready", "base", fmt.Sprintf("%#08x", arena.Base()), "size", arena.Size(), "backing", s.HcdConfig.DMABacking)

	bus := virtualbus.New(s.HcdConfig.MaxDevices)
	if s.Loopback {
		speed, err := usb.ParseSpeed(s.LoopbackSpeed)
		if err != nil {
			return err
		}
		mps := uint16(512)
		if speed != usb.SpeedHigh {
			mps = 64
		}
		if err := bus.AddAt(0, loopback.New(speed, mps), virtualbus.Port{}); err != nil {
			return err
		}
		logger.Info("Loopback device waiting at address 0", "speed", speed)
	}

	engine := sim.New(s.SimConfig, arena, bus, logger, rawLogger)
	ctrl, err := hcd.New(s.HcdConfig, arena, bus, engine, logger, rawLogger)
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}
	engine.OnInterrupt(ctrl.HandleInterrupt)

	engineCtx, cancelEngine := context.WithCancel(ctx)
	defer cancelEngine()
	engineErrCh := make(chan error, 1)
	go func() {
		engineErrCh <- engine.Run(engineCtx)
	}()

	apiSrv, err := api.New(s.ApiServerConfig.Addr, s.ApiServerConfig, logger)
	if err != nil {
		return err
	}
	r := apiSrv.Router()
	r.Register("ping", handler.Ping(Version))
	r.Register("controller/info", handler.ControllerInfo(ctrl))
	r.Register("async/list", handler.AsyncList(ctrl))
	r.Register("device/list", handler.DeviceList(bus))
	r.Register("device/{addr}/control/open", handler.ControlPipeOpen(ctrl))
	r.Register("device/{addr}/pipe/open", handler.PipeOpen(ctrl))
	r.Register("device/{addr}/control", handler.ControlTransfer(ctrl))
	r.Register("pipe/close", handler.PipeClose(ctrl))
	r.Register("pipe/bulk", handler.BulkTransfer(ctrl))

	if err := apiSrv.Start(); err != nil {
		logger.Error("failed to start API server", "error", err)
		return err
	}
	logger.Info("ehcid ready", "controller", ctrl.ID(), "api", apiSrv.Addr(), "version", Version)

	select {
	case <-ctx.Done():
		apiSrv.Close()
		cancelEngine()
		<-engineErrCh
		return nil
	case err := <-engineErrCh:
		apiSrv.Close()
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("schedule engine: %w", err)
		}
		return nil
	}
}

func (s *Serve) loadOrCreatePassword(logger *slog.Logger) error {
	keyFileDir, err := configpaths.DefaultConfigDir()
	if err != nil {
		return fmt.Errorf("failed to resolve key file path: %w", err)
	}
	keyFilePath := filepath.Join(keyFileDir, keyFileName)
	if pwd, err := os.ReadFile(keyFilePath); err == nil {
		s.ApiServerConfig.Password = strings.TrimSpace(string(pwd))
		return nil
	}
	newPwd, err := auth.GenerateKey()
	if err != nil {
		return fmt.Errorf("failed to generate new API password: %w", err)
	}
	if err := os.MkdirAll(keyFileDir, 0o700); err != nil {
		return fmt.Errorf("failed to create config dir for key file: %w", err)
	}
	if err := os.WriteFile(keyFilePath, []byte(newPwd), 0o600); err != nil {
		return fmt.Errorf("failed to write new API password to file: %w", err)
	}
	s.ApiServerConfig.Password = newPwd
	logger.Info("Generated API server password", "path", keyFilePath)
	logger.Info("-------------------------------------")
	logger.Info("Your ehcid API password is:")
	logger.Info("-------------------------------------")
	logger.Info(newPwd)
	logger.Info("-------------------------------------")
	logger.Info("You can change this password at any time by editing the file")
	return nil
}
