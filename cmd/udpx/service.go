package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/udpx"
	"github.com/slackhq/udpx/config"
)

// program runs udpx under the host service manager.
type program struct {
	configPath string
	build      string
	logger     service.Logger
	control    *udpx.Control
}

func (p *program) Start(s service.Service) error {
	// Start should not block.
	_ = p.logger.Info("udpx service starting.")

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	if err := c.Load(p.configPath); err != nil {
		return fmt.Errorf("failed to load config: %s", err)
	}

	ctrl, err := udpx.Main(c, false, p.build, l)
	if err != nil {
		return err
	}

	p.control = ctrl
	p.control.Start()
	return nil
}

func (p *program) Stop(s service.Service) error {
	_ = p.logger.Info("udpx service stopping.")
	if p.control != nil {
		p.control.Stop()
	}
	return nil
}

func serviceConfig(configPath string) (*service.Config, error) {
	if configPath == "" {
		ex, err := os.Executable()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(filepath.Dir(ex), "config.yml")
	}

	return &service.Config{
		Name:        "udpx",
		DisplayName: "udpx UDP Transport Service",
		Description: "Batched UDP sink, echo and load generator with ECN and segmentation offload",
		Arguments:   []string{"-service", "run", "-config", configPath},
	}, nil
}

// doService runs udpx as a service when action is run, otherwise it is handed
// to the service manager, for example install, start, stop or uninstall.
func doService(configPath, build, action string) error {
	svcConfig, err := serviceConfig(configPath)
	if err != nil {
		return err
	}

	prg := &program{
		configPath: svcConfig.Arguments[3],
		build:      build,
	}

	s, err := service.New(prg, svcConfig)
	if err != nil {
		return err
	}

	errs := make(chan error, 5)
	prg.logger, err = s.Logger(errs)
	if err != nil {
		return err
	}

	go func() {
		for err := range errs {
			if err != nil {
				log.Print(err)
			}
		}
	}()

	if action == "run" {
		return s.Run()
	}

	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%w. valid actions: %q", err, service.ControlAction)
	}
	return nil
}
