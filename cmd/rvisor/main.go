// Command rvisor is the operator harness: it decodes the TOML machine
// description, turns its device table into the typed device tree the
// bootstrap consumes, loads the guest image and device-tree blob, and
// drives the bootstrap to the point where the machine is one sret away
// from the guest. Driving a real hart from there is the platform trap
// vector's job: it calls Machine.HandleTrap once per guest exit.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/tinyrange/rvisor/internal/boot"
	"github.com/tinyrange/rvisor/internal/config"
)

func main() {
	app := &cli.App{
		Name:  "rvisor",
		Usage: "type-1 hypervisor core for RISC-V with the H extension",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
			&cli.BoolFlag{Name: "log-json", Usage: "emit JSON log lines for host-side capture"},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("log-json") {
				logrus.SetFormatter(&logrus.JSONFormatter{})
			} else {
				logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			}
			if c.Bool("debug") {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "bring up the machine described by a TOML config",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Value: "machine.toml", Usage: "machine description"},
				},
				Action: runMachine,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("rvisor failed")
	}
}

func runMachine(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	kernel, err := os.ReadFile(cfg.Kernel)
	if err != nil {
		return fmt.Errorf("read kernel image: %w", err)
	}
	var dtb []byte
	if cfg.DTB != "" {
		if dtb, err = os.ReadFile(cfg.DTB); err != nil {
			return fmt.Errorf("read device tree blob: %w", err)
		}
	}

	log := logrus.NewEntry(logrus.StandardLogger())
	m, err := boot.Bootstrap(0, boot.Options{
		Config:     cfg,
		DeviceTree: deviceTree(cfg),
		Kernel:     kernel,
		DTBBlob:    dtb,
		Loader:     flatImageLoader{},
		Log:        log,
	})
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"sepc":  fmt.Sprintf("%#x", m.Data.Guest.Sepc),
		"a1":    fmt.Sprintf("%#x", m.Data.Guest.Xreg(11)),
		"hgatp": fmt.Sprintf("%#x", m.Data.CSR.Hgatp),
	}).Info("machine ready for guest entry")
	return nil
}
