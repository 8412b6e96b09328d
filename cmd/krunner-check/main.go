// Copyright (c) 2024 The krunner Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// krunner-check verifies that a host can run containers through the
// krun launch adapter: the virtualization device nodes, the backend
// libraries and the kernel facilities the adapter depends on.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sys/unix"

	"github.com/krunvm/krunner/pkg/config"
	"github.com/krunvm/krunner/pkg/handler"
)

const (
	name  = "krunner-check"
	usage = "check that this host can launch containers inside krun microVMs"
)

var checkLog = logrus.WithField("source", name)

func main() {
	app := cli.NewApp()
	app.Name = name
	app.Usage = usage
	app.Writer = os.Stdout

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Usage: "path to the krunner configuration file",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug output",
		},
	}

	app.Action = func(c *cli.Context) error {
		if c.Bool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}

		return check(c.String("config"))
	}

	if err := app.Run(os.Args); err != nil {
		checkLog.WithError(err).Error("host check failed")
		os.Exit(1)
	}
}

func check(configPath string) error {
	cfg, err := config.LoadConfiguration(configPath)
	if err != nil {
		return err
	}
	checkLog.Info("configuration: OK")

	if err := checkDeviceNode("/dev/kvm"); err != nil {
		return err
	}
	checkLog.Info("/dev/kvm: OK")

	if err := checkDeviceNode("/dev/sev"); err != nil {
		checkLog.Info("/dev/sev: not present, confidential workloads unavailable")
	} else {
		checkLog.Info("/dev/sev: OK")
	}

	if err := checkOpenat2(); err != nil {
		return err
	}
	checkLog.Info("openat2: OK")

	h, err := handler.Load(cfg)
	if err != nil {
		return err
	}
	checkLog.Info("backend libraries: OK")

	return h.Unload()
}

func checkDeviceNode(path string) error {
	var st unix.Stat_t

	if err := unix.Stat(path, &st); err != nil {
		return &os.PathError{Op: "stat", Path: path, Err: err}
	}

	if st.Mode&unix.S_IFMT != unix.S_IFCHR {
		return &os.PathError{Op: "stat", Path: path, Err: unix.ENODEV}
	}

	return nil
}

// checkOpenat2 probes for the openat2 syscall, which the adapter
// requires for safe file placement below the container rootfs.
func checkOpenat2() error {
	dirFd, err := unix.Open("/", unix.O_PATH|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(dirFd)

	how := unix.OpenHow{
		Flags:   unix.O_PATH | unix.O_CLOEXEC,
		Resolve: unix.RESOLVE_NO_SYMLINKS,
	}

	fd, err := unix.Openat2(dirFd, ".", &how)
	if err != nil {
		return &os.PathError{Op: "openat2", Path: "/", Err: err}
	}
	unix.Close(fd)

	return nil
}
