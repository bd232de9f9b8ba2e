// SPDX-FileCopyrightText: 2023 M. Shulhan <ms@kilabit.info>
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"flag"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"git.sr.ht/~shulhan/pakakeh.go/lib/mlog"

	"github.com/fjordtools/auton"
)

func main() {
	mlog.SetPrefix(`auton:`)

	var config string
	flag.StringVar(&config, `config`, ``, `the auton configuration file`)
	flag.Parse()

	if len(config) == 0 {
		flag.PrintDefaults()
		return
	}

	env, err := auton.LoadEnv(config)
	if err != nil {
		mlog.Fatalf(err.Error())
	}

	daemon, err := auton.New(env)
	if err != nil {
		mlog.Fatalf(err.Error())
	}

	go func() {
		var c = make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
		<-c
		if err := daemon.Stop(); err != nil {
			mlog.Errf(err.Error())
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			mlog.Errf(`recover: %s`, r)
			mlog.Flush()
			debug.PrintStack()
			os.Exit(1)
		}
	}()
	defer mlog.Flush()

	if err := daemon.Start(); err != nil {
		mlog.Fatalf(err.Error())
	}
}
