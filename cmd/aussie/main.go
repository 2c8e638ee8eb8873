/*
Copyright 2024 Aussie Gateway Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command aussie runs the API gateway.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/aussieproj/aussie"
	"github.com/aussieproj/aussie/lib/config"
	"github.com/aussieproj/aussie/lib/service"
	logutils "github.com/aussieproj/aussie/lib/utils/log"
)

func main() {
	app := kingpin.New("aussie", "Aussie API gateway.")
	app.HelpFlag.Short('h')

	start := app.Command("start", "Start the gateway.")
	configPath := start.Flag("config", "Path to the YAML configuration file.").
		Short('c').Default("/etc/aussie/aussie.yaml").String()

	version := app.Command("version", "Print the gateway version.")

	command := kingpin.MustParse(app.Parse(os.Args[1:]))
	switch command {
	case start.FullCommand():
		if err := run(*configPath); err != nil {
			slog.Error("Gateway exited with error", "error", err)
			os.Exit(1)
		}
	case version.FullCommand():
		fmt.Println(aussie.Version)
	}
}

func run(configPath string) error {
	fc, err := config.ReadFromFile(configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := logutils.Init(fc.Log.Output, fc.Log.Format, fc.Log.Level); err != nil {
		return trace.Wrap(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, fc)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(svc.Run(ctx))
}
