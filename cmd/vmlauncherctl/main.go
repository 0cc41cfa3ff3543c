/*
Copyright 2024 Alexandre Mahdhaoui

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

package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/alexandremahdhaoui/vmlauncher/internal/config"
	"github.com/alexandremahdhaoui/vmlauncher/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/hypervisor"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/hypervisor/virt"
)

const Name = "vmlauncherctl"

var (
	Version        = "dev" //nolint:gochecknoglobals // set by ldflags
	CommitSHA      = "n/a" //nolint:gochecknoglobals // set by ldflags
	BuildTimestamp = "n/a" //nolint:gochecknoglobals // set by ldflags
)

func main() {
	gs := gracefulshutdown.New(Name)

	// An interrupt cancels the command context; the process exits once the command returned.
	gs.WaitGroup().Add(1)
	gs.Ready()

	protocols := map[string]hypervisor.Protocol{config.DefaultProtocol: virt.New()}

	err := newRootCmd(protocols).ExecuteContext(gs.Context())
	gs.WaitGroup().Done()

	code := 0
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)

		code = 1

		// wrap propagates the exit status of the wrapped command.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
			code = exitErr.ExitCode()
		}
	}

	gs.Shutdown(code)
}
