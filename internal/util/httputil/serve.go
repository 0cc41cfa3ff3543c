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

package httputil

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alexandremahdhaoui/vmlauncher/internal/util/gracefulshutdown"
)

// ShutdownTimeout bounds http.Server.Shutdown for each served server.
const ShutdownTimeout = 30 * time.Second

type serverNameKey struct{}

// ServerName returns the name under which the serving server was registered in Serve.
func ServerName(ctx context.Context) string {
	name, _ := ctx.Value(serverNameKey{}).(string)
	return name
}

// Serve runs every server until gs is cancelled, then shuts them down. Servers with a TLSConfig
// serve TLS using its certificates. A server failing to listen triggers a shutdown with exit
// code 1.
func Serve(servers map[string]*http.Server, gs *gracefulshutdown.GracefulShutdown) {
	for name, server := range servers {
		ctx := context.WithValue(gs.Context(), serverNameKey{}, name)
		server.BaseContext = func(_ net.Listener) context.Context {
			return ctx
		}

		gs.WaitGroup().Add(1)

		go func() {
			slog.Info("serving", "server", name, "addr", server.Addr)

			var err error
			if server.TLSConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}

			// Done must precede Shutdown, which waits on the group.
			gs.WaitGroup().Done()

			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("server failed", "server", name, "error", err)
				gs.Shutdown(1)

				return
			}

			gs.Shutdown(0)
		}()
	}

	gs.Ready()

	<-gs.Context().Done()

	for name, server := range servers {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
			defer cancel()

			if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("failed to shut down server", "server", name, "error", err)
				return
			}

			slog.Info("server shut down", "server", name)
		}()
	}
}
