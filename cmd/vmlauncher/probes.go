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
	"net/http"
	"time"

	"github.com/alexandremahdhaoui/vmlauncher/internal/config"
)

// setupProbesServer serves the liveness probe and a readiness probe backed by check.
func setupProbesServer(cfg *config.Config, check func(r *http.Request) error) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc(cfg.ProbesServer.LivenessPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc(cfg.ProbesServer.ReadinessPath, func(w http.ResponseWriter, r *http.Request) {
		if err := check(r); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &http.Server{ //nolint:exhaustruct
		Addr:              cfg.ProbesServer.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
