// Copyright The Far Memory Runtime Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/intel/farmem-runtime/pkg/farmem"
	logger "github.com/intel/farmem-runtime/pkg/log"
	"github.com/intel/farmem-runtime/pkg/metrics"
)

var log = logger.Get("farmemd")

type options struct {
	configFile string
	debug      bool
}

var opt options

func loadConfig() (farmem.Config, error) {
	cfg := farmem.DefaultConfig()
	if opt.configFile == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(opt.configFile)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", opt.configFile, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", opt.configFile, err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var (
		listen   string
		capacity uint64
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the remote object store over TCP",
		RunE: func(_ *cobra.Command, _ []string) error {
			srv := farmem.NewDeviceServer(capacity)
			return srv.ListenAndServe(listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":18100", "device server listen address")
	cmd.Flags().Uint64Var(&capacity, "capacity", 0, "far-memory capacity in bytes, 0 for unbounded")
	return cmd
}

func benchCmd() *cobra.Command {
	var (
		device     string
		iterations uint64
		payload    uint16
		metricAddr string
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a hot-loop workload against the cache runtime",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.EnableMetrics = true

			var dev farmem.Device
			if device == "" {
				dev = farmem.NewFakeDevice(0)
			} else {
				if dev, err = farmem.NewTCPDevice(device, cfg.NumWorkers); err != nil {
					return err
				}
			}
			defer dev.Close()

			mgr, err := farmem.NewManager(cfg, dev)
			if err != nil {
				return err
			}
			defer mgr.Close()

			if metricAddr != "" {
				go func() {
					handler := promhttp.HandlerFor(metrics.Gatherer(), promhttp.HandlerOpts{})
					if err := http.ListenAndServe(metricAddr, handler); err != nil {
						log.Error("metrics endpoint failed: %v", err)
					}
				}()
			}

			w := mgr.Worker(0)
			p, err := mgr.AllocateFarPtr(w, farmem.VanillaDSID, payload, nil)
			if err != nil {
				return err
			}

			buf := make([]byte, payload)
			for i := range buf {
				buf[i] = 0xAA
			}
			p.Write(w, buf)

			start := time.Now()
			for i := uint64(0); i < iterations; i++ {
				s := w.EnterScope()
				data := p.DerefMut(s)
				for j := range data {
					data[j] ^= 0x55
				}
				s.Exit()
			}
			elapsed := time.Since(start)

			stats := mgr.Stats()
			log.Info("%d derefs of %d bytes in %v (%.0f derefs/s)",
				iterations, payload, elapsed,
				float64(iterations)/elapsed.Seconds())
			log.Info("swap-ins %d, swap-outs %d, migrations %d, GC rounds %d, free ratio %.3f",
				stats.SwapIns, stats.SwapOuts, stats.Migrations, stats.GCRounds,
				stats.FreeMemRatio)
			return nil
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "device server address, empty for an in-process fake device")
	cmd.Flags().Uint64Var(&iterations, "iterations", 1<<20, "number of dereferences")
	cmd.Flags().Uint16Var(&payload, "payload", 64, "payload size in bytes")
	cmd.Flags().StringVar(&metricAddr, "metrics", "", "prometheus endpoint address, empty to disable")
	return cmd
}

func main() {
	root := &cobra.Command{
		Use:          "farmemd",
		Short:        "Far-memory cache runtime daemon",
		SilenceUsage: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if opt.debug {
				logger.SetLevel(logger.LevelDebug)
			}
		},
	}
	root.PersistentFlags().StringVar(&opt.configFile, "config", "", "runtime configuration file (yaml)")
	root.PersistentFlags().BoolVar(&opt.debug, "debug", false, "enable debug logging")
	root.AddCommand(serveCmd(), benchCmd())

	if err := root.Execute(); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
}
