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

package farmem

import (
	"github.com/pkg/errors"
)

// Config holds the runtime tunables. The defaults preserve the documented
// invariants; deployments normally only size the pools and the worker set.
type Config struct {
	// CacheRegions is the number of local cache regions (RegionSize each).
	CacheRegions uint32 `json:"cacheRegions"`
	// FarRegions is the number of far regions tracked for remote allocation.
	FarRegions uint32 `json:"farRegions"`
	// NumWorkers is the number of mutator worker contexts.
	NumWorkers int `json:"numWorkers"`
	// NumGCThreads is the parallelism of the GC marker and writer.
	NumGCThreads int `json:"numGCThreads"`
	// GCTaskQueueDepth is the per-slave GC task queue depth.
	GCTaskQueueDepth uint64 `json:"gcTaskQueueDepth"`

	// FreeCacheAlmostEmpty is the free ratio under which mutators block.
	FreeCacheAlmostEmpty float64 `json:"freeCacheAlmostEmpty"`
	// FreeCacheLow is the free ratio that triggers a GC round.
	FreeCacheLow float64 `json:"freeCacheLow"`
	// FreeCacheHigh is the free ratio at which the GC stops collecting.
	FreeCacheHigh float64 `json:"freeCacheHigh"`

	// MaxRegionsPerGCRound caps the number of regions evacuated per round.
	// The MinRatioRegionsPerGCRound floor takes precedence over this cap.
	MaxRegionsPerGCRound int `json:"maxRegionsPerGCRound"`
	// MaxRatioRegionsPerGCRound caps the per-round quota as a pool fraction.
	MaxRatioRegionsPerGCRound float64 `json:"maxRatioRegionsPerGCRound"`
	// MinRatioRegionsPerGCRound floors the per-round quota as a pool fraction.
	MinRatioRegionsPerGCRound float64 `json:"minRatioRegionsPerGCRound"`

	// EnableMetrics registers the runtime's prometheus collector.
	EnableMetrics bool `json:"enableMetrics"`
}

// DefaultConfig returns the default runtime configuration.
func DefaultConfig() Config {
	return Config{
		CacheRegions:              256,
		FarRegions:                1024,
		NumWorkers:                8,
		NumGCThreads:              10,
		GCTaskQueueDepth:          8,
		FreeCacheAlmostEmpty:      0.03,
		FreeCacheLow:              0.12,
		FreeCacheHigh:             0.22,
		MaxRegionsPerGCRound:      128,
		MaxRatioRegionsPerGCRound: 0.1,
		MinRatioRegionsPerGCRound: 0.03,
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.CacheRegions == 0 {
		return errors.New("config: no cache regions")
	}
	if c.FarRegions == 0 {
		return errors.New("config: no far regions")
	}
	if uint64(c.FarRegions)*RegionSize > MaxObjectID {
		return errors.Errorf("config: %d far regions exceed the object id space",
			c.FarRegions)
	}
	if c.NumWorkers <= 0 {
		return errors.New("config: no workers")
	}
	if c.NumGCThreads <= 0 {
		return errors.New("config: no GC threads")
	}
	if c.GCTaskQueueDepth == 0 || c.GCTaskQueueDepth&(c.GCTaskQueueDepth-1) != 0 {
		return errors.Errorf("config: GC task queue depth %d is not a power of two",
			c.GCTaskQueueDepth)
	}
	if !(c.FreeCacheAlmostEmpty < c.FreeCacheLow && c.FreeCacheLow < c.FreeCacheHigh) {
		return errors.Errorf("config: thresholds must be ordered: %v < %v < %v",
			c.FreeCacheAlmostEmpty, c.FreeCacheLow, c.FreeCacheHigh)
	}
	return nil
}
