// Copyright 2024 The Blobcore Authors
// This file is part of Blobcore.
//
// Blobcore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Blobcore is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Blobcore. If not, see <http://www.gnu.org/licenses/>.

// Package config holds the on-disk configuration for a blobcore instance.
// It is intentionally a plain struct tree: no viper, no env-var magic,
// matching the teacher's preference for explicit config structs
// (ethconfig.Sync, prune.Mode) populated once at startup.
package config

import (
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// BlobCache mirrors the construction parameters of §4.3.
type BlobCache struct {
	Name            string            `yaml:"name"`
	Limit           datasize.ByteSize `yaml:"limit"`
	ReadQuantum     datasize.ByteSize `yaml:"read_quantum"`
	AllocQuantum    datasize.ByteSize `yaml:"alloc_quantum"`
	TrimLimit       int               `yaml:"trim_limit"`
	AllocationCost  float64           `yaml:"allocation_cost"`
	MultiThreadSafe bool              `yaml:"multi_thread_safe"`
}

// Rsd mirrors RSD block list/store tuning (§4.5, §4.6).
type Rsd struct {
	SequentialBlockSize datasize.ByteSize `yaml:"sequential_block_size"`
	RandomBlockSize     datasize.ByteSize `yaml:"random_block_size"`
	MaxScratchFileSize  int64             `yaml:"max_scratch_file_size"`
	CompressedKeepRatio float64           `yaml:"compressed_keep_ratio"`
}

// Icc mirrors the registry construction options (§4.8, §9 third bullet).
type Icc struct {
	CorrectLut8Whitepoint bool `yaml:"correct_lut8_whitepoint"`
}

// Memctl mirrors the low-memory broker's supplemented safety net (§9
// open question: "the latch cannot permanently disable the handler").
// MaxLatchDuration is the time a tripped offers_limited latch is allowed
// to stay set without observed committed-memory growth before it clears
// on its own; zero disables the safety net.
type Memctl struct {
	MaxLatchDuration time.Duration `yaml:"max_latch_duration"`
}

// Scratch mirrors the scratch device location and naming (§6).
type Scratch struct {
	Dir string `yaml:"dir"`
}

// Config is the full unmarshalled tree.
type Config struct {
	BlobCache BlobCache `yaml:"blob_cache"`
	Rsd       Rsd       `yaml:"rsd"`
	Icc       Icc       `yaml:"icc"`
	Memctl    Memctl    `yaml:"memctl"`
	Scratch   Scratch   `yaml:"scratch"`
}

// Default returns the configuration used when no file is supplied: a
// 64 MiB soft budget, a 4 KiB read quantum, 1 KiB allocation quantum and a
// trim limit of 32 closed entries, matching the magnitudes used in the
// spec's own worked scenarios (§8, S1-S3).
func Default() Config {
	return Config{
		BlobCache: BlobCache{
			Name:            "default",
			Limit:           64 * datasize.MB,
			ReadQuantum:     4 * datasize.KB,
			AllocQuantum:    1 * datasize.KB,
			TrimLimit:       32,
			AllocationCost:  1.0,
			MultiThreadSafe: true,
		},
		Rsd: Rsd{
			SequentialBlockSize: 16 * datasize.KB,
			RandomBlockSize:     1 * datasize.KB,
			MaxScratchFileSize:  (1 << 31) - 1,
			CompressedKeepRatio: 0.40,
		},
		Icc: Icc{
			CorrectLut8Whitepoint: true,
		},
		Memctl: Memctl{
			MaxLatchDuration: 0,
		},
		Scratch: Scratch{
			Dir: "tmp",
		},
	}
}

// Load reads and unmarshals a YAML config file, filling any zero-valued
// field from Default() first so a partial file is valid.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
