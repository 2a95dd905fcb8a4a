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

// Command scratchgc runs the scratch device's startup cleanup (§6:
// surviving "RSD/*.RSD" files are deleted before the first store is
// created) out of band, useful after an unclean process exit left
// scratch files behind.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/corerip/blobcore/internal/obs"
	"github.com/corerip/blobcore/scratch"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var root string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "scratchgc",
		Short: "Delete stale RSD scratch files left over from an unclean exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := obs.NewNop()
			if verbose {
				log = obs.NewDevelopment()
			}
			dev := scratch.NewLocal(afero.NewOsFs(), root, log)
			n, err := dev.CleanStart()
			if err != nil {
				return fmt.Errorf("scratchgc: %w", err)
			}
			fmt.Printf("removed %d stale scratch file(s) under %s\n", n, root)
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", ".", "scratch device root directory")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log each file removed")
	return cmd
}
