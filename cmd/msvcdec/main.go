// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/msvcdec/msvcdec/decomp"
	"github.com/msvcdec/msvcdec/log"
	"github.com/msvcdec/msvcdec/pdb"
	"github.com/msvcdec/msvcdec/pe"
	"github.com/spf13/cobra"
)

var (
	verbose    bool
	configPath string
	outDir     string
	dumpTypes  bool
	dumpItems  bool
	moduleName string
)

func run(cmd *cobra.Command, args []string) error {
	exePath := args[0]
	pdbPath := strings.TrimSuffix(exePath, filepath.Ext(exePath)) + ".PDB"
	if len(args) > 1 {
		pdbPath = args[1]
	}

	level := log.LevelError
	if verbose {
		level = log.LevelDebug
	}
	logger := log.NewFilter(log.NewStdLogger(os.Stderr), log.FilterLevel(level))

	cfg, err := decomp.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	var (
		exe  *pe.File
		data *pdb.ProgramData
	)
	if cfg.CacheFile != "" {
		key, err := pdb.BuildKey(pdbPath, exePath)
		if err != nil {
			return err
		}
		snap, err := pdb.ReadSnapshot(cfg.CacheFile, key)
		if err != nil {
			// stale or missing: re-read the inputs and refresh the snapshot.
			pdbBytes, err := os.ReadFile(pdbPath)
			if err != nil {
				return err
			}
			exeBytes, err := os.ReadFile(exePath)
			if err != nil {
				return err
			}
			snap = &pdb.Snapshot{Key: key, PdbData: pdbBytes, ExeData: exeBytes}
			if err := pdb.WriteSnapshot(cfg.CacheFile, snap); err != nil {
				return err
			}
		}
		if exe, err = pe.NewBytes(snap.ExeData, &pe.Options{Logger: logger}); err != nil {
			return err
		}
		if err := exe.Parse(); err != nil {
			return fmt.Errorf("parsing %s: %w", exePath, err)
		}
		if data, err = pdb.LoadBytes(snap.PdbData, pdbPath, &pdb.Options{Logger: logger}); err != nil {
			return fmt.Errorf("parsing %s: %w", pdbPath, err)
		}
	} else {
		var err error
		exe, err = pe.New(exePath, &pe.Options{Logger: logger})
		if err != nil {
			return err
		}
		defer exe.Close()
		if err := exe.Parse(); err != nil {
			return fmt.Errorf("parsing %s: %w", exePath, err)
		}
		data, err = pdb.Load(pdbPath, &pdb.Options{Logger: logger})
		if err != nil {
			return fmt.Errorf("parsing %s: %w", pdbPath, err)
		}
	}

	program, err := decomp.New(exe, data, &decomp.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	program.PostProcess()

	if dumpTypes {
		for _, ty := range data.Types.Records() {
			if ty != nil {
				fmt.Println(ty.TypeStr(""))
			}
		}
		return nil
	}
	if dumpItems {
		for _, m := range program.Modules {
			for _, it := range m.AllItems {
				fmt.Printf("0x%08x %6d %s\n", it.Address(), it.Length(), it.ItemName())
			}
		}
		return nil
	}

	if moduleName != "" {
		for _, m := range program.Modules {
			if strings.EqualFold(m.Name, moduleName) ||
				strings.EqualFold(m.SourceFile, moduleName) {
				fmt.Println(program.ModuleAsCode(m))
				return nil
			}
		}
		return fmt.Errorf("module %q not found", moduleName)
	}

	if outDir != "" {
		return writeTree(program, outDir)
	}
	for _, m := range program.Modules {
		fmt.Println(program.ModuleAsCode(m))
	}
	return nil
}

func writeTree(p *decomp.Program, dir string) error {
	for _, m := range p.Modules {
		name := strings.ReplaceAll(strings.ToLower(m.SourceFile), "\\", "/")
		name = strings.TrimPrefix(name, "c:/")
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(p.ModuleAsCode(m)), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "msvcdec <exe> [pdb]",
		Short: "Static decompiler for 32-bit debug builds with matching program databases",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  run,
	}
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "analysis config file")
	rootCmd.Flags().StringVarP(&outDir, "out", "o", "", "write the generated tree to a directory")
	rootCmd.Flags().StringVarP(&moduleName, "module", "m", "", "emit a single module")
	rootCmd.Flags().BoolVar(&dumpTypes, "types", false, "dump the type store")
	rootCmd.Flags().BoolVar(&dumpItems, "items", false, "dump the item map")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
