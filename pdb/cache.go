// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pdb

import (
	"encoding/gob"
	"errors"
	"os"
	"time"
)

// The parsed record graph is cyclic and cheap to rebuild, so the snapshot
// caches the extracted container streams rather than the linked graph: a
// stale key forces a full re-read of the database.

// CacheKey identifies one analysis input. The analyzer binary's own mtime
// stands in for the mtimes of the sources that compose it: a rebuilt
// analyzer invalidates every snapshot.
type CacheKey struct {
	PdbPath      string
	ExePath      string
	PdbMtime     time.Time
	ExeMtime     time.Time
	AnalyzerTime time.Time
}

// Snapshot is the serializable form of a fully-extracted input.
type Snapshot struct {
	Key     CacheKey
	PdbData []byte
	ExeData []byte
}

// ErrStaleSnapshot is returned when the cached key no longer matches the
// inputs on disk.
var ErrStaleSnapshot = errors.New("stale snapshot")

// BuildKey stats both inputs and the running analyzer.
func BuildKey(pdbPath, exePath string) (CacheKey, error) {
	key := CacheKey{PdbPath: pdbPath, ExePath: exePath}
	pi, err := os.Stat(pdbPath)
	if err != nil {
		return key, err
	}
	key.PdbMtime = pi.ModTime()
	ei, err := os.Stat(exePath)
	if err != nil {
		return key, err
	}
	key.ExeMtime = ei.ModTime()
	if self, err := os.Executable(); err == nil {
		if si, err := os.Stat(self); err == nil {
			key.AnalyzerTime = si.ModTime()
		}
	}
	return key, nil
}

// WriteSnapshot saves a snapshot to path.
func WriteSnapshot(path string, snap *Snapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(snap)
}

// ReadSnapshot loads a snapshot and validates it against the current key.
// A mismatched or missing snapshot returns ErrStaleSnapshot.
func ReadSnapshot(path string, key CacheKey) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ErrStaleSnapshot
	}
	defer f.Close()

	var snap Snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, ErrStaleSnapshot
	}
	if snap.Key != key {
		return nil, ErrStaleSnapshot
	}
	return &snap, nil
}
