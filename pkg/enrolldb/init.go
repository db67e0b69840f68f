// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package enrolldb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Init creates the enrollment repository: a fresh git working tree with an
// empty record tree and an empty hn2ek index, concluded by an initial
// commit. The repository must not already exist.
func (s *Store) Init(ctx context.Context) error {
	if isDir(filepath.Join(s.repoPath, ".git")) {
		return fmt.Errorf("repository already initialised at %s", s.repoPath)
	}
	if err := os.MkdirAll(s.repoPath, 0755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}
	if _, err := s.git.Run(ctx, "init"); err != nil {
		return err
	}
	// Commits are made by the state-owning service account, which has no
	// global git identity.
	if _, err := s.git.Run(ctx, "config", "user.name", "HCP enrollsvc"); err != nil {
		return err
	}
	if _, err := s.git.Run(ctx, "config", "user.email", "enrollsvc@hcp.invalid"); err != nil {
		return err
	}
	if err := os.MkdirAll(s.ekTreePath(), 0755); err != nil {
		return fmt.Errorf("create record tree: %w", err)
	}
	if err := s.hn2ekWrite(nil); err != nil {
		return err
	}
	return s.Commit(ctx, "Initialised enrollment database")
}
