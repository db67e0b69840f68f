// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package enrolldb

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// GitRunner is the interface for executing git commands.
// This allows mocking in tests.
type GitRunner interface {
	Run(ctx context.Context, args ...string) (string, error)
	RepoPath() string
}

// GitExecutor handles git command execution with proper error handling.
type GitExecutor struct {
	repoPath string // Absolute path to the enrollment repo working tree
}

// NewGitExecutor creates a GitExecutor for the given working tree. The repo
// is created externally (hcp init); no discovery is attempted.
func NewGitExecutor(repoPath string) *GitExecutor {
	return &GitExecutor{repoPath: repoPath}
}

// RepoPath returns the working tree path the executor operates on.
func (g *GitExecutor) RepoPath() string {
	return g.repoPath
}

// Run executes a git command with the given arguments and returns the
// output. The command is run in the repository working tree. Context is
// used for timeout/cancellation support.
func (g *GitExecutor) Run(ctx context.Context, args ...string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("no git command specified")
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("git command timed out or canceled: %w", ctx.Err())
		}
		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			return "", fmt.Errorf("git %s failed: %s", args[0], stderrStr)
		}
		return "", fmt.Errorf("git %s failed: %w", args[0], err)
	}

	return stdout.String(), nil
}

// Commit concludes a mutation. A clean tree is a no-op; otherwise
// everything is staged and committed with msg.
func (s *Store) Commit(ctx context.Context, msg string) error {
	out, err := s.git.Run(ctx, "status", "--porcelain")
	if err != nil {
		return err
	}
	if len(out) == 0 {
		s.logger.Debug("db.commit.clean")
		return nil
	}
	s.logger.Info("db.commit", "msg", msg)
	if _, err := s.git.Run(ctx, "add", "-A"); err != nil {
		return err
	}
	if _, err := s.git.Run(ctx, "commit", "-a", "-m", msg); err != nil {
		return err
	}
	return nil
}

// Reset unwinds a failed mutation: hard-reset to HEAD and scrub untracked
// files. Commit and Reset are the only ways a mutation concludes.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.git.Run(ctx, "reset", "--hard"); err != nil {
		return err
	}
	if _, err := s.git.Run(ctx, "clean", "-f", "-d", "-x"); err != nil {
		return err
	}
	return nil
}
