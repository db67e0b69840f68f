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

// Package ui provides colored terminal output helpers for the CLI. Colors
// are disabled when stdout is not a terminal, when NO_COLOR is set, or when
// the caller asks for it.
package ui

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

var (
	headerColor  = color.New(color.FgCyan, color.Bold)
	successColor = color.New(color.FgGreen)
	warningColor = color.New(color.FgYellow)
	labelColor   = color.New(color.Bold)
	dimColor     = color.New(color.Faint)
)

// InitColors configures color output. Pass noColor=true to force-disable;
// otherwise colors are enabled only for terminals.
func InitColors(noColor bool) {
	if noColor || os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
		return
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}
}

// Header prints a prominent section header.
func Header(s string) {
	fmt.Println()
	headerColor.Println(s)
}

// SubHeader prints a secondary section header.
func SubHeader(s string) {
	labelColor.Println(s)
}

// Info prints an informational line.
func Info(s string) {
	fmt.Println(s)
}

// Infof prints a formatted informational line.
func Infof(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
}

// Success prints a line marking a completed step.
func Success(s string) {
	successColor.Printf("✓ %s\n", s)
}

// Successf is Success with formatting.
func Successf(format string, args ...any) {
	successColor.Printf("✓ "+format+"\n", args...)
}

// Warning prints a non-fatal problem to stderr.
func Warning(s string) {
	warningColor.Fprintf(os.Stderr, "! %s\n", s)
}

// Warningf is Warning with formatting.
func Warningf(format string, args ...any) {
	warningColor.Fprintf(os.Stderr, "! "+format+"\n", args...)
}

// Label prints a "name: value" line with the name emphasized.
func Label(name, value string) {
	labelColor.Printf("%s: ", name)
	fmt.Println(value)
}

// DimText returns s rendered faint.
func DimText(s string) string {
	return dimColor.Sprint(s)
}
