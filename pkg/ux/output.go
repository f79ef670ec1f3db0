// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the murmurmap CLI.
package ux

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

// Palette
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E") // borders
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text

	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorTealBright),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconArrow   Icon = "→"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return string(i)
	}
}

// Print helpers that respect personality level

// Success prints a success message with checkmark
func Success(w io.Writer, text string) {
	switch GetPersonalityLevel() {
	case PersonalityMachine:
		fmt.Fprintf(w, "OK: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(w, "%s %s\n", IconSuccess.Render(), text)
	default:
		fmt.Fprintf(w, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	}
}

// Warning prints a warning message
func Warning(w io.Writer, text string) {
	switch GetPersonalityLevel() {
	case PersonalityMachine:
		fmt.Fprintf(w, "WARN: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(w, "%s %s\n", IconWarning.Render(), text)
	default:
		fmt.Fprintf(w, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	}
}

// GraphSummary prints the size of a built graph and where it went.
func GraphSummary(w io.Writer, origin string, elements, connections int, dest string) {
	if GetPersonalityLevel() == PersonalityMachine {
		fmt.Fprintf(w, "SUMMARY: origin=%s elements=%d connections=%d output=%s\n",
			origin, elements, connections, dest)
		return
	}
	body := fmt.Sprintf("%s %s  %s %s\n%s %s",
		Styles.Bold.Render(fmt.Sprintf("%d", elements)), Styles.Muted.Render("elements"),
		Styles.Bold.Render(fmt.Sprintf("%d", connections)), Styles.Muted.Render("connections"),
		IconArrow.Render(), dest,
	)
	if GetPersonalityLevel() == PersonalityMinimal {
		fmt.Fprintln(w, body)
		return
	}
	fmt.Fprintln(w, Styles.Box.Render(Styles.Title.Render(origin)+"\n"+body))
}
