// Package ui provides terminal styling helpers for weft commands.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	accentColor = lipgloss.Color("#6366F1") // Indigo
	passColor   = lipgloss.Color("#10B981") // Green
	warnColor   = lipgloss.Color("#F59E0B") // Amber
	failColor   = lipgloss.Color("#EF4444") // Red
	mutedColor  = lipgloss.Color("#6B7280") // Gray

	accentStyle = lipgloss.NewStyle().Foreground(accentColor)
	passStyle   = lipgloss.NewStyle().Foreground(passColor)
	warnStyle   = lipgloss.NewStyle().Foreground(warnColor)
	failStyle   = lipgloss.NewStyle().Foreground(failColor).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
)

// RenderAccent styles informational text
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass styles success text
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn styles warning text
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail styles error text
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderMuted styles secondary text
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderTitle styles section headings
func RenderTitle(s string) string { return titleStyle.Render(s) }
