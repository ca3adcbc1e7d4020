package ui

import "github.com/charmbracelet/lipgloss"

var (
	// TitleStyle uses ANSI 6 (cyan) for headings, readable on both
	// light and dark terminals.
	TitleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true).MarginBottom(1)

	// UsageStyle ANSI 2 (green) for arguments and usage lines
	UsageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))

	// DescStyle ANSI 8 (gray) for descriptions and echoed input
	DescStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	// FlagStyle ANSI 3 (yellow) for flags
	FlagStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))

	// ResponseStyle renders assistant replies in the chat loop.
	ResponseStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("7"))

	// NoticeStyle marks degraded replies and loop notices.
	NoticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Italic(true)
)
