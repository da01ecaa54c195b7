package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/protocol"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/reconcile"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/records"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/rooms"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	onlineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	offlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	mutedStyle   = lipgloss.NewStyle().Faint(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	doneStyle    = lipgloss.NewStyle().Faint(true).Strikethrough(true)

	conflictStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("214")).
			Padding(0, 1)

	boxChecked   = "☑"
	boxUnchecked = "☐"
)

func statusLine(online bool, pending, conflicts int) string {
	parts := make([]string, 0, 3)
	if online {
		parts = append(parts, onlineStyle.Render("● online"))
	} else {
		parts = append(parts, offlineStyle.Render("○ offline"))
	}
	if pending > 0 {
		parts = append(parts, pendingStyle.Render(fmt.Sprintf("%d pending", pending)))
	} else {
		parts = append(parts, mutedStyle.Render("synced"))
	}
	if conflicts > 0 {
		parts = append(parts, pendingStyle.Render(fmt.Sprintf("%d conflict(s)", conflicts)))
	}
	return strings.Join(parts, mutedStyle.Render(" | "))
}

func renderItems(listID string, items []records.Item) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(listID))
	b.WriteString("\n")
	if len(items) == 0 {
		b.WriteString(mutedStyle.Render("  (empty)"))
		b.WriteString("\n")
		return b.String()
	}
	for i, item := range items {
		box := boxUnchecked
		title := item.Title
		if item.Completed {
			box = boxChecked
			title = doneStyle.Render(title)
		}
		line := fmt.Sprintf("%3d %s %s", i+1, box, title)
		if item.Priority == records.PriorityHigh {
			line += " " + pendingStyle.Render("!")
		}
		if reconcile.IsTempID(item.ID) {
			line += " " + mutedStyle.Render("(unsynced)")
		} else {
			line += " " + mutedStyle.Render(fmt.Sprintf("v%d", item.Version))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// renderItemDetail shows one item as the server has it.
func renderItemDetail(item records.Item) string {
	lines := []string{
		titleStyle.Render(item.Title),
		fmt.Sprintf("status %s, priority %s, v%d", item.Status, item.Priority, item.Version),
	}
	if item.Description != nil {
		lines = append(lines, *item.Description)
	}
	if item.DueDate != nil {
		lines = append(lines, "due "+item.DueDate.Format("2006-01-02"))
	}
	if item.AssigneeID != nil {
		lines = append(lines, "assigned to "+*item.AssigneeID)
	}
	editor := item.CreatedBy
	if item.LastEditedBy != nil {
		editor = *item.LastEditedBy
	}
	lines = append(lines, mutedStyle.Render("last changed by "+editor))
	return strings.Join(lines, "\n") + "\n"
}

func renderConflict(record protocol.ConflictRecord) string {
	lines := []string{
		titleStyle.Render("Conflict on " + record.ServerData.Title),
		fmt.Sprintf("your version %d, server version %d", record.ClientVersion, record.ServerVersion),
		mutedStyle.Render(record.Message),
		mutedStyle.Render(fmt.Sprintf("resolve %s keep|retry", record.ItemID)),
	}
	return conflictStyle.Render(strings.Join(lines, "\n"))
}

func renderPresence(users []rooms.Presence) string {
	if len(users) == 0 {
		return mutedStyle.Render("nobody here")
	}
	parts := make([]string, 0, len(users))
	for _, u := range users {
		name := u.DisplayName
		if name == "" {
			name = u.UserID
		}
		label := lipgloss.NewStyle().Foreground(lipgloss.Color(u.Color)).Render(name)
		if u.IsTyping {
			label += mutedStyle.Render(" (typing)")
		}
		parts = append(parts, label)
	}
	return strings.Join(parts, ", ")
}

func renderError(msg string) string {
	return errorStyle.Render("✖ " + msg)
}
