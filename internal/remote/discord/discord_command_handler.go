package discord

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

func (b *Bot) handleStatusRequest(s *discordgo.Session, m *discordgo.MessageCreate) {
	st := b.supervisor.Status()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**Session** `%s`\n", shortSession(st.SessionID)))
	sb.WriteString(fmt.Sprintf("Status: **%s** | Class: **%s** (%s)\n", st.Status, st.ActiveClass, st.Archetype))
	sb.WriteString(fmt.Sprintf("Backend: **%s** | Recent visual failures: %d/%d\n",
		st.System.Backend, st.System.RecentFailures, st.System.FailureThreshold))
	sb.WriteString(fmt.Sprintf("Scans: %d | Capture errors: %d\n", st.ScanCount, st.CaptureErrors))
	sb.WriteString(fmt.Sprintf("Executions: %d (%.0f%% success, avg %.0f ms)\n",
		st.Execution.TotalExecutions, st.Execution.SuccessRate*100, st.Execution.AvgExecutionMs))
	sb.WriteString(fmt.Sprintf("HP %d%% | MP %d%% | Target: %v", st.Vitals.HP, st.Vitals.MP, st.Vitals.TargetExists))

	s.ChannelMessageSend(m.ChannelID, sb.String())
}

func (b *Bot) handleSkillsRequest(s *discordgo.Session, m *discordgo.MessageCreate) {
	st := b.supervisor.Status()
	if len(st.Slots) == 0 {
		s.ChannelMessageSend(m.ChannelID, "No slots tracked yet.")
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**%s** slots:\n", st.ActiveClass))
	for _, slot := range st.Slots {
		sb.WriteString(fmt.Sprintf("`%d` %s: %s (%.2f)\n", slot.Slot, slot.SkillName, slot.State, slot.Confidence))
	}

	s.ChannelMessageSend(m.ChannelID, sb.String())
}

func (b *Bot) handleUseRequest(s *discordgo.Session, m *discordgo.MessageCreate) {
	words := strings.Fields(m.Content)
	if len(words) < 2 {
		s.ChannelMessageSend(m.ChannelID, "Usage: `!use <skillName>`")
		return
	}

	outcome, err := b.supervisor.ExecuteSkill(context.Background(), words[1])
	if err != nil {
		s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("Error executing %s: %s", words[1], err.Error()))
		return
	}

	s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("%s: **%s**", words[1], outcome))
}

func (b *Bot) handleClassRequest(s *discordgo.Session, m *discordgo.MessageCreate) {
	words := strings.Fields(m.Content)
	if len(words) < 2 {
		s.ChannelMessageSend(m.ChannelID, "Usage: `!class <classId>`")
		return
	}

	if err := b.supervisor.SwitchClass(context.Background(), words[1]); err != nil {
		s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("Error switching class: %s", err.Error()))
		return
	}

	s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("Active class is now **%s**", words[1]))
}

func (b *Bot) handleVisualRequest(s *discordgo.Session, m *discordgo.MessageCreate) {
	words := strings.Fields(m.Content)
	if len(words) < 2 || (words[1] != "on" && words[1] != "off") {
		s.ChannelMessageSend(m.ChannelID, "Usage: `!visual on|off`")
		return
	}

	b.supervisor.SetUseVisualSystem(words[1] == "on")
	s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("Visual system turned **%s**", words[1]))
}

func (b *Bot) handlePauseRequest(s *discordgo.Session, m *discordgo.MessageCreate) {
	status := b.supervisor.TogglePause()
	s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("Monitoring is now **%s**", status))
}

func (b *Bot) handleHelpRequest(s *discordgo.Session, m *discordgo.MessageCreate) {
	help := strings.Join([]string{
		"`!status` session summary",
		"`!skills` tracked slot states",
		"`!use <skillName>` execute a skill",
		"`!class <classId>` switch active class",
		"`!visual on|off` toggle the visual system",
		"`!pause` pause or resume monitoring",
	}, "\n")

	s.ChannelMessageSend(m.ChannelID, help)
}

func shortSession(id string) string {
	if len(id) > 8 {
		return id[:8]
	}

	return id
}
