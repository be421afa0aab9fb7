package store

import "strings"

const (
	maxThemes       = 3
	maxMicroActions = 2
)

// Summarize projects a session into its summary. It never mutates s.
func Summarize(s *Session) SessionSummary {
	transcript := s.Transcript()
	return SessionSummary{
		SessionID:    s.ID,
		Transcript:   transcript,
		Themes:       DeriveThemes(transcript),
		MicroActions: RecommendActions(transcript),
	}
}

// DeriveThemes maps keywords in the transcript to at most three themes.
func DeriveThemes(transcript string) []string {
	t := strings.ToLower(transcript)
	var themes []string
	if strings.Contains(t, "stress") || strings.Contains(t, "anx") {
		themes = append(themes, "Stress & Anxiety")
	}
	if strings.Contains(t, "sleep") {
		themes = append(themes, "Sleep")
	}
	if strings.Contains(t, "work") {
		themes = append(themes, "Workload")
	}
	if len(themes) == 0 {
		themes = []string{"Mood Check-In", "Daily Reflection", "Self-care"}
	}
	if len(themes) > maxThemes {
		themes = themes[:maxThemes]
	}
	return themes
}

// RecommendActions maps keywords in the transcript to at most two micro-actions.
func RecommendActions(transcript string) []string {
	t := strings.ToLower(transcript)
	var actions []string
	if strings.Contains(t, "sleep") {
		actions = append(actions, "Try a 10-minute wind-down before bed.")
	}
	if strings.Contains(t, "stress") || strings.Contains(t, "anx") {
		actions = append(actions, "Do a 1-minute box breathing exercise.")
	}
	if len(actions) == 0 {
		actions = []string{"Take a short walk and hydrate."}
	}
	if len(actions) > maxMicroActions {
		actions = actions[:maxMicroActions]
	}
	return actions
}
