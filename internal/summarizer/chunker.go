package summarizer

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/MikeSquared-Agency/scribe/internal/model"
)

// unit is the smallest piece of input the chunker will not split.
type unit struct {
	firstID string
	lastID  string
	text    string
	tokens  int
}

// chunk is a contiguous run of units that fits one call.
type chunk struct {
	units  []unit
	tokens int
}

func (c chunk) text() string {
	parts := make([]string, len(c.units))
	for i, u := range c.units {
		parts[i] = u.text
	}
	return strings.Join(parts, "\n")
}

func (c chunk) firstID() string { return c.units[0].firstID }
func (c chunk) lastID() string  { return c.units[len(c.units)-1].lastID }

// EstimateTokens approximates the token count of s at four runes per token.
func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}

// clampTokens cuts s so that EstimateTokens(result) <= max.
func clampTokens(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if EstimateTokens(s) <= max {
		return s
	}
	runes := []rune(s)
	cut := max*4 - 1
	// Prefer ending on a line or word boundary when one is close.
	for i := cut; i > cut*4/5; i-- {
		if runes[i] == '\n' || runes[i] == ' ' {
			cut = i
			break
		}
	}
	return strings.TrimRight(string(runes[:cut]), " \n") + "…"
}

func renderEvent(e model.Event) string {
	author := e.Author
	if author == "" {
		author = "unknown"
	}
	body := strings.TrimSpace(e.Body)
	return fmt.Sprintf("[%s] <@%s>: %s", e.Timestamp.UTC().Format("2006-01-02 15:04"), author, body)
}

func newUnit(first, last, text string, ceiling int) unit {
	text = clampTokens(text, ceiling-1)
	return unit{firstID: first, lastID: last, text: text, tokens: EstimateTokens(text)}
}

// eventUnits renders events into units. A thread stays one unit while it
// fits the ceiling; otherwise each of its events becomes a unit. A single
// event larger than the ceiling is truncated.
func eventUnits(events []model.Event, ceiling int) []unit {
	units := make([]unit, 0, len(events))
	for _, e := range events {
		root := renderEvent(e)
		if len(e.Replies) == 0 {
			units = append(units, newUnit(e.ID, e.ID, root, ceiling))
			continue
		}

		lines := make([]string, 0, len(e.Replies)+1)
		lines = append(lines, root)
		for _, r := range e.Replies {
			lines = append(lines, "    "+renderEvent(r))
		}
		thread := strings.Join(lines, "\n")
		last := e.Replies[len(e.Replies)-1].ID
		if EstimateTokens(thread) < ceiling {
			units = append(units, unit{firstID: e.ID, lastID: last, text: thread, tokens: EstimateTokens(thread)})
			continue
		}

		units = append(units, newUnit(e.ID, e.ID, root, ceiling))
		for i, r := range e.Replies {
			units = append(units, newUnit(r.ID, r.ID, lines[i+1], ceiling))
		}
	}
	return units
}

// pack groups consecutive units greedily so no chunk exceeds ceiling tokens.
// One token per unit is reserved for the joining newline.
func pack(units []unit, ceiling int) []chunk {
	var (
		chunks  []chunk
		current chunk
	)
	for _, u := range units {
		cost := u.tokens + 1
		if len(current.units) > 0 && current.tokens+cost > ceiling {
			chunks = append(chunks, current)
			current = chunk{}
		}
		current.units = append(current.units, u)
		current.tokens += cost
	}
	if len(current.units) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}
