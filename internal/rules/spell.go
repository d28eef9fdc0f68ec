// Package rules holds the rules knowledge base the chat backend retrieves context from: loading rules
// entries, converting raw spell records into markdown entries, and similarity search over embeddings.
package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Entry is one searchable rules entry. Description is markdown.
type Entry struct {
	Title       string `json:"title"`
	Source      string `json:"source"`
	Page        int    `json:"page"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Spell is a raw spell record as published in the community spell compendium format.
type Spell struct {
	Name               string            `json:"name"`
	Source             string            `json:"source"`
	Page               int               `json:"page"`
	Level              int               `json:"level"`
	School             string            `json:"school"`
	Time               []SpellTime       `json:"time"`
	Range              SpellRange        `json:"range"`
	Components         SpellComponents   `json:"components"`
	Duration           []SpellDuration   `json:"duration"`
	Meta               map[string]bool   `json:"meta"`
	Entries            []json.RawMessage `json:"entries"`
	EntriesHigherLevel []json.RawMessage `json:"entriesHigherLevel"`
}

// SpellTime is one way of casting a spell.
type SpellTime struct {
	Number    int    `json:"number"`
	Unit      string `json:"unit"`
	Condition string `json:"condition"`
}

// SpellRange is the reach of a spell.
type SpellRange struct {
	Type     string `json:"type"`
	Distance struct {
		Type   string `json:"type"`
		Amount int    `json:"amount"`
	} `json:"distance"`
}

// SpellComponents lists the verbal, somatic and material components. M is either a bool or a material
// description, which may itself be an object with a text field.
type SpellComponents struct {
	V bool            `json:"v"`
	S bool            `json:"s"`
	R bool            `json:"r"`
	M json.RawMessage `json:"m"`
}

// SpellDuration is one possible duration of a spell.
type SpellDuration struct {
	Type     string `json:"type"`
	Duration struct {
		Type   string `json:"type"`
		Amount int    `json:"amount"`
	} `json:"duration"`
	Concentration bool     `json:"concentration"`
	Ends          []string `json:"ends"`
}

var schools = map[string]string{
	"A": "Abjuration",
	"C": "Conjuration",
	"D": "Divination",
	"E": "Enchantment",
	"V": "Evocation",
	"I": "Illusion",
	"N": "Necromancy",
	"T": "Transmutation",
}

// {@damage 8d6} -> 8d6, {@spell fireball|phb} -> fireball
var inlineTag = regexp.MustCompile(`\{@\w+\s*([^|}]*)[^}]*\}`)

// ConvertSpell turns a raw spell into a rules entry whose description lists the spell's properties
// followed by its text and, when present, the higher level text.
func ConvertSpell(s Spell) Entry {
	var sb strings.Builder

	fmt.Fprintf(&sb, "**Source:** %s (Page %d)\n\n", s.Source, s.Page)
	fmt.Fprintf(&sb, "**Level:** %s\n", spellLevel(s.Level))
	fmt.Fprintf(&sb, "**School:** %s\n", spellSchool(s.School))
	fmt.Fprintf(&sb, "**Range:** %s\n", spellRange(s.Range))
	fmt.Fprintf(&sb, "**Time to cast:** %s\n", spellTime(s.Time))
	fmt.Fprintf(&sb, "**Duration:** %s\n", spellDuration(s.Duration))
	if meta := spellMeta(s.Meta); meta != "" {
		fmt.Fprintf(&sb, "%s\n", meta)
	}
	fmt.Fprintf(&sb, "**Components:** %s\n\n", strings.Join(spellComponents(s.Components), ", "))
	fmt.Fprintf(&sb, "**Description:**\n%s", flattenEntries(s.Entries))

	if higher := flattenEntries(s.EntriesHigherLevel); higher != "" {
		fmt.Fprintf(&sb, "\n\n**At Higher Levels:**\n%s", higher)
	}

	return Entry{
		Title:       s.Name,
		Source:      s.Source,
		Page:        s.Page,
		Type:        "Spell",
		Description: sb.String(),
	}
}

func spellLevel(level int) string {
	if level == 0 {
		return "Cantrip"
	}
	return strconv.Itoa(level)
}

func spellSchool(code string) string {
	if name, ok := schools[code]; ok {
		return name
	}
	return code
}

func spellRange(r SpellRange) string {
	switch r.Type {
	case "special":
		return "Special"
	case "point":
		switch r.Distance.Type {
		case "self", "touch", "sight", "unlimited":
			return capitalize(r.Distance.Type)
		}
		return quantity(r.Distance.Amount, r.Distance.Type)
	case "":
		return ""
	}
	// radius, cone, line, sphere, cube, ...
	if r.Distance.Amount == 0 {
		return capitalize(r.Type)
	}
	return fmt.Sprintf("Self (%s %s)", quantity(r.Distance.Amount, r.Distance.Type), r.Type)
}

func spellTime(times []SpellTime) string {
	parts := make([]string, 0, len(times))
	for _, t := range times {
		s := quantity(t.Number, t.Unit)
		if t.Condition != "" {
			s += ", " + stripTags(t.Condition)
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, " or ")
}

func spellDuration(durations []SpellDuration) string {
	parts := make([]string, 0, len(durations))
	for _, d := range durations {
		var s string
		switch d.Type {
		case "instant":
			s = "Instantaneous"
		case "permanent":
			s = "Until dispelled"
			if len(d.Ends) > 0 {
				s = "Until " + strings.Join(d.Ends, " or ")
			}
		case "special":
			s = "Special"
		case "timed":
			s = quantity(d.Duration.Amount, d.Duration.Type)
			if d.Concentration {
				s = "Concentration, up to " + s
			}
		default:
			s = d.Type
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, " or ")
}

func spellMeta(meta map[string]bool) string {
	var tags []string
	if meta["ritual"] {
		tags = append(tags, "Ritual")
	}
	if meta["technomagic"] {
		tags = append(tags, "Technomagic")
	}
	if len(tags) == 0 {
		return ""
	}
	return "**Tags:** " + strings.Join(tags, ", ")
}

func spellComponents(c SpellComponents) []string {
	var out []string
	if c.V {
		out = append(out, "V")
	}
	if c.S {
		out = append(out, "S")
	}
	if c.R {
		out = append(out, "R")
	}
	if m := material(c.M); m != "" {
		out = append(out, m)
	}
	return out
}

func material(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			return ""
		}
		return fmt.Sprintf("M (%s)", stripTags(text))
	}

	var flag bool
	if err := json.Unmarshal(raw, &flag); err == nil {
		if flag {
			return "M"
		}
		return ""
	}

	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Text != "" {
		return fmt.Sprintf("M (%s)", stripTags(obj.Text))
	}
	return "M"
}

func quantity(amount int, unit string) string {
	if unit == "bonus" {
		unit = "bonus action"
	}
	switch {
	case unit == "":
		return strconv.Itoa(amount)
	case unit == "feet" || unit == "foot":
		if amount == 1 {
			return "1 foot"
		}
		return fmt.Sprintf("%d feet", amount)
	case amount == 1:
		return "1 " + strings.TrimSuffix(unit, "s")
	case strings.HasSuffix(unit, "s"):
		return fmt.Sprintf("%d %s", amount, unit)
	}
	return fmt.Sprintf("%d %ss", amount, unit)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func stripTags(s string) string {
	return inlineTag.ReplaceAllString(s, "$1")
}

// entry is a nested compendium block: a named section, a list or a table.
type entry struct {
	Type      string            `json:"type"`
	Name      string            `json:"name"`
	Entries   []json.RawMessage `json:"entries"`
	Items     []json.RawMessage `json:"items"`
	Entry     json.RawMessage   `json:"entry"`
	Caption   string            `json:"caption"`
	ColLabels []string          `json:"colLabels"`
	Rows      [][]any           `json:"rows"`
}

// flattenEntries renders nested entries as markdown paragraphs.
func flattenEntries(raws []json.RawMessage) string {
	paragraphs := make([]string, 0, len(raws))
	for _, raw := range raws {
		if p := flattenEntry(raw); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	return strings.Join(paragraphs, "\n\n")
}

func flattenEntry(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return stripTags(text)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return ""
	}

	switch e.Type {
	case "list":
		items := make([]string, 0, len(e.Items))
		for _, item := range e.Items {
			if s := flattenEntry(item); s != "" {
				items = append(items, "- "+strings.ReplaceAll(s, "\n\n", " "))
			}
		}
		return strings.Join(items, "\n")
	case "table":
		return flattenTable(e)
	case "item":
		body := flattenEntries(e.Entries)
		if len(e.Entry) > 0 {
			body = flattenEntry(e.Entry)
		}
		if e.Name == "" {
			return body
		}
		return fmt.Sprintf("**%s** %s", e.Name, body)
	}

	body := flattenEntries(e.Entries)
	// the higher levels heading is rendered by ConvertSpell
	if e.Name == "" || e.Name == "At Higher Levels" {
		return body
	}
	return fmt.Sprintf("**%s.** %s", e.Name, body)
}

func flattenTable(e entry) string {
	if len(e.ColLabels) == 0 {
		return ""
	}

	var sb strings.Builder
	if e.Caption != "" {
		fmt.Fprintf(&sb, "**%s**\n\n", e.Caption)
	}

	cells := make([]string, len(e.ColLabels))
	for i, label := range e.ColLabels {
		cells[i] = stripTags(label)
	}
	fmt.Fprintf(&sb, "| %s |\n", strings.Join(cells, " | "))
	fmt.Fprintf(&sb, "|%s\n", strings.Repeat("---|", len(e.ColLabels)))

	for _, row := range e.Rows {
		cells = cells[:0]
		for _, cell := range row {
			cells = append(cells, tableCell(cell))
		}
		fmt.Fprintf(&sb, "| %s |\n", strings.Join(cells, " | "))
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func tableCell(cell any) string {
	switch v := cell.(type) {
	case string:
		return stripTags(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case map[string]any:
		if roll, ok := v["roll"].(map[string]any); ok {
			if exact, ok := roll["exact"].(float64); ok {
				return strconv.FormatFloat(exact, 'f', -1, 64)
			}
			minV, _ := roll["min"].(float64)
			maxV, _ := roll["max"].(float64)
			return fmt.Sprintf("%s-%s", strconv.FormatFloat(minV, 'f', -1, 64), strconv.FormatFloat(maxV, 'f', -1, 64))
		}
		if entry, ok := v["entry"].(string); ok {
			return stripTags(entry)
		}
	}
	return fmt.Sprint(cell)
}
