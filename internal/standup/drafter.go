package standup

import (
	"context"
	"strings"

	"github.com/zulandar/rhythms/internal/activity"
	"github.com/zulandar/rhythms/internal/models"
	"github.com/zulandar/rhythms/internal/telegraph"
)

// Item is one line of a standup.
type Item struct {
	Type string `json:"type"` // models.ItemAccomplishment, ItemPlan or ItemBlocker
	Text string `json:"text"`
}

// Draft is a proposed standup.
type Draft struct {
	Items []Item `json:"items"`
}

var itemSections = []struct {
	typ   string
	title string
}{
	{models.ItemAccomplishment, "Accomplishments"},
	{models.ItemPlan, "Plans"},
	{models.ItemBlocker, "Blockers"},
}

// Texts returns the text of every item of typ, in order.
func (d Draft) Texts(typ string) []string {
	var out []string
	for _, it := range d.Items {
		if it.Type == typ {
			out = append(out, it.Text)
		}
	}
	return out
}

// Groups returns the draft as formatted item groups.
func (d Draft) Groups() []telegraph.ItemGroup {
	groups := make([]telegraph.ItemGroup, len(itemSections))
	for i, sec := range itemSections {
		groups[i] = telegraph.ItemGroup{Name: sec.title, Items: d.Texts(sec.typ)}
	}
	return groups
}

// Render formats the draft as plain text.
func (d Draft) Render() string {
	var b strings.Builder
	for i, sec := range itemSections {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(sec.title + ":\n")
		texts := d.Texts(sec.typ)
		if len(texts) == 0 {
			b.WriteString("- none\n")
		}
		for _, t := range texts {
			b.WriteString("- " + t + "\n")
		}
	}
	return b.String()
}

func (d Draft) has(typ, text string) bool {
	for _, it := range d.Items {
		if it.Type == typ && normalize(it.Text) == normalize(text) {
			return true
		}
	}
	return false
}

func (d *Draft) add(typ, text string) {
	text = strings.TrimSpace(text)
	if text == "" || d.has(typ, text) {
		return
	}
	d.Items = append(d.Items, Item{Type: typ, Text: text})
}

// DraftRequest is everything a drafter may use.
type DraftRequest struct {
	Owner    string
	Activity activity.Summary
	Recent   []models.Standup // newest first
	Carried  []string         // unresolved blockers from earlier standups
}

// Drafter proposes and revises standups.
type Drafter interface {
	Draft(ctx context.Context, req DraftRequest) (Draft, error)
	Revise(ctx context.Context, d Draft, reply string) (Draft, error)
}

var affirmatives = map[string]bool{
	"looks good": true, "look good": true, "lgtm": true, "yes": true, "y": true,
	"ok": true, "okay": true, "ship it": true, "good": true, "approve": true,
	"approved": true, "submit": true, "done": true, "perfect": true,
}

// IsAffirmative reports whether reply approves the draft as-is.
func IsAffirmative(reply string) bool {
	s := normalize(reply)
	s = strings.TrimRight(s, "!. ")
	return affirmatives[s]
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// TemplateDrafter drafts deterministically from activity and revises by
// line prefixes.
type TemplateDrafter struct{}

// Draft maps completed work to accomplishments, work in progress to plans
// and blockers to blockers, then appends carried blockers.
func (TemplateDrafter) Draft(ctx context.Context, req DraftRequest) (Draft, error) {
	var d Draft
	for _, t := range req.Activity.Completed {
		d.add(models.ItemAccomplishment, t)
	}
	for _, t := range req.Activity.InProgress {
		d.add(models.ItemPlan, t)
	}
	for _, t := range req.Activity.Blockers {
		d.add(models.ItemBlocker, t)
	}
	for _, t := range req.Carried {
		d.add(models.ItemBlocker, t)
	}
	return d, nil
}

var revisePrefixes = []struct {
	prefix string
	typ    string
}{
	{"done:", models.ItemAccomplishment},
	{"did:", models.ItemAccomplishment},
	{"plan:", models.ItemPlan},
	{"todo:", models.ItemPlan},
	{"blocker:", models.ItemBlocker},
	{"blocked:", models.ItemBlocker},
}

// Revise applies one reply. Each line is a directive: "done:"/"did:",
// "plan:"/"todo:" and "blocker:"/"blocked:" add items, "drop: text" removes
// items containing text, and bullets or bare lines add plans.
func (TemplateDrafter) Revise(ctx context.Context, d Draft, reply string) (Draft, error) {
	out := Draft{Items: append([]Item(nil), d.Items...)}
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)

		if strings.HasPrefix(lower, "drop:") {
			out.drop(strings.TrimSpace(line[len("drop:"):]))
			continue
		}
		matched := false
		for _, p := range revisePrefixes {
			if strings.HasPrefix(lower, p.prefix) {
				out.add(p.typ, line[len(p.prefix):])
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		line = strings.TrimLeft(line, "-*• ")
		out.add(models.ItemPlan, line)
	}
	return out, nil
}

func (d *Draft) drop(text string) {
	needle := normalize(text)
	if needle == "" {
		return
	}
	kept := d.Items[:0]
	for _, it := range d.Items {
		if !strings.Contains(normalize(it.Text), needle) {
			kept = append(kept, it)
		}
	}
	d.Items = kept
}
