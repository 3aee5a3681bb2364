package prompt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atriumhq/atrium/internal/engage"
	"github.com/atriumhq/atrium/internal/llm"
	"github.com/atriumhq/atrium/internal/sentiment"
)

const (
	// How much history feeds the prompt: entries loaded from the log,
	// turns handed to the model, and the window inspected for the
	// anti-repetition guard.
	historyWindow = 20
	historyTurns  = 12
	guardWindow   = 10
	guardEntries  = 3

	snippetLen = 80

	defaultTokenBudget = 70
)

// Response length by trigger. These are chat-room replies, not essays.
var tokenBudget = map[engage.TriggerType]int{
	engage.TriggerDirectMention: 80,
	engage.TriggerQuestion:      80,
	engage.TriggerNewUser:       60,
	engage.TriggerIndividual:    70,
	engage.TriggerGroupSilence:  60,
	engage.TriggerSingleUser:    80,
	engage.TriggerConfusion:     80,
}

// Orchestrator assembles one generation request per fired trigger. It
// is deterministic given room state, member contexts, and history, and
// performs no generation itself.
type Orchestrator struct {
	users    *engage.UserContextManager
	rooms    *engage.RoomStateManager
	personas *Registry
	now      func() time.Time
}

func NewOrchestrator(users *engage.UserContextManager, rooms *engage.RoomStateManager, personas *Registry) *Orchestrator {
	return &Orchestrator{users: users, rooms: rooms, personas: personas, now: time.Now}
}

// Build loads the room's current state and produces the full request:
// system prompt, role-tagged history turns, response-shape parameters,
// and the deterministic fallback line for this trigger.
func (o *Orchestrator) Build(ctx context.Context, roomID string, trig engage.Trigger) (llm.Request, error) {
	state, found, err := o.rooms.Get(ctx, roomID)
	if err != nil {
		return llm.Request{}, err
	}
	if !found {
		state = &engage.RoomState{RoomID: roomID, Topic: "general"}
	}
	persona := o.personas.ForRoom(state.RoomType)

	ids, err := o.rooms.Members(ctx, roomID)
	if err != nil {
		return llm.Request{}, err
	}
	members := make([]*engage.UserContext, 0, len(ids))
	for _, id := range ids {
		uc, ok, err := o.users.Get(ctx, id)
		if err != nil {
			return llm.Request{}, err
		}
		if ok {
			members = append(members, uc)
		}
	}

	history, err := o.rooms.History(ctx, roomID, historyWindow)
	if err != nil {
		return llm.Request{}, err
	}

	f := focusFor(trig, members)
	pace := momentum(history)

	turns := make([]llm.Turn, 0, historyTurns+1)
	turns = append(turns, llm.Turn{
		Role:    llm.RoleSystem,
		Content: o.systemPrompt(persona, state, members, f, repetitionGuard(history), pace),
	})
	turns = append(turns, roleTaggedTurns(history)...)

	return llm.Request{
		Turns:       turns,
		MaxTokens:   maxTokens(trig.Type),
		Temperature: temperature(trig.Type, pace),
		Fallback:    fallbackLine(trig, f.Target, persona),
	}, nil
}

// focus is what the host should be doing right now, derived from the
// trigger alone.
type focus struct {
	Goal    string
	Style   string
	Urgency string
	Target  *engage.UserContext
	Tag     bool
}

func focusFor(trig engage.Trigger, members []*engage.UserContext) focus {
	f := focus{
		Goal:    "Keep the conversation flowing and be a great host",
		Style:   "conversational",
		Urgency: "normal",
	}
	for _, m := range members {
		if m.UserID == trig.TargetUser {
			f.Target = m
			break
		}
	}
	name := "them"
	if f.Target != nil {
		name = f.Target.Name
	}

	switch trig.Type {
	case engage.TriggerDirectMention:
		f.Goal = fmt.Sprintf("Answer %s directly and helpfully", name)
		f.Style = "direct_answer"
		f.Urgency = "high"
	case engage.TriggerQuestion:
		f.Goal = fmt.Sprintf("Answer the question %s asked, clearly and briefly", name)
		f.Style = "direct_answer"
		f.Urgency = "high"
	case engage.TriggerConfusion:
		f.Goal = fmt.Sprintf("Help %s get unstuck with a simple explanation", name)
		f.Style = "reassurance"
		f.Urgency = "high"
	case engage.TriggerNewUser:
		f.Goal = fmt.Sprintf("Welcome %s and fold them into the conversation", name)
		f.Style = "warm_welcome"
		f.Urgency = "high"
		f.Tag = true
	case engage.TriggerIndividual:
		f.Goal = fmt.Sprintf("Re-engage %s in the conversation", name)
		f.Style = "invitation"
		f.Urgency = "medium"
		f.Tag = true
	case engage.TriggerGroupSilence:
		f.Goal = "Re-energize the group conversation"
		f.Style = "open_question"
		f.Urgency = "medium"
	case engage.TriggerSingleUser:
		f.Goal = fmt.Sprintf("Keep the 1-on-1 with %s going, follow up on what they said", name)
		f.Urgency = "medium"
	}
	return f
}

func (o *Orchestrator) systemPrompt(p Persona, state *engage.RoomState, members []*engage.UserContext, f focus, guard, pace string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, the host of this room, acting as its %s.\n", p.Name, p.Role)
	fmt.Fprintf(&b, "Voice: %s.\n", p.Voice)
	if p.Mission != "" {
		fmt.Fprintf(&b, "Mission: %s\n", p.Mission)
	}

	b.WriteString("\nROOM STATUS\n")
	fmt.Fprintf(&b, "  participants: %d\n", len(members))
	fmt.Fprintf(&b, "  topic: %s\n", state.Topic)
	fmt.Fprintf(&b, "  momentum: %s\n", pace)
	if state.Dynamics.DominantSpeaker != "" {
		fmt.Fprintf(&b, "  dominant speaker: %s, draw the others in\n", state.Dynamics.DominantSpeaker)
	}
	if len(state.Dynamics.QuietUsers) > 0 {
		fmt.Fprintf(&b, "  quiet members: %s\n", strings.Join(state.Dynamics.QuietUsers, ", "))
	}

	b.WriteString("\nYOUR FOCUS\n")
	fmt.Fprintf(&b, "  goal: %s\n", f.Goal)
	fmt.Fprintf(&b, "  style: %s, urgency: %s\n", f.Style, f.Urgency)
	if f.Tag && f.Target != nil {
		fmt.Fprintf(&b, "  address @%s directly\n", tagFor(f.Target.Name))
	}

	b.WriteString("\nUSER TRACKING\n")
	b.WriteString(o.userBlock(members, f.Target))

	b.WriteString("\n")
	b.WriteString(guard)

	b.WriteString("\n\nRESPONSE RULES\n")
	b.WriteString("  1 to 2 short sentences, 25 words maximum. This is instant messaging, not email.\n")
	fmt.Fprintf(&b, "  Never prefix your reply with %q and never wrap it in quotes.\n", p.Name+":")
	b.WriteString("  Use @name tags when addressing a specific person in a group.\n")
	b.WriteString("  Reference what people actually said. Ask one question at most.\n")
	b.WriteString("  If members are talking to each other, stay out of the way.")
	return b.String()
}

// userBlock renders per-member tracking lines, flagging members who
// never spoke, went quiet, or carry a sour mood.
func (o *Orchestrator) userBlock(members []*engage.UserContext, target *engage.UserContext) string {
	if len(members) == 0 {
		return "  no active users yet\n"
	}
	now := o.now()
	var b strings.Builder
	for _, m := range members {
		level := sentiment.EngagementLevel(m.MessageCount, m.Silence(now))
		fmt.Fprintf(&b, "  %s", m.Name)
		if target != nil && m.UserID == target.UserID {
			b.WriteString(" [TARGET]")
		}
		fmt.Fprintf(&b, ": engagement %s, %d messages, mood %s\n", level, m.MessageCount, m.Mood)
		if n := len(m.Recent); n > 0 {
			fmt.Fprintf(&b, "    last said %q\n", clip(m.Recent[n-1].Content, snippetLen))
		}
		switch {
		case m.MessageCount == 0:
			fmt.Fprintf(&b, "    has not spoken yet, invite them in with @%s\n", tagFor(m.Name))
		case level == sentiment.LevelInactive || level == sentiment.LevelLow:
			fmt.Fprintf(&b, "    gone quiet, consider tagging @%s\n", tagFor(m.Name))
		}
		if m.Mood == string(sentiment.LabelFrustrated) || m.Mood == string(sentiment.LabelNegative) {
			b.WriteString("    mood flag: acknowledge how they are feeling first\n")
		}
	}
	return b.String()
}

// repetitionGuard quotes the host's own recent lines back as
// counterexamples so the next reply cannot echo them.
func repetitionGuard(history []engage.HistoryEntry) string {
	window := history
	if len(window) > guardWindow {
		window = window[:guardWindow]
	}
	var recent []string
	for _, e := range window {
		if len(recent) == guardEntries {
			break
		}
		if e.Kind == engage.EntryHost {
			recent = append(recent, e.Content)
		}
	}
	if len(recent) == 0 {
		return "This is your first response in this conversation. Start fresh and engaging."
	}

	var b strings.Builder
	b.WriteString("ANTI-REPETITION GUARD\n")
	fmt.Fprintf(&b, "Your last %d responses were:\n", len(recent))
	for i, msg := range recent {
		fmt.Fprintf(&b, "  %d. %q\n", i+1, clip(msg, snippetLen))
	}
	b.WriteString("Your next reply must differ from these in structure and content.\n")
	b.WriteString("Do not reuse recent openings and do not repeat a question you already asked.")
	return b.String()
}

// roleTaggedTurns converts the newest history entries, oldest first,
// into model turns. Host entries become assistant turns; user entries
// keep the speaker's name so the model can track who said what.
func roleTaggedTurns(history []engage.HistoryEntry) []llm.Turn {
	window := history
	if len(window) > historyTurns {
		window = window[:historyTurns]
	}
	turns := make([]llm.Turn, 0, len(window))
	for i := len(window) - 1; i >= 0; i-- {
		e := window[i]
		if e.Kind == engage.EntryHost {
			turns = append(turns, llm.Turn{Role: llm.RoleAssistant, Content: e.Content})
			continue
		}
		turns = append(turns, llm.Turn{Role: llm.RoleUser, Content: e.Username + ": " + e.Content})
	}
	return turns
}

// momentum classifies conversational pace from the gap between the two
// newest user messages, falling back to cold for near-empty logs.
func momentum(history []engage.HistoryEntry) string {
	var latest, previous *engage.HistoryEntry
	for i := range history {
		if history[i].Kind != engage.EntryUser {
			continue
		}
		if latest == nil {
			latest = &history[i]
			continue
		}
		previous = &history[i]
		break
	}
	if latest == nil || previous == nil {
		return "cold"
	}
	gap := latest.Ts.Sub(previous.Ts)
	if gap < 0 {
		gap = -gap
	}
	switch {
	case gap < 30*time.Second:
		return "hot"
	case gap < 2*time.Minute:
		return "warm"
	default:
		return "cooling"
	}
}

func maxTokens(t engage.TriggerType) int {
	if n, ok := tokenBudget[t]; ok {
		return n
	}
	return defaultTokenBudget
}

// temperature picks sampling creativity: tight for direct answers,
// looser when a stalled room needs a spark.
func temperature(t engage.TriggerType, pace string) float64 {
	switch {
	case t == engage.TriggerDirectMention || t == engage.TriggerQuestion:
		return 0.6
	case t == engage.TriggerSingleUser:
		return 0.65
	case pace == "cold" || t == engage.TriggerGroupSilence:
		return 0.75
	default:
		return 0.65
	}
}

// fallbackLine is what the room hears when every generation attempt
// fails. Kept per trigger so even the canned line fits the moment.
func fallbackLine(trig engage.Trigger, target *engage.UserContext, p Persona) string {
	switch trig.Type {
	case engage.TriggerNewUser:
		return p.Greeting
	case engage.TriggerIndividual:
		if target != nil {
			return fmt.Sprintf("@%s still with us? Jump back in whenever.", tagFor(target.Name))
		}
		return "Still with us? Jump back in whenever."
	case engage.TriggerGroupSilence:
		return "It got quiet in here. What's everyone up to?"
	case engage.TriggerDirectMention, engage.TriggerQuestion, engage.TriggerConfusion:
		return "Good question. My thoughts are taking a moment to load, ask me again in a bit!"
	default:
		return "I'm listening! Tell me more."
	}
}

func tagFor(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, " ", ""))
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
