package memory

import (
	"fmt"
	"strings"

	"github.com/becomeliminal/nim-memory/core"
)

const judgeSystemPrompt = `You maintain the long-term memory of a conversational agent.
Read the conversation turn and the known memories, then decide what the agent
should remember. Reply with zero or more operation tags, one per line:

[ADD:tier]statement[/ADD]        remember a new fact (tier: core, semantic or episodic)
[UPDATE:id]statement[/UPDATE]    correct or refine a known memory
[BOOST:id:delta]                 a known memory was confirmed, delta in (0, 1]
[DELETE:id]                      a known memory is wrong or obsolete
[PROMOTE:id]                     a known memory is fundamental to the user
[RELATE:id:predicate]object[/RELATE]   link a memory to an entity, or to "@id"
[SKIP]                           nothing worth remembering

Rules:
- Only use ids listed under "Known memories".
- core is for lasting facts about the user (name, family, strong preferences).
- episodic is for events tied to a time. Everything else is semantic.
- Write statements in the language of the conversation, short and self-contained.
- Do not repeat a known memory as ADD. Use UPDATE or BOOST instead.`

// BuildPrompt assembles the judge prompt for a turn and its relevant
// memories.
func BuildPrompt(turn core.Turn, relevant []Scored) Prompt {
	var b strings.Builder

	b.WriteString("Known memories:\n")
	if len(relevant) == 0 {
		b.WriteString("(none)\n")
	}
	for _, h := range relevant {
		rec := h.Record
		fmt.Fprintf(&b, "- [%s] (%s, importance %.2f) %s\n", rec.ID, rec.Tier, rec.Importance, oneLine(rec.Content))
		for _, t := range rec.Relations {
			obj := t.Object
			if t.ObjectRef {
				obj = "@" + obj
			}
			fmt.Fprintf(&b, "    %s: %s\n", t.Predicate, obj)
		}
	}

	b.WriteString("\nConversation turn:\n")
	fmt.Fprintf(&b, "User: %s\n", strings.TrimSpace(turn.User))
	fmt.Fprintf(&b, "Assistant: %s\n", strings.TrimSpace(turn.Assistant))

	return Prompt{System: judgeSystemPrompt, User: b.String()}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
