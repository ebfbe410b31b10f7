package lead

import (
	"fmt"
	"strings"
)

const basePrompt = `You are a friendly phone agent speaking with a caller on a live phone line.
Keep every reply short and conversational: one or two sentences.
Speak naturally; never read out lists, markdown or URLs.
If the caller is silent, briefly check whether they are still there.
When the conversation is complete, say goodbye clearly.`

// DefaultGreeting is used when the CRM supplies none.
const DefaultGreeting = "Hi, thanks for taking my call. How are you doing today?"

// BuildInstructions composes the agent's system instructions from the lead
// context and goal. requiredFields are the fields an appointment call must
// capture through the capture_field tool.
func BuildInstructions(lc *Context, goal string, requiredFields []string) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	if lc != nil && lc.BusinessName != "" {
		fmt.Fprintf(&b, "\n\nYou are calling on behalf of %s.", lc.BusinessName)
	}

	if lc != nil && !lc.Anonymous {
		b.WriteString("\n\nAbout the caller:")
		if lc.Name != "" {
			fmt.Fprintf(&b, "\n- Name: %s", lc.Name)
		}
		if lc.Company != "" {
			fmt.Fprintf(&b, "\n- Company: %s", lc.Company)
		}
		if lc.Notes != "" {
			fmt.Fprintf(&b, "\n- Notes: %s", oneLine(lc.Notes))
		}
	} else {
		b.WriteString("\n\nYou do not know who the caller is yet. Ask for their name early.")
	}

	switch goal {
	case "appointment":
		b.WriteString("\n\nYour goal is to book an appointment.")
		if len(requiredFields) > 0 {
			fmt.Fprintf(&b, " Before ending the call you must collect: %s.", strings.Join(requiredFields, ", "))
			b.WriteString(" Each time the caller gives one of these, call the capture_field tool with the field name and value.")
		}
	default:
		b.WriteString("\n\nYour goal is to learn what the caller needs and note their details for follow-up.")
		if len(requiredFields) > 0 {
			fmt.Fprintf(&b, " If they share any of: %s, record it with the capture_field tool.", strings.Join(requiredFields, ", "))
		}
	}

	if lc != nil && lc.Instructions != "" {
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(lc.Instructions))
	}
	return b.String()
}

// Greeting returns the opening line for the call.
func Greeting(lc *Context) string {
	if lc != nil && strings.TrimSpace(lc.Greeting) != "" {
		return strings.TrimSpace(lc.Greeting)
	}
	if lc != nil && lc.Name != "" && !lc.Anonymous {
		return fmt.Sprintf("Hi %s, thanks for taking my call. How are you doing today?", firstName(lc.Name))
	}
	return DefaultGreeting
}

func firstName(name string) string {
	if fields := strings.Fields(name); len(fields) > 0 {
		return fields[0]
	}
	return name
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
