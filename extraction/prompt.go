package extraction

import (
	"fmt"
	"strings"

	"github.com/room4-2/bookingline/catalog"
	"github.com/room4-2/bookingline/conversation"
)

const outputContract = `
## Output contract
Reply with exactly one JSON object and nothing else, no markdown and no prose around it:
{
  "response": "<what you say to the caller next, one or two short spoken sentences>",
  "info_extracted": {"%[1]s": "<the value, or null when the caller did not give one>"},
  "info_complete": <true only when a usable %[1]s was given>,
  "analysis": "<one sentence on why you decided this>"
}
Never include any other keys inside info_extracted. Ignore details about anything except the %[1]s.
`

const identity = `You are the phone receptionist for %s. You are speaking to a caller on the phone, so keep sentences short and natural.
Your only job in this step is described below.

%s
`

type fieldPrompt struct {
	goal     string
	rules    string
	question string
	retry    string
}

var fieldPrompts = map[conversation.Field]fieldPrompt{
	conversation.FieldName: {
		goal: "## Goal\nCollect the caller's full name.",
		rules: `## Acceptance rules
- A name is 1 to 50 characters.
- Reject values made only of digits.
- Reject values containing symbols such as @ # $ % & * ; : < > / \.
- If the caller spells the name, join the letters.`,
		question: "Could I start with your full name, please?",
		retry:    "Sorry, I didn't get your name. Could you tell me your full name?",
	},
	conversation.FieldPhone: {
		goal: "## Goal\nCollect the caller's Australian mobile number.",
		rules: `## Acceptance rules
- Only Australian mobiles are accepted: 04XXXXXXXX, +614XXXXXXXX, 00614XXXXXXXX or 614XXXXXXXX.
- Convert spoken digits to numerals ("oh four one two" is 0412).
- Numbers from any other country are not acceptable; ask for an Australian mobile instead.
- Return the digits as a string, never as a JSON number.`,
		question: "What's the best mobile number to reach you on?",
		retry:    "Sorry, I need an Australian mobile number starting with 04. Could you say it again?",
	},
	conversation.FieldAddress: {
		goal: "## Goal\nCollect the street address where the service will take place.",
		rules: `## Acceptance rules
- A complete address has a street number, street name with type (Street, Road, Avenue...), suburb, state (NSW, VIC, QLD, WA, SA, TAS, ACT, NT) and a 4 digit postcode.
- Speech transcription may be imperfect; keep what you heard and normalise spacing.
- If more than one of those parts is missing, ask for the missing parts.`,
		question: "What's the address for the job, including suburb and postcode?",
		retry:    "Sorry, I couldn't get the full address. Could you give me the street, suburb, state and postcode?",
	},
	conversation.FieldService: {
		goal: "## Goal\nFind out which service the caller wants to book.",
		rules: `## Acceptance rules
- Use the caller's words for the service, reduced to one or two lower-case words.
- Prefer the exact catalog name when the caller clearly means one of the offered services.
- A service outside the catalog is still a valid answer; record it.`,
		question: "Which service would you like to book?",
		retry:    "Sorry, which service was that you were after?",
	},
	conversation.FieldTime: {
		goal: "## Goal\nFind out when the caller wants the service.",
		rules: `## Acceptance rules
- Use the caller's words for the time, lower-case.
- Prefer the exact slot name when the caller clearly means one of the offered slots.
- A time outside the offered slots is still a valid answer; record it.`,
		question: "When would suit you for the visit?",
		retry:    "Sorry, when would you like us to come?",
	},
}

// Question returns the opening question for f.
func Question(f conversation.Field) string {
	return fieldPrompts[f].question
}

// RetryPrompt returns the reprompt used when a value for f was rejected.
func RetryPrompt(f conversation.Field) string {
	return fieldPrompts[f].retry
}

// SystemPrompt assembles the instruction for extracting f.
func SystemPrompt(f conversation.Field, c *catalog.Catalog) string {
	p := fieldPrompts[f]
	body := strings.Join([]string{p.goal, p.rules, c.Describe(), fmt.Sprintf(outputContract, f)}, "\n\n")
	return fmt.Sprintf(identity, c.CompanyName, body)
}

// UserMessage formats the model input from the history window and the new utterance.
func UserMessage(history []conversation.Entry, utterance string) string {
	return fmt.Sprintf("history: %s\n\ncurrent input: %s", formatHistory(history), utterance)
}

func formatHistory(history []conversation.Entry) string {
	if len(history) == 0 {
		return "(none)"
	}
	lines := make([]string, 0, len(history))
	for _, e := range history {
		speaker := "User"
		if e.Role == conversation.RoleAssistant {
			speaker = "Assistant"
		}
		lines = append(lines, speaker+": "+e.Content)
	}
	return "\n" + strings.Join(lines, "\n")
}
