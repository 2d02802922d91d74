package service

import (
	"fmt"
	"strings"

	"github.com/DukeRupert/fortuna/internal/domain"
)

const personaPreamble = `You are Fortuna, a warm and perceptive fortune teller. Speak directly to the
seeker in the second person. Be encouraging without promising specific outcomes, never
give medical, legal or financial advice, and keep the reading under 400 words.`

var systemPrompts = map[domain.Feature]string{
	domain.FeatureTarot: personaPreamble + `

You interpret tarot spreads. For each card, explain its meaning in its position, taking
reversal into account, then close with a short synthesis that answers the seeker's question.`,

	domain.FeaturePalm: personaPreamble + `

You read palms from a photograph. Describe the heart, head and life lines and any notable
mounts you can see. If the image does not clearly show a palm, say so kindly and describe
what would make a better photo instead of inventing details.`,

	domain.FeatureIChing: personaPreamble + `

You interpret I Ching castings. Name the primary hexagram and its judgement. If there are
changing lines, interpret each one and then the relating hexagram as the direction the
situation is moving.`,

	domain.FeatureChat: personaPreamble + `

You are in an open conversation. Answer questions about divination, astrology and the
seeker's earlier readings. Keep replies conversational and shorter than a full reading.`,

	domain.FeatureCompatibility: personaPreamble + `

You assess the compatibility of two people from their sun signs. Cover emotional,
communication and long-term harmony, name one strength and one challenge, and finish with
a compatibility score out of 100.`,
}

// SystemPrompt returns the model instructions for feature.
func SystemPrompt(feature domain.Feature) string {
	return systemPrompts[feature]
}

func tarotPrompt(question string, cards []domain.TarotCard) string {
	var b strings.Builder
	writeQuestion(&b, question)
	b.WriteString("The cards drawn:\n")
	for i, c := range cards {
		orientation := "upright"
		if c.Reversed {
			orientation = "reversed"
		}
		fmt.Fprintf(&b, "%d. %s: %s (%s)\n", i+1, c.Position, c.Name, orientation)
	}
	return b.String()
}

func palmPrompt(hand, question string) string {
	var b strings.Builder
	writeQuestion(&b, question)
	if hand != "" {
		fmt.Fprintf(&b, "This is the seeker's %s hand.\n", hand)
	}
	b.WriteString("Please read the palm in the attached photo.")
	return b.String()
}

func ichingPrompt(question string, h domain.Hexagram) string {
	var b strings.Builder
	writeQuestion(&b, question)
	fmt.Fprintf(&b, "Lines from bottom to top: %v\n", h.Lines)
	fmt.Fprintf(&b, "Primary hexagram: %d\n", h.Primary)
	if len(h.ChangingLines) > 0 {
		fmt.Fprintf(&b, "Changing lines: %v\n", h.ChangingLines)
		fmt.Fprintf(&b, "Relating hexagram: %d\n", h.Relating)
	} else {
		b.WriteString("There are no changing lines.\n")
	}
	return b.String()
}

func compatibilityPrompt(a, b domain.Person) string {
	return fmt.Sprintf("Person one: %s, born %s (%s).\nPerson two: %s, born %s (%s).\nHow compatible are they?",
		displayName(a.Name, "Person one"), a.BirthDate, a.Sign,
		displayName(b.Name, "Person two"), b.BirthDate, b.Sign,
	)
}

func writeQuestion(b *strings.Builder, question string) {
	if question == "" {
		b.WriteString("The seeker asks for general guidance.\n")
		return
	}
	fmt.Fprintf(b, "The seeker asks: %q\n", question)
}

func displayName(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}
