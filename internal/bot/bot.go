// Package bot is the first responder for new conversations. It answers in
// every supported locale and decides when a visitor wants a person.
package bot

import (
	"strings"
	"unicode"
)

// DefaultLocale is the locale used for Reply.Body.
const DefaultLocale = "en"

// Reply is the bot's answer to one visitor message.
type Reply struct {
	Body      string
	Localized map[string]string
	Escalate  bool
}

type phrasebook map[string]string

var (
	greeting = phrasebook{
		"en": "Hi! I'm the assistant. Ask me anything, or type \"agent\" to talk to a person.",
		"es": "¡Hola! Soy el asistente. Pregúntame lo que quieras o escribe \"agente\" para hablar con una persona.",
		"pt": "Olá! Sou o assistente. Pergunte o que quiser ou digite \"atendente\" para falar com uma pessoa.",
	}
	handoff = phrasebook{
		"en": "Connecting you with an agent. Someone will be with you shortly.",
		"es": "Te estamos conectando con un agente. Alguien te atenderá en breve.",
		"pt": "Estamos conectando você a um atendente. Alguém falará com você em breve.",
	}
	fallback = phrasebook{
		"en": "I'm not sure I understood. Type \"agent\" if you'd like to talk to a person.",
		"es": "No estoy seguro de haber entendido. Escribe \"agente\" si quieres hablar con una persona.",
		"pt": "Não tenho certeza se entendi. Digite \"atendente\" se quiser falar com uma pessoa.",
	}
)

// handoffWords are matched against whole words, case- and accent-folded.
var handoffWords = map[string]bool{
	"agent": true, "human": true, "person": true, "operator": true, "representative": true,
	"agente": true, "humano": true, "persona": true, "operador": true, "asesor": true,
	"atendente": true, "pessoa": true,
}

var greetingWords = map[string]bool{
	"hi": true, "hello": true, "hey": true,
	"hola": true, "buenas": true,
	"ola": true, "oi": true,
}

// Triage answers a visitor message. first reports whether it is the first
// message of the conversation.
func Triage(text string, first bool) Reply {
	words := tokenize(text)

	for _, w := range words {
		if handoffWords[w] {
			return reply(handoff, true)
		}
	}
	if first {
		return reply(greeting, false)
	}
	for _, w := range words {
		if greetingWords[w] {
			return reply(greeting, false)
		}
	}
	return reply(fallback, false)
}

func reply(p phrasebook, escalate bool) Reply {
	localized := make(map[string]string, len(p))
	for k, v := range p {
		localized[k] = v
	}
	return Reply{Body: p[DefaultLocale], Localized: localized, Escalate: escalate}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(fold(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
}

var accents = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u",
	"ã", "a", "õ", "o", "â", "a", "ê", "e", "ô", "o", "ç", "c", "ñ", "n",
)

func fold(s string) string {
	return accents.Replace(strings.ToLower(s))
}
