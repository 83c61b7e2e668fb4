// Package transform produces the outbound message body for a protection
// decision. It is a pure function of (EphemeralEmail, Decision); all
// transformation happens in memory and nothing it touches is persisted.
package transform

import (
	"fmt"
	"strings"

	"github.com/cellophanemail/gateway-core/internal/analyzer"
	"github.com/cellophanemail/gateway-core/internal/decision"
	"github.com/cellophanemail/gateway-core/internal/ephemeral"
)

// OutboundMessage is the transformed message handed to the outbound sender.
type OutboundMessage struct {
	To       string
	From     string
	Subject  string
	TextBody string
	HTMLBody string
	Headers  map[string]string
}

// Dropped signals that the message must not be sent (BlockEntirely).
type Dropped struct {
	FromAddress string
	Subject     string
}

const protectedByNote = "-- protected by cellophanemail --"

// Transform builds the outbound message for an action. ForwardClean and
// ForwardWithContext never touch the original bytes beyond prepending a
// header block, so the decision engine's safe-bucket guarantee (outbound
// body byte-for-byte equal to inbound) holds for ForwardClean. Returns
// (nil, dropped) for BlockEntirely: the orchestrator must not call the
// outbound sender in that case.
func Transform(email *ephemeral.EphemeralEmail, d decision.Decision, fromAddress, toAddress string) (*OutboundMessage, *Dropped) {
	headers := threadingHeaders(email)

	switch d.Action {
	case decision.ForwardClean:
		return &OutboundMessage{
			To:       toAddress,
			From:     fromAddress,
			Subject:  email.Subject,
			TextBody: email.TextBody,
			HTMLBody: email.HTMLBody,
			Headers:  headers,
		}, nil

	case decision.ForwardWithContext:
		prelude := contextPrelude(d.Analysis.HorsemenDetected)
		return &OutboundMessage{
			To:       toAddress,
			From:     fromAddress,
			Subject:  email.Subject,
			TextBody: prelude + "\n\n" + email.TextBody,
			HTMLBody: email.HTMLBody,
			Headers:  headers,
		}, nil

	case decision.RedactHarmful:
		redacted := redactIndicators(email.TextBody, d.Analysis.HorsemenDetected)
		return &OutboundMessage{
			To:       toAddress,
			From:     fromAddress,
			Subject:  email.Subject,
			TextBody: redacted,
			HTMLBody: stripHTML(email.HTMLBody),
			Headers:  headers,
		}, nil

	case decision.SummarizeOnly:
		return &OutboundMessage{
			To:       toAddress,
			From:     fromAddress,
			Subject:  email.Subject,
			TextBody: summarize(email),
			Headers:  headers,
		}, nil

	case decision.BlockEntirely:
		return nil, &Dropped{FromAddress: email.FromAddress, Subject: email.Subject}

	default:
		// Unknown action degrades to the conservative ForwardWithContext
		// path rather than silently dropping a message.
		prelude := contextPrelude(d.Analysis.HorsemenDetected)
		return &OutboundMessage{
			To:       toAddress,
			From:     fromAddress,
			Subject:  email.Subject,
			TextBody: prelude + "\n\n" + email.TextBody,
			HTMLBody: email.HTMLBody,
			Headers:  headers,
		}, nil
	}
}

// threadingHeaders preserves Message-Id, In-Reply-To, and References so the
// recipient's mail client keeps the original thread grouping.
func threadingHeaders(email *ephemeral.EphemeralEmail) map[string]string {
	out := map[string]string{protectedByHeaderKey: protectedByNote}
	for _, key := range []string{"Message-Id", "In-Reply-To", "References"} {
		if v, ok := email.Headers[key]; ok {
			out[key] = v
		}
	}
	out["Reply-To"] = email.FromAddress
	return out
}

const protectedByHeaderKey = "X-Protected-By"

func contextPrelude(detections []analyzer.Detection) string {
	if len(detections) == 0 {
		return protectedByNote + "\nThis message was flagged for review."
	}
	names := make([]string, 0, len(detections))
	for _, d := range detections {
		names = append(names, string(d.Horseman))
	}
	return fmt.Sprintf("%s\nThis message was flagged for: %s.", protectedByNote, strings.Join(names, ", "))
}

// redactIndicators replaces each detection's indicator spans in text with a
// placeholder, leftmost match first. Indicator spans come from the analyzer
// as free text and may not appear verbatim (analyzer hallucination); a
// non-matching indicator is simply skipped rather than treated as an error,
// so a hallucinated span degrades the result toward ForwardWithContext's
// prelude rather than failing the whole transform.
func redactIndicators(text string, detections []analyzer.Detection) string {
	out := text
	anyMatched := false
	for _, d := range detections {
		for _, indicator := range d.Indicators {
			if indicator == "" {
				continue
			}
			if strings.Contains(out, indicator) {
				out = strings.Replace(out, indicator, fmt.Sprintf("[redacted: %s]", d.Horseman), 1)
				anyMatched = true
			}
		}
	}
	if !anyMatched {
		return contextPrelude(detections) + "\n\n" + text
	}
	return out
}

func stripHTML(html string) string {
	if html == "" {
		return ""
	}
	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// summarize replaces the body with a fixed notice naming the sender and the
// subject line. It does not summarize the body's content: no text from the
// original body is included, so toxic passages are dropped entirely.
func summarize(email *ephemeral.EphemeralEmail) string {
	return fmt.Sprintf(
		"%s\nA message from %s with subject %q was flagged as high-risk and has been summarized for your safety.\nThe original content has been withheld; contact the sender directly if you believe this is in error.",
		protectedByNote, email.FromAddress, email.Subject,
	)
}
