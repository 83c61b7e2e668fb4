package transform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellophanemail/gateway-core/internal/analyzer"
	"github.com/cellophanemail/gateway-core/internal/decision"
	"github.com/cellophanemail/gateway-core/internal/ephemeral"
)

func newEmail(textBody string) *ephemeral.EphemeralEmail {
	headers := map[string]string{
		"Message-Id":  "<abc@ex.com>",
		"In-Reply-To": "<prev@ex.com>",
		"References":  "<prev@ex.com>",
	}
	return ephemeral.NewEphemeralEmail("msg-1", "bob1234@shield.tld", "alice@ex.com", "Lunch?", textBody, "", headers, time.Now(), 5*time.Minute)
}

func TestForwardCleanPassesBodyByteForByte(t *testing.T) {
	email := newEmail("Want to grab lunch at noon?")
	d := decision.Decision{Action: decision.ForwardClean}

	out, dropped := Transform(email, d, "gateway@shield.tld", "bob@real.example")
	require.Nil(t, dropped)
	assert.Equal(t, email.TextBody, out.TextBody)
	assert.Equal(t, "bob@real.example", out.To)
}

func TestForwardCleanPreservesThreadingHeaders(t *testing.T) {
	email := newEmail("hi")
	out, _ := Transform(email, decision.Decision{Action: decision.ForwardClean}, "gateway@shield.tld", "bob@real.example")

	assert.Equal(t, "<abc@ex.com>", out.Headers["Message-Id"])
	assert.Equal(t, "<prev@ex.com>", out.Headers["In-Reply-To"])
	assert.Equal(t, "<prev@ex.com>", out.Headers["References"])
}

func TestForwardWithContextPrependsNoteAndKeepsBodyVerbatimAfter(t *testing.T) {
	email := newEmail("You always forget everything, it's annoying.")
	d := decision.Decision{
		Action: decision.ForwardWithContext,
		Analysis: analyzer.Result{
			HorsemenDetected: []analyzer.Detection{{Horseman: analyzer.Criticism}},
		},
	}

	out, dropped := Transform(email, d, "gateway@shield.tld", "bob@real.example")
	require.Nil(t, dropped)
	assert.Contains(t, out.TextBody, "criticism")
	assert.Contains(t, out.TextBody, email.TextBody)
	assert.True(t, len(out.TextBody) > len(email.TextBody))
}

func TestRedactHarmfulReplacesIndicatorKeepsRemainder(t *testing.T) {
	email := newEmail("Fine, whatever. You're pathetic as usual and the report is wrong.")
	d := decision.Decision{
		Action: decision.RedactHarmful,
		Analysis: analyzer.Result{
			HorsemenDetected: []analyzer.Detection{
				{Horseman: analyzer.Contempt, Indicators: []string{"pathetic as usual"}},
			},
		},
	}

	out, dropped := Transform(email, d, "gateway@shield.tld", "bob@real.example")
	require.Nil(t, dropped)
	assert.NotContains(t, out.TextBody, "pathetic as usual")
	assert.Contains(t, out.TextBody, "[redacted: contempt]")
	assert.Contains(t, out.TextBody, "the report is wrong")
}

func TestRedactHarmfulDegradesWhenIndicatorDoesNotMatch(t *testing.T) {
	email := newEmail("A perfectly ordinary message.")
	d := decision.Decision{
		Action: decision.RedactHarmful,
		Analysis: analyzer.Result{
			HorsemenDetected: []analyzer.Detection{
				{Horseman: analyzer.Contempt, Indicators: []string{"text that was never in the body"}},
			},
		},
	}

	out, dropped := Transform(email, d, "gateway@shield.tld", "bob@real.example")
	require.Nil(t, dropped)
	assert.Contains(t, out.TextBody, email.TextBody, "original body preserved when no indicator matches")
	assert.Contains(t, out.TextBody, "contempt")
}

func TestSummarizeOnlyOmitsToxicIndicators(t *testing.T) {
	email := newEmail("You are worthless and everyone hates you, you absolute failure.")
	d := decision.Decision{
		Action: decision.SummarizeOnly,
		Analysis: analyzer.Result{
			HorsemenDetected: []analyzer.Detection{
				{Horseman: analyzer.Contempt, Indicators: []string{"you absolute failure"}},
			},
		},
	}

	out, dropped := Transform(email, d, "gateway@shield.tld", "bob@real.example")
	require.Nil(t, dropped)
	assert.NotContains(t, out.TextBody, "you absolute failure")
	assert.NotContains(t, out.TextBody, "worthless")
}

func TestBlockEntirelyDropsMessage(t *testing.T) {
	email := newEmail("direct threats here")
	d := decision.Decision{Action: decision.BlockEntirely}

	out, dropped := Transform(email, d, "gateway@shield.tld", "bob@real.example")
	assert.Nil(t, out)
	require.NotNil(t, dropped)
	assert.Equal(t, "alice@ex.com", dropped.FromAddress)
	assert.Equal(t, "Lunch?", dropped.Subject)
}

func TestTransformIsDeterministic(t *testing.T) {
	email := newEmail("Fine, whatever. You're pathetic as usual.")
	d := decision.Decision{
		Action: decision.RedactHarmful,
		Analysis: analyzer.Result{
			HorsemenDetected: []analyzer.Detection{
				{Horseman: analyzer.Contempt, Indicators: []string{"pathetic as usual"}},
			},
		},
	}

	out1, _ := Transform(email, d, "gateway@shield.tld", "bob@real.example")
	out2, _ := Transform(email, d, "gateway@shield.tld", "bob@real.example")
	assert.Equal(t, out1, out2)
}
