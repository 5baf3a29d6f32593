package imap

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildRaw(t *testing.T) []byte {
	t.Helper()

	sheet := base64.StdEncoding.EncodeToString([]byte("booking_code,start_date\n26CO-USB07,2026-05-10\n"))
	logo := base64.StdEncoding.EncodeToString([]byte("PNGDATA"))

	lines := []string{
		"From: Partner Ops <Ops@Partner.Example>",
		"To: bookings@orient-insight.uz",
		"Subject: =?UTF-8?B?0JfQsNGP0LLQutCw?= 26CO-USB07",
		"Date: Mon, 02 Mar 2026 10:15:00 +0500",
		"Message-ID: <abc.123@partner.example>",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="outer"`,
		"",
		"--outer",
		`Content-Type: multipart/related; boundary="rel"`,
		"",
		"--rel",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<table><tr><td>Tour</td><td>Pax</td></tr></table>",
		"--rel",
		"Content-Type: image/png",
		"Content-Disposition: inline",
		"Content-ID: <logo@partner>",
		"Content-Transfer-Encoding: base64",
		"",
		logo,
		"--rel--",
		"--outer",
		`Content-Type: text/csv; name="list.csv"`,
		`Content-Disposition: attachment; filename="list.csv"`,
		"Content-Transfer-Encoding: base64",
		"",
		sheet,
		"--outer--",
		"",
	}
	return []byte(strings.Join(lines, "\r\n"))
}

func TestParseMessage(t *testing.T) {
	pm, err := parseMessage(buildRaw(t))
	require.NoError(t, err)

	assert.Equal(t, "ops@partner.example", pm.sender)
	assert.Equal(t, "Заявка 26CO-USB07", pm.subject)
	assert.Equal(t, 2026, pm.date.Year())
	assert.Contains(t, pm.htmlBody, "<table>")

	require.Len(t, pm.attachments, 2)

	logo := pm.attachments[0]
	assert.Equal(t, "0", logo.ID)
	assert.True(t, logo.Inline)
	assert.Equal(t, "logo@partner", logo.ContentID)
	assert.Equal(t, "image/png", logo.MIMEType)
	assert.Equal(t, "attachment-1", logo.Filename)

	sheet := pm.attachments[1]
	assert.Equal(t, "1", sheet.ID)
	assert.Equal(t, "list.csv", sheet.Filename)
	assert.Equal(t, "text/csv", sheet.MIMEType)
	assert.False(t, sheet.Inline)

	data, err := pm.part("1")
	require.NoError(t, err)
	assert.Contains(t, string(data), "26CO-USB07")
	assert.Equal(t, int64(len(data)), sheet.Size)

	_, err = pm.part("7")
	assert.Error(t, err)
}

func TestStableMessageID(t *testing.T) {
	assert.Equal(t, "abc.123@partner.example", stableMessageID("<abc.123@partner.example>", 7, 42))
	assert.Equal(t, "a_b@x", stableMessageID("a::b@x", 7, 42), "runs of separator characters collapse")
	assert.Equal(t, "a_b_c@x", stableMessageID("a b/:c@x", 7, 42))
	assert.Equal(t, "uid-7-42", stableMessageID("", 7, imap.UID(42)))
	assert.Equal(t, "uid-7-42", stableMessageID("<>", 7, 42))
}
