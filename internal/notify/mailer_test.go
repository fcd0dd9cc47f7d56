package notify

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func render(t *testing.T, tpl string, data map[string]any) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, templates.ExecuteTemplate(&buf, tpl, data))
	return buf.String()
}

func TestSuccessTemplate(t *testing.T) {
	t.Parallel()

	body := render(t, "success.txt", map[string]any{
		"ProcessID": "998877",
		"AuthKey":   "abcd",
		"ManageURL": "https://service.berlin.de/terminvereinbarung/termin/manage/",
		"Meta":      map[string]string{"Termin": "16.01.2019 09:00"},
	})

	assert.Contains(t, body, "998877")
	assert.Contains(t, body, "abcd")
	assert.Contains(t, body, "Termin: 16.01.2019 09:00")
	assert.Contains(t, body, "terminvereinbarung/termin/manage")
}

func TestStatusTemplates(t *testing.T) {
	t.Parallel()

	data := map[string]any{"BaseURL": "https://punkow.example.org", "Key": "k-123"}

	confirmation := render(t, "confirmation.txt", data)
	assert.Contains(t, confirmation, "https://punkow.example.org/show/k-123")

	cancelled := render(t, "cancelled.txt", data)
	assert.Contains(t, cancelled, "k-123")
	assert.Contains(t, cancelled, "cancelled")
}
