package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateText(t *testing.T) {
	v := NewContentValidator(50, 0)

	assert.True(t, v.ValidateText("Welcome to the morning news.").Valid)

	res := v.ValidateText("   ")
	assert.False(t, res.Valid)
	assert.Equal(t, "content is empty", res.Error)

	res = v.ValidateText(strings.Repeat("a", 51))
	assert.False(t, res.Valid)
	assert.Contains(t, res.Error, "max 50")
}

func TestValidateTextRejectsAbusePatterns(t *testing.T) {
	v := NewContentValidator(0, 0)
	cases := map[string]string{
		"You should KILL YOURSELF":         "self_harm",
		"i'm going to shoot everyone":      "violent_threat",
		"how to make a bomb at home":       "weapons",
		"Hello, this is your bank calling": "impersonation",
		"please send me your password now": "credential_phishing",
	}
	for text, category := range cases {
		res := v.ValidateText(text)
		assert.False(t, res.Valid, text)
		assert.Equal(t, category, res.Category, text)

		err := v.CheckText(text)
		assert.ErrorIs(t, err, ErrProhibitedContent)
	}
}

func TestValidateTextWholeWordOnly(t *testing.T) {
	v := NewContentValidator(0, 0)
	assert.True(t, v.ValidateText("the skillful yourselfie").Valid)
	assert.True(t, v.ValidateText("we will make a bombastic entrance").Valid)
}

func TestValidateFile(t *testing.T) {
	v := NewContentValidator(0, 16)

	assert.True(t, v.ValidateFile([]byte("ID3abc"), "audio/mpeg").Valid)
	assert.True(t, v.ValidateFile([]byte("ID3abc"), "Audio/WAV; charset=binary").Valid)

	res := v.ValidateFile(nil, "audio/mpeg")
	assert.False(t, res.Valid)

	require.ErrorIs(t, v.CheckFile(make([]byte, 17), "audio/mpeg"), ErrFileTooLarge)
	require.ErrorIs(t, v.CheckFile([]byte("x"), "video/mp4"), ErrContentType)
	require.ErrorIs(t, v.CheckFile([]byte("x"), ""), ErrContentType)
	require.ErrorIs(t, v.CheckFile([]byte("x"), "application/octet-stream"), ErrContentType)
}
