package upstream

import (
	"testing"

	"github.com/notebookwing/notebookwing/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresetPrompt(t *testing.T) {
	p, err := PresetPrompt(" Flashcards ")
	require.NoError(t, err)
	assert.Contains(t, p, "'Q: [question]'")

	_, err = PresetPrompt("poem")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	assert.Contains(t, err.Error(), "study-guide")

	assert.Equal(t, []string{"briefing", "faq", "flashcards", "quiz", "study-guide", "summary", "timeline"}, Presets())
}

func TestParseFlashcards(t *testing.T) {
	text := `Here are your flashcards:

1. **Q:** What does QAM modulate?
   **A:** Amplitude and phase
   of the carrier.

- Q: What is a Hamming code?
- A: A linear error-correcting code.

Q: Unanswered question?

Q: Nyquist rate?
A: Twice the highest frequency.`

	assert.Equal(t, []Flashcard{
		{Question: "What does QAM modulate?", Answer: "Amplitude and phase of the carrier."},
		{Question: "What is a Hamming code?", Answer: "A linear error-correcting code."},
		{Question: "Nyquist rate?", Answer: "Twice the highest frequency."},
	}, ParseFlashcards(text))
	assert.Empty(t, ParseFlashcards("no cards here"))
}
