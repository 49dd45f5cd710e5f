package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeResultSummaryCountsWordsSegmentsSpeakersChars(t *testing.T) {
	speaker1 := "spk_0"
	speaker2 := "spk_1"
	_ = speaker1
	_ = speaker2

	input := []byte(`{
		"language_code": "en",
		"segments": [
			{"text": "hello world", "speaker_id": "spk_0", "words": [{"word":"hello"},{"word":"world"}]},
			{"text": "goodbye", "speaker_id": "spk_1"}
		]
	}`)

	summary, err := ComputeResultSummary(input)
	require.NoError(t, err)

	assert.Equal(t, "en", summary.LanguageCode)
	assert.Equal(t, 2, summary.SegmentCount)
	assert.Equal(t, 2, summary.SpeakerCount)
	assert.Equal(t, 3, summary.WordCount) // 2 from explicit words + 1 fallback-counted
	assert.Equal(t, len("hello world")+len("goodbye"), summary.CharCount)
}

func TestComputeResultSummaryFallsBackToTextWordCountWithoutWordsField(t *testing.T) {
	input := []byte(`{"language_code":"en","segments":[{"text":"one two three"}]}`)

	summary, err := ComputeResultSummary(input)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.WordCount)
	assert.Equal(t, 0, summary.SpeakerCount)
}

func TestComputeResultSummaryEmptySegments(t *testing.T) {
	summary, err := ComputeResultSummary([]byte(`{"language_code":"en","segments":[]}`))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.SegmentCount)
	assert.Equal(t, 0, summary.WordCount)
}

func TestComputeResultSummaryInvalidJSON(t *testing.T) {
	_, err := ComputeResultSummary([]byte(`not json`))
	assert.Error(t, err)
}
