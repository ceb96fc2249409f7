package request

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultTimeout(t *testing.T) {
	now := time.Now()
	r := New("r1", KindRead, Normal, now, 0)
	assert.Equal(t, now.Add(DefaultTimeout), r.Deadline)
	assert.Equal(t, Pending, r.Status())
}

func TestRequest_StatusChain(t *testing.T) {
	r := New("r1", KindRead, Normal, time.Now(), time.Second)

	require.NoError(t, r.MarkProcessing())
	assert.Equal(t, Processing, r.Status())

	r.Complete([]byte("ok"))
	assert.Equal(t, Completed, r.Status())

	result, err := r.Result()
	assert.Equal(t, []byte("ok"), result)
	assert.NoError(t, err)
}

func TestRequest_TerminalStateIsFinal(t *testing.T) {
	r := New("r1", KindRead, Normal, time.Now(), time.Second)
	require.NoError(t, r.MarkProcessing())

	r.Fail(errors.New("boom"))
	assert.Equal(t, Failed, r.Status())

	// A later Complete must not overwrite the terminal FAILED state.
	r.Complete([]byte("too late"))
	assert.Equal(t, Failed, r.Status())

	_, err := r.Result()
	assert.EqualError(t, err, "boom")
}

func TestRequest_MarkProcessing_RejectsNonPending(t *testing.T) {
	r := New("r1", KindRead, Normal, time.Now(), time.Second)
	require.NoError(t, r.MarkProcessing())
	assert.Error(t, r.MarkProcessing())
}

func TestRequest_Expired(t *testing.T) {
	base := time.Now()
	r := New("r1", KindRead, Normal, base, time.Second)

	assert.False(t, r.Expired(base))
	assert.True(t, r.Expired(base.Add(2*time.Second)))
}

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{"": Normal, "NORMAL": Normal, "HIGH": High, "LOW": Low}
	for in, want := range cases {
		got, err := ParsePriority(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParsePriority("URGENT")
	assert.Error(t, err)
}
