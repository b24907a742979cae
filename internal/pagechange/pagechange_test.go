package pagechange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifySequence(t *testing.T) {
	det, err := Open("")
	require.NoError(t, err)
	defer det.Close()

	status, err := det.Classify("fp1", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, StatusNew, status)

	status, err = det.Classify("fp1", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, StatusUnchanged, status)

	status, err = det.Classify("fp1", []byte("hello, world"))
	require.NoError(t, err)
	assert.Equal(t, StatusUpdated, status)

	// The updated body becomes the new baseline
	status, err = det.Classify("fp1", []byte("hello, world"))
	require.NoError(t, err)
	assert.Equal(t, StatusUnchanged, status)
}

func TestClassifyPerPage(t *testing.T) {
	det, err := Open("")
	require.NoError(t, err)
	defer det.Close()

	status, err := det.Classify("fp1", []byte("same body"))
	require.NoError(t, err)
	assert.Equal(t, StatusNew, status)

	// Another page with the same body is still new
	status, err = det.Classify("fp2", []byte("same body"))
	require.NoError(t, err)
	assert.Equal(t, StatusNew, status)
}

func TestSeen(t *testing.T) {
	det, err := Open("")
	require.NoError(t, err)
	defer det.Close()

	ok, err := det.Seen("fp1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = det.Classify("fp1", []byte("body"))
	require.NoError(t, err)

	ok, err = det.Seen("fp1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "new", StatusNew.String())
	assert.Equal(t, "unchanged", StatusUnchanged.String())
	assert.Equal(t, "updated", StatusUpdated.String())
}
