package klog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntriesOldestFirst(t *testing.T) {
	var r Ring

	r.Infof("first")
	r.Warnf("second")
	r.Errorf("third")

	entries := r.Entries(0)
	require.Len(t, entries, 3)

	assert.Equal(t, "first", entries[0].Text)
	assert.Equal(t, Warn, entries[1].Level)
	assert.Equal(t, "third", entries[2].Text)
}

func TestRingWraps(t *testing.T) {
	var r Ring

	for i := 0; i < Capacity+10; i++ {
		r.Infof("entry %d", i)
	}

	entries := r.Entries(0)
	require.Len(t, entries, Capacity)

	// the ten oldest entries have been overwritten
	assert.Equal(t, "entry 10", entries[0].Text)
	assert.Equal(t, "entry 137", entries[Capacity-1].Text)
}

func TestLevelFilter(t *testing.T) {
	var r Ring

	r.SetLevel(Warn)

	r.Debugf("dropped")
	r.Infof("dropped")
	r.Warnf("kept")
	r.Fatalf("kept")

	entries := r.Entries(0)
	require.Len(t, entries, 2)
	assert.Equal(t, Warn, entries[0].Level)
	assert.Equal(t, Fatal, entries[1].Level)
}

func TestEntriesBounded(t *testing.T) {
	var r Ring

	for i := 0; i < 5; i++ {
		r.Infof("entry %d", i)
	}

	entries := r.Entries(2)
	require.Len(t, entries, 2)
	assert.Equal(t, "entry 3", entries[0].Text)
	assert.Equal(t, "entry 4", entries[1].Text)
}

func TestWriterRecordsAndMirrors(t *testing.T) {
	var r Ring
	var out strings.Builder

	r.SetOutput(&out)

	n, err := r.Write([]byte("console line\n"))
	require.NoError(t, err)
	assert.Equal(t, len("console line\n"), n)

	entries := r.Entries(0)
	require.Len(t, entries, 1)
	assert.Equal(t, "console line", entries[0].Text)
	assert.Equal(t, "INFO console line\n", out.String())
}
