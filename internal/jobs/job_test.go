package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgs_ValueScan(t *testing.T) {
	in := Args{"society": "chess", "target": "spqr2"}

	v, err := in.Value()
	require.NoError(t, err)

	var out Args
	require.NoError(t, out.Scan(v))
	assert.Equal(t, in, out)
}

func TestArgs_ScanNil(t *testing.T) {
	var a Args
	require.NoError(t, a.Scan(nil))
	assert.NotNil(t, a)
	assert.Empty(t, a)
}

func TestArgs_ScanRejectsUnknownType(t *testing.T) {
	var a Args
	assert.Error(t, a.Scan(42))
}

func TestNewJob(t *testing.T) {
	j := NewJob("test", "spqr1", Args{"sleep_time": "5"}, false)
	assert.Equal(t, StateQueued, j.State)
	assert.Equal(t, "spqr1", j.OwnerName())
	assert.Zero(t, j.JobID, "id is assigned by the database")

	j = NewJob("signup", "", Args{}, false)
	assert.False(t, j.Owner.Valid)
	assert.Empty(t, j.OwnerName())

	j = NewJob("create_society", "spqr1", Args{}, true)
	assert.Equal(t, StateUnapproved, j.State)
}

func TestJob_Message(t *testing.T) {
	j := &Job{}
	assert.Empty(t, j.Message())

	j.SetMessage("Running (host: pip)")
	assert.Equal(t, "Running (host: pip)", j.Message())

	j.SetMessage("")
	assert.Empty(t, j.Message())
	assert.False(t, j.StateMessage.Valid)
}
