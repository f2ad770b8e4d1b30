package phase

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderAndNames(t *testing.T) {
	all := All()
	require.Len(t, all, Count)
	for i, p := range all {
		assert.Equal(t, Phase(i), p)
	}
	assert.Equal(t, "RESEARCH_LOCK", ResearchLock.String())
	assert.Equal(t, "FINAL_REPORT", FinalReport.String())
	assert.Equal(t, "PHASE(9)", Phase(9).String())
}

func TestCanTransitionOnlyToSuccessor(t *testing.T) {
	for _, from := range All() {
		for _, to := range All() {
			assert.Equal(t, to == from+1, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	_, ok := FinalReport.Next()
	assert.False(t, ok)
}

func TestMachineRejectsSkips(t *testing.T) {
	var m Machine
	require.Error(t, m.Enter(Baseline))
	require.NoError(t, m.Enter(ResearchLock))
	require.Error(t, m.Enter(Implementation))
	require.NoError(t, m.Enter(Baseline))
	require.Error(t, m.Enter(Baseline))
	require.Error(t, m.Finish())

	for _, p := range All()[2:] {
		require.NoError(t, m.Enter(p))
	}
	require.NoError(t, m.Finish())
	require.Error(t, m.Enter(ResearchLock))
}

func TestParse(t *testing.T) {
	p, err := Parse("recursive_verify")
	require.NoError(t, err)
	assert.Equal(t, RecursiveVerify, p)

	p, err = Parse("3")
	require.NoError(t, err)
	assert.Equal(t, Enforcement, p)

	_, err = Parse("SHIP_IT")
	assert.Error(t, err)
}

func TestJSONUsesPhaseNumber(t *testing.T) {
	data, err := json.Marshal(Validation)
	require.NoError(t, err)
	assert.Equal(t, "4", string(data))

	var decoded Phase
	require.NoError(t, json.Unmarshal([]byte("5"), &decoded))
	assert.Equal(t, RecursiveVerify, decoded)
	assert.Error(t, json.Unmarshal([]byte("7"), &decoded))
}
