package swarm

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eren23/attoswarm/internal/llm"
	"github.com/eren23/attoswarm/internal/models"
)

func TestDecomposeHappyPath(t *testing.T) {
	cfg := gateConfig()
	chat := newFakeChat().on("Break the following task",
		decompositionJSON(4, map[int][]int{3: {0, 1, 2}}, "research"))
	d := NewDecomposer(cfg, chat)

	var usage llm.Usage
	dec, err := d.Decompose(context.Background(), "build a scraper", &usage)
	require.NoError(t, err)
	require.Len(t, dec.Subtasks, 4)

	assert.Equal(t, []string{"t1", "t2", "t3"}, dec.Subtasks[3].DependsOn)
	assert.True(t, dec.LLMAssisted)
	assert.False(t, dec.FlatDAG)
	assert.Equal(t, int64(150), usage.TotalTokens)
}

func TestDecomposeRetriesOnGarbage(t *testing.T) {
	cfg := gateConfig()
	chat := newFakeChat()
	chat.onOnce("Break the following task", "sorry, here's an essay instead")
	chat.on("raw JSON only", decompositionJSON(2, map[int][]int{1: {0}}, "implement"))
	d := NewDecomposer(cfg, chat)

	dec, err := d.Decompose(context.Background(), "do the thing", nil)
	require.NoError(t, err)
	assert.Len(t, dec.Subtasks, 2)
	assert.NotEmpty(t, dec.ParseErrors, "first parse failure should be recorded")
}

func TestDecomposeFailsAfterRetry(t *testing.T) {
	cfg := gateConfig()
	chat := newFakeChat()
	chat.fallback = "still not json"
	chat.rules = nil
	d := NewDecomposer(cfg, chat)

	_, err := d.Decompose(context.Background(), "do the thing", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decomposition failed")
}

func TestDecomposeRejectsSingleSubtask(t *testing.T) {
	cfg := gateConfig()
	chat := newFakeChat().on("Break the following task",
		decompositionJSON(1, nil, "implement"))
	d := NewDecomposer(cfg, chat)

	_, err := d.Decompose(context.Background(), "tiny task", nil)
	require.Error(t, err)
	assert.Contains(t, strings.ToLower(err.Error()), "insufficient subtasks")
}

func TestDecomposeRejectsOutOfRangeIndex(t *testing.T) {
	cfg := gateConfig()
	chat := newFakeChat().on("Break the following task",
		`{"strategy": "parallel", "subtasks": [
			{"description": "a", "type": "implement", "complexity": 2, "depends_on": [7]},
			{"description": "b", "type": "implement", "complexity": 2, "depends_on": []}
		]}`)
	d := NewDecomposer(cfg, chat)

	_, err := d.Decompose(context.Background(), "x", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestDecomposeRejectsCycle(t *testing.T) {
	cfg := gateConfig()
	chat := newFakeChat().on("Break the following task",
		decompositionJSON(2, map[int][]int{0: {1}, 1: {0}}, "implement"))
	d := NewDecomposer(cfg, chat)

	_, err := d.Decompose(context.Background(), "x", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular")
}

func TestDecomposeFlagsFlatDAG(t *testing.T) {
	cfg := gateConfig()
	chat := newFakeChat().on("Break the following task",
		decompositionJSON(3, nil, "research"))
	d := NewDecomposer(cfg, chat)

	dec, err := d.Decompose(context.Background(), "x", nil)
	require.NoError(t, err)
	assert.True(t, dec.FlatDAG)
}

func TestDecomposeFencedReply(t *testing.T) {
	cfg := gateConfig()
	body := decompositionJSON(2, map[int][]int{1: {0}}, "implement")
	chat := newFakeChat().on("Break the following task",
		"Here is the plan:\n\n```json\n"+body+"\n```\n")
	d := NewDecomposer(cfg, chat)

	dec, err := d.Decompose(context.Background(), "x", nil)
	require.NoError(t, err)
	assert.Len(t, dec.Subtasks, 2)
	assert.Equal(t, models.StrategyAdaptive, dec.Strategy)
}
