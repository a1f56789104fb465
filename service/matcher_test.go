package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type label string

type countingMatcher struct {
	result bool
	stage  label
	calls  int
}

func (m *countingMatcher) Matches(ext *Extensions, _ *Context, _ string) bool {
	m.calls++
	if m.stage != "" && ext != nil {
		Insert(ext, m.stage)
	}
	return m.result
}

func TestMatcherTruthTables(t *testing.T) {
	yes := Always[string]()
	no := Never[string]()

	for _, tc := range []struct {
		name string
		m    Matcher[string]
		want bool
	}{
		{"and empty", And[string](), true},
		{"and yes yes", And(yes, yes), true},
		{"and yes no", And(yes, no), false},
		{"and no yes", And(no, yes), false},
		{"or empty", Or[string](), false},
		{"or no no", Or(no, no), false},
		{"or no yes", Or(no, yes), true},
		{"or yes no", Or(yes, no), true},
		{"not yes", Not(yes), false},
		{"not no", Not(no), true},
		{"nested", And(Or(no, yes), Not(no)), true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.m.Matches(nil, Background(), "req"))
		})
	}
}

func TestAndShortCircuits(t *testing.T) {
	first := &countingMatcher{result: false}
	second := &countingMatcher{result: true}
	assert.False(t, And[string](first, second).Matches(nil, Background(), ""))
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 0, second.calls)
}

func TestOrShortCircuits(t *testing.T) {
	first := &countingMatcher{result: true}
	second := &countingMatcher{result: true}
	assert.True(t, Or[string](first, second).Matches(nil, Background(), ""))
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 0, second.calls)
}

func TestAndStagesOnlyOnSuccess(t *testing.T) {
	ext := NewExtensions()
	m := And[string](
		&countingMatcher{result: true, stage: "from-first"},
		&countingMatcher{result: false},
	)
	assert.False(t, m.Matches(ext, Background(), ""))
	assert.Equal(t, 0, ext.Len())

	ok := And[string](
		&countingMatcher{result: true, stage: "from-first"},
		&countingMatcher{result: true},
	).Matches(ext, Background(), "")
	require.True(t, ok)
	v, _ := Get[label](ext)
	assert.Equal(t, label("from-first"), v)
}

func TestOrStagesWinningBranchOnly(t *testing.T) {
	ext := NewExtensions()
	m := Or[string](
		&countingMatcher{result: false, stage: "loser"},
		&countingMatcher{result: true, stage: "winner"},
	)
	require.True(t, m.Matches(ext, Background(), ""))
	v, _ := Get[label](ext)
	assert.Equal(t, label("winner"), v)
	assert.Equal(t, 1, ext.Len())
}

func TestNotNeverStages(t *testing.T) {
	ext := NewExtensions()
	assert.True(t, Not[string](&countingMatcher{result: false, stage: "x"}).Matches(ext, Background(), ""))
	assert.False(t, Not[string](&countingMatcher{result: true, stage: "y"}).Matches(ext, Background(), ""))
	assert.Equal(t, 0, ext.Len())
}
