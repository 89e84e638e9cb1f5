package statechain

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/linlurui/decentri-license/internal/token"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name              string
		incoming, current token.Token
		want              Outcome
	}{
		{
			name:     "higher index wins",
			incoming: token.Token{StateIndex: 5},
			current:  token.Token{StateIndex: 3},
			want:     Win,
		},
		{
			name:     "lower index loses despite newer issue time",
			incoming: token.Token{StateIndex: 2, IssueTime: 900},
			current:  token.Token{StateIndex: 3, IssueTime: 100},
			want:     Lose,
		},
		{
			name:     "equal index, older issue time loses",
			incoming: token.Token{StateIndex: 3, IssueTime: 100},
			current:  token.Token{StateIndex: 3, IssueTime: 200},
			want:     Lose,
		},
		{
			name:     "equal index, newer issue time wins",
			incoming: token.Token{StateIndex: 3, IssueTime: 300},
			current:  token.Token{StateIndex: 3, IssueTime: 200},
			want:     Win,
		},
		{
			name:     "full equality ties",
			incoming: token.Token{StateIndex: 3, IssueTime: 100},
			current:  token.Token{StateIndex: 3, IssueTime: 100},
			want:     RandomTie,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compare(tt.incoming, tt.current))
		})
	}
}

func TestResolver(t *testing.T) {
	tie := token.Token{StateIndex: 1, IssueTime: 10}

	heads := NewResolver(func() bool { return true })
	accept, outcome := heads.Resolve(tie, tie)
	assert.True(t, accept)
	assert.Equal(t, RandomTie, outcome)

	tails := NewResolver(func() bool { return false })
	accept, outcome = tails.Resolve(tie, tie)
	assert.False(t, accept)
	assert.Equal(t, RandomTie, outcome)

	accept, outcome = tails.Resolve(token.Token{StateIndex: 2}, tie)
	assert.True(t, accept)
	assert.Equal(t, Win, outcome)

	accept, outcome = heads.Resolve(token.Token{StateIndex: 0}, tie)
	assert.False(t, accept)
	assert.Equal(t, Lose, outcome)

	defaultResolver := NewResolver(nil)
	seen := map[bool]bool{}
	for i := 0; i < 200 && len(seen) < 2; i++ {
		accept, _ := defaultResolver.Resolve(tie, tie)
		seen[accept] = true
	}
	assert.Len(t, seen, 2, "crypto coin produces both outcomes")
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "WIN", Win.String())
	assert.Equal(t, "LOSE", Lose.String())
	assert.Equal(t, "RANDOM_TIE", RandomTie.String())
	assert.Equal(t, "UNKNOWN", Outcome(42).String())
}
