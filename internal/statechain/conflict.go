package statechain

import (
	"crypto/rand"

	"github.com/linlurui/decentri-license/internal/token"
)

// Outcome is the precedence of an incoming token over the held one.
type Outcome int

const (
	Win Outcome = iota
	Lose
	RandomTie
)

func (o Outcome) String() string {
	switch o {
	case Win:
		return "WIN"
	case Lose:
		return "LOSE"
	case RandomTie:
		return "RANDOM_TIE"
	default:
		return "UNKNOWN"
	}
}

// Compare ranks incoming against current: higher state index wins, then
// later issue time. Full equality is a tie the caller must break.
func Compare(incoming, current token.Token) Outcome {
	switch {
	case incoming.StateIndex > current.StateIndex:
		return Win
	case incoming.StateIndex < current.StateIndex:
		return Lose
	case incoming.IssueTime > current.IssueTime:
		return Win
	case incoming.IssueTime < current.IssueTime:
		return Lose
	default:
		return RandomTie
	}
}

// CoinFlip returns true with probability one half.
type CoinFlip func() bool

// Resolver applies Compare and breaks ties with a coin flip. Ties are
// intentionally nondeterministic: two devices may pick different winners.
type Resolver struct {
	flip CoinFlip
}

// NewResolver uses flip for ties, or a crypto/rand coin when flip is nil.
func NewResolver(flip CoinFlip) *Resolver {
	if flip == nil {
		flip = cryptoCoin
	}
	return &Resolver{flip: flip}
}

// Resolve reports whether incoming should replace current.
func (r *Resolver) Resolve(incoming, current token.Token) (bool, Outcome) {
	outcome := Compare(incoming, current)
	switch outcome {
	case Win:
		return true, outcome
	case Lose:
		return false, outcome
	default:
		return r.flip(), outcome
	}
}

func cryptoCoin() bool {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return false
	}
	return b[0]&1 == 1
}
