package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type BreakerSuite struct {
	suite.Suite
	now time.Time
}

func TestBreakerSuite(t *testing.T) {
	suite.Run(t, new(BreakerSuite))
}

func (s *BreakerSuite) SetupTest() {
	s.now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}

func (s *BreakerSuite) newBreaker(opts ...Option) *Breaker {
	clock := WithClock(func() time.Time { return s.now })
	return New("rule@v1", append([]Option{clock, WithCooldown(time.Minute)}, opts...)...)
}

func (s *BreakerSuite) failN(b *Breaker, n int) (opened bool) {
	for range n {
		_, change := b.RecordFailure()
		opened = opened || change.Opened
	}
	return opened
}

func (s *BreakerSuite) TestDefaults() {
	b := New("rule@v1")
	s.Equal("rule@v1", b.Name())
	s.Equal(StateClosed, b.State())
	s.True(b.Allow())

	s.False(s.failN(b, 4))
	s.True(s.failN(b, 1), "five consecutive failures open the breaker")
}

func (s *BreakerSuite) TestOpening() {
	s.Run("opens on the threshold failure only", func() {
		b := s.newBreaker(WithFailureThreshold(3))
		s.False(s.failN(b, 2))
		s.Equal(StateClosed, b.State())

		useFallback, change := b.RecordFailure()
		s.True(useFallback)
		s.True(change.Opened)
		s.Equal(StateOpen, b.State())

		useFallback, change = b.RecordFailure()
		s.True(useFallback)
		s.False(change.Opened, "failures while open do not report a new transition")
	})

	s.Run("a success clears the failure streak", func() {
		b := s.newBreaker(WithFailureThreshold(3))
		s.failN(b, 2)
		b.RecordSuccess()
		s.False(s.failN(b, 2))
		s.True(s.failN(b, 1))
	})
}

func (s *BreakerSuite) TestProbing() {
	b := s.newBreaker(WithFailureThreshold(1))
	s.failN(b, 1)
	s.False(b.Allow(), "calls fail fast during the cooldown")

	s.now = s.now.Add(time.Minute)
	s.True(b.Allow(), "one probe is admitted after the cooldown")
	s.False(b.Allow(), "further calls wait for the probe outcome")

	b.RecordFailure()
	s.Equal(StateOpen, b.State())
	s.False(b.Allow())

	s.now = s.now.Add(time.Minute)
	s.True(b.Allow())
	usePrimary, change := b.RecordSuccess()
	s.True(usePrimary)
	s.True(change.Closed)
	s.True(b.Allow())
}

func (s *BreakerSuite) TestClosing() {
	b := s.newBreaker(WithFailureThreshold(1), WithSuccessThreshold(3))
	s.failN(b, 1)

	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordFailure()
	s.Equal(StateOpen, b.State(), "a failure resets the success streak")

	for i := range 3 {
		usePrimary, change := b.RecordSuccess()
		s.Equal(i == 2, usePrimary)
		s.Equal(i == 2, change.Closed)
	}
	s.Equal(StateClosed, b.State())
}
