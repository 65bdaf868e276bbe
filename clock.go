package authx

import (
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// systemClock is the default time source.
var systemClock jwt.Clock = jwt.ClockFunc(time.Now)

// FixedClock returns a clock that always reports t. Handy for tests and
// for replaying a validation at a known instant.
func FixedClock(t time.Time) jwt.Clock {
	return jwt.ClockFunc(func() time.Time { return t })
}

// truncateNow returns the clock's current time in UTC at whole-second
// precision, which is what the wire form can carry.
func truncateNow(clock jwt.Clock) time.Time {
	return clock.Now().UTC().Truncate(time.Second)
}
