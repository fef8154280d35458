package clock

import "time"

// Clock permite controlar o tempo em testes (janelas de rate limit, expiração de depósitos)
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now().UTC()
}
