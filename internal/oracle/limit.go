package oracle

import (
	"context"

	"golang.org/x/time/rate"
)

type limited struct {
	Oracle
	lim *rate.Limiter
}

// Limit caps how fast sessions of o are opened, e.g. to respect simulation
// engine licenses shared by all workers of a host.
func Limit(o Oracle, every rate.Limit, burst int) Oracle {
	return &limited{Oracle: o, lim: rate.NewLimiter(every, burst)}
}

func (l *limited) Open(ctx context.Context) (Session, error) {
	if err := l.lim.Wait(ctx); err != nil {
		return nil, Transient(err)
	}
	return l.Oracle.Open(ctx)
}

func (l *limited) Ping(ctx context.Context) error {
	if p, ok := l.Oracle.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
