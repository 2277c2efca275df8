// Copyright 2025 James Ross

// Package fleet maintains the current availability of the static set of
// inference servers. It is stateless between calls: readiness is never
// cached across ticks, because a server may finish a job between them
// (spec.md §4.3). Probe fan-out is paced with a token-bucket limiter, and
// each backend carries its own circuit breaker so a crashed server stops
// absorbing probe latency every tick.
package fleet

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jamesross/imagegen-broker/internal/breaker"
	"github.com/jamesross/imagegen-broker/internal/obs"
)

// Prober is the subset of backend.Client the fleet view needs, narrowed so
// the view is testable against a fake.
type Prober interface {
	Probe(ctx context.Context) error
	AvailableCapacity(ctx context.Context) (int, error)
}

// Entry is one backend address plus its last-observed readiness.
type Entry struct {
	Addr  string
	Ready bool
}

// View answers "which servers can accept a job now?" by probing every
// configured backend concurrently, rate-limited, on every call.
type View struct {
	backends map[string]Prober
	addrs    []string
	limiter  *rate.Limiter

	mu       sync.Mutex
	breakers map[string]*breaker.CircuitBreaker
}

// New builds a fleet view over backends (addr -> Prober), capping probe
// fan-out to probesPerSecond.
func New(backends map[string]Prober, probesPerSecond float64) *View {
	addrs := make([]string, 0, len(backends))
	breakers := make(map[string]*breaker.CircuitBreaker, len(backends))
	for addr := range backends {
		addrs = append(addrs, addr)
		breakers[addr] = breaker.New(30*time.Second, 10*time.Second, 0.5, 3)
	}
	limit := rate.Limit(probesPerSecond)
	if probesPerSecond <= 0 {
		limit = rate.Inf
	}
	return &View{
		backends: backends,
		addrs:    addrs,
		limiter:  rate.NewLimiter(limit, len(addrs)+1),
		breakers: breakers,
	}
}

// IdleServers returns the subset of backends currently reporting ok and
// available_capacity()=0.
func (v *View) IdleServers(ctx context.Context) ([]string, error) {
	var wg sync.WaitGroup
	results := make(chan Entry, len(v.addrs))

	for _, addr := range v.addrs {
		addr := addr
		cb := v.breakerFor(addr)
		if !cb.Allow() {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := v.limiter.Wait(ctx); err != nil {
				cb.Record(false)
				return
			}
			ready := v.probeOne(ctx, addr)
			prev := cb.State()
			cb.Record(ready)
			curr := cb.State()
			v.updateBreakerMetric(addr, curr, prev != curr)
			results <- Entry{Addr: addr, Ready: ready}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var idle []string
	for e := range results {
		if e.Ready {
			idle = append(idle, e.Addr)
		}
	}
	obs.FleetIdleServers.Set(float64(len(idle)))
	return idle, nil
}

func (v *View) probeOne(ctx context.Context, addr string) bool {
	ctx, span := obs.StartProbeSpan(ctx, addr)
	defer span.End()

	backend := v.backends[addr]
	if err := backend.Probe(ctx); err != nil {
		obs.RecordError(ctx, err)
		return false
	}
	capacity, err := backend.AvailableCapacity(ctx)
	if err != nil {
		obs.RecordError(ctx, err)
		return false
	}
	obs.SetSpanSuccess(ctx)
	return capacity == 0
}

func (v *View) breakerFor(addr string) *breaker.CircuitBreaker {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.breakers[addr]
}

func (v *View) updateBreakerMetric(addr string, state breaker.State, transitioned bool) {
	switch state {
	case breaker.Closed:
		obs.CircuitBreakerState.WithLabelValues(addr).Set(0)
	case breaker.HalfOpen:
		obs.CircuitBreakerState.WithLabelValues(addr).Set(1)
	case breaker.Open:
		obs.CircuitBreakerState.WithLabelValues(addr).Set(2)
		if transitioned {
			obs.CircuitBreakerTrips.WithLabelValues(addr).Inc()
		}
	}
}
