package secretstore

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dc-tec/devstack-operator/internal/constants"
	operatorerrors "github.com/dc-tec/devstack-operator/internal/errors"
)

const (
	defaultRateLimitQPS   = 5.0
	defaultRateLimitBurst = 10

	defaultCircuitBreakerFailureThreshold = 20
	defaultCircuitBreakerOpenDuration     = 30 * time.Second
)

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

type circuitBreaker struct {
	failures         int
	state            circuitState
	openUntil        time.Time
	halfOpenInFlight bool
}

// smartClientState is the rate limiter and per-endpoint circuit breakers
// shared by every Client of one stack.
type smartClientState struct {
	limiter *rate.Limiter

	mu       sync.Mutex
	breakers map[string]*circuitBreaker

	failureThreshold int
	openDuration     time.Duration
}

var smartClientStates sync.Map // map[string]*smartClientState

func getOrCreateSmartState(cfg ClientConfig) *smartClientState {
	if cfg.StackKey == "" {
		return nil
	}
	if existing, ok := smartClientStates.Load(cfg.StackKey); ok {
		return existing.(*smartClientState)
	}

	qps := cfg.RateLimitQPS
	if qps <= 0 {
		qps = defaultRateLimitQPS
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = defaultRateLimitBurst
	}
	failureThreshold := cfg.CircuitBreakerFailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = defaultCircuitBreakerFailureThreshold
	}
	openDuration := cfg.CircuitBreakerOpenDuration
	if openDuration <= 0 {
		openDuration = defaultCircuitBreakerOpenDuration
	}

	state := &smartClientState{
		limiter:          rate.NewLimiter(rate.Limit(qps), burst),
		breakers:         make(map[string]*circuitBreaker),
		failureThreshold: failureThreshold,
		openDuration:     openDuration,
	}
	actual, _ := smartClientStates.LoadOrStore(cfg.StackKey, state)
	return actual.(*smartClientState)
}

// ForgetStack drops the shared limiter state of a deleted stack.
func ForgetStack(stackKey string) {
	smartClientStates.Delete(stackKey)
}

// HasStackState reports whether limiter state is held for stackKey.
func HasStackState(stackKey string) bool {
	_, ok := smartClientStates.Load(stackKey)
	return ok
}

func requestKey(req *http.Request) string {
	if req == nil || req.URL == nil {
		return "unknown"
	}
	return fmt.Sprintf("%s %s %s", req.URL.Host, req.Method, req.URL.Path)
}

func isHealthRequest(req *http.Request) bool {
	return req != nil && req.URL != nil && req.URL.Path == constants.APIPathSysHealth
}

func (s *smartClientState) allow(ctx context.Context, req *http.Request) error {
	if s == nil {
		return nil
	}
	// Health is polled while the backend restarts; it is only rate limited.
	if isHealthRequest(req) {
		return s.limiter.Wait(ctx)
	}
	key := requestKey(req)

	s.mu.Lock()
	br := s.breakers[key]
	if br == nil {
		br = &circuitBreaker{state: circuitClosed}
		s.breakers[key] = br
	}

	switch br.state {
	case circuitOpen:
		if time.Now().Before(br.openUntil) {
			until := br.openUntil
			s.mu.Unlock()
			return operatorerrors.WrapTransientRemoteOverloaded(
				fmt.Errorf("secrets backend circuit breaker open for %s (retry after %s)", key, time.Until(until).Truncate(time.Second)),
			)
		}
		br.state = circuitHalfOpen
		br.halfOpenInFlight = false
	case circuitHalfOpen:
		if br.halfOpenInFlight {
			s.mu.Unlock()
			return operatorerrors.WrapTransientRemoteOverloaded(
				fmt.Errorf("secrets backend circuit breaker half-open (probe in-flight) for %s", key),
			)
		}
	case circuitClosed:
	}

	probe := br.state == circuitHalfOpen
	if probe {
		br.halfOpenInFlight = true
	}
	s.mu.Unlock()

	if err := s.limiter.Wait(ctx); err != nil {
		if probe {
			s.mu.Lock()
			br.halfOpenInFlight = false
			s.mu.Unlock()
		}
		return err
	}
	return nil
}

func (s *smartClientState) after(req *http.Request, success bool) {
	if s == nil || isHealthRequest(req) {
		return
	}
	key := requestKey(req)

	s.mu.Lock()
	defer s.mu.Unlock()

	br := s.breakers[key]
	if br == nil {
		br = &circuitBreaker{state: circuitClosed}
		s.breakers[key] = br
	}

	if success {
		br.state = circuitClosed
		br.failures = 0
		br.halfOpenInFlight = false
		br.openUntil = time.Time{}
		return
	}

	switch br.state {
	case circuitHalfOpen:
		br.halfOpenInFlight = false
		br.state = circuitOpen
		br.openUntil = time.Now().Add(s.openDuration)
	case circuitClosed:
		br.failures++
		if br.failures >= s.failureThreshold {
			br.state = circuitOpen
			br.openUntil = time.Now().Add(s.openDuration)
		}
	case circuitOpen:
	}
}
