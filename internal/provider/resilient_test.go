package provider_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calconnect-go/internal/apperr"
	"calconnect-go/internal/provider"
	"calconnect-go/internal/provider/providertest"
)

// flaky fails list and create calls with queued errors before delegating.
type flaky struct {
	*providertest.Fake

	mu      sync.Mutex
	errs    []error
	delay   time.Duration
	lastCtx context.Context
}

func (f *flaky) next(ctx context.Context) error {
	f.mu.Lock()
	f.lastCtx = ctx
	delay := f.delay
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return apperr.New(apperr.KindProviderTimeout, "stub timed out", ctx.Err())
		}
	}
	return err
}

func (f *flaky) ListCalendars(ctx context.Context, at string) ([]provider.Calendar, error) {
	if err := f.next(ctx); err != nil {
		f.Fake.ListCalendars(ctx, at)
		return nil, err
	}
	return f.Fake.ListCalendars(ctx, at)
}

func (f *flaky) CreateEvent(ctx context.Context, at, cal string, ev provider.EventPayload) (*provider.CreatedEvent, error) {
	if err := f.next(ctx); err != nil {
		f.Fake.CreateEvent(ctx, at, cal, ev)
		return nil, err
	}
	return f.Fake.CreateEvent(ctx, at, cal, ev)
}

func quietLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

func fastResilience() provider.ResilienceConfig {
	return provider.ResilienceConfig{Timeout: time.Second, MaxAttempts: 3, BaseBackoff: time.Millisecond}
}

func timeoutErr() error {
	return apperr.New(apperr.KindProviderTimeout, "timed out", context.DeadlineExceeded)
}

func TestResilient_RetriesTransientFailures(t *testing.T) {
	stub := &flaky{Fake: providertest.New(), errs: []error{timeoutErr(), timeoutErr()}}
	r := provider.WithResilience(stub, fastResilience(), quietLogger())

	cals, err := r.ListCalendars(context.Background(), "AT1")
	require.NoError(t, err)
	assert.Len(t, cals, 2)
	assert.Equal(t, 3, stub.Calls()["list"])
}

func TestResilient_GivesUpAfterMaxAttempts(t *testing.T) {
	stub := &flaky{Fake: providertest.New(), errs: []error{timeoutErr(), timeoutErr(), timeoutErr(), timeoutErr()}}
	r := provider.WithResilience(stub, fastResilience(), quietLogger())

	_, err := r.ListCalendars(context.Background(), "AT1")
	assert.Equal(t, apperr.KindProviderTimeout, apperr.KindOf(err))
	assert.Equal(t, 3, stub.Calls()["list"])
}

func TestResilient_DoesNotRetryPermanentFailures(t *testing.T) {
	for _, kind := range []apperr.Kind{apperr.KindReauthRequired, apperr.KindProviderError, apperr.KindTokenExchangeFailed} {
		t.Run(string(kind), func(t *testing.T) {
			stub := &flaky{Fake: providertest.New(), errs: []error{apperr.New(kind, "nope", nil)}}
			r := provider.WithResilience(stub, fastResilience(), quietLogger())

			_, err := r.ListCalendars(context.Background(), "AT1")
			assert.Equal(t, kind, apperr.KindOf(err))
			assert.Equal(t, 1, stub.Calls()["list"])
		})
	}
}

func TestResilient_CreateEventIsNotRetried(t *testing.T) {
	stub := &flaky{Fake: providertest.New(), errs: []error{timeoutErr()}}
	r := provider.WithResilience(stub, fastResilience(), quietLogger())

	_, err := r.CreateEvent(context.Background(), "AT1", "primary", provider.EventPayload{Title: "t"})
	assert.Equal(t, apperr.KindProviderTimeout, apperr.KindOf(err))
	assert.Equal(t, 1, stub.Calls()["create"])
}

func TestResilient_TimeoutBoundsEachCall(t *testing.T) {
	stub := &flaky{Fake: providertest.New(), delay: time.Minute}
	cfg := provider.ResilienceConfig{Timeout: 20 * time.Millisecond, MaxAttempts: 1}
	r := provider.WithResilience(stub, cfg, quietLogger())

	start := time.Now()
	_, err := r.ListCalendars(context.Background(), "AT1")
	assert.Equal(t, apperr.KindProviderTimeout, apperr.KindOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestResilient_CallerCancellationDoesNotAbortInFlightCall(t *testing.T) {
	stub := &flaky{Fake: providertest.New(), delay: 50 * time.Millisecond}
	r := provider.WithResilience(stub, fastResilience(), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(5*time.Millisecond, cancel)

	cals, err := r.ListCalendars(ctx, "AT1")
	require.NoError(t, err)
	assert.Len(t, cals, 2)
	assert.Error(t, ctx.Err())
}

func TestResilient_CanceledCallerStopsRetrying(t *testing.T) {
	stub := &flaky{Fake: providertest.New(), errs: []error{timeoutErr(), timeoutErr()}}
	cfg := provider.ResilienceConfig{Timeout: time.Second, MaxAttempts: 3, BaseBackoff: time.Hour}
	r := provider.WithResilience(stub, cfg, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := r.ListCalendars(ctx, "AT1")
	assert.Equal(t, apperr.KindProviderTimeout, apperr.KindOf(err))
	assert.Equal(t, 1, stub.Calls()["list"])
}

func TestResilient_PassesThroughIdentity(t *testing.T) {
	fake := providertest.New()
	fake.ProviderName = provider.Microsoft
	r := provider.WithResilience(fake, provider.DefaultResilience(), quietLogger())

	assert.Equal(t, provider.Microsoft, r.Name())
	assert.Contains(t, r.AuthCodeURL("s1", "v1"), "state=s1")
	require.NoError(t, r.DeleteEvent(context.Background(), "AT", "cal", "evt"))
	assert.Equal(t, "evt", fake.LastDeletedID)
}
