package orchestrate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mycelica/hypha/internal/rpc"
	"mycelica/hypha/internal/service"
)

// maxSessionRetries bounds re-login-and-replay per originating call.
const maxSessionRetries = 1

// execute runs op under the retry protocol:
//   - session expired: log in again, re-target op, resubmit (at most once,
//     and only when relogin is set)
//   - trust challenge: ask the decider; resubmit once if granted
//   - anything else: surfaced as is
func execute[T any](ctx context.Context, m *Manager, op *service.Op[T], relogin bool) (T, error) {
	var zero T
	sessionRetries, trustRetries := 0, 0
	for {
		v, err := op.Execute(ctx)
		if err == nil {
			return v, nil
		}
		kind := rpc.Classify(err)
		log := m.logger.With(
			zap.String("method", op.Method()),
			zap.Int("attempt", sessionRetries+trustRetries+1),
			zap.Stringer("kind", kind))

		switch kind {
		case rpc.KindSessionExpired:
			if !relogin || !op.Authenticated() || sessionRetries >= maxSessionRetries {
				log.Warn("session expired, giving up", zap.Error(err))
				return zero, err
			}
			sessionRetries++
			stale := op.Token()
			next, lerr := m.refreshSession(ctx, stale)
			if lerr != nil {
				log.Warn("re-login failed", zap.Error(lerr))
				return zero, lerr
			}
			op.ReplaceToken(stale, next)
			m.metrics.retry("session")
			log.Info("session refreshed, resubmitting")

		case rpc.KindTrustChallenge:
			challenge, ok := rpc.AsTrustChallenge(err)
			if !ok || trustRetries >= 1 {
				return zero, err
			}
			trustRetries++
			if terr := m.resolveTrust(ctx, op.Method(), challenge); terr != nil {
				return zero, terr
			}
			m.metrics.retry("trust")
			log.Info("trust granted, resubmitting", zap.String("host", challenge.Host))

		default:
			log.Debug("call failed", zap.Error(err))
			return zero, err
		}
	}
}

// resolveTrust asks the decider about ch and, on grant, trusts the
// certificate for the rest of the process.
func (m *Manager) resolveTrust(ctx context.Context, method string, ch *rpc.TrustChallengeError) error {
	if m.trust == nil {
		return fmt.Errorf("%w: %s (no trust decider)", rpc.ErrTrustDeclined, ch.Host)
	}
	decision, err := m.trust.Decide(ctx, Challenge{
		Method:      method,
		Host:        ch.Host,
		Fingerprint: ch.Fingerprint(),
		Certificate: ch.Certificate,
	})
	if err != nil {
		return fmt.Errorf("deciding trust for %s: %w", ch.Host, err)
	}
	m.logger.Info("trust decision",
		zap.String("host", ch.Host),
		zap.String("fingerprint", ch.Fingerprint()),
		zap.Stringer("decision", decision))
	if decision != TrustGrant {
		return fmt.Errorf("%w: %s", rpc.ErrTrustDeclined, ch.Host)
	}
	m.client.TrustStore().Grant(ch.Fingerprint())
	return nil
}
