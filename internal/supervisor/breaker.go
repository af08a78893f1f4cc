package supervisor

import (
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// newBreaker wraps connection attempts in a circuit breaker so a venue that
// is actively rejecting connections (e.g. during an outage) stops taking a
// full dial-timeout per attempt once it has failed consistently. Grounded on
// fd1az-arbitrage-bot's initCircuitBreakers/DefaultConfig pattern
// (business/blockchain/infra/ethereum/subscriber.go), adapted from its
// *types.Header element type to this module's Conn.
func newBreaker(name string, logger *zap.Logger) *gobreaker.CircuitBreaker[Conn] {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return gobreaker.NewCircuitBreaker[Conn](st)
}
