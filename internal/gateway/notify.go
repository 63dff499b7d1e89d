package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gamegate/internal/protocol"
	"github.com/cory-johannsen/gamegate/internal/session"
	"github.com/cory-johannsen/gamegate/internal/worker"
)

// AnnounceDeadWorker returns a worker.HealthManager callback that tells every
// channel a reclaimed instance had members in which principals were lost.
// Each (principal, channel) pair is announced once.
func AnnounceDeadWorker(manager *session.Manager, logger *zap.Logger) func(context.Context, worker.DeadWorker) {
	return func(ctx context.Context, dw worker.DeadWorker) {
		principals := make(map[string]string, len(dw.Connections))
		for _, e := range dw.Connections {
			principals[e.ConnectionID] = e.Owner
		}

		announced := make(map[[2]string]bool)
		for _, m := range dw.Memberships {
			principal, ok := principals[m.ConnectionID]
			if !ok {
				continue
			}
			pair := [2]string{principal, m.Owner}
			if announced[pair] {
				continue
			}
			announced[pair] = true

			env := protocol.MustNew(protocol.PlayerDisconnected, protocol.PlayerDisconnectedPayload{
				PrincipalID: principal,
				Channel:     m.Owner,
			})
			n := manager.BroadcastToChannel(ctx, m.Owner, env)
			logger.Debug("announced lost player",
				zap.String("instance_id", dw.InstanceID),
				zap.String("principal_id", principal),
				zap.String("channel", m.Owner),
				zap.Int("delivered", n),
			)
		}
	}
}
