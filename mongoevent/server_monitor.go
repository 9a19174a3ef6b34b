package mongoevent

import (
	"github.com/prestonvasquez/topology-listener/metrics"
	"go.mongodb.org/mongo-driver/v2/event"
	"go.uber.org/zap"
)

// Role is the server kind reported by the driver's server monitoring.
type Role string

const (
	RoleUnknown      Role = "Unknown"
	RoleStandalone   Role = "Standalone"
	RoleRSMember     Role = "RSMember"
	RoleRSPrimary    Role = "RSPrimary"
	RoleRSSecondary  Role = "RSSecondary"
	RoleRSArbiter    Role = "RSArbiter"
	RoleRSGhost      Role = "RSGhost"
	RoleMongos       Role = "Mongos"
	RoleLoadBalancer Role = "LoadBalancer"
)

// ParseRole converts a driver server kind. An empty kind is RoleUnknown.
func ParseRole(kind string) Role {
	if kind == "" {
		return RoleUnknown
	}

	return Role(kind)
}

// RoleChange is a single server's transition between two roles.
type RoleChange struct {
	Shard    string
	Address  string
	Previous Role
	New      Role
}

// RoleChangeFromEvent converts the driver's description change for a server of
// the given shard.
func RoleChangeFromEvent(shard string, evt *event.ServerDescriptionChangedEvent) RoleChange {
	return RoleChange{
		Shard:    shard,
		Address:  evt.Address.String(),
		Previous: ParseRole(evt.PreviousDescription.Kind),
		New:      ParseRole(evt.NewDescription.Kind),
	}
}

// Suppression reasons.
const (
	ReasonUnknownPrevious = "unknown_previous"
	ReasonNoOp            = "no_op"
)

// Triggerer receives "topology may have changed" signals. Trigger must not
// block.
type Triggerer interface {
	Trigger() bool
}

// Bridge filters role changes of one shard connection and forwards the
// meaningful ones as triggers.
type Bridge struct {
	shard   string
	target  Triggerer
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewBridge creates a bridge for the named shard. logger and m may be nil.
func NewBridge(shard string, target Triggerer, logger *zap.Logger, m *metrics.Metrics) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Bridge{
		shard:   shard,
		target:  target,
		logger:  logger.With(zap.String("shard", shard)),
		metrics: m,
	}
}

// Handle forwards rc iff the role actually changed and the previous role was
// known. The first classification of a fresh connection always starts from
// Unknown and is not a topology event. Handle reports whether rc was
// forwarded.
func (b *Bridge) Handle(rc RoleChange) bool {
	switch {
	case rc.Previous == RoleUnknown:
		b.metrics.TriggerSuppressed(ReasonUnknownPrevious)
		return false
	case rc.Previous == rc.New:
		b.metrics.TriggerSuppressed(ReasonNoOp)
		return false
	}

	b.logger.Info("server role changed",
		zap.String("address", rc.Address),
		zap.String("previous", string(rc.Previous)),
		zap.String("new", string(rc.New)))

	b.metrics.TriggerForwarded(b.shard)
	b.target.Trigger()

	return true
}

// NewEventServerMonitor creates an event.ServerMonitor that routes server
// description changes to the provided Bridge.
func NewEventServerMonitor(bridge *Bridge) *event.ServerMonitor {
	return &event.ServerMonitor{
		ServerDescriptionChanged: func(evt *event.ServerDescriptionChangedEvent) {
			bridge.Handle(RoleChangeFromEvent(bridge.shard, evt))
		},
	}
}
